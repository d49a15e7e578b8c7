// Package server 实现控制端的 mTLS 接入层：
// 双向证书校验、证书固定、WebSocket 升级以及每连接的协议防护。
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"Sentinel-C2/internal/crypto"
	xerrors "Sentinel-C2/internal/errors"
	"Sentinel-C2/internal/events"
	"Sentinel-C2/internal/implant"
	"Sentinel-C2/internal/observability/metrics"
	"Sentinel-C2/internal/protocol"
	"Sentinel-C2/internal/registry"
	"Sentinel-C2/pkg/logger"
)

// Config 描述接入层的监听参数。
type Config struct {
	// Address 是监听地址，例如 ":8443"。
	Address string
	// CertFile 与 KeyFile 是服务端证书。
	CertFile string
	KeyFile  string
	// ClientCAFile 是校验客户端证书的 CA 链。
	ClientCAFile string
	// RequirePin 为真时客户端证书还必须命中固定表。
	RequirePin bool
	// ReadTimeout 是单次读取的超时时间。
	ReadTimeout time.Duration
}

// Server 接受植入体连接并驱动消息处理。
type Server struct {
	cfg      Config
	registry *registry.Registry
	pins     *crypto.PinStore
	handler  *Handler
	producer events.Producer
	// sessionKey 用于每连接的消息签名与载荷加密。
	sessionKey []byte

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	log      *slog.Logger
}

// NewServer 构造接入层。
func NewServer(cfg Config, reg *registry.Registry, pins *crypto.PinStore, handler *Handler, producer events.Producer, sessionKey []byte) (*Server, error) {
	if len(sessionKey) != crypto.KeySize {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话密钥长度必须为 32 字节")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Minute
	}
	return &Server{
		cfg:        cfg,
		registry:   reg,
		pins:       pins,
		handler:    handler,
		producer:   producer,
		sessionKey: sessionKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: logger.Named("server"),
	}, nil
}

// buildTLSConfig 加载服务端证书并强制双向认证。
func (s *Server) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载服务端证书失败")
	}
	caPEM, err := os.ReadFile(s.cfg.ClientCAFile)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取客户端 CA 失败")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "客户端 CA 证书无效")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Start 启动监听，阻塞直到 ctx 取消或监听失败。
func (s *Server) Start(ctx context.Context) error {
	tlsConfig, err := s.buildTLSConfig()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/implant/ws", s.handleImplantWS)

	s.httpSrv = &http.Server{
		Addr:      s.cfg.Address,
		Handler:   mux,
		TLSConfig: tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("接入层已启动", slog.String("address", s.cfg.Address))
		errCh <- s.httpSrv.ListenAndServeTLS("", "")
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		s.log.Info("接入层已停止")
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "接入层监听失败")
		}
		return nil
	}
}

// handleImplantWS 完成证书校验并把 HTTP 连接升级为 WebSocket。
func (s *Server) handleImplantWS(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}
	leaf := r.TLS.PeerCertificates[0]
	fingerprint := crypto.Fingerprint(leaf)

	// 证书固定：除 CA 校验外，叶子证书还必须命中固定表。
	if s.cfg.RequirePin {
		if !s.pins.VerifyCertificate(fingerprint) {
			s.log.Warn("证书固定校验失败",
				slog.String("fingerprint", fingerprint),
				slog.String("remote", r.RemoteAddr))
			http.Error(w, "certificate not pinned", http.StatusForbidden)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket 升级失败", slog.Any("error", err))
		return
	}

	connectionID := uuid.NewString()
	guard := protocol.NewGuard(connectionID, s.sessionKey)
	session := registry.NewSession(connectionID, fingerprint, &wsConn{conn: conn}, guard, time.Now())
	if err := s.registry.Add(session); err != nil {
		s.log.Error("登记会话失败", slog.Any("error", err))
		_ = conn.Close()
		return
	}

	s.log.Info("植入体连接已建立",
		slog.String("connection_id", connectionID),
		slog.String("fingerprint", fingerprint),
		slog.String("remote", r.RemoteAddr))

	go s.readLoop(session, conn)
}

// readLoop 驱动单连接的消息处理，直到连接关闭或违规超限。
func (s *Server) readLoop(session *registry.Session, conn *websocket.Conn) {
	ctx := context.Background()
	metrics.SessionOpened()
	defer metrics.SessionClosed()
	defer s.registry.Remove(session.ConnectionID)

	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Info("连接已断开",
				slog.String("connection_id", session.ConnectionID),
				slog.String("implant_id", session.ImplantID()))
			s.handler.Disconnected(ctx, session)
			return
		}

		result := session.Guard().Verify(raw)
		if !result.Valid {
			for _, reason := range result.Errors {
				metrics.ObserveViolation(reason)
			}
			s.log.Warn("协议违规",
				slog.String("connection_id", session.ConnectionID),
				slog.Any("reasons", result.Errors),
				slog.Int("violations", session.Guard().Violations()))
			s.publishViolation(ctx, session, result.Errors)
			if result.CloseConnection {
				s.log.Warn("违规次数超限，关闭连接",
					slog.String("connection_id", session.ConnectionID))
				s.handler.Disconnected(ctx, session)
				return
			}
			continue
		}

		handleErr := s.handler.Handle(ctx, session, result.Envelope, result.Payload)
		metrics.ObserveMessage(string(result.Envelope.Type), handleErr == nil)
		if err := handleErr; err != nil {
			s.log.Warn("消息处理失败",
				slog.String("connection_id", session.ConnectionID),
				slog.String("type", string(result.Envelope.Type)),
				slog.Any("error", err))
			// 注册被拒绝的会话保持未注册状态，允许植入体修正后重试；
			// 只有已终止身份的连接才立即关闭。
			if xerrors.CodeOf(err) == implant.CodeImplantTerminated {
				return
			}
		}
	}
}

func (s *Server) publishViolation(ctx context.Context, session *registry.Session, reasons []string) {
	if s.producer == nil {
		return
	}
	detail := ""
	if len(reasons) > 0 {
		detail = reasons[0]
	}
	_ = s.producer.Publish(ctx, &events.Event{
		Kind:      events.KindProtocolViolation,
		ImplantID: session.ImplantID(),
		Detail:    detail,
		Attributes: map[string]string{
			"connection_id": session.ConnectionID,
			"fingerprint":   session.Fingerprint,
		},
	})
}

// wsConn 把 gorilla 连接适配到登记簿的 Conn 接口。
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteMessage(messageType int, data []byte) error {
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

func (w *wsConn) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}
