package registry

import (
	"sync"
	"time"

	"Sentinel-C2/internal/protocol"
)

// Conn 抽象底层连接，真实实现是 gorilla/websocket 连接。
type Conn interface {
	// WriteMessage 发送一条文本帧。
	WriteMessage(messageType int, data []byte) error
	// Close 关闭底层连接。
	Close() error
	// RemoteAddr 返回对端地址的字符串形式。
	RemoteAddr() string
}

// Session 表示一条已建立的植入体连接及其会话状态。
// 会话在 TLS 握手完成后创建，注册成功前 Authenticated 为 false。
type Session struct {
	mu sync.RWMutex

	// ConnectionID 是本次连接的唯一标识，每次重连都会变化。
	ConnectionID string
	// Fingerprint 是客户端证书的 SHA-256 指纹。
	Fingerprint string

	conn  Conn
	guard *protocol.Guard

	implantID     string
	authenticated bool
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// NewSession 创建未认证的会话。
func NewSession(connectionID, fingerprint string, conn Conn, guard *protocol.Guard, now time.Time) *Session {
	return &Session{
		ConnectionID:  connectionID,
		Fingerprint:   fingerprint,
		conn:          conn,
		guard:         guard,
		connectedAt:   now,
		lastHeartbeat: now,
	}
}

// Guard 返回该会话的协议校验器。
func (s *Session) Guard() *protocol.Guard {
	return s.guard
}

// Conn 返回底层连接。
func (s *Session) Conn() Conn {
	return s.conn
}

// Authenticate 在注册成功后绑定植入体身份。
func (s *Session) Authenticate(implantID string) {
	s.mu.Lock()
	s.implantID = implantID
	s.authenticated = true
	s.mu.Unlock()
}

// Authenticated 报告会话是否完成注册。
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// ImplantID 返回绑定的植入体 ID，未注册时为空。
func (s *Session) ImplantID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.implantID
}

// ConnectedAt 返回连接建立时间。
func (s *Session) ConnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedAt
}

// TouchHeartbeat 刷新最近一次心跳时间。
func (s *Session) TouchHeartbeat(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

// LastHeartbeat 返回最近一次心跳时间。
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// Close 关闭底层连接，重复调用是安全的。
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
