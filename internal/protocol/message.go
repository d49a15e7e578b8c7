package protocol

import (
	"encoding/json"
	"time"
)

// Type 标识一条消息的业务类型。
type Type string

// 植入体到控制端的消息类型。
const (
	TypeRegister    Type = "register"
	TypeHeartbeat   Type = "heartbeat"
	TypeTaskRequest Type = "task_request"
	TypeTaskResult  Type = "task_result"
	TypeTelemetry   Type = "telemetry"
	TypeError       Type = "error"
)

// 控制端到植入体的消息类型。
const (
	TypeRegisterAck  Type = "register_ack"
	TypeTaskAssign   Type = "task_assign"
	TypeConfigUpdate Type = "config_update"
	TypeTerminate    Type = "terminate"
)

// Envelope 是所有消息的线上封套。
// Payload 在 Encrypted 为真时存放 base64 编码的密文，
// IV 与 Tag 随封套传输并参与签名。
type Envelope struct {
	Type      Type            `json:"type"`
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Encrypted bool            `json:"encrypted,omitempty"`
	IV        string          `json:"iv,omitempty"`
	Tag       string          `json:"tag,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// RegisterPayload 是植入体注册时上报的身份信息。
type RegisterPayload struct {
	Name              string            `json:"name"`
	ImplantType       string            `json:"implant_type"`
	Version           string            `json:"version"`
	Hostname          string            `json:"hostname"`
	OS                string            `json:"os"`
	Architecture      string            `json:"architecture"`
	Addresses         []string          `json:"addresses,omitempty"`
	CertificateSerial string            `json:"certificate_serial"`
	Fingerprint       string            `json:"fingerprint"`
	Capabilities      []string          `json:"capabilities,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// RegisterAckPayload 在注册成功后返回植入体标识与心跳间隔。
type RegisterAckPayload struct {
	ImplantID         string `json:"implant_id"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds"`
}

// HeartbeatPayload 是周期性的存活上报。
type HeartbeatPayload struct {
	ImplantID         string `json:"implant_id"`
	Status            string `json:"status"`
	ConnectionQuality int    `json:"connection_quality"`
	ActiveTasks       int    `json:"active_tasks"`
}

// TaskRequestPayload 表示植入体请求领取任务。
type TaskRequestPayload struct {
	ImplantID string `json:"implant_id"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// TaskAssignPayload 是下发给植入体的一个任务。
type TaskAssignPayload struct {
	TaskID         string            `json:"task_id"`
	TaskType       string            `json:"task_type"`
	Command        string            `json:"command"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	Priority       int               `json:"priority"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

// TaskResultPayload 是植入体回传的一次任务执行结果。
type TaskResultPayload struct {
	TaskID          string `json:"task_id"`
	ImplantID       string `json:"implant_id"`
	ResultType      string `json:"result_type"`
	Data            string `json:"data,omitempty"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// TelemetryPayload 是植入体的健康采样。
type TelemetryPayload struct {
	ImplantID     string  `json:"implant_id"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	// HealthScore 是植入体自评的综合健康分，取值范围 [0, 100]。
	HealthScore   float64           `json:"health_score"`
	ActiveTasks   int               `json:"active_tasks"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// ErrorPayload 用于双向传递应用层错误。
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TerminatePayload 是控制端下发的终止通知。
type TerminatePayload struct {
	ImplantID string `json:"implant_id"`
	Reason    string `json:"reason,omitempty"`
}

// ConfigUpdatePayload 下发运行时配置变更。
type ConfigUpdatePayload struct {
	HeartbeatInterval int               `json:"heartbeat_interval_seconds,omitempty"`
	Settings          map[string]string `json:"settings,omitempty"`
}
