package task

import (
	stdErrors "errors"

	xerrors "Sentinel-C2/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	// StatusPermanentlyFailed 是终止态：重试预算耗尽，任务不再被调度。
	StatusPermanentlyFailed Status = "permanently_failed"
)

// Task 描述下发给植入体的一条指令。
type Task struct {
	ID        string `json:"id"`
	ImplantID string `json:"implant_id"`
	// Command 是任务类别标识，须与植入体声明的能力匹配。
	Command string         `json:"command"`
	Args    []string       `json:"args,omitempty"`
	Payload string         `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	Priority   int    `json:"priority"`
	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	// TimeoutSeconds 是派发后允许执行的最长时间。
	TimeoutSeconds int    `json:"timeout_seconds"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	AssignedAt  int64 `json:"assigned_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`
	// NextRetryAt 是失败任务允许重新入队的最早时间。
	NextRetryAt int64 `json:"next_retry_at,omitempty"`
	UpdatedAt   int64 `json:"updated_at"`
}

// Result 是植入体回传的一次执行结果，只追加不修改。
type Result struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	ImplantID string `json:"implant_id"`
	// ResultType 标识结果载荷的形态，例如 stdout、file、screenshot。
	ResultType string `json:"result_type,omitempty"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	ReceivedAt int64  `json:"received_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的迁移。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskTimeout    xerrors.Code = "TASK_TIMEOUT"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:   "task retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskTimeout, xerrors.Attributes{
		Message:   "task execution timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusQueued, StatusAssigned, StatusCompleted,
		StatusFailed, StatusTimedOut, StatusPermanentlyFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否不再参与调度。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusPermanentlyFailed
}

// IsRetryable 判断状态是否等待重试判定。
func (s Status) IsRetryable() bool {
	return s == StatusFailed || s == StatusTimedOut
}

// IsTaskError 判断错误是否为指定的任务错误码。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrTaskNotFound) {
		return target == CodeTaskNotFound
	}
	if stdErrors.Is(err, ErrTaskConflict) {
		return target == CodeTaskConflict
	}
	if stdErrors.Is(err, ErrTaskExhausted) {
		return target == CodeTaskExhausted
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(t *Task) *Task {
	clone := *t
	clone.Args = append([]string(nil), t.Args...)
	clone.Metadata = cloneMetadata(t.Metadata)
	return &clone
}
