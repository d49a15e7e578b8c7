// Package events 把控制面的关键事件发布到消息队列，
// 供审计管道与外部告警系统消费。
package events

import (
	"encoding/json"
	"time"

	xerrors "Sentinel-C2/internal/errors"
)

// Kind 标识事件类别。
type Kind string

const (
	KindImplantRegistered   Kind = "implant.registered"
	KindImplantReconnected  Kind = "implant.reconnected"
	KindImplantDisconnected Kind = "implant.disconnected"
	KindImplantTerminated   Kind = "implant.terminated"
	KindProtocolViolation   Kind = "protocol.violation"
	KindTaskQueued          Kind = "task.queued"
	KindTaskAssigned        Kind = "task.assigned"
	KindTaskCompleted       Kind = "task.completed"
	KindTaskFailed          Kind = "task.failed"
	KindTaskTimedOut        Kind = "task.timed_out"
	KindTaskPermanentFail   Kind = "task.permanently_failed"
)

// Event 是发布到队列的一条控制面事件。
type Event struct {
	Kind       Kind              `json:"kind"`
	ImplantID  string            `json:"implant_id,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Encode 序列化事件为 JSON。
func (e *Event) Encode() ([]byte, error) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	return data, nil
}

// Decode 反序列化一条事件。
func Decode(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解码事件失败")
	}
	return &event, nil
}
