package alerting

import (
	"context"
	"log/slog"

	xerrors "Sentinel-C2/internal/errors"
	"Sentinel-C2/internal/events"
	"Sentinel-C2/pkg/logger"
)

// Bridge 从事件队列消费控制面事件，并把值得告警的事件转发到通知渠道。
type Bridge struct {
	consumer   events.Consumer
	dispatcher Dispatcher
	workers    int
	log        *slog.Logger
}

// NewBridge 创建事件到告警的桥接器。
func NewBridge(consumer events.Consumer, dispatcher Dispatcher, workers int) *Bridge {
	if workers <= 0 {
		workers = 2
	}
	return &Bridge{
		consumer:   consumer,
		dispatcher: dispatcher,
		workers:    workers,
		log:        logger.Named("alerting"),
	}
}

// Run 消费事件直到 ctx 取消。
func (b *Bridge) Run(ctx context.Context) error {
	return b.consumer.Consume(ctx, b.workers, func(ctx context.Context, event *events.Event) error {
		alert, ok := toAlert(event)
		if !ok {
			return nil
		}
		if err := b.dispatcher.Notify(ctx, alert); err != nil {
			b.log.Warn("告警发送失败",
				slog.String("kind", string(event.Kind)),
				slog.Any("error", err))
		}
		return nil
	})
}

// toAlert 判断事件是否需要告警并转换格式。
func toAlert(event *events.Event) (Event, bool) {
	var code xerrors.Code
	var severity xerrors.Severity

	switch event.Kind {
	case events.KindProtocolViolation:
		code = xerrors.CodeProtocolViolation
		severity = xerrors.SeverityWarning
	case events.KindImplantTerminated:
		code = xerrors.CodeRegistration
		severity = xerrors.SeverityWarning
	case events.KindTaskPermanentFail:
		code = xerrors.CodeRetriesExhausted
		severity = xerrors.SeverityCritical
	default:
		return Event{}, false
	}

	return Event{
		Code:       code,
		Message:    event.Detail,
		Severity:   severity,
		ImplantID:  event.ImplantID,
		TaskID:     event.TaskID,
		Metadata:   event.Attributes,
		OccurredAt: event.OccurredAt,
	}, true
}
