package events

import "context"

// Handler 处理从队列消费到的事件。
type Handler func(ctx context.Context, event *Event) error

// Producer 负责向队列发布事件。
type Producer interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
