package task

import "context"

// ListOptions 约束查询范围。
type ListOptions struct {
	Status    Status
	ImplantID string
	Limit     int
}

// Store 抽象了任务状态的持久化接口。
// 所有状态迁移都是比较并交换：只有任务当前处于期望状态时迁移才会生效，
// 否则返回 ErrTaskConflict。
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// ClaimNext 取出目标植入体优先级最高（同级按创建时间最早）的排队任务，
	// 并迁移为 assigned。没有可派发任务时返回 ErrTaskNotFound。
	ClaimNext(ctx context.Context, implantID string) (*Task, error)
	// MarkCompleted 将 assigned 任务迁移为 completed。
	MarkCompleted(ctx context.Context, id string) error
	// MarkFailed 将 assigned 任务迁移为 failed，递增重试计数并记录下次重试时间。
	MarkFailed(ctx context.Context, id, errorCode, lastError string, nextRetryAt int64) error
	// MarkTimedOut 将 assigned 任务迁移为 timed_out，递增重试计数。
	MarkTimedOut(ctx context.Context, id string, nextRetryAt int64) error
	// Requeue 将 failed 或 timed_out 任务重新迁移为 queued。
	Requeue(ctx context.Context, id string) error
	// MarkPermanentlyFailed 将 failed 或 timed_out 任务迁移为终止态。
	MarkPermanentlyFailed(ctx context.Context, id string) error
	// PromotePriority 提升排队任务的优先级，防止低优先级任务饿死。
	PromotePriority(ctx context.Context, id string, priority int) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	// AppendResult 追加一条执行结果，结果记录不可修改。
	AppendResult(ctx context.Context, r *Result) error
	Results(ctx context.Context, taskID string) ([]*Result, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
