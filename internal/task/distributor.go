package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "Sentinel-C2/internal/errors"
	"Sentinel-C2/pkg/logger"
)

const (
	// DefaultBackoffBase 是失败重试的基础退避时间。
	DefaultBackoffBase = 30 * time.Second
	// DefaultStarvationAge 是排队任务触发优先级提升的等待时间。
	DefaultStarvationAge = 5 * time.Minute
	// DefaultSweepInterval 是后台巡检周期。
	DefaultSweepInterval = 15 * time.Second
)

// Distributor 负责任务的入队、派发、重试与超时处理。
// 各个阶段都可以独立调用，Run 会按固定周期驱动巡检阶段。
type Distributor struct {
	store   Store
	checker *SafetyChecker
	log     *slog.Logger

	backoffBase   time.Duration
	starvationAge time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	// OnTransition 在任务状态迁移后回调，供上层发布事件。可以为 nil。
	OnTransition func(t *Task, to Status)
}

// DistributorOption 配置 Distributor。
type DistributorOption func(*Distributor)

// WithBackoffBase 覆盖重试退避基数。
func WithBackoffBase(d time.Duration) DistributorOption {
	return func(dist *Distributor) {
		if d > 0 {
			dist.backoffBase = d
		}
	}
}

// WithStarvationAge 覆盖饿死判定时间。
func WithStarvationAge(d time.Duration) DistributorOption {
	return func(dist *Distributor) {
		if d > 0 {
			dist.starvationAge = d
		}
	}
}

// WithSweepInterval 覆盖巡检周期。
func WithSweepInterval(d time.Duration) DistributorOption {
	return func(dist *Distributor) {
		if d > 0 {
			dist.sweepInterval = d
		}
	}
}

// WithDistributorClock 注入时钟，测试用。
func WithDistributorClock(now func() time.Time) DistributorOption {
	return func(dist *Distributor) {
		if now != nil {
			dist.now = now
		}
	}
}

// NewDistributor 创建任务分发器。
func NewDistributor(store Store, checker *SafetyChecker, opts ...DistributorOption) *Distributor {
	d := &Distributor{
		store:         store,
		checker:       checker,
		log:           logger.Named("distributor"),
		backoffBase:   DefaultBackoffBase,
		starvationAge: DefaultStarvationAge,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue 校验安全策略并创建一个排队任务。
// 违反策略的任务在持久化之前就被拒绝。
func (d *Distributor) Enqueue(ctx context.Context, t *Task) (*Task, error) {
	if t == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务不能为空")
	}

	stats, err := d.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	implantQueued, err := d.store.List(ctx, ListOptions{Status: StatusQueued, ImplantID: t.ImplantID})
	if err != nil {
		return nil, err
	}
	if err := d.checker.Check(t, stats.Queued, len(implantQueued)); err != nil {
		d.log.Warn("任务被安全策略拒绝",
			slog.String("implant_id", t.ImplantID),
			slog.String("command", t.Command),
			slog.Any("error", err))
		return nil, err
	}

	limits := d.checker.Limits()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = limits.MaxRetries
	}
	if t.TimeoutSeconds == 0 {
		t.TimeoutSeconds = limits.DefaultTimeoutSeconds
	}
	t.Status = StatusQueued
	t.RetryCount = 0
	t.CreatedAt = d.now().Unix()

	if err := d.store.Create(ctx, t); err != nil {
		return nil, err
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", t.ID),
		slog.String("implant_id", t.ImplantID),
		slog.String("command", t.Command),
		slog.Int("priority", t.Priority))
	d.notify(t, StatusQueued)
	return cloneTask(t), nil
}

// Assign 为指定植入体派发一个任务，没有可派发任务时返回 ErrTaskNotFound。
// 植入体在途任务达到并发上限时同样返回 ErrTaskNotFound，等其回传结果后再派发。
func (d *Distributor) Assign(ctx context.Context, implantID string) (*Task, error) {
	if max := d.checker.Limits().MaxConcurrentAssignments; max > 0 {
		inflight, err := d.store.List(ctx, ListOptions{Status: StatusAssigned, ImplantID: implantID})
		if err != nil {
			return nil, err
		}
		if len(inflight) >= max {
			d.log.Warn("植入体在途任务已达并发上限",
				slog.String("implant_id", implantID),
				slog.Int("inflight", len(inflight)),
				slog.Int("limit", max))
			return nil, ErrTaskNotFound
		}
	}
	t, err := d.store.ClaimNext(ctx, implantID)
	if err != nil {
		return nil, err
	}
	d.log.Info("任务已派发",
		slog.String("task_id", t.ID),
		slog.String("implant_id", implantID),
		slog.Int("priority", t.Priority))
	d.notify(t, StatusAssigned)
	return t, nil
}

// Complete 记录植入体回传的执行结果并迁移任务状态。
// 结果记录是追加式的，即使状态迁移失败也会保留。
func (d *Distributor) Complete(ctx context.Context, r *Result) error {
	if r == nil || r.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结果不能为空")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.ReceivedAt = d.now().Unix()
	if err := d.store.AppendResult(ctx, r); err != nil {
		return err
	}

	if r.Success {
		if err := d.store.MarkCompleted(ctx, r.TaskID); err != nil {
			return err
		}
		t, _ := d.store.Get(ctx, r.TaskID)
		d.notify(t, StatusCompleted)
		return nil
	}
	return d.fail(ctx, r.TaskID, string(xerrors.CodeUnknown), r.Error)
}

func (d *Distributor) fail(ctx context.Context, taskID, errorCode, lastError string) error {
	t, err := d.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	nextRetryAt := d.now().Add(d.backoff(t.RetryCount)).Unix()
	if err := d.store.MarkFailed(ctx, taskID, errorCode, lastError, nextRetryAt); err != nil {
		return err
	}
	d.log.Warn("任务执行失败",
		slog.String("task_id", taskID),
		slog.Int("retry_count", t.RetryCount+1),
		slog.String("error", lastError))
	d.notify(t, StatusFailed)
	return nil
}

// backoff 返回第 retryCount 次重试前的等待时间：base * 2^retryCount。
func (d *Distributor) backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 16 {
		retryCount = 16
	}
	return d.backoffBase * time.Duration(1<<uint(retryCount))
}

// PromoteStarved 提升等待过久的排队任务的优先级。
func (d *Distributor) PromoteStarved(ctx context.Context) (int, error) {
	queued, err := d.store.List(ctx, ListOptions{Status: StatusQueued})
	if err != nil {
		return 0, err
	}
	cutoff := d.now().Add(-d.starvationAge).Unix()
	maxPriority := d.checker.Limits().MaxPriority

	promoted := 0
	for _, t := range queued {
		if t.CreatedAt > cutoff {
			continue
		}
		next := t.Priority + 1
		if maxPriority > 0 && next > maxPriority {
			continue
		}
		if err := d.store.PromotePriority(ctx, t.ID, next); err != nil {
			if stdErrors.Is(err, ErrTaskConflict) {
				continue
			}
			return promoted, err
		}
		promoted++
	}
	if promoted > 0 {
		d.log.Info("饿死任务已提升优先级", slog.Int("count", promoted))
	}
	return promoted, nil
}

// RetryFailed 把到达重试时间的失败任务重新入队，
// 重试预算耗尽的任务迁移为终止态。
func (d *Distributor) RetryFailed(ctx context.Context) (requeued, terminal int, err error) {
	for _, status := range []Status{StatusFailed, StatusTimedOut} {
		tasks, listErr := d.store.List(ctx, ListOptions{Status: status})
		if listErr != nil {
			return requeued, terminal, listErr
		}
		now := d.now().Unix()
		for _, t := range tasks {
			if t.RetryCount > t.MaxRetries {
				if markErr := d.store.MarkPermanentlyFailed(ctx, t.ID); markErr != nil {
					if stdErrors.Is(markErr, ErrTaskConflict) {
						continue
					}
					return requeued, terminal, markErr
				}
				terminal++
				d.log.Error("任务重试预算耗尽",
					slog.String("task_id", t.ID),
					slog.Int("retry_count", t.RetryCount))
				d.notify(t, StatusPermanentlyFailed)
				continue
			}
			if t.NextRetryAt > now {
				continue
			}
			if requeueErr := d.store.Requeue(ctx, t.ID); requeueErr != nil {
				if stdErrors.Is(requeueErr, ErrTaskConflict) {
					continue
				}
				return requeued, terminal, requeueErr
			}
			requeued++
			d.notify(t, StatusQueued)
		}
	}
	return requeued, terminal, nil
}

// HandleTimeouts 把超出执行时限的派发任务迁移为 timed_out。
func (d *Distributor) HandleTimeouts(ctx context.Context) (int, error) {
	assigned, err := d.store.List(ctx, ListOptions{Status: StatusAssigned})
	if err != nil {
		return 0, err
	}
	now := d.now()
	timedOut := 0
	for _, t := range assigned {
		if t.TimeoutSeconds <= 0 {
			continue
		}
		deadline := t.AssignedAt + int64(t.TimeoutSeconds)
		if now.Unix() <= deadline {
			continue
		}
		nextRetryAt := now.Add(d.backoff(t.RetryCount)).Unix()
		if err := d.store.MarkTimedOut(ctx, t.ID, nextRetryAt); err != nil {
			if stdErrors.Is(err, ErrTaskConflict) {
				continue
			}
			return timedOut, err
		}
		timedOut++
		d.log.Warn("任务执行超时",
			slog.String("task_id", t.ID),
			slog.String("implant_id", t.ImplantID))
		d.notify(t, StatusTimedOut)
	}
	return timedOut, nil
}

// Stats 返回任务状态统计。
func (d *Distributor) Stats(ctx context.Context) (Stats, error) {
	return d.store.Stats(ctx)
}

// Get 返回指定任务。
func (d *Distributor) Get(ctx context.Context, id string) (*Task, error) {
	return d.store.Get(ctx, id)
}

// Results 返回指定任务的执行结果。
func (d *Distributor) Results(ctx context.Context, taskID string) ([]*Result, error) {
	return d.store.Results(ctx, taskID)
}

// Run 周期性驱动巡检阶段，直到 ctx 取消。
func (d *Distributor) Run(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	d.log.Info("任务巡检已启动", slog.Duration("interval", d.sweepInterval))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("任务巡检已停止")
			return
		case <-ticker.C:
			if _, err := d.HandleTimeouts(ctx); err != nil {
				d.log.Error("超时巡检失败", slog.Any("error", err))
			}
			if _, _, err := d.RetryFailed(ctx); err != nil {
				d.log.Error("重试巡检失败", slog.Any("error", err))
			}
			if _, err := d.PromoteStarved(ctx); err != nil {
				d.log.Error("优先级巡检失败", slog.Any("error", err))
			}
		}
	}
}

func (d *Distributor) notify(t *Task, to Status) {
	if d.OnTransition == nil || t == nil {
		return
	}
	d.OnTransition(cloneTask(t), to)
}
