package task

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "Sentinel-C2/internal/errors"
)

func newTestDistributor(t *testing.T, opts ...DistributorOption) (*Distributor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	checker, err := NewSafetyChecker(DefaultSafetyLimits())
	if err != nil {
		t.Fatalf("创建安全校验器失败: %v", err)
	}
	return NewDistributor(store, checker, opts...), store
}

func newQueuedTask(implantID, command string, priority int) *Task {
	return &Task{ImplantID: implantID, Command: command, Priority: priority}
}

func TestEnqueueAndAssignByPriority(t *testing.T) {
	dist, _ := newTestDistributor(t)
	ctx := context.Background()

	low, err := dist.Enqueue(ctx, newQueuedTask("imp-1", "proc_list", 1))
	if err != nil {
		t.Fatalf("低优先级任务入队失败: %v", err)
	}
	high, err := dist.Enqueue(ctx, newQueuedTask("imp-1", "shell_exec", 8))
	if err != nil {
		t.Fatalf("高优先级任务入队失败: %v", err)
	}

	// 优先级高的任务先被派发。
	first, err := dist.Assign(ctx, "imp-1")
	if err != nil {
		t.Fatalf("派发失败: %v", err)
	}
	if first.ID != high.ID {
		t.Errorf("应先派发高优先级任务，实际派发 %s", first.ID)
	}
	if first.Status != StatusAssigned || first.AssignedAt == 0 {
		t.Errorf("派发后状态不正确: %+v", first)
	}

	second, err := dist.Assign(ctx, "imp-1")
	if err != nil {
		t.Fatalf("派发失败: %v", err)
	}
	if second.ID != low.ID {
		t.Errorf("第二个应为低优先级任务，实际 %s", second.ID)
	}

	if _, err := dist.Assign(ctx, "imp-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("队列为空时应返回 ErrTaskNotFound，实际: %v", err)
	}
}

func TestAssignSamePriorityOldestFirst(t *testing.T) {
	base := time.Now()
	clock := base
	dist, _ := newTestDistributor(t, WithDistributorClock(func() time.Time { return clock }))
	ctx := context.Background()

	older, _ := dist.Enqueue(ctx, newQueuedTask("imp-1", "shell_exec", 5))
	clock = base.Add(5 * time.Second)
	if _, err := dist.Enqueue(ctx, newQueuedTask("imp-1", "proc_list", 5)); err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	first, err := dist.Assign(ctx, "imp-1")
	if err != nil {
		t.Fatalf("派发失败: %v", err)
	}
	if first.ID != older.ID {
		t.Errorf("同优先级应先派发较早的任务，实际 %s", first.ID)
	}
}

func TestAssignIsScopedToImplant(t *testing.T) {
	dist, _ := newTestDistributor(t)
	ctx := context.Background()

	if _, err := dist.Enqueue(ctx, newQueuedTask("imp-1", "shell_exec", 5)); err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	if _, err := dist.Assign(ctx, "imp-2"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("不应派发其他植入体的任务，实际: %v", err)
	}
}

func TestCompleteSuccess(t *testing.T) {
	dist, store := newTestDistributor(t)
	ctx := context.Background()

	queued, _ := dist.Enqueue(ctx, newQueuedTask("imp-1", "shell_exec", 5))
	assigned, _ := dist.Assign(ctx, "imp-1")

	err := dist.Complete(ctx, &Result{
		TaskID:     assigned.ID,
		ImplantID:  "imp-1",
		ResultType: "stdout",
		Success:    true,
		ExitCode:   0,
		Output:     "uid=0(root)",
		DurationMS: 120,
	})
	if err != nil {
		t.Fatalf("记录结果失败: %v", err)
	}

	got, _ := store.Get(ctx, queued.ID)
	if got.Status != StatusCompleted || got.CompletedAt == 0 {
		t.Errorf("任务应为 completed: %+v", got)
	}
	results, _ := store.Results(ctx, queued.ID)
	if len(results) != 1 || results[0].Output != "uid=0(root)" {
		t.Errorf("结果记录不正确: %+v", results)
	}
	if results[0].ResultType != "stdout" || results[0].ExitCode != 0 {
		t.Errorf("结果类型与退出码应被保留: %+v", results[0])
	}
}

func TestAssignRespectsConcurrencyLimit(t *testing.T) {
	limits := DefaultSafetyLimits()
	limits.MaxConcurrentAssignments = 1
	checker, err := NewSafetyChecker(limits)
	if err != nil {
		t.Fatalf("创建安全校验器失败: %v", err)
	}
	store := NewMemoryStore()
	dist := NewDistributor(store, checker)
	ctx := context.Background()

	if _, err := dist.Enqueue(ctx, newQueuedTask("imp-1", "shell_exec", 5)); err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	if _, err := dist.Enqueue(ctx, newQueuedTask("imp-1", "proc_list", 5)); err != nil {
		t.Fatalf("入队失败: %v", err)
	}

	first, err := dist.Assign(ctx, "imp-1")
	if err != nil {
		t.Fatalf("首次派发失败: %v", err)
	}

	// 在途任务达到上限后不再派发，即使队列里还有任务。
	if _, err := dist.Assign(ctx, "imp-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("达到并发上限后应返回 ErrTaskNotFound，实际: %v", err)
	}

	// 回传结果释放名额后恢复派发。
	if err := dist.Complete(ctx, &Result{TaskID: first.ID, ImplantID: "imp-1", Success: true}); err != nil {
		t.Fatalf("记录结果失败: %v", err)
	}
	if _, err := dist.Assign(ctx, "imp-1"); err != nil {
		t.Errorf("释放名额后派发失败: %v", err)
	}
}

func TestFailureRetryWithBackoff(t *testing.T) {
	base := time.Now()
	dist, store := newTestDistributor(t,
		WithBackoffBase(30*time.Second),
		WithDistributorClock(func() time.Time { return base }))
	ctx := context.Background()

	queued, _ := dist.Enqueue(ctx, newQueuedTask("imp-1", "shell_exec", 5))
	assigned, _ := dist.Assign(ctx, "imp-1")

	err := dist.Complete(ctx, &Result{TaskID: assigned.ID, ImplantID: "imp-1", Success: false, Error: "exec failed"})
	if err != nil {
		t.Fatalf("记录失败结果出错: %v", err)
	}

	got, _ := store.Get(ctx, queued.ID)
	if got.Status != StatusFailed || got.RetryCount != 1 {
		t.Fatalf("首次失败后状态不正确: %+v", got)
	}
	// 第 0 次重试的退避是 base * 2^0 = 30s。
	if want := base.Add(30 * time.Second).Unix(); got.NextRetryAt != want {
		t.Errorf("退避时间期望 %d，实际 %d", want, got.NextRetryAt)
	}

	// 未到重试时间不得重新入队。
	requeued, terminal, err := dist.RetryFailed(ctx)
	if err != nil || requeued != 0 || terminal != 0 {
		t.Fatalf("过早重试: requeued=%d terminal=%d err=%v", requeued, terminal, err)
	}

	// 时间推进后任务重新入队。
	store.now = func() time.Time { return base.Add(31 * time.Second) }
	dist.now = store.now
	requeued, _, err = dist.RetryFailed(ctx)
	if err != nil || requeued != 1 {
		t.Fatalf("到期后应重新入队: requeued=%d err=%v", requeued, err)
	}
	got, _ = store.Get(ctx, queued.ID)
	if got.Status != StatusQueued {
		t.Errorf("重试后应为 queued，实际: %s", got.Status)
	}
}

func TestBackoffDoubles(t *testing.T) {
	dist, _ := newTestDistributor(t, WithBackoffBase(30*time.Second))
	for i, want := range []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute} {
		if got := dist.backoff(i); got != want {
			t.Errorf("第 %d 次重试退避期望 %v，实际 %v", i, want, got)
		}
	}
}

func TestPermanentFailureAfterBudgetExhausted(t *testing.T) {
	base := time.Now()
	clock := base
	dist, store := newTestDistributor(t,
		WithBackoffBase(time.Second),
		WithDistributorClock(func() time.Time { return clock }))
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	queued, _ := dist.Enqueue(ctx, newQueuedTask("imp-1", "shell_exec", 5))

	// 任务默认 3 次重试预算；连续失败直到预算耗尽。
	for i := 0; i < 4; i++ {
		assigned, err := dist.Assign(ctx, "imp-1")
		if err != nil {
			t.Fatalf("第 %d 次派发失败: %v", i, err)
		}
		if err := dist.Complete(ctx, &Result{TaskID: assigned.ID, ImplantID: "imp-1", Success: false, Error: "boom"}); err != nil {
			t.Fatalf("第 %d 次失败记录出错: %v", i, err)
		}
		clock = clock.Add(time.Hour)
		if i < 3 {
			if requeued, _, err := dist.RetryFailed(ctx); err != nil || requeued != 1 {
				t.Fatalf("第 %d 次重试入队失败: requeued=%d err=%v", i, requeued, err)
			}
		}
	}

	_, terminal, err := dist.RetryFailed(ctx)
	if err != nil || terminal != 1 {
		t.Fatalf("预算耗尽后应终止: terminal=%d err=%v", terminal, err)
	}
	got, _ := store.Get(ctx, queued.ID)
	if got.Status != StatusPermanentlyFailed {
		t.Errorf("任务应为 permanently_failed，实际: %s", got.Status)
	}
	// 终止态任务不再被派发。
	if _, err := dist.Assign(ctx, "imp-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("终止态任务不应被派发，实际: %v", err)
	}
}

func TestHandleTimeouts(t *testing.T) {
	base := time.Now()
	clock := base
	dist, store := newTestDistributor(t, WithDistributorClock(func() time.Time { return clock }))
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	queued, _ := dist.Enqueue(ctx, newQueuedTask("imp-1", "shell_exec", 5))
	if _, err := dist.Assign(ctx, "imp-1"); err != nil {
		t.Fatalf("派发失败: %v", err)
	}

	// 未超时不得标记。
	clock = base.Add(time.Minute)
	if timedOut, err := dist.HandleTimeouts(ctx); err != nil || timedOut != 0 {
		t.Fatalf("过早超时: timedOut=%d err=%v", timedOut, err)
	}

	// 超过默认 300 秒执行时限后标记为 timed_out。
	clock = base.Add(6 * time.Minute)
	timedOut, err := dist.HandleTimeouts(ctx)
	if err != nil || timedOut != 1 {
		t.Fatalf("超时巡检失败: timedOut=%d err=%v", timedOut, err)
	}
	got, _ := store.Get(ctx, queued.ID)
	if got.Status != StatusTimedOut || got.RetryCount != 1 {
		t.Errorf("超时后状态不正确: %+v", got)
	}
}

func TestPromoteStarved(t *testing.T) {
	base := time.Now()
	clock := base
	dist, store := newTestDistributor(t,
		WithStarvationAge(5*time.Minute),
		WithDistributorClock(func() time.Time { return clock }))
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	starved, _ := dist.Enqueue(ctx, newQueuedTask("imp-1", "proc_list", 1))
	clock = base.Add(6 * time.Minute)
	fresh, _ := dist.Enqueue(ctx, newQueuedTask("imp-1", "shell_exec", 1))

	promoted, err := dist.PromoteStarved(ctx)
	if err != nil || promoted != 1 {
		t.Fatalf("饿死提升失败: promoted=%d err=%v", promoted, err)
	}
	gotStarved, _ := store.Get(ctx, starved.ID)
	if gotStarved.Priority != 2 {
		t.Errorf("饿死任务优先级应提升为 2，实际 %d", gotStarved.Priority)
	}
	gotFresh, _ := store.Get(ctx, fresh.ID)
	if gotFresh.Priority != 1 {
		t.Errorf("新任务优先级不应变化，实际 %d", gotFresh.Priority)
	}
}

func TestStats(t *testing.T) {
	dist, _ := newTestDistributor(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := dist.Enqueue(ctx, newQueuedTask("imp-1", "shell_exec", i+1)); err != nil {
			t.Fatalf("入队失败: %v", err)
		}
	}
	if _, err := dist.Assign(ctx, "imp-1"); err != nil {
		t.Fatalf("派发失败: %v", err)
	}

	stats, err := dist.Stats(ctx)
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Total != 3 || stats.Queued != 2 || stats.Assigned != 1 {
		t.Errorf("统计不正确: %+v", stats)
	}
}

func TestEnqueueRejectsSafetyViolations(t *testing.T) {
	dist, _ := newTestDistributor(t)
	ctx := context.Background()

	// 禁用规则命中。
	_, err := dist.Enqueue(ctx, &Task{ImplantID: "imp-1", Command: "shell_exec", Args: []string{"rm -rf /"}})
	if xerrors.CodeOf(err) != xerrors.CodeSafetyViolation {
		t.Errorf("危险命令应被拒绝，实际: %v", err)
	}

	// 优先级超限。
	_, err = dist.Enqueue(ctx, &Task{ImplantID: "imp-1", Command: "shell_exec", Priority: 99})
	if xerrors.CodeOf(err) != xerrors.CodeSafetyViolation {
		t.Errorf("超限优先级应被拒绝，实际: %v", err)
	}

	// 被拒绝的任务不得出现在存储中。
	stats, _ := dist.Stats(ctx)
	if stats.Total != 0 {
		t.Errorf("被拒绝的任务不应持久化，实际共 %d 条", stats.Total)
	}
}
