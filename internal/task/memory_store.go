package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Sentinel-C2/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	results map[string][]*Result
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*Task),
		results: make(map[string][]*Result),
		now:     time.Now,
	}
}

// Create 插入新任务。
func (m *MemoryStore) Create(_ context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get 返回指定任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// ClaimNext 按优先级取出一个排队任务并迁移为 assigned。
func (m *MemoryStore) ClaimNext(_ context.Context, implantID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Task
	for _, t := range m.tasks {
		if t.Status != StatusQueued || t.ImplantID != implantID {
			continue
		}
		if best == nil ||
			t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt < best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrTaskNotFound
	}
	now := m.now().Unix()
	best.Status = StatusAssigned
	best.AssignedAt = now
	best.UpdatedAt = now
	return cloneTask(best), nil
}

// MarkCompleted 将 assigned 任务迁移为 completed。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string) error {
	return m.transition(id, func(t *Task) error {
		if t.Status != StatusAssigned {
			return ErrTaskConflict
		}
		now := m.now().Unix()
		t.Status = StatusCompleted
		t.CompletedAt = now
		t.LastError = ""
		t.ErrorCode = ""
		return nil
	})
}

// MarkFailed 将 assigned 任务迁移为 failed 并记录重试时间。
func (m *MemoryStore) MarkFailed(_ context.Context, id, errorCode, lastError string, nextRetryAt int64) error {
	return m.transition(id, func(t *Task) error {
		if t.Status != StatusAssigned {
			return ErrTaskConflict
		}
		t.Status = StatusFailed
		t.RetryCount++
		t.ErrorCode = errorCode
		t.LastError = lastError
		t.NextRetryAt = nextRetryAt
		return nil
	})
}

// MarkTimedOut 将 assigned 任务迁移为 timed_out。
func (m *MemoryStore) MarkTimedOut(_ context.Context, id string, nextRetryAt int64) error {
	return m.transition(id, func(t *Task) error {
		if t.Status != StatusAssigned {
			return ErrTaskConflict
		}
		t.Status = StatusTimedOut
		t.RetryCount++
		t.ErrorCode = string(CodeTaskTimeout)
		t.LastError = "task execution timed out"
		t.NextRetryAt = nextRetryAt
		return nil
	})
}

// Requeue 将等待重试的任务重新迁移为 queued。
func (m *MemoryStore) Requeue(_ context.Context, id string) error {
	return m.transition(id, func(t *Task) error {
		if !t.Status.IsRetryable() {
			return ErrTaskConflict
		}
		t.Status = StatusQueued
		t.AssignedAt = 0
		t.NextRetryAt = 0
		return nil
	})
}

// MarkPermanentlyFailed 将等待重试的任务迁移为终止态。
func (m *MemoryStore) MarkPermanentlyFailed(_ context.Context, id string) error {
	return m.transition(id, func(t *Task) error {
		if !t.Status.IsRetryable() {
			return ErrTaskConflict
		}
		t.Status = StatusPermanentlyFailed
		return nil
	})
}

// PromotePriority 提升排队任务的优先级。
func (m *MemoryStore) PromotePriority(_ context.Context, id string, priority int) error {
	return m.transition(id, func(t *Task) error {
		if t.Status != StatusQueued {
			return ErrTaskConflict
		}
		if priority > t.Priority {
			t.Priority = priority
		}
		return nil
	})
}

func (m *MemoryStore) transition(id string, apply func(*Task) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if err := apply(t); err != nil {
		return err
	}
	t.UpdatedAt = m.now().Unix()
	return nil
}

// List 返回符合过滤条件的任务，按优先级降序、创建时间升序排列。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		if opts.ImplantID != "" && t.ImplantID != opts.ImplantID {
			continue
		}
		result = append(result, cloneTask(t))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].CreatedAt < result[j].CreatedAt
	})
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// AppendResult 追加一条执行结果。
func (m *MemoryStore) AppendResult(_ context.Context, r *Result) error {
	if r == nil || r.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "结果不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[r.TaskID]; !ok {
		return ErrTaskNotFound
	}
	clone := *r
	if clone.ReceivedAt == 0 {
		clone.ReceivedAt = m.now().Unix()
	}
	m.results[r.TaskID] = append(m.results[r.TaskID], &clone)
	return nil
}

// Results 返回指定任务的全部执行结果。
func (m *MemoryStore) Results(_ context.Context, taskID string) ([]*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.results[taskID]
	result := make([]*Result, 0, len(stored))
	for _, r := range stored {
		clone := *r
		result = append(result, &clone)
	}
	return result, nil
}

// Stats 返回任务状态统计。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, t := range m.tasks {
		stats.count(t.Status)
		if t.Status == StatusQueued && (stats.OldestQueuedAt == 0 || t.CreatedAt < stats.OldestQueuedAt) {
			stats.OldestQueuedAt = t.CreatedAt
		}
		if t.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = t.UpdatedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
