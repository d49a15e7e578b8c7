package telemetry

import (
	"context"
	"sync"
	"time"

	xerrors "Sentinel-C2/internal/errors"
)

// 每个植入体在内存中最多保留的样本数。
const memoryRetention = 512

// MemoryStore 以内存环形缓冲保存遥测样本。
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string][]*Sample
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples: make(map[string][]*Sample),
		now:     time.Now,
	}
}

// Append 追加一条样本，超出保留上限时丢弃最旧的。
func (m *MemoryStore) Append(_ context.Context, sample *Sample) error {
	if sample == nil || sample.ImplantID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "样本不能为空")
	}
	clone := *sample
	if clone.ReportedAt == 0 {
		clone.ReportedAt = m.now().Unix()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.samples[sample.ImplantID]
	existing = append(existing, &clone)
	if len(existing) > memoryRetention {
		existing = existing[len(existing)-memoryRetention:]
	}
	m.samples[sample.ImplantID] = existing
	return nil
}

// Recent 返回最近的 limit 条样本，按上报时间降序。
func (m *MemoryStore) Recent(_ context.Context, implantID string, limit int) ([]*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.samples[implantID]
	if limit <= 0 || limit > len(stored) {
		limit = len(stored)
	}
	result := make([]*Sample, 0, limit)
	for i := len(stored) - 1; i >= len(stored)-limit; i-- {
		clone := *stored[i]
		result = append(result, &clone)
	}
	return result, nil
}

// Latest 返回最新样本。
func (m *MemoryStore) Latest(_ context.Context, implantID string) (*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.samples[implantID]
	if len(stored) == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, "没有遥测样本")
	}
	clone := *stored[len(stored)-1]
	return &clone, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
