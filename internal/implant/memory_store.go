package implant

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "Sentinel-C2/internal/errors"
)

// MemoryStore 以内存方式保存植入体记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	implants map[string]*Implant
	byName   map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		implants: make(map[string]*Implant),
		byName:   make(map[string]string),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, imp *Implant) error {
	if imp == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "implant 不能为空")
	}
	if imp.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "植入体 ID 不能为空")
	}
	name := strings.TrimSpace(imp.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "植入体名称不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.implants[imp.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "植入体 ID 已存在")
	}
	if _, ok := m.byName[name]; ok {
		return xerrors.New(xerrors.CodeConflict, "植入体名称已存在")
	}
	now := time.Now().Unix()
	if imp.FirstSeenAt == 0 {
		imp.FirstSeenAt = now
	}
	imp.LastSeenAt = now
	m.implants[imp.ID] = cloneImplant(imp)
	m.byName[name] = imp.ID
	return nil
}

// Get 返回植入体记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Implant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	imp, ok := m.implants[id]
	if !ok {
		return nil, ErrImplantNotFound
	}
	return cloneImplant(imp), nil
}

// GetByName 按名称返回植入体记录。
func (m *MemoryStore) GetByName(_ context.Context, name string) (*Implant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[strings.TrimSpace(name)]
	if !ok {
		return nil, ErrImplantNotFound
	}
	return cloneImplant(m.implants[id]), nil
}

// Update 覆盖写入已有记录。
func (m *MemoryStore) Update(_ context.Context, imp *Implant) error {
	if imp == nil || imp.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "implant 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.implants[imp.ID]
	if !ok {
		return ErrImplantNotFound
	}
	if existing.Status.IsTerminal() {
		return ErrImplantTerminated
	}
	imp.FirstSeenAt = existing.FirstSeenAt
	imp.LastSeenAt = time.Now().Unix()
	if existing.Name != imp.Name {
		delete(m.byName, existing.Name)
		m.byName[imp.Name] = imp.ID
	}
	m.implants[imp.ID] = cloneImplant(imp)
	return nil
}

// UpdateStatus 比较并交换状态。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	imp, ok := m.implants[id]
	if !ok {
		return ErrImplantNotFound
	}
	if imp.Status != from {
		return xerrors.New(xerrors.CodeConflict, "植入体状态已变更")
	}
	if imp.Status.IsTerminal() {
		return ErrImplantTerminated
	}
	imp.Status = to
	imp.LastSeenAt = time.Now().Unix()
	return nil
}

// MarkStatus 无条件迁移状态，终止态保持粘性。
func (m *MemoryStore) MarkStatus(_ context.Context, id string, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	imp, ok := m.implants[id]
	if !ok {
		return ErrImplantNotFound
	}
	if imp.Status.IsTerminal() && to != StatusTerminated {
		return ErrImplantTerminated
	}
	imp.Status = to
	imp.LastSeenAt = time.Now().Unix()
	return nil
}

// List 返回全部记录，按名称排序。
func (m *MemoryStore) List(_ context.Context) ([]*Implant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Implant, 0, len(m.implants))
	for _, imp := range m.implants {
		result = append(result, cloneImplant(imp))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
