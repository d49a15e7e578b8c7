package implant

import "context"

// Store 抽象了植入体身份记录的持久化接口。
type Store interface {
	// Create 插入新的植入体记录。
	Create(ctx context.Context, imp *Implant) error
	// Get 按 ID 查询。
	Get(ctx context.Context, id string) (*Implant, error)
	// GetByName 按名称查询，用于重连时的身份归并。
	GetByName(ctx context.Context, name string) (*Implant, error)
	// Update 覆盖写入已有记录。已终止的记录拒绝更新。
	Update(ctx context.Context, imp *Implant) error
	// UpdateStatus 仅在当前状态等于 from 时迁移到 to（比较并交换）。
	UpdateStatus(ctx context.Context, id string, from, to Status) error
	// MarkStatus 无条件迁移状态，但终止态是粘性的：
	// 已终止的记录只能保持终止。
	MarkStatus(ctx context.Context, id string, to Status) error
	// List 返回全部记录。
	List(ctx context.Context) ([]*Implant, error)
	Close() error
}
