package telemetry

import "context"

// Store 抽象了遥测样本的持久化接口。样本只追加不修改。
type Store interface {
	Append(ctx context.Context, sample *Sample) error
	// Recent 返回指定植入体最近的 limit 条样本，按上报时间降序。
	Recent(ctx context.Context, implantID string, limit int) ([]*Sample, error)
	// Latest 返回指定植入体的最新样本。
	Latest(ctx context.Context, implantID string) (*Sample, error)
	Close() error
}
