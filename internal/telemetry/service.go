package telemetry

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"Sentinel-C2/pkg/logger"
)

// Service 负责遥测样本的接收与查询。
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService 构造遥测服务。
func NewService(store Store) *Service {
	return &Service{store: store, log: logger.Named("telemetry")}
}

// Ingest 校验并保存一条样本。
func (s *Service) Ingest(ctx context.Context, sample *Sample) error {
	if err := sample.Validate(); err != nil {
		s.log.Warn("遥测样本被拒绝", slog.Any("error", err))
		return err
	}
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	if err := s.store.Append(ctx, sample); err != nil {
		return err
	}
	s.log.Debug("遥测样本已保存",
		slog.String("implant_id", sample.ImplantID),
		slog.Float64("cpu", sample.CPUPercent),
		slog.Float64("memory", sample.MemoryPercent))
	return nil
}

// Recent 返回最近的样本。
func (s *Service) Recent(ctx context.Context, implantID string, limit int) ([]*Sample, error) {
	return s.store.Recent(ctx, implantID, limit)
}

// Latest 返回最新样本。
func (s *Service) Latest(ctx context.Context, implantID string) (*Sample, error) {
	return s.store.Latest(ctx, implantID)
}

// Close 释放存储资源。
func (s *Service) Close() error {
	return s.store.Close()
}
