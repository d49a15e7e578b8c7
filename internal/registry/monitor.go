package registry

import (
	"context"
	"log/slog"
	"time"

	"Sentinel-C2/internal/implant"
	"Sentinel-C2/pkg/logger"
)

const (
	// DefaultCheckInterval 是心跳巡检周期。
	DefaultCheckInterval = 30 * time.Second
	// DefaultStaleThreshold 是判定会话失活的心跳超时时间。
	DefaultStaleThreshold = 90 * time.Second
)

// Monitor 周期性扫描登记簿，驱逐心跳超时的会话，
// 并把对应植入体标记为 disconnected。
type Monitor struct {
	registry  *Registry
	store     implant.Store
	interval  time.Duration
	threshold time.Duration
	log       *slog.Logger
	now       func() time.Time

	// OnEvict 在会话被驱逐后回调，供上层发布事件。可以为 nil。
	OnEvict func(session *Session)
}

// MonitorOption 配置 Monitor。
type MonitorOption func(*Monitor)

// WithCheckInterval 覆盖巡检周期。
func WithCheckInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithStaleThreshold 覆盖失活阈值。
func WithStaleThreshold(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// WithMonitorClock 注入时钟，测试用。
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor 创建心跳巡检器。
func NewMonitor(registry *Registry, store implant.Store, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		registry:  registry,
		store:     store,
		interval:  DefaultCheckInterval,
		threshold: DefaultStaleThreshold,
		log:       logger.Named("heartbeat"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run 启动巡检循环，直到 ctx 取消。
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("心跳巡检已启动",
		slog.Duration("interval", m.interval),
		slog.Duration("threshold", m.threshold))

	for {
		select {
		case <-ctx.Done():
			m.log.Info("心跳巡检已停止")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep 执行一轮巡检，返回被驱逐的会话数。
func (m *Monitor) Sweep(ctx context.Context) int {
	now := m.now()
	evicted := 0

	for _, session := range m.registry.Sessions() {
		age := now.Sub(session.LastHeartbeat())
		if age < m.threshold {
			continue
		}

		m.log.Warn("心跳超时，驱逐会话",
			slog.String("connection_id", session.ConnectionID),
			slog.String("implant_id", session.ImplantID()),
			slog.Duration("age", age))

		implantID := session.ImplantID()
		m.registry.Remove(session.ConnectionID)
		evicted++

		if implantID != "" {
			if err := m.store.MarkStatus(ctx, implantID, implant.StatusDisconnected); err != nil {
				m.log.Error("标记植入体离线失败",
					slog.String("implant_id", implantID),
					slog.Any("error", err))
			}
		}
		if m.OnEvict != nil {
			m.OnEvict(session)
		}
	}
	return evicted
}
