// Package telemetry 负责植入体回传的运行指标的接收与存储。
package telemetry

import (
	xerrors "Sentinel-C2/internal/errors"
)

// Sample 是植入体一次上报的运行指标快照。
type Sample struct {
	ID        string `json:"id"`
	ImplantID string `json:"implant_id"`
	// CPUPercent、MemoryPercent 与 HealthScore 的取值范围都是 [0, 100]。
	CPUPercent    float64           `json:"cpu_percent"`
	MemoryPercent float64           `json:"memory_percent"`
	HealthScore   float64           `json:"health_score"`
	ActiveTasks   int               `json:"active_tasks"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Extra         map[string]string `json:"extra,omitempty"`
	ReportedAt    int64             `json:"reported_at"`
}

const (
	CodeTelemetryInvalid xerrors.Code = "TELEMETRY_INVALID"
)

func init() {
	xerrors.Register(CodeTelemetryInvalid, xerrors.Attributes{
		Message:   "telemetry sample invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Validate 检查样本字段的取值范围。
func (s *Sample) Validate() error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "样本不能为空")
	}
	if s.ImplantID == "" {
		return xerrors.New(CodeTelemetryInvalid, "样本缺少植入体 ID")
	}
	if s.CPUPercent < 0 || s.CPUPercent > 100 {
		return xerrors.New(CodeTelemetryInvalid, "CPU 占用率超出范围")
	}
	if s.MemoryPercent < 0 || s.MemoryPercent > 100 {
		return xerrors.New(CodeTelemetryInvalid, "内存占用率超出范围")
	}
	if s.HealthScore < 0 || s.HealthScore > 100 {
		return xerrors.New(CodeTelemetryInvalid, "健康分超出范围")
	}
	if s.ActiveTasks < 0 || s.UptimeSeconds < 0 {
		return xerrors.New(CodeTelemetryInvalid, "计数字段不能为负")
	}
	return nil
}
