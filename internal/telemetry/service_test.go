package telemetry

import (
	"context"
	"testing"

	xerrors "Sentinel-C2/internal/errors"
)

func TestIngestAndQuery(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sample := &Sample{
			ImplantID:     "imp-1",
			CPUPercent:    float64(10 * (i + 1)),
			MemoryPercent: 40,
			HealthScore:   float64(90 - i),
			ActiveTasks:   i,
			UptimeSeconds: int64(100 * (i + 1)),
			ReportedAt:    int64(1000 + i),
		}
		if err := svc.Ingest(ctx, sample); err != nil {
			t.Fatalf("第 %d 条样本保存失败: %v", i, err)
		}
		if sample.ID == "" {
			t.Error("保存后样本应有 ID")
		}
	}

	latest, err := svc.Latest(ctx, "imp-1")
	if err != nil {
		t.Fatalf("查询最新样本失败: %v", err)
	}
	if latest.CPUPercent != 30 {
		t.Errorf("最新样本不正确: %+v", latest)
	}

	recent, err := svc.Recent(ctx, "imp-1", 2)
	if err != nil {
		t.Fatalf("查询最近样本失败: %v", err)
	}
	if len(recent) != 2 || recent[0].CPUPercent != 30 || recent[1].CPUPercent != 20 {
		t.Errorf("最近样本应按时间降序: %+v", recent)
	}
}

func TestIngestRejectsInvalidSamples(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	cases := []struct {
		name   string
		sample *Sample
	}{
		{"缺少植入体", &Sample{CPUPercent: 10}},
		{"CPU 超限", &Sample{ImplantID: "imp-1", CPUPercent: 150}},
		{"内存为负", &Sample{ImplantID: "imp-1", MemoryPercent: -1}},
		{"健康分超限", &Sample{ImplantID: "imp-1", HealthScore: 101}},
		{"负任务数", &Sample{ImplantID: "imp-1", ActiveTasks: -2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Ingest(ctx, tc.sample)
			code := xerrors.CodeOf(err)
			if code != CodeTelemetryInvalid && code != xerrors.CodeInvalidArgument {
				t.Errorf("非法样本应被拒绝，实际: %v", err)
			}
		})
	}

	if _, err := svc.Latest(ctx, "imp-1"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Errorf("没有样本时应返回 NotFound，实际: %v", err)
	}
}

func TestMemoryStoreRetention(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < memoryRetention+10; i++ {
		if err := store.Append(ctx, &Sample{ImplantID: "imp-1", ReportedAt: int64(i)}); err != nil {
			t.Fatalf("追加样本失败: %v", err)
		}
	}
	recent, _ := store.Recent(ctx, "imp-1", 0)
	if len(recent) != memoryRetention {
		t.Errorf("保留上限应为 %d，实际 %d", memoryRetention, len(recent))
	}
	// 最旧的样本被丢弃。
	if recent[len(recent)-1].ReportedAt != 10 {
		t.Errorf("最旧样本应为 10，实际 %d", recent[len(recent)-1].ReportedAt)
	}
}
