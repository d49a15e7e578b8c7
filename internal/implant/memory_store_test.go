package implant

import (
	"context"
	"errors"
	"testing"

	xerrors "Sentinel-C2/internal/errors"
)

func newTestImplant(id, name string) *Implant {
	return &Implant{
		ID:          id,
		Name:        name,
		Type:        TypeGeneral,
		Hostname:    "host-" + id,
		OS:          "linux",
		Fingerprint: "fp-" + id,
		Status:      StatusConnected,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	imp := newTestImplant("imp-1", "alpha")
	if err := store.Create(ctx, imp); err != nil {
		t.Fatalf("创建植入体失败: %v", err)
	}

	got, err := store.Get(ctx, "imp-1")
	if err != nil {
		t.Fatalf("查询植入体失败: %v", err)
	}
	if got.Name != "alpha" || got.Fingerprint != "fp-imp-1" {
		t.Errorf("返回的植入体不匹配: %+v", got)
	}
	if got.FirstSeenAt == 0 || got.LastSeenAt == 0 {
		t.Error("时间戳未填充")
	}

	byName, err := store.GetByName(ctx, "alpha")
	if err != nil {
		t.Fatalf("按名称查询失败: %v", err)
	}
	if byName.ID != "imp-1" {
		t.Errorf("按名称查询返回错误记录: %s", byName.ID)
	}
}

func TestMemoryStoreDuplicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestImplant("imp-1", "alpha")); err != nil {
		t.Fatalf("创建植入体失败: %v", err)
	}
	err := store.Create(ctx, newTestImplant("imp-1", "beta"))
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Errorf("重复 ID 应返回冲突，实际: %v", err)
	}
	err = store.Create(ctx, newTestImplant("imp-2", "alpha"))
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Errorf("重复名称应返回冲突，实际: %v", err)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "absent")
	if !errors.Is(err, ErrImplantNotFound) {
		t.Errorf("缺失记录应返回 ErrImplantNotFound，实际: %v", err)
	}
}

func TestMemoryStoreUpdateRefreshesIdentity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	imp := newTestImplant("imp-1", "alpha")
	if err := store.Create(ctx, imp); err != nil {
		t.Fatalf("创建植入体失败: %v", err)
	}

	updated := newTestImplant("imp-1", "alpha")
	updated.Hostname = "new-host"
	updated.Addresses = []string{"10.0.0.8"}
	updated.ConnectionQuality = 87
	if err := store.Update(ctx, updated); err != nil {
		t.Fatalf("更新植入体失败: %v", err)
	}

	got, _ := store.Get(ctx, "imp-1")
	if got.Hostname != "new-host" || got.ConnectionQuality != 87 {
		t.Errorf("更新未生效: %+v", got)
	}
	if len(got.Addresses) != 1 || got.Addresses[0] != "10.0.0.8" {
		t.Errorf("地址未更新: %v", got.Addresses)
	}
}

func TestMemoryStoreTerminatedIsSticky(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestImplant("imp-1", "alpha")); err != nil {
		t.Fatalf("创建植入体失败: %v", err)
	}
	if err := store.MarkStatus(ctx, "imp-1", StatusTerminated); err != nil {
		t.Fatalf("终止植入体失败: %v", err)
	}

	// 终止后的任何恢复尝试都必须被拒绝。
	if err := store.MarkStatus(ctx, "imp-1", StatusConnected); !errors.Is(err, ErrImplantTerminated) {
		t.Errorf("终止态应拒绝恢复，实际: %v", err)
	}
	if err := store.Update(ctx, newTestImplant("imp-1", "alpha")); !errors.Is(err, ErrImplantTerminated) {
		t.Errorf("终止态应拒绝更新，实际: %v", err)
	}
	// 重复标记终止是幂等的。
	if err := store.MarkStatus(ctx, "imp-1", StatusTerminated); err != nil {
		t.Errorf("重复终止应幂等，实际: %v", err)
	}
}

func TestMemoryStoreUpdateStatusCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestImplant("imp-1", "alpha")); err != nil {
		t.Fatalf("创建植入体失败: %v", err)
	}
	if err := store.UpdateStatus(ctx, "imp-1", StatusConnected, StatusBusy); err != nil {
		t.Fatalf("状态迁移失败: %v", err)
	}
	// 第二次用旧的 from 状态迁移必须失败。
	err := store.UpdateStatus(ctx, "imp-1", StatusConnected, StatusIdle)
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Errorf("过期的 CAS 应返回冲突，实际: %v", err)
	}
}

func TestMemoryStoreList(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, pair := range [][2]string{{"imp-2", "bravo"}, {"imp-1", "alpha"}, {"imp-3", "charlie"}} {
		if err := store.Create(ctx, newTestImplant(pair[0], pair[1])); err != nil {
			t.Fatalf("创建植入体失败: %v", err)
		}
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("列举失败: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("期望 3 条记录，实际 %d", len(list))
	}
	if list[0].Name != "alpha" || list[2].Name != "charlie" {
		t.Errorf("列表未按名称排序: %s, %s, %s", list[0].Name, list[1].Name, list[2].Name)
	}
}

func TestCapabilityNormalize(t *testing.T) {
	registry := NewCapabilityRegistry()

	got := registry.Normalize([]string{"Shell_Exec", "shell_exec", "port_scan", "bogus"}, TypeGeneral)
	if len(got) != 1 || got[0] != "shell_exec" {
		t.Errorf("general 类型应只保留 shell_exec，实际: %v", got)
	}

	got = registry.Normalize([]string{"port_scan", "host_enum", "file_transfer"}, TypeReconnaissance)
	want := []string{"file_transfer", "host_enum", "port_scan"}
	if len(got) != len(want) {
		t.Fatalf("期望 %v，实际 %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("位置 %d 期望 %s，实际 %s", i, want[i], got[i])
		}
	}
}

func TestCapabilityRegisterCustom(t *testing.T) {
	registry := NewCapabilityRegistry()
	registry.Register(Capability{ID: "Keylog", Description: "键盘记录", RequiredType: TypeExfiltration})

	if _, ok := registry.Lookup("keylog"); !ok {
		t.Fatal("注册后的能力应可查询")
	}
	if got := registry.Normalize([]string{"keylog"}, TypeGeneral); got != nil {
		t.Errorf("类型不匹配的能力应被过滤，实际: %v", got)
	}
	if got := registry.Normalize([]string{"keylog"}, TypeExfiltration); len(got) != 1 {
		t.Errorf("匹配类型应保留能力，实际: %v", got)
	}
}
