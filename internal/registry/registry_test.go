package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"Sentinel-C2/internal/implant"
	"Sentinel-C2/internal/protocol"
)

type fakeConn struct {
	closed atomic.Bool
	writes atomic.Int64
}

func (f *fakeConn) WriteMessage(int, []byte) error {
	f.writes.Add(1)
	return nil
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "10.0.0.1:4444" }

func newTestSession(connID, fingerprint string, now time.Time) (*Session, *fakeConn) {
	conn := &fakeConn{}
	guard := protocol.NewGuard(connID, make([]byte, 32))
	return NewSession(connID, fingerprint, conn, guard, now), conn
}

func TestRegistryAddAndLookup(t *testing.T) {
	reg := NewRegistry()
	session, _ := newTestSession("conn-1", "fp-1", time.Now())

	if err := reg.Add(session); err != nil {
		t.Fatalf("登记会话失败: %v", err)
	}
	if err := reg.Add(session); err == nil {
		t.Error("重复登记同一连接 ID 应失败")
	}

	got, ok := reg.Get("conn-1")
	if !ok || got.Fingerprint != "fp-1" {
		t.Fatalf("查询会话失败: %v, %v", got, ok)
	}
	if reg.Len() != 1 {
		t.Errorf("期望 1 条会话，实际 %d", reg.Len())
	}
}

func TestRegistryBindReplacesOldSession(t *testing.T) {
	reg := NewRegistry()
	now := time.Now()

	oldSession, oldConn := newTestSession("conn-1", "fp-1", now)
	if err := reg.Add(oldSession); err != nil {
		t.Fatalf("登记旧会话失败: %v", err)
	}
	if _, err := reg.Bind("conn-1", "imp-1"); err != nil {
		t.Fatalf("绑定旧会话失败: %v", err)
	}

	// 同一植入体重连：新会话绑定后旧会话必须被关闭并移除。
	newSession, _ := newTestSession("conn-2", "fp-1", now)
	if err := reg.Add(newSession); err != nil {
		t.Fatalf("登记新会话失败: %v", err)
	}
	bound, err := reg.Bind("conn-2", "imp-1")
	if err != nil {
		t.Fatalf("绑定新会话失败: %v", err)
	}
	if !bound.Authenticated() || bound.ImplantID() != "imp-1" {
		t.Error("绑定后会话应已认证")
	}
	if !oldConn.closed.Load() {
		t.Error("旧连接应被关闭")
	}
	if _, ok := reg.Get("conn-1"); ok {
		t.Error("旧会话应被移除")
	}
	if got, ok := reg.GetByImplant("imp-1"); !ok || got.ConnectionID != "conn-2" {
		t.Errorf("植入体应指向新会话，实际: %v", got)
	}
}

func TestRegistryRemove(t *testing.T) {
	reg := NewRegistry()
	session, conn := newTestSession("conn-1", "fp-1", time.Now())
	_ = reg.Add(session)
	_, _ = reg.Bind("conn-1", "imp-1")

	reg.Remove("conn-1")
	if !conn.closed.Load() {
		t.Error("注销会话应关闭连接")
	}
	if _, ok := reg.GetByImplant("imp-1"); ok {
		t.Error("注销后植入体索引应被清除")
	}
	if reg.Len() != 0 {
		t.Errorf("注销后应无会话，实际 %d", reg.Len())
	}
}

func TestMonitorEvictsStaleSessions(t *testing.T) {
	reg := NewRegistry()
	store := implant.NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &implant.Implant{
		ID: "imp-1", Name: "alpha", Type: implant.TypeGeneral,
		Fingerprint: "fp-1", Status: implant.StatusConnected,
	}); err != nil {
		t.Fatalf("创建植入体失败: %v", err)
	}

	base := time.Now()
	fresh, _ := newTestSession("conn-fresh", "fp-2", base)
	stale, staleConn := newTestSession("conn-stale", "fp-1", base.Add(-2*time.Minute))
	_ = reg.Add(fresh)
	_ = reg.Add(stale)
	_, _ = reg.Bind("conn-stale", "imp-1")

	var evictions atomic.Int64
	monitor := NewMonitor(reg, store, WithMonitorClock(func() time.Time { return base }))
	monitor.OnEvict = func(*Session) { evictions.Add(1) }

	if evicted := monitor.Sweep(ctx); evicted != 1 {
		t.Fatalf("期望驱逐 1 条会话，实际 %d", evicted)
	}
	if !staleConn.closed.Load() {
		t.Error("失活会话的连接应被关闭")
	}
	if _, ok := reg.Get("conn-fresh"); !ok {
		t.Error("活跃会话不应被驱逐")
	}
	if evictions.Load() != 1 {
		t.Errorf("期望 1 次驱逐回调，实际 %d", evictions.Load())
	}

	imp, err := store.Get(ctx, "imp-1")
	if err != nil {
		t.Fatalf("查询植入体失败: %v", err)
	}
	if imp.Status != implant.StatusDisconnected {
		t.Errorf("被驱逐的植入体应为 disconnected，实际: %s", imp.Status)
	}
}

func TestMonitorHeartbeatRefreshPreventsEviction(t *testing.T) {
	reg := NewRegistry()
	store := implant.NewMemoryStore()

	base := time.Now()
	session, _ := newTestSession("conn-1", "fp-1", base.Add(-2*time.Minute))
	_ = reg.Add(session)

	// 心跳刷新后会话不应被判定为失活。
	session.TouchHeartbeat(base.Add(-10 * time.Second))

	monitor := NewMonitor(reg, store, WithMonitorClock(func() time.Time { return base }))
	if evicted := monitor.Sweep(context.Background()); evicted != 0 {
		t.Fatalf("刷新心跳后不应驱逐，实际驱逐 %d", evicted)
	}
}
