package task

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "Sentinel-C2/internal/errors"
)

func TestSafetyCheckerForbiddenPatterns(t *testing.T) {
	checker, err := NewSafetyChecker(DefaultSafetyLimits())
	if err != nil {
		t.Fatalf("创建校验器失败: %v", err)
	}

	cases := []struct {
		name    string
		task    *Task
		blocked bool
	}{
		{"普通命令", &Task{ImplantID: "imp-1", Command: "shell_exec", Args: []string{"id"}}, false},
		{"递归删除根目录", &Task{ImplantID: "imp-1", Command: "shell_exec", Args: []string{"rm -rf /"}}, true},
		{"格式化磁盘", &Task{ImplantID: "imp-1", Command: "shell_exec", Payload: "mkfs.ext4 /dev/sda1"}, true},
		{"覆写设备", &Task{ImplantID: "imp-1", Command: "shell_exec", Args: []string{"dd if=/dev/zero of=/dev/sda"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checker.Check(tc.task, 0, 0)
			if tc.blocked && xerrors.CodeOf(err) != xerrors.CodeSafetyViolation {
				t.Errorf("应被禁用规则拦截，实际: %v", err)
			}
			if !tc.blocked && err != nil {
				t.Errorf("不应被拦截，实际: %v", err)
			}
		})
	}
}

func TestSafetyCheckerQueueDepth(t *testing.T) {
	limits := DefaultSafetyLimits()
	limits.MaxQueueDepth = 2
	limits.MaxTasksPerImplant = 1
	checker, err := NewSafetyChecker(limits)
	if err != nil {
		t.Fatalf("创建校验器失败: %v", err)
	}

	task := &Task{ImplantID: "imp-1", Command: "shell_exec"}
	if err := checker.Check(task, 0, 0); err != nil {
		t.Errorf("空队列应通过，实际: %v", err)
	}
	if err := checker.Check(task, 2, 0); xerrors.CodeOf(err) != xerrors.CodeSafetyViolation {
		t.Errorf("队列满应被拒绝，实际: %v", err)
	}
	if err := checker.Check(task, 1, 1); xerrors.CodeOf(err) != xerrors.CodeSafetyViolation {
		t.Errorf("单植入体上限应被拒绝，实际: %v", err)
	}
}

func TestSafetyCheckerPayloadSize(t *testing.T) {
	limits := DefaultSafetyLimits()
	limits.MaxPayloadBytes = 8
	checker, _ := NewSafetyChecker(limits)

	small := &Task{ImplantID: "imp-1", Command: "file_transfer", Payload: "short"}
	if err := checker.Check(small, 0, 0); err != nil {
		t.Errorf("小载荷应通过，实际: %v", err)
	}
	big := &Task{ImplantID: "imp-1", Command: "file_transfer", Payload: strings.Repeat("x", 16)}
	if err := checker.Check(big, 0, 0); xerrors.CodeOf(err) != xerrors.CodeSafetyViolation {
		t.Errorf("超大载荷应被拒绝，实际: %v", err)
	}
}

func TestLoadSafetyLimitsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	policy := `max_queue_depth: 10
max_tasks_per_implant: 2
max_priority: 5
max_retries: 1
forbidden_patterns:
  - "shutdown"
`
	if err := os.WriteFile(path, []byte(policy), 0o644); err != nil {
		t.Fatalf("写策略文件失败: %v", err)
	}

	limits, err := LoadSafetyLimits(path)
	if err != nil {
		t.Fatalf("加载策略失败: %v", err)
	}
	if limits.MaxQueueDepth != 10 || limits.MaxPriority != 5 || limits.MaxRetries != 1 {
		t.Errorf("策略字段不正确: %+v", limits)
	}
	if len(limits.ForbiddenPatterns) != 1 || limits.ForbiddenPatterns[0] != "shutdown" {
		t.Errorf("禁用规则不正确: %v", limits.ForbiddenPatterns)
	}
	// 未出现的字段保留默认值。
	if limits.MaxPayloadBytes != DefaultSafetyLimits().MaxPayloadBytes {
		t.Errorf("缺省字段应保留默认值，实际: %d", limits.MaxPayloadBytes)
	}
}

func TestLoadSafetyLimitsMissingFile(t *testing.T) {
	if _, err := LoadSafetyLimits("/nonexistent/policy.yaml"); err == nil {
		t.Error("缺失文件应返回错误")
	}
	limits, err := LoadSafetyLimits("")
	if err != nil {
		t.Fatalf("空路径应返回默认策略: %v", err)
	}
	if limits.MaxQueueDepth != DefaultSafetyLimits().MaxQueueDepth {
		t.Errorf("默认策略不正确: %+v", limits)
	}
}

func TestSafetyCheckerInvalidPattern(t *testing.T) {
	limits := DefaultSafetyLimits()
	limits.ForbiddenPatterns = []string{"["}
	if _, err := NewSafetyChecker(limits); err == nil {
		t.Error("非法正则应导致初始化失败")
	}
}
