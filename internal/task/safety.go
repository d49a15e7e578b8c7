package task

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "Sentinel-C2/internal/errors"
)

// SafetyLimits 是任务入队前的安全策略，从 YAML 策略文件加载。
// 违反策略的任务在持久化之前就会被拒绝。
type SafetyLimits struct {
	// MaxQueueDepth 是排队任务总数上限。
	MaxQueueDepth int `yaml:"max_queue_depth"`
	// MaxTasksPerImplant 是单个植入体的排队任务上限。
	MaxTasksPerImplant int `yaml:"max_tasks_per_implant"`
	// MaxConcurrentAssignments 是单个植入体同时处于 assigned 状态的任务上限。
	MaxConcurrentAssignments int `yaml:"max_concurrent_assignments"`
	// MaxPriority 是允许的最高优先级。
	MaxPriority int `yaml:"max_priority"`
	// MaxPayloadBytes 是任务载荷的字节数上限。
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
	// MaxRetries 是默认重试预算。
	MaxRetries int `yaml:"max_retries"`
	// DefaultTimeoutSeconds 是派发后默认的执行超时。
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	// ForbiddenPatterns 是命令与参数的禁用正则列表。
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
}

// DefaultSafetyLimits 返回不依赖策略文件的保守默认值。
func DefaultSafetyLimits() SafetyLimits {
	return SafetyLimits{
		MaxQueueDepth:            1000,
		MaxTasksPerImplant:       50,
		MaxConcurrentAssignments: 5,
		MaxPriority:              10,
		MaxPayloadBytes:          256 * 1024,
		MaxRetries:               3,
		DefaultTimeoutSeconds:    300,
		ForbiddenPatterns: []string{
			`rm\s+-rf\s+/`,
			`mkfs\.`,
			`dd\s+if=.*of=/dev/`,
			`:\(\)\s*\{.*\};:`,
		},
	}
}

// LoadSafetyLimits 从 YAML 策略文件加载限制，缺失的字段使用默认值。
func LoadSafetyLimits(path string) (SafetyLimits, error) {
	limits := DefaultSafetyLimits()
	if strings.TrimSpace(path) == "" {
		return limits, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return limits, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取安全策略文件失败")
	}
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return limits, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析安全策略文件失败")
	}
	return limits, nil
}

// SafetyChecker 持有编译后的策略，供分发器在入队前校验任务。
type SafetyChecker struct {
	limits    SafetyLimits
	forbidden []*regexp.Regexp
}

// NewSafetyChecker 编译策略中的正则表达式。
func NewSafetyChecker(limits SafetyLimits) (*SafetyChecker, error) {
	compiled := make([]*regexp.Regexp, 0, len(limits.ForbiddenPatterns))
	for _, pattern := range limits.ForbiddenPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
				fmt.Sprintf("编译禁用规则失败: %s", pattern))
		}
		compiled = append(compiled, re)
	}
	return &SafetyChecker{limits: limits, forbidden: compiled}, nil
}

// Limits 返回生效的策略。
func (c *SafetyChecker) Limits() SafetyLimits {
	return c.limits
}

// Check 校验任务内容与队列深度。返回的错误码均为 SAFETY_VIOLATION。
func (c *SafetyChecker) Check(t *Task, queueDepth, implantDepth int) error {
	if t == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务不能为空")
	}
	if strings.TrimSpace(t.Command) == "" {
		return xerrors.New(CodeTaskValidation, "任务指令不能为空")
	}
	if strings.TrimSpace(t.ImplantID) == "" {
		return xerrors.New(CodeTaskValidation, "任务目标植入体不能为空")
	}
	if c.limits.MaxQueueDepth > 0 && queueDepth >= c.limits.MaxQueueDepth {
		return xerrors.New(xerrors.CodeSafetyViolation, "任务队列已满")
	}
	if c.limits.MaxTasksPerImplant > 0 && implantDepth >= c.limits.MaxTasksPerImplant {
		return xerrors.New(xerrors.CodeSafetyViolation, "该植入体的排队任务已达上限")
	}
	if t.Priority < 0 || (c.limits.MaxPriority > 0 && t.Priority > c.limits.MaxPriority) {
		return xerrors.New(xerrors.CodeSafetyViolation, "任务优先级超出允许范围")
	}
	if c.limits.MaxPayloadBytes > 0 && len(t.Payload) > c.limits.MaxPayloadBytes {
		return xerrors.New(xerrors.CodeSafetyViolation, "任务载荷超出大小限制")
	}

	subject := t.Command + " " + strings.Join(t.Args, " ") + " " + t.Payload
	for _, re := range c.forbidden {
		if re.MatchString(subject) {
			return xerrors.New(xerrors.CodeSafetyViolation,
				fmt.Sprintf("任务内容命中禁用规则: %s", re.String()))
		}
	}
	return nil
}
