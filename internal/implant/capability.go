package implant

import (
	"sort"
	"strings"
	"sync"
)

// Capability 是植入体能力的显式描述。
// 能力以标识符注册和查询，不再从配置字符串中猜测。
type Capability struct {
	ID          string
	Description string
	// RequiredType 非空时限定只有该类型的植入体可以声明此能力。
	RequiredType Type
}

// CapabilityRegistry 维护能力标识符到描述的查找表，
// 并提供新增能力的扩展点。
type CapabilityRegistry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewCapabilityRegistry 创建内置能力表。
func NewCapabilityRegistry() *CapabilityRegistry {
	r := &CapabilityRegistry{capabilities: make(map[string]Capability)}
	for _, c := range builtinCapabilities {
		r.capabilities[c.ID] = c
	}
	return r
}

var builtinCapabilities = []Capability{
	{ID: "shell_exec", Description: "执行操作系统命令"},
	{ID: "file_transfer", Description: "上传与下载文件"},
	{ID: "port_scan", Description: "端口与服务探测", RequiredType: TypeReconnaissance},
	{ID: "host_enum", Description: "主机信息枚举", RequiredType: TypeReconnaissance},
	{ID: "payload_exec", Description: "加载并执行载荷", RequiredType: TypeExploitation},
	{ID: "data_stage", Description: "数据暂存与打包", RequiredType: TypeExfiltration},
	{ID: "screenshot", Description: "屏幕截图"},
	{ID: "proc_list", Description: "进程列表采集"},
}

// Register 注册一个新能力，已存在的标识符会被覆盖。
func (r *CapabilityRegistry) Register(c Capability) {
	id := strings.TrimSpace(strings.ToLower(c.ID))
	if id == "" {
		return
	}
	c.ID = id
	r.mu.Lock()
	r.capabilities[id] = c
	r.mu.Unlock()
}

// Lookup 返回能力描述。
func (r *CapabilityRegistry) Lookup(id string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[strings.TrimSpace(strings.ToLower(id))]
	return c, ok
}

// Normalize 过滤并规整一组声明的能力：
// 未注册的标识符与类型不符的能力会被丢弃，结果排序去重。
func (r *CapabilityRegistry) Normalize(declared []string, implantType Type) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(declared))
	result := make([]string, 0, len(declared))
	for _, raw := range declared {
		id := strings.TrimSpace(strings.ToLower(raw))
		capability, ok := r.capabilities[id]
		if !ok {
			continue
		}
		if capability.RequiredType != "" && capability.RequiredType != implantType {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	sort.Strings(result)
	if len(result) == 0 {
		return nil
	}
	return result
}
