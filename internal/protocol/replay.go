package protocol

import "sync"

// DefaultReplayCapacity 是重放窗口的默认容量。
const DefaultReplayCapacity = 1000

// ReplayWindow 维护一个固定容量的滑动消息 ID 集合。
// 容量占满后再插入会淘汰最早的记录，被淘汰的 ID 视为已滑出窗口。
type ReplayWindow struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// NewReplayWindow 创建指定容量的重放窗口。
func NewReplayWindow(capacity int) *ReplayWindow {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayWindow{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		seen:     make(map[string]struct{}, capacity),
	}
}

// Observe 尝试记录一个消息 ID。
// 若该 ID 仍在窗口内则返回 false（重放）；否则插入并返回 true。
func (w *ReplayWindow) Observe(messageID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[messageID]; ok {
		return false
	}
	if len(w.order) >= w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	w.order = append(w.order, messageID)
	w.seen[messageID] = struct{}{}
	return true
}

// Contains 判断消息 ID 是否仍在窗口内。
func (w *ReplayWindow) Contains(messageID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[messageID]
	return ok
}

// Len 返回当前窗口内的记录数。
func (w *ReplayWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}
