package protocol

import (
	"sync"
	"time"
)

// 默认限流参数：每个连接在滚动窗口内最多 100 条消息。
const (
	DefaultRateLimit  = 100
	DefaultRateWindow = time.Minute
)

// RateLimiter 以滚动时间窗口限制单个连接的消息速率。
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   []time.Time
	now    func() time.Time
}

// NewRateLimiter 创建限流器。limit 或 window 非法时采用默认值。
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   make([]time.Time, 0, limit),
		now:    time.Now,
	}
}

// Allow 判断当前消息是否在速率限制内，允许时记录本次命中。
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)
	pruned := r.hits[:0]
	for _, hit := range r.hits {
		if hit.After(cutoff) {
			pruned = append(pruned, hit)
		}
	}
	r.hits = pruned

	if len(r.hits) >= r.limit {
		return false
	}
	r.hits = append(r.hits, now)
	return true
}
