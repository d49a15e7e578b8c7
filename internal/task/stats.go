package task

// Stats 聚合任务状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total             int   `json:"total"`
	Queued            int   `json:"queued"`
	Assigned          int   `json:"assigned"`
	Completed         int   `json:"completed"`
	Failed            int   `json:"failed"`
	TimedOut          int   `json:"timed_out"`
	PermanentlyFailed int   `json:"permanently_failed"`
	OldestQueuedAt    int64 `json:"oldest_queued_at,omitempty"`
	NewestUpdatedAt   int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) count(status Status) {
	s.Total++
	switch status {
	case StatusQueued:
		s.Queued++
	case StatusAssigned:
		s.Assigned++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusTimedOut:
		s.TimedOut++
	case StatusPermanentlyFailed:
		s.PermanentlyFailed++
	}
}
