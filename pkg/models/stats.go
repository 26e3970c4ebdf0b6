package models

import "time"

// QueueStats holds per-status job counts for one queue.
type QueueStats struct {
	QueueName QueueName `json:"queue_name"`
	Pending   int64     `json:"pending"`
	Running   int64     `json:"running"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
}

func (s QueueStats) Total() int64 {
	return s.Pending + s.Running + s.Completed + s.Failed
}

// JobStatusInfo answers a status poll. Cached is true when it was served from the
// mirror rather than the job store.
type JobStatusInfo struct {
	JobID     int64     `json:"job_id"`
	QueueName QueueName `json:"queue_name"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
	Cached    bool      `json:"cached"`
}
