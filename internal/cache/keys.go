package cache

import "fmt"

func JobStateKey(jobID int64) string {
	return fmt.Sprintf("job:%d:state", jobID)
}

func QueueStatsKey() string {
	return "queues:stats"
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func PreviewKey(dataSourceID int64, queryHash string) string {
	return fmt.Sprintf("preview:%d:%s", dataSourceID, queryHash)
}
