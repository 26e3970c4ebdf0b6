package queue

import "errors"

var (
	ErrInvalidPayload = errors.New("job payload is not valid JSON")
	ErrNotReady       = errors.New("job is not ready to execute")
	ErrRetryExhausted = errors.New("failed job cannot be retried")
)
