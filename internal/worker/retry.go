package worker

import "time"

// RetryPolicy bounds how often a failing job is re-armed and how long it waits
// in between. The delay is constant.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Delay: 5 * time.Minute}

// ShouldRetry reports whether a job that has now failed attempts times gets
// another run.
func (rp RetryPolicy) ShouldRetry(attempts int) bool {
	limit := rp.MaxAttempts
	if limit <= 0 {
		limit = DefaultRetryPolicy.MaxAttempts
	}
	return attempts < limit
}

func (rp RetryPolicy) Backoff(int) time.Duration {
	if rp.Delay <= 0 {
		return DefaultRetryPolicy.Delay
	}
	return rp.Delay
}
