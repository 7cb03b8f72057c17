package jobtracker

import "time"

// Schedule computes polling and retry delays. It is stateless and safe for
// concurrent use.
type Schedule struct {
	config *Config
}

// NewSchedule creates a schedule from config.
func NewSchedule(config *Config) Schedule {
	if config == nil {
		config = DefaultConfig()
	}
	return Schedule{config: config}
}

// Interval returns the delay before the next status fetch given how long the
// loop has been running. Early fetches are frequent while the user is likely
// watching; long-running jobs are polled less often.
func (s Schedule) Interval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < s.config.FastWindow:
		return s.config.FastInterval
	case elapsed < s.config.MediumWindow:
		return s.config.MediumInterval
	default:
		return s.config.SlowInterval
	}
}

// RetryDelay returns the wait before retrying after the given number of
// transient failures already counted: min(base + step*retryCount, max).
func (s Schedule) RetryDelay(retryCount int) time.Duration {
	d := s.config.RetryDelayBase + s.config.RetryDelayStep*time.Duration(retryCount)
	if s.config.RetryDelayMax > 0 && d > s.config.RetryDelayMax {
		return s.config.RetryDelayMax
	}
	return d
}
