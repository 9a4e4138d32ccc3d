package engine

import "time"

// Clock abstracts wall time so rate limiting is testable without real
// timers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real-time clock used in production
func SystemClock() Clock { return systemClock{} }
