// Package clock provides the wall-clock and jitter sources used by the
// scheduler and the farm engine. Injecting a Clock keeps time-windowed
// scheduling decisions testable without sleeping.
package clock

import (
	"math/rand"
	"time"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the real wall clock, truncated to UTC.
func System() Clock { return systemClock{} }

// Jitter returns a random duration in [0, max). Scheduled times get jitter
// added so outgoing actions never fall on a perfectly periodic grid.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
