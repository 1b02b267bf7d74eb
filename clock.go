package fatfs

import "time"

// Clock provides the current time for directory entry timestamps. The
// engine never calls time.Now directly so targets without a real-time
// clock can plug in whatever source they have.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// FixedClock always reports the same instant. Useful for targets without
// any time source (stamps become deterministic) and for tests.
type FixedClock struct {
	Time time.Time
}

func (c FixedClock) Now() time.Time { return c.Time }

// EpochClock returns a FixedClock pinned to the FAT epoch 1980-01-01.
func EpochClock() FixedClock {
	return FixedClock{Time: time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)}
}
