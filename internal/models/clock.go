package models

import "time"

// Clock is the time source for session timestamps and turn offsets.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

// Now keeps the monotonic reading so turn offsets are immune to wall-clock jumps.
func (SystemClock) Now() time.Time { return time.Now() }
