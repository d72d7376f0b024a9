package dispatch

import "time"

// Clock is the time source of a Dispatcher. AfterFunc returns a function
// that cancels the timer, reporting whether it was still pending.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type wallClock struct{}

func (wallClock) Now() time.Time {
	return time.Now()
}

func (wallClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

var WallClock Clock = wallClock{}
