// Package clock abstracts the time operations used by the provisioning poll
// loops so tests can drive them deterministically.
//
// Production code takes Real(). Tests take Step(), a clock that jumps
// forward by the full duration whenever the caller waits, so a two hour
// supervision run completes instantly while every deadline comparison still
// sees consistent time.
package clock

import "time"

// Clock is the subset of the time package the poll loops depend on.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed. d <= 0
	// fires immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Until reports the remaining time before deadline according to c.
func Until(c Clock, deadline time.Time) time.Duration {
	return deadline.Sub(c.Now())
}
