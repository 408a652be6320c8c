package clock

import "time"

// Clock abstracts wall-clock time so that summarisation recency windows and
// session TTL logic can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// Real returns the system clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	Current time.Time
}

// NewFake creates a fake clock starting at t.
func NewFake(t time.Time) *Fake { return &Fake{Current: t} }

func (f *Fake) Now() time.Time { return f.Current }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
