package engine

import "time"

// Interval is a poll timer with skip-on-overrun semantics: when a run takes
// longer than the interval, the missed trigger is dropped rather than
// stacked, so cycles never queue up behind a slow one.
type Interval struct {
	every time.Duration
	next  time.Time
}

// NewInterval builds a timer that is immediately due.
func NewInterval(every time.Duration) *Interval {
	return &Interval{every: every}
}

// Due reports whether the trigger has arrived at now.
func (i *Interval) Due(now time.Time) bool {
	return !now.Before(i.next)
}

// MarkRun schedules the next trigger one full interval after now. Triggers
// that would have fired while the caller was busy are skipped.
func (i *Interval) MarkRun(now time.Time) {
	i.next = now.Add(i.every)
}

// Until returns the wait from now to the next trigger, never negative.
func (i *Interval) Until(now time.Time) time.Duration {
	d := i.next.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
