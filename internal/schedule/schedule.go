package schedule

import (
	"time"

	"harvester/internal/domain"
)

const (
	DefaultFirstFailureDelay    = 15 * time.Minute
	DefaultRepeatedFailureDelay = 45 * time.Minute
	DefaultWindow               = 5
)

// BackoffPolicy is the delay applied after failed runs.
//
// The delay is flat: First after a single failure, Repeated after two or more
// consecutive failures. Only the newest Window records are inspected, so the
// streak (and therefore the delay) never grows past what the window can hold.
type BackoffPolicy struct {
	First    time.Duration
	Repeated time.Duration
	Window   int
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		First:    DefaultFirstFailureDelay,
		Repeated: DefaultRepeatedFailureDelay,
		Window:   DefaultWindow,
	}
}

// Normalize fills zero fields with defaults.
func (p BackoffPolicy) Normalize() BackoffPolicy {
	if p.First <= 0 {
		p.First = DefaultFirstFailureDelay
	}
	if p.Repeated <= 0 {
		p.Repeated = DefaultRepeatedFailureDelay
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	return p
}

// Delay returns the backoff for a failure streak. A streak of 0 has no backoff.
func (p BackoffPolicy) Delay(streak int) time.Duration {
	p = p.Normalize()
	switch {
	case streak <= 0:
		return 0
	case streak == 1:
		return p.First
	default:
		return p.Repeated
	}
}

// FailureStreak counts consecutive failed runs from the newest record until
// the first success or the end of recent.
func FailureStreak(recent []domain.RunRecord) int {
	n := 0
	for _, r := range recent {
		if r.Success {
			break
		}
		n++
	}
	return n
}

// NextRun returns the earliest time src may run given its history.
// ok is false when the source is inactive; a zero time means "immediately".
func NextRun(src domain.Source, recent []domain.RunRecord, p BackoffPolicy) (next time.Time, ok bool) {
	if !src.Active {
		return time.Time{}, false
	}
	p = p.Normalize()
	if len(recent) > p.Window {
		recent = recent[:p.Window]
	}
	if len(recent) == 0 {
		return src.StartTime, true
	}

	last := recent[0]
	if last.Success {
		next = last.At.Add(src.Interval)
	} else {
		next = last.At.Add(p.Delay(FailureStreak(recent)))
	}
	if next.Before(src.StartTime) {
		next = src.StartTime
	}
	return next, true
}

// IsDue reports whether src should execute at now.
//
// Rules, in order: inactive sources never run; nothing runs before StartTime;
// a source with no history is due; after a success the source waits Interval;
// after a failure it waits the policy's backoff for the current streak.
func IsDue(src domain.Source, recent []domain.RunRecord, now time.Time, p BackoffPolicy) bool {
	if !src.Active {
		return false
	}
	if now.Before(src.StartTime) {
		return false
	}
	next, ok := NextRun(src, recent, p)
	return ok && !now.Before(next)
}
