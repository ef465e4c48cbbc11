// Package timeutil holds the wall-clock arithmetic the agenda runs on.
// Schedules are minute-precision "HH:MM" strings scoped to a single
// calendar day, so most of the package works in minutes since midnight.
package timeutil

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedTime = errors.New("malformed time of day")
	ErrInvalidStep   = errors.New("slot step must be positive")
)

const minutesPerDay = 24 * 60

// Clock is a wall-clock time of day at minute precision.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses an "HH:MM" string. A single-digit hour is accepted
// ("9:30"); anything non-numeric or out of range is ErrMalformedTime.
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Clock{}, fmt.Errorf("%w: %q", ErrMalformedTime, s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("%w: %q", ErrMalformedTime, s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("%w: %q", ErrMalformedTime, s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// Minutes returns the clock as minutes since midnight.
func (c Clock) Minutes() int {
	return c.Hour*60 + c.Minute
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// FormatMinutes renders minutes-since-midnight back to "HH:MM",
// wrapping past midnight the way date arithmetic would (24:30 -> 00:30).
func FormatMinutes(m int) string {
	m %= minutesPerDay
	if m < 0 {
		m += minutesPerDay
	}
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// AddMinutes is plain duration addition, standard calendar rollover only.
func AddMinutes(t time.Time, minutes int) time.Time {
	return t.Add(time.Duration(minutes) * time.Minute)
}

// Slots returns the candidate start-time labels for a working window:
// "HH:MM" strings from start, stepping by stepMin, strictly before end.
// The sequence is finite and restartable; ranging it twice yields the
// same labels. Whether a booking of some duration actually fits at a
// label is the availability checker's problem, not this one's.
//
// A non-positive step is ErrInvalidStep. start >= end is an empty
// sequence, not an error.
func Slots(start, end string, stepMin int) (iter.Seq[string], error) {
	if stepMin <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStep, stepMin)
	}
	from, err := ParseClock(start)
	if err != nil {
		return nil, err
	}
	until, err := ParseClock(end)
	if err != nil {
		return nil, err
	}
	first, limit := from.Minutes(), until.Minutes()
	return func(yield func(string) bool) {
		for m := first; m < limit; m += stepMin {
			if !yield(FormatMinutes(m)) {
				return
			}
		}
	}, nil
}
