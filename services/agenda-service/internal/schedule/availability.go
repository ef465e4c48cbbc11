// Package schedule decides whether a candidate appointment interval is
// free for a staff member, given snapshot lists of existing bookings
// and blackout periods. It is pure: no store access, no side effects.
package schedule

import (
	"fmt"
	"strings"

	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/ledger"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/timeutil"
)

// Stored durations that are missing or non-positive count as an hour,
// matching the service-duration fallback.
const fallbackDurationMin = 60

// CorruptDataError reports a stored record whose time fields cannot be
// parsed. The whole check fails rather than skipping the record: a
// skipped record could silently free a clashing slot.
type CorruptDataError struct {
	RecordID string
	Field    string
	Err      error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("corrupt schedule data in record %s (%s): %v", e.RecordID, e.Field, e.Err)
}

func (e *CorruptDataError) Unwrap() error { return e.Err }

// IsFree reports whether [start, start+duration) on the given date is
// free for the staff member. Appointments count only when they belong
// to the same staff and date and are booked or done; cancelled ones
// never block. Blackouts count on staff and date alone.
//
// Intervals are half-open, so touching endpoints do not conflict and
// back-to-back bookings are allowed.
func IsFree(date, start string, durationMin int, employeeID string, appts []ledger.Appointment, blocks []ledger.Blackout) (bool, error) {
	from, err := timeutil.ParseClock(start)
	if err != nil {
		return false, err
	}
	candStart := from.Minutes()
	candEnd := candStart + durationMin

	for _, a := range appts {
		if a.EmployeeID != employeeID || a.Date != date {
			continue
		}
		switch strings.ToLower(a.Status) {
		case ledger.StatusBooked, ledger.StatusDone:
		default:
			continue
		}
		c, err := timeutil.ParseClock(a.StartTime)
		if err != nil {
			return false, &CorruptDataError{RecordID: a.ID, Field: "start_time", Err: err}
		}
		dur := a.DurationMin
		if dur <= 0 {
			dur = fallbackDurationMin
		}
		s := c.Minutes()
		if candStart < s+dur && candEnd > s {
			return false, nil
		}
	}

	for _, b := range blocks {
		if b.EmployeeID != employeeID || b.Date != date {
			continue
		}
		sc, err := timeutil.ParseClock(b.StartTime)
		if err != nil {
			return false, &CorruptDataError{RecordID: b.ID, Field: "start_time", Err: err}
		}
		ec, err := timeutil.ParseClock(b.EndTime)
		if err != nil {
			return false, &CorruptDataError{RecordID: b.ID, Field: "end_time", Err: err}
		}
		if candStart < ec.Minutes() && candEnd > sc.Minutes() {
			return false, nil
		}
	}
	return true, nil
}

// FreeSlots lists the working-window start labels at which a booking of
// durationMin would currently be free. It is a convenience for the
// client-facing slot listing; the booking path re-checks availability
// against a fresh snapshot regardless.
func FreeSlots(date, workStart, workEnd string, stepMin, durationMin int, employeeID string, appts []ledger.Appointment, blocks []ledger.Blackout) ([]string, error) {
	labels, err := timeutil.Slots(workStart, workEnd, stepMin)
	if err != nil {
		return nil, err
	}
	var out []string
	for label := range labels {
		free, err := IsFree(date, label, durationMin, employeeID, appts, blocks)
		if err != nil {
			return nil, err
		}
		if free {
			out = append(out, label)
		}
	}
	return out, nil
}
