// Package ledger owns the canonical appointment and blackout records.
// Every store implementation exposes the same contract: a consistent
// point-in-time snapshot tagged with an opaque version token, and
// conditional writes that fail with ErrVersionConflict when another
// writer committed since the snapshot was taken.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/timeutil"
)

// Appointment statuses. Cancelled appointments stay in the ledger;
// nothing is ever physically deleted.
const (
	StatusBooked    = "booked"
	StatusDone      = "done"
	StatusCancelled = "cancelled"
)

var (
	// ErrVersionConflict means the store moved on since the snapshot;
	// the caller should re-snapshot, re-check and try again.
	ErrVersionConflict = errors.New("ledger version conflict")

	// ErrRejected means the store refused the payload. Retrying the
	// same write cannot succeed.
	ErrRejected = errors.New("ledger rejected record")
)

// TransientError wraps an I/O or connectivity fault. The write may
// succeed if retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient ledger error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Version is an opaque token identifying the ledger state a snapshot
// was taken from. Callers must not interpret it.
type Version string

type Appointment struct {
	ID           string `json:"appt_id"`
	Date         string `json:"date"`       // YYYY-MM-DD
	StartTime    string `json:"start_time"` // HH:MM
	DurationMin  int    `json:"duration_min"`
	EndTime      string `json:"end_time"` // always start + duration, recomputed
	EmployeeID   string `json:"employee_id"`
	EmployeeName string `json:"employee_name"`
	ClientName   string `json:"client_name"`
	ClientPhone  string `json:"client_phone"`
	ServiceID    string `json:"service_id"`
	ServiceName  string `json:"service_name"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"` // local ISO-8601 with offset, second precision
	CreatedBy    string `json:"created_by"`
	Notes        string `json:"notes"`
	Price        string `json:"price"`
	PromoCode    string `json:"promo_code"`
	FinalPrice   string `json:"final_price"`
}

type Blackout struct {
	ID           string `json:"block_id"`
	Date         string `json:"date"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"` // explicit, not duration-derived
	EmployeeID   string `json:"employee_id"`
	EmployeeName string `json:"employee_name"`
	Reason       string `json:"reason"`
	CreatedAt    string `json:"created_at"`
	CreatedBy    string `json:"created_by"`
}

type Staff struct {
	ID                 string `json:"employee_id"`
	Name               string `json:"name"`
	Role               string `json:"role"`
	Specialty          string `json:"specialty"`
	Active             Flag   `json:"active"`
	DefaultStart       string `json:"default_start"`
	DefaultEnd         string `json:"default_end"`
	Username           string `json:"username"`
	Email              string `json:"email"`
	PasswordHash       string `json:"password_hash"`
	MustChangePassword Flag   `json:"must_change_password"`
}

type Service struct {
	ID              string      `json:"service_id"`
	Name            string      `json:"name"`
	Specialty       string      `json:"specialty"`
	Active          Flag        `json:"active"`
	DefaultDuration MinuteCount `json:"default_duration"`
}

// DurationMin returns the service's default duration, falling back to
// 60 when the stored value is absent or malformed.
func (s Service) DurationMin() int {
	if s.DefaultDuration > 0 {
		return int(s.DefaultDuration)
	}
	return 60
}

// Snapshot is a consistent read of the whole ledger. Components work
// against snapshots only; they never hold live aliases into the store.
type Snapshot struct {
	Appointments []Appointment
	Blackouts    []Blackout
	Staff        []Staff
	Services     []Service
	Version      Version
}

// StaffByID returns the staff record with the given id, if any.
func (s Snapshot) StaffByID(id string) (Staff, bool) {
	for _, st := range s.Staff {
		if st.ID == id {
			return st, true
		}
	}
	return Staff{}, false
}

// StaffByUsername matches usernames case-insensitively, the way the
// login form does.
func (s Snapshot) StaffByUsername(username string) (Staff, bool) {
	username = strings.ToLower(strings.TrimSpace(username))
	for _, st := range s.Staff {
		if strings.ToLower(strings.TrimSpace(st.Username)) == username {
			return st, true
		}
	}
	return Staff{}, false
}

// AppointmentByID returns the appointment with the given id, if any.
func (s Snapshot) AppointmentByID(id string) (Appointment, bool) {
	for _, a := range s.Appointments {
		if a.ID == id {
			return a, true
		}
	}
	return Appointment{}, false
}

// BlackoutByID returns the blackout with the given id, if any.
func (s Snapshot) BlackoutByID(id string) (Blackout, bool) {
	for _, b := range s.Blackouts {
		if b.ID == id {
			return b, true
		}
	}
	return Blackout{}, false
}

// ServiceByID returns the service record with the given id, if any.
func (s Snapshot) ServiceByID(id string) (Service, bool) {
	for _, svc := range s.Services {
		if svc.ID == id {
			return svc, true
		}
	}
	return Service{}, false
}

// Store is the booking ledger contract. Writes are all-or-nothing: a
// record is either fully durable and visible to later snapshots, or
// not recorded at all.
type Store interface {
	// Load returns a point-in-time view plus the version token to use
	// for conditional writes.
	Load(ctx context.Context) (Snapshot, error)

	// AppendAppointment durably appends the record iff the store is
	// still at the expected version.
	AppendAppointment(ctx context.Context, appt Appointment, expected Version) (Version, error)

	// AppendBlackout durably appends the record iff the store is still
	// at the expected version.
	AppendBlackout(ctx context.Context, b Blackout, expected Version) (Version, error)

	// SetAppointmentStatus transitions a booked appointment to done or
	// cancelled. Any other transition is ErrRejected.
	SetAppointmentStatus(ctx context.Context, apptID, status string, expected Version) (Version, error)

	// UpdateStaffCredential replaces a staff member's password hash and
	// must-change flag, keyed by username.
	UpdateStaffCredential(ctx context.Context, username, passwordHash string, mustChange bool, expected Version) (Version, error)
}

// StaffProvisioner is the boot-time hook for installing initial staff
// records. All bundled stores implement it.
type StaffProvisioner interface {
	ProvisionStaff(ctx context.Context, st Staff) error
}

func validStatusTransition(from, to string) bool {
	return from == StatusBooked && (to == StatusDone || to == StatusCancelled)
}

func validateAppointment(a Appointment) error {
	switch {
	case strings.TrimSpace(a.ID) == "":
		return fmt.Errorf("%w: appointment id is empty", ErrRejected)
	case a.EmployeeID == "":
		return fmt.Errorf("%w: appointment %s has no employee", ErrRejected, a.ID)
	case a.DurationMin <= 0:
		return fmt.Errorf("%w: appointment %s duration %d", ErrRejected, a.ID, a.DurationMin)
	}
	if _, err := time.Parse("2006-01-02", a.Date); err != nil {
		return fmt.Errorf("%w: appointment %s date %q", ErrRejected, a.ID, a.Date)
	}
	if _, err := timeutil.ParseClock(a.StartTime); err != nil {
		return fmt.Errorf("%w: appointment %s start_time %q", ErrRejected, a.ID, a.StartTime)
	}
	switch a.Status {
	case StatusBooked, StatusDone, StatusCancelled:
	default:
		return fmt.Errorf("%w: appointment %s status %q", ErrRejected, a.ID, a.Status)
	}
	return nil
}

func validateBlackout(b Blackout) error {
	switch {
	case strings.TrimSpace(b.ID) == "":
		return fmt.Errorf("%w: blackout id is empty", ErrRejected)
	case b.EmployeeID == "":
		return fmt.Errorf("%w: blackout %s has no employee", ErrRejected, b.ID)
	}
	if _, err := time.Parse("2006-01-02", b.Date); err != nil {
		return fmt.Errorf("%w: blackout %s date %q", ErrRejected, b.ID, b.Date)
	}
	start, err := timeutil.ParseClock(b.StartTime)
	if err != nil {
		return fmt.Errorf("%w: blackout %s start_time %q", ErrRejected, b.ID, b.StartTime)
	}
	end, err := timeutil.ParseClock(b.EndTime)
	if err != nil {
		return fmt.Errorf("%w: blackout %s end_time %q", ErrRejected, b.ID, b.EndTime)
	}
	if start.Minutes() >= end.Minutes() {
		return fmt.Errorf("%w: blackout %s start %s not before end %s", ErrRejected, b.ID, b.StartTime, b.EndTime)
	}
	return nil
}
