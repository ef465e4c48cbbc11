// Package booking coordinates "check availability, then persist" as a
// single logical operation over the ledger's optimistic-concurrency
// contract: snapshot, validate, check, conditional append, retry on
// conflict. It holds no locks; two racing bookers are serialized by the
// version token alone.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/ledger"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/schedule"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/timeutil"
)

// Outcome is a terminal state of one booking or blackout request.
type Outcome string

const (
	OutcomeCommitted        Outcome = "committed"
	OutcomeRejectedBusy     Outcome = "rejected_busy"     // slot occupied or blocked
	OutcomeRejectedConflict Outcome = "rejected_conflict" // optimistic retries exhausted; caller may retry
	OutcomeFailed           Outcome = "failed"            // validation or store fault
)

// ValidationError reports a request that cannot be committed regardless
// of ledger state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type BookingRequest struct {
	Date        string // YYYY-MM-DD
	StartTime   string // HH:MM
	EmployeeID  string
	ServiceID   string
	DurationMin int // 0 means the service's default duration
	ClientName  string
	ClientPhone string
	Notes       string
	Price       string
	PromoCode   string
	FinalPrice  string
	CreatedBy   string // caller identity, recorded for audit
}

type BlackoutRequest struct {
	Date       string
	StartTime  string
	EndTime    string
	EmployeeID string
	Reason     string
	CreatedBy  string
}

type Result struct {
	Outcome     Outcome
	Appointment *ledger.Appointment
	Blackout    *ledger.Blackout
}

type Config struct {
	// ConflictAttempts bounds full re-snapshot/re-check/re-append
	// cycles after a version conflict.
	ConflictAttempts int
	// TransientAttempts bounds retries of a single store call on
	// transient faults.
	TransientAttempts int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

type Coordinator struct {
	store             ledger.Store
	logger            *slog.Logger
	now               func() time.Time
	newID             func() string
	conflictAttempts  int
	transientAttempts int
	backoffBase       time.Duration
	backoffCap        time.Duration
}

func NewCoordinator(store ledger.Store, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.ConflictAttempts <= 0 {
		cfg.ConflictAttempts = 3
	}
	if cfg.TransientAttempts <= 0 {
		cfg.TransientAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 6 * time.Second
	}
	return &Coordinator{
		store:             store,
		logger:            logger,
		now:               time.Now,
		newID:             uuid.NewString,
		conflictAttempts:  cfg.ConflictAttempts,
		transientAttempts: cfg.TransientAttempts,
		backoffBase:       cfg.BackoffBase,
		backoffCap:        cfg.BackoffCap,
	}
}

// BookAppointment runs the full cycle for one booking request. A nil
// error with OutcomeRejectedBusy or OutcomeRejectedConflict is a normal
// business rejection; OutcomeFailed carries the fault as the error.
func (c *Coordinator) BookAppointment(ctx context.Context, req BookingRequest) (Result, error) {
	if err := validateBooking(req); err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	start, _ := timeutil.ParseClock(req.StartTime) // validated above
	apptID := c.newID()

	for attempt := 1; attempt <= c.conflictAttempts; attempt++ {
		snap, err := c.loadSnapshot(ctx)
		if err != nil {
			return Result{Outcome: OutcomeFailed}, err
		}
		// A version conflict after a transient append fault can mean the
		// write landed and only the acknowledgment was lost. The id is
		// fixed for the whole request, so our own record in a fresh
		// snapshot is proof of commit, not a competing booking.
		if prior, ok := snap.AppointmentByID(apptID); ok {
			return Result{Outcome: OutcomeCommitted, Appointment: &prior}, nil
		}

		staff, ok := snap.StaffByID(req.EmployeeID)
		if !ok {
			return Result{Outcome: OutcomeFailed}, &ValidationError{Field: "employee_id", Reason: "unknown staff member"}
		}
		if !staff.Active.Bool() {
			return Result{Outcome: OutcomeFailed}, &ValidationError{Field: "employee_id", Reason: "staff member is inactive"}
		}
		svc, ok := snap.ServiceByID(req.ServiceID)
		if !ok {
			return Result{Outcome: OutcomeFailed}, &ValidationError{Field: "service_id", Reason: "unknown service"}
		}
		duration := req.DurationMin
		if duration == 0 {
			duration = svc.DurationMin()
		}

		free, err := schedule.IsFree(req.Date, req.StartTime, duration, req.EmployeeID, snap.Appointments, snap.Blackouts)
		if err != nil {
			return Result{Outcome: OutcomeFailed}, err
		}
		if !free {
			return Result{Outcome: OutcomeRejectedBusy}, nil
		}

		// Last cancellation point: an abandoned request must not leave
		// a durable write behind.
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		finalPrice := req.FinalPrice
		if finalPrice == "" {
			finalPrice = req.Price
		}
		appt := ledger.Appointment{
			ID:           apptID,
			Date:         req.Date,
			StartTime:    start.String(),
			DurationMin:  duration,
			EndTime:      timeutil.FormatMinutes(start.Minutes() + duration),
			EmployeeID:   staff.ID,
			EmployeeName: staff.Name,
			ClientName:   req.ClientName,
			ClientPhone:  req.ClientPhone,
			ServiceID:    svc.ID,
			ServiceName:  svc.Name,
			Status:       ledger.StatusBooked,
			CreatedAt:    c.now().Format(time.RFC3339),
			CreatedBy:    req.CreatedBy,
			Notes:        req.Notes,
			Price:        req.Price,
			PromoCode:    req.PromoCode,
			FinalPrice:   finalPrice,
		}

		err = c.commit(ctx, func(commitCtx context.Context) error {
			_, err := c.store.AppendAppointment(commitCtx, appt, snap.Version)
			return err
		})
		switch {
		case err == nil:
			c.logger.Info("appointment committed",
				"appt_id", appt.ID, "employee_id", appt.EmployeeID,
				"date", appt.Date, "start", appt.StartTime, "created_by", appt.CreatedBy)
			return Result{Outcome: OutcomeCommitted, Appointment: &appt}, nil
		case errors.Is(err, ledger.ErrVersionConflict):
			c.logger.Info("ledger moved between check and append; retrying", "attempt", attempt)
			continue
		default:
			return Result{Outcome: OutcomeFailed}, err
		}
	}
	return Result{Outcome: OutcomeRejectedConflict}, nil
}

// BlockPeriod commits a staff blackout through the same
// validate/check/append cycle as a booking.
func (c *Coordinator) BlockPeriod(ctx context.Context, req BlackoutRequest) (Result, error) {
	startC, endC, err := validateBlackoutRequest(req)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	duration := endC.Minutes() - startC.Minutes()
	reason := req.Reason
	if reason == "" {
		reason = "unavailable"
	}
	blockID := c.newID()

	for attempt := 1; attempt <= c.conflictAttempts; attempt++ {
		snap, err := c.loadSnapshot(ctx)
		if err != nil {
			return Result{Outcome: OutcomeFailed}, err
		}
		if prior, ok := snap.BlackoutByID(blockID); ok {
			return Result{Outcome: OutcomeCommitted, Blackout: &prior}, nil
		}
		staff, ok := snap.StaffByID(req.EmployeeID)
		if !ok {
			return Result{Outcome: OutcomeFailed}, &ValidationError{Field: "employee_id", Reason: "unknown staff member"}
		}

		free, err := schedule.IsFree(req.Date, req.StartTime, duration, req.EmployeeID, snap.Appointments, snap.Blackouts)
		if err != nil {
			return Result{Outcome: OutcomeFailed}, err
		}
		if !free {
			return Result{Outcome: OutcomeRejectedBusy}, nil
		}

		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		block := ledger.Blackout{
			ID:           blockID,
			Date:         req.Date,
			StartTime:    startC.String(),
			EndTime:      endC.String(),
			EmployeeID:   staff.ID,
			EmployeeName: staff.Name,
			Reason:       reason,
			CreatedAt:    c.now().Format(time.RFC3339),
			CreatedBy:    req.CreatedBy,
		}

		err = c.commit(ctx, func(commitCtx context.Context) error {
			_, err := c.store.AppendBlackout(commitCtx, block, snap.Version)
			return err
		})
		switch {
		case err == nil:
			c.logger.Info("blackout committed",
				"block_id", block.ID, "employee_id", block.EmployeeID,
				"date", block.Date, "start", block.StartTime, "end", block.EndTime)
			return Result{Outcome: OutcomeCommitted, Blackout: &block}, nil
		case errors.Is(err, ledger.ErrVersionConflict):
			continue
		default:
			return Result{Outcome: OutcomeFailed}, err
		}
	}
	return Result{Outcome: OutcomeRejectedConflict}, nil
}

// ChangeStatus transitions a booked appointment to done or cancelled.
func (c *Coordinator) ChangeStatus(ctx context.Context, apptID, status string) (Result, error) {
	if status != ledger.StatusDone && status != ledger.StatusCancelled {
		return Result{Outcome: OutcomeFailed}, &ValidationError{Field: "status", Reason: "must be done or cancelled"}
	}
	if apptID == "" {
		return Result{Outcome: OutcomeFailed}, &ValidationError{Field: "appointment_id", Reason: "required"}
	}

	for attempt := 1; attempt <= c.conflictAttempts; attempt++ {
		snap, err := c.loadSnapshot(ctx)
		if err != nil {
			return Result{Outcome: OutcomeFailed}, err
		}
		// Already in the target status: either the transition committed
		// and its acknowledgment was lost, or the request is a repeat.
		// Both resolve as committed.
		if appt, ok := snap.AppointmentByID(apptID); ok && appt.Status == status {
			return Result{Outcome: OutcomeCommitted, Appointment: &appt}, nil
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		err = c.commit(ctx, func(commitCtx context.Context) error {
			_, err := c.store.SetAppointmentStatus(commitCtx, apptID, status, snap.Version)
			return err
		})
		switch {
		case err == nil:
			return Result{Outcome: OutcomeCommitted}, nil
		case errors.Is(err, ledger.ErrVersionConflict):
			continue
		default:
			return Result{Outcome: OutcomeFailed}, err
		}
	}
	return Result{Outcome: OutcomeRejectedConflict}, nil
}

// loadSnapshot reads the ledger with bounded retries on transient
// faults. The read side stays cancelable.
func (c *Coordinator) loadSnapshot(ctx context.Context) (ledger.Snapshot, error) {
	var snap ledger.Snapshot
	err := c.retryTransient(ctx, func() error {
		var err error
		snap, err = c.store.Load(ctx)
		return err
	})
	return snap, err
}

// commit issues a conditional write. Once issued it runs to completion:
// the caller's cancellation no longer applies, so the ledger is never
// left in doubt about a half-delivered append.
func (c *Coordinator) commit(ctx context.Context, op func(context.Context) error) error {
	commitCtx := context.WithoutCancel(ctx)
	return c.retryTransient(commitCtx, func() error {
		return op(commitCtx)
	})
}

func (c *Coordinator) retryTransient(ctx context.Context, op func() error) error {
	delay := c.backoffBase
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !ledger.IsTransient(err) || attempt >= c.transientAttempts {
			return err
		}
		c.logger.Warn("transient ledger fault; backing off", "attempt", attempt, "delay", delay.String(), "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(time.Duration(float64(delay)*1.8), c.backoffCap)
	}
}

func validateBooking(req BookingRequest) error {
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	if _, err := timeutil.ParseClock(req.StartTime); err != nil {
		return &ValidationError{Field: "start_time", Reason: "must be HH:MM"}
	}
	if req.DurationMin < 0 {
		return &ValidationError{Field: "duration_min", Reason: "must be positive"}
	}
	if req.EmployeeID == "" {
		return &ValidationError{Field: "employee_id", Reason: "required"}
	}
	if req.ServiceID == "" {
		return &ValidationError{Field: "service_id", Reason: "required"}
	}
	if req.ClientName == "" {
		return &ValidationError{Field: "client_name", Reason: "required"}
	}
	if req.CreatedBy == "" {
		return &ValidationError{Field: "created_by", Reason: "caller identity required"}
	}
	return nil
}

func validateBlackoutRequest(req BlackoutRequest) (timeutil.Clock, timeutil.Clock, error) {
	var zero timeutil.Clock
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		return zero, zero, &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	startC, err := timeutil.ParseClock(req.StartTime)
	if err != nil {
		return zero, zero, &ValidationError{Field: "start_time", Reason: "must be HH:MM"}
	}
	endC, err := timeutil.ParseClock(req.EndTime)
	if err != nil {
		return zero, zero, &ValidationError{Field: "end_time", Reason: "must be HH:MM"}
	}
	if startC.Minutes() >= endC.Minutes() {
		return zero, zero, &ValidationError{Field: "end_time", Reason: "must be after start_time"}
	}
	if req.EmployeeID == "" {
		return zero, zero, &ValidationError{Field: "employee_id", Reason: "required"}
	}
	if req.CreatedBy == "" {
		return zero, zero, &ValidationError{Field: "created_by", Reason: "caller identity required"}
	}
	return startC, endC, nil
}
