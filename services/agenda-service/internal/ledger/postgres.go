package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nessacoiffeur/agenda/libs/db"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/outbox"
)

// PostgresStore keeps the ledger in Postgres. The version token is a
// singleton counter row bumped conditionally in the same transaction as
// every write, so a stale token can never slip a record in. Outbox
// events ride the same transaction.
type PostgresStore struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgresStore(pool *db.Pool, outboxRepo *outbox.Repository) *PostgresStore {
	return &PostgresStore{pool: pool, outbox: outboxRepo}
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_head (
	singleton  boolean PRIMARY KEY DEFAULT true CHECK (singleton),
	version    bigint NOT NULL DEFAULT 0,
	updated_at timestamptz NOT NULL DEFAULT now()
);
INSERT INTO ledger_head (singleton) VALUES (true) ON CONFLICT DO NOTHING;

CREATE TABLE IF NOT EXISTS staff (
	employee_id          text PRIMARY KEY,
	name                 text NOT NULL DEFAULT '',
	role                 text NOT NULL DEFAULT '',
	specialty            text NOT NULL DEFAULT '',
	active               boolean NOT NULL DEFAULT true,
	default_start        text NOT NULL DEFAULT '09:00',
	default_end          text NOT NULL DEFAULT '19:00',
	username             text NOT NULL DEFAULT '',
	email                text NOT NULL DEFAULT '',
	password_hash        text NOT NULL DEFAULT '',
	must_change_password boolean NOT NULL DEFAULT true
);
CREATE UNIQUE INDEX IF NOT EXISTS staff_username ON staff (lower(trim(username))) WHERE username <> '';

CREATE TABLE IF NOT EXISTS services (
	service_id       text PRIMARY KEY,
	name             text NOT NULL DEFAULT '',
	specialty        text NOT NULL DEFAULT '',
	active           boolean NOT NULL DEFAULT true,
	default_duration integer NOT NULL DEFAULT 60
);

CREATE TABLE IF NOT EXISTS appointments (
	appt_id       text PRIMARY KEY,
	date          text NOT NULL,
	start_time    text NOT NULL,
	duration_min  integer NOT NULL CHECK (duration_min > 0),
	end_time      text NOT NULL,
	employee_id   text NOT NULL,
	employee_name text NOT NULL DEFAULT '',
	client_name   text NOT NULL DEFAULT '',
	client_phone  text NOT NULL DEFAULT '',
	service_id    text NOT NULL DEFAULT '',
	service_name  text NOT NULL DEFAULT '',
	status        text NOT NULL CHECK (status IN ('booked', 'done', 'cancelled')),
	created_at    text NOT NULL DEFAULT '',
	created_by    text NOT NULL DEFAULT '',
	notes         text NOT NULL DEFAULT '',
	price         text NOT NULL DEFAULT '',
	promo_code    text NOT NULL DEFAULT '',
	final_price   text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS blackouts (
	block_id      text PRIMARY KEY,
	date          text NOT NULL,
	start_time    text NOT NULL,
	end_time      text NOT NULL,
	employee_id   text NOT NULL,
	employee_name text NOT NULL DEFAULT '',
	reason        text NOT NULL DEFAULT '',
	created_at    text NOT NULL DEFAULT '',
	created_by    text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS outbox_events (
	id             bigserial PRIMARY KEY,
	event_id       uuid NOT NULL DEFAULT gen_random_uuid(),
	aggregate_type text NOT NULL,
	aggregate_id   text NOT NULL,
	event_type     text NOT NULL,
	payload        jsonb NOT NULL,
	traceparent    text NOT NULL DEFAULT '',
	tracestate     text NOT NULL DEFAULT '',
	created_at     timestamptz NOT NULL DEFAULT now(),
	published_at   timestamptz
);
CREATE INDEX IF NOT EXISTS outbox_events_unpublished ON outbox_events (id) WHERE published_at IS NULL;
`

// EnsureSchema creates the ledger tables when they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return classify(err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Snapshot{}, classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var version int64
	if err := tx.QueryRow(ctx, `SELECT version FROM ledger_head`).Scan(&version); err != nil {
		return Snapshot{}, classify(err)
	}

	snap := Snapshot{Version: Version(strconv.FormatInt(version, 10))}
	if snap.Appointments, err = loadAppointments(ctx, tx); err != nil {
		return Snapshot{}, classify(err)
	}
	if snap.Blackouts, err = loadBlackouts(ctx, tx); err != nil {
		return Snapshot{}, classify(err)
	}
	if snap.Staff, err = loadStaff(ctx, tx); err != nil {
		return Snapshot{}, classify(err)
	}
	if snap.Services, err = loadServices(ctx, tx); err != nil {
		return Snapshot{}, classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, classify(err)
	}
	return snap, nil
}

func (s *PostgresStore) AppendAppointment(ctx context.Context, appt Appointment, expected Version) (Version, error) {
	if err := validateAppointment(appt); err != nil {
		return "", err
	}
	return s.write(ctx, expected, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO appointments
				(appt_id, date, start_time, duration_min, end_time, employee_id, employee_name,
				 client_name, client_phone, service_id, service_name, status, created_at, created_by,
				 notes, price, promo_code, final_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		`, appt.ID, appt.Date, appt.StartTime, appt.DurationMin, appt.EndTime, appt.EmployeeID, appt.EmployeeName,
			appt.ClientName, appt.ClientPhone, appt.ServiceID, appt.ServiceName, appt.Status, appt.CreatedAt, appt.CreatedBy,
			appt.Notes, appt.Price, appt.PromoCode, appt.FinalPrice)
		if err != nil {
			return err
		}
		return s.emit(ctx, tx, outbox.EventAppointmentBooked, appt.ID, appt)
	})
}

func (s *PostgresStore) AppendBlackout(ctx context.Context, b Blackout, expected Version) (Version, error) {
	if err := validateBlackout(b); err != nil {
		return "", err
	}
	return s.write(ctx, expected, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO blackouts
				(block_id, date, start_time, end_time, employee_id, employee_name, reason, created_at, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, b.ID, b.Date, b.StartTime, b.EndTime, b.EmployeeID, b.EmployeeName, b.Reason, b.CreatedAt, b.CreatedBy)
		if err != nil {
			return err
		}
		return s.emit(ctx, tx, outbox.EventBlackoutCreated, b.ID, b)
	})
}

func (s *PostgresStore) SetAppointmentStatus(ctx context.Context, apptID, status string, expected Version) (Version, error) {
	if !validStatusTransition(StatusBooked, status) {
		return "", fmt.Errorf("%w: status %q", ErrRejected, status)
	}
	return s.write(ctx, expected, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE appointments SET status = $2
			WHERE appt_id = $1 AND status = 'booked'
		`, apptID, status)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: appointment %s is not booked", ErrRejected, apptID)
		}
		return s.emit(ctx, tx, outbox.EventStatusChanged, apptID, map[string]string{
			"appt_id": apptID,
			"status":  status,
		})
	})
}

func (s *PostgresStore) UpdateStaffCredential(ctx context.Context, username, passwordHash string, mustChange bool, expected Version) (Version, error) {
	return s.write(ctx, expected, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE staff SET password_hash = $2, must_change_password = $3
			WHERE lower(trim(username)) = lower(trim($1))
		`, username, passwordHash, mustChange)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: unknown staff username", ErrRejected)
		}
		return nil
	})
}

// ProvisionStaff inserts a staff record at boot if no record with the
// same username exists yet. It bypasses the version counter; reference
// data added before serving cannot invalidate anyone's snapshot.
func (s *PostgresStore) ProvisionStaff(ctx context.Context, st Staff) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO staff (
			employee_id, name, role, specialty, active,
			default_start, default_end, username, email,
			password_hash, must_change_password
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`,
		st.ID, st.Name, st.Role, st.Specialty, bool(st.Active),
		st.DefaultStart, st.DefaultEnd, st.Username, st.Email,
		st.PasswordHash, bool(st.MustChangePassword))
	if err != nil {
		return classify(err)
	}
	return nil
}

// write runs fn in a transaction after conditionally bumping the
// version counter; zero rows updated means another writer committed
// since the caller's snapshot.
func (s *PostgresStore) write(ctx context.Context, expected Version, fn func(tx pgx.Tx) error) (Version, error) {
	want, err := strconv.ParseInt(string(expected), 10, 64)
	if err != nil {
		return "", ErrVersionConflict
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var next int64
	err = tx.QueryRow(ctx, `
		UPDATE ledger_head SET version = version + 1, updated_at = now()
		WHERE version = $1
		RETURNING version
	`, want).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrVersionConflict
	}
	if err != nil {
		return "", classify(err)
	}

	if err := fn(tx); err != nil {
		return "", classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", classify(err)
	}
	return Version(strconv.FormatInt(next, 10)), nil
}

func (s *PostgresStore) emit(ctx context.Context, tx pgx.Tx, eventType, aggregateID string, payload any) error {
	if s.outbox == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return s.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "agenda",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	})
}

// classify maps driver failures onto the ledger error taxonomy:
// integrity and data faults are permanent rejections, everything else
// that isn't a caller cancellation is assumed retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrVersionConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23": // data exception, integrity violation
			return fmt.Errorf("%w: %s", ErrRejected, pgErr.Message)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransientError{Err: err}
}

func loadAppointments(ctx context.Context, tx pgx.Tx) ([]Appointment, error) {
	rows, err := tx.Query(ctx, `
		SELECT appt_id, date, start_time, duration_min, end_time, employee_id, employee_name,
			client_name, client_phone, service_id, service_name, status, created_at, created_by,
			notes, price, promo_code, final_price
		FROM appointments
		ORDER BY date, start_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		var a Appointment
		if err := rows.Scan(&a.ID, &a.Date, &a.StartTime, &a.DurationMin, &a.EndTime, &a.EmployeeID, &a.EmployeeName,
			&a.ClientName, &a.ClientPhone, &a.ServiceID, &a.ServiceName, &a.Status, &a.CreatedAt, &a.CreatedBy,
			&a.Notes, &a.Price, &a.PromoCode, &a.FinalPrice); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func loadBlackouts(ctx context.Context, tx pgx.Tx) ([]Blackout, error) {
	rows, err := tx.Query(ctx, `
		SELECT block_id, date, start_time, end_time, employee_id, employee_name, reason, created_at, created_by
		FROM blackouts
		ORDER BY date, start_time
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Blackout
	for rows.Next() {
		var b Blackout
		if err := rows.Scan(&b.ID, &b.Date, &b.StartTime, &b.EndTime, &b.EmployeeID, &b.EmployeeName, &b.Reason, &b.CreatedAt, &b.CreatedBy); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func loadStaff(ctx context.Context, tx pgx.Tx) ([]Staff, error) {
	rows, err := tx.Query(ctx, `
		SELECT employee_id, name, role, specialty, active, default_start, default_end,
			username, email, password_hash, must_change_password
		FROM staff
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Staff
	for rows.Next() {
		var st Staff
		var active, mustChange bool
		if err := rows.Scan(&st.ID, &st.Name, &st.Role, &st.Specialty, &active, &st.DefaultStart, &st.DefaultEnd,
			&st.Username, &st.Email, &st.PasswordHash, &mustChange); err != nil {
			return nil, err
		}
		st.Active = Flag(active)
		st.MustChangePassword = Flag(mustChange)
		out = append(out, st)
	}
	return out, rows.Err()
}

func loadServices(ctx context.Context, tx pgx.Tx) ([]Service, error) {
	rows, err := tx.Query(ctx, `
		SELECT service_id, name, specialty, active, default_duration
		FROM services
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var svc Service
		var active bool
		var duration int
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Specialty, &active, &duration); err != nil {
			return nil, err
		}
		svc.Active = Flag(active)
		svc.DefaultDuration = MinuteCount(duration)
		out = append(out, svc)
	}
	return out, rows.Err()
}
