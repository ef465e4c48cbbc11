package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the whole ledger as one JSON document under a single
// key. Writers WATCH the key, so any concurrent commit between read and
// write aborts the transaction, which surfaces as a version conflict.
// Suited to small salons where the ledger is one editable document
// rather than a table set.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "agenda:ledger"
	}
	return &RedisStore{client: client, key: key}
}

type ledgerDoc struct {
	Version      uint64        `json:"version"`
	GeneratedAt  string        `json:"generated_at"`
	Appointments []Appointment `json:"appointments"`
	Blackouts    []Blackout    `json:"blackouts"`
	Staff        []Staff       `json:"staff"`
	Services     []Service     `json:"services"`
}

func (s *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	doc, err := decodeDoc(s.client.Get(ctx, s.key))
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Appointments: doc.Appointments,
		Blackouts:    doc.Blackouts,
		Staff:        doc.Staff,
		Services:     doc.Services,
		Version:      Version(strconv.FormatUint(doc.Version, 10)),
	}, nil
}

func (s *RedisStore) AppendAppointment(ctx context.Context, appt Appointment, expected Version) (Version, error) {
	if err := validateAppointment(appt); err != nil {
		return "", err
	}
	return s.mutate(ctx, expected, func(doc *ledgerDoc) error {
		doc.Appointments = append(doc.Appointments, appt)
		return nil
	})
}

func (s *RedisStore) AppendBlackout(ctx context.Context, b Blackout, expected Version) (Version, error) {
	if err := validateBlackout(b); err != nil {
		return "", err
	}
	return s.mutate(ctx, expected, func(doc *ledgerDoc) error {
		doc.Blackouts = append(doc.Blackouts, b)
		return nil
	})
}

func (s *RedisStore) SetAppointmentStatus(ctx context.Context, apptID, status string, expected Version) (Version, error) {
	return s.mutate(ctx, expected, func(doc *ledgerDoc) error {
		for i := range doc.Appointments {
			if doc.Appointments[i].ID != apptID {
				continue
			}
			if !validStatusTransition(doc.Appointments[i].Status, status) {
				return fmt.Errorf("%w: appointment %s is %s", ErrRejected, apptID, doc.Appointments[i].Status)
			}
			doc.Appointments[i].Status = status
			return nil
		}
		return fmt.Errorf("%w: unknown appointment %s", ErrRejected, apptID)
	})
}

func (s *RedisStore) UpdateStaffCredential(ctx context.Context, username, passwordHash string, mustChange bool, expected Version) (Version, error) {
	return s.mutate(ctx, expected, func(doc *ledgerDoc) error {
		snap := Snapshot{Staff: doc.Staff}
		st, ok := snap.StaffByUsername(username)
		if !ok {
			return fmt.Errorf("%w: unknown staff username", ErrRejected)
		}
		for i := range doc.Staff {
			if doc.Staff[i].ID == st.ID {
				doc.Staff[i].PasswordHash = passwordHash
				doc.Staff[i].MustChangePassword = Flag(mustChange)
			}
		}
		return nil
	})
}

// ProvisionStaff adds a staff record at boot unless the username is
// taken. It re-reads the current version itself, so callers need no
// snapshot.
func (s *RedisStore) ProvisionStaff(ctx context.Context, st Staff) error {
	doc, err := decodeDoc(s.client.Get(ctx, s.key))
	if err != nil {
		return err
	}
	snap := Snapshot{Staff: doc.Staff}
	if _, ok := snap.StaffByUsername(st.Username); ok {
		return nil
	}
	_, err = s.mutate(ctx, Version(strconv.FormatUint(doc.Version, 10)), func(doc *ledgerDoc) error {
		snap := Snapshot{Staff: doc.Staff}
		if _, ok := snap.StaffByUsername(st.Username); ok {
			return nil
		}
		doc.Staff = append(doc.Staff, st)
		return nil
	})
	return err
}

// mutate rewrites the document under WATCH. A failed transaction means
// another writer touched the key mid-flight; both that and an expected
// version mismatch surface as ErrVersionConflict.
func (s *RedisStore) mutate(ctx context.Context, expected Version, fn func(*ledgerDoc) error) (Version, error) {
	var next Version
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		doc, err := decodeDoc(tx.Get(ctx, s.key))
		if err != nil {
			return err
		}
		if Version(strconv.FormatUint(doc.Version, 10)) != expected {
			return ErrVersionConflict
		}
		if err := fn(&doc); err != nil {
			return err
		}
		doc.Version++
		doc.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, raw, 0)
			return nil
		})
		if err != nil {
			return err
		}
		next = Version(strconv.FormatUint(doc.Version, 10))
		return nil
	}, s.key)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, redis.TxFailedErr):
		return "", ErrVersionConflict
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrRejected):
		return "", err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", err
	default:
		return "", &TransientError{Err: err}
	}
}

func decodeDoc(cmd *redis.StringCmd) (ledgerDoc, error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return ledgerDoc{}, nil // first deploy: empty ledger at version 0
	}
	if err != nil {
		return ledgerDoc{}, &TransientError{Err: err}
	}
	var doc ledgerDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ledgerDoc{}, fmt.Errorf("decode ledger document: %w", err)
	}
	return doc, nil
}
