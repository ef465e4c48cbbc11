package ledger

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// MemoryStore keeps the whole ledger in process memory behind a mutex.
// It backs tests and single-instance dev runs; the version token is a
// plain counter.
type MemoryStore struct {
	mu       sync.Mutex
	version  uint64
	appts    []Appointment
	blocks   []Blackout
	staff    []Staff
	services []Service
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Seed installs reference data without bumping past writers; meant for
// process start and test setup only.
func (m *MemoryStore) Seed(staff []Staff, services []Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staff = slices.Clone(staff)
	m.services = slices.Clone(services)
	m.version++
}

// ProvisionStaff adds a staff record unless the username is taken.
func (m *MemoryStore) ProvisionStaff(_ context.Context, st Staff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	username := strings.ToLower(strings.TrimSpace(st.Username))
	for i := range m.staff {
		if strings.ToLower(strings.TrimSpace(m.staff[i].Username)) == username {
			return nil
		}
	}
	m.staff = append(m.staff, st)
	m.version++
	return nil
}

func (m *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Appointments: slices.Clone(m.appts),
		Blackouts:    slices.Clone(m.blocks),
		Staff:        slices.Clone(m.staff),
		Services:     slices.Clone(m.services),
		Version:      Version(strconv.FormatUint(m.version, 10)),
	}, nil
}

func (m *MemoryStore) AppendAppointment(_ context.Context, appt Appointment, expected Version) (Version, error) {
	if err := validateAppointment(appt); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkVersion(expected); err != nil {
		return "", err
	}
	m.appts = append(m.appts, appt)
	return m.bump(), nil
}

func (m *MemoryStore) AppendBlackout(_ context.Context, b Blackout, expected Version) (Version, error) {
	if err := validateBlackout(b); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkVersion(expected); err != nil {
		return "", err
	}
	m.blocks = append(m.blocks, b)
	return m.bump(), nil
}

func (m *MemoryStore) SetAppointmentStatus(_ context.Context, apptID, status string, expected Version) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkVersion(expected); err != nil {
		return "", err
	}
	for i := range m.appts {
		if m.appts[i].ID != apptID {
			continue
		}
		if !validStatusTransition(m.appts[i].Status, status) {
			return "", ErrRejected
		}
		m.appts[i].Status = status
		return m.bump(), nil
	}
	return "", ErrRejected
}

func (m *MemoryStore) UpdateStaffCredential(_ context.Context, username, passwordHash string, mustChange bool, expected Version) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkVersion(expected); err != nil {
		return "", err
	}
	username = strings.ToLower(strings.TrimSpace(username))
	for i := range m.staff {
		if strings.ToLower(strings.TrimSpace(m.staff[i].Username)) != username {
			continue
		}
		m.staff[i].PasswordHash = passwordHash
		m.staff[i].MustChangePassword = Flag(mustChange)
		return m.bump(), nil
	}
	return "", ErrRejected
}

func (m *MemoryStore) checkVersion(expected Version) error {
	if Version(strconv.FormatUint(m.version, 10)) != expected {
		return ErrVersionConflict
	}
	return nil
}

func (m *MemoryStore) bump() Version {
	m.version++
	return Version(strconv.FormatUint(m.version, 10))
}
