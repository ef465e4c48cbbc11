// Package identity authenticates staff against the ledger's staff
// records and issues session tokens. Credentials live in the same
// versioned ledger as everything else, so password changes go through
// the conditional-append contract too.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nessacoiffeur/agenda/libs/auth"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/ledger"
)

var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrNotProvisioned         = errors.New("account has no credential set")
	ErrPasswordChangeRequired = errors.New("password change required")
	ErrWeakPassword           = errors.New("new password too short")
)

const minPasswordLen = 4

type Session struct {
	Token      string
	Username   string
	Name       string
	Role       string
	EmployeeID string
	ExpiresAt  time.Time
}

type Config struct {
	Secret           string
	TokenTTL         time.Duration
	ConflictAttempts int
}

type Service struct {
	store            ledger.Store
	logger           *slog.Logger
	secret           string
	tokenTTL         time.Duration
	conflictAttempts int
	now              func() time.Time
}

func NewService(store ledger.Store, logger *slog.Logger, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 8 * time.Hour
	}
	if cfg.ConflictAttempts <= 0 {
		cfg.ConflictAttempts = 3
	}
	return &Service{
		store:            store,
		logger:           logger,
		secret:           cfg.Secret,
		tokenTTL:         cfg.TokenTTL,
		conflictAttempts: cfg.ConflictAttempts,
		now:              time.Now,
	}
}

// Login verifies the password and issues a signed session token.
// Accounts without a stored credential cannot log in until an admin
// provisions one, and accounts flagged must_change_password get
// ErrPasswordChangeRequired instead of a token.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("load ledger: %w", err)
	}
	staff, ok := snap.StaffByUsername(username)
	if !ok || !staff.Active.Bool() {
		return Session{}, ErrInvalidCredentials
	}
	if staff.PasswordHash == "" {
		return Session{}, ErrNotProvisioned
	}
	if !auth.VerifyPassword(staff.PasswordHash, password) {
		return Session{}, ErrInvalidCredentials
	}
	if staff.MustChangePassword.Bool() {
		return Session{}, ErrPasswordChangeRequired
	}
	return s.issue(staff)
}

// ChangePassword verifies the current password and stores a new hash.
// It also clears must_change_password, so it is the unlock path for
// accounts stuck on ErrPasswordChangeRequired.
func (s *Service) ChangePassword(ctx context.Context, username, current, next string) (Session, error) {
	if len(next) < minPasswordLen {
		return Session{}, fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, minPasswordLen)
	}

	var staff ledger.Staff
	for attempt := 1; attempt <= s.conflictAttempts; attempt++ {
		snap, err := s.store.Load(ctx)
		if err != nil {
			return Session{}, fmt.Errorf("load ledger: %w", err)
		}
		var ok bool
		staff, ok = snap.StaffByUsername(username)
		if !ok || !staff.Active.Bool() {
			return Session{}, ErrInvalidCredentials
		}
		if staff.PasswordHash == "" || !auth.VerifyPassword(staff.PasswordHash, current) {
			return Session{}, ErrInvalidCredentials
		}

		hash, err := auth.HashPassword(next)
		if err != nil {
			return Session{}, err
		}
		_, err = s.store.UpdateStaffCredential(ctx, staff.Username, hash, false, snap.Version)
		switch {
		case err == nil:
			s.logger.Info("password changed", "username", staff.Username)
			return s.issue(staff)
		case errors.Is(err, ledger.ErrVersionConflict):
			continue
		default:
			return Session{}, err
		}
	}
	return Session{}, ledger.ErrVersionConflict
}

func (s *Service) issue(staff ledger.Staff) (Session, error) {
	now := s.now()
	exp := now.Add(s.tokenTTL)
	token, err := auth.SignHS256(auth.Claims{
		Sub:        staff.Username,
		Name:       staff.Name,
		Role:       NormalizeRole(staff.Role),
		EmployeeID: staff.ID,
		Iat:        now.Unix(),
		Exp:        exp.Unix(),
	}, s.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	return Session{
		Token:      token,
		Username:   staff.Username,
		Name:       staff.Name,
		Role:       NormalizeRole(staff.Role),
		EmployeeID: staff.ID,
		ExpiresAt:  exp,
	}, nil
}

// Verify parses and checks a session token.
func (s *Service) Verify(token string) (*auth.Claims, error) {
	return auth.ParseAndVerifyHS256(token, s.secret)
}

// NormalizeRole collapses arbitrary stored role strings to the two
// roles the API distinguishes.
func NormalizeRole(role string) string {
	if strings.EqualFold(strings.TrimSpace(role), "admin") {
		return "admin"
	}
	return "staff"
}
