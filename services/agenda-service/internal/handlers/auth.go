package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nessacoiffeur/agenda/libs/auth"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/identity"
)

type AuthHandler struct {
	identity *identity.Service
	logger   *slog.Logger
}

func NewAuthHandler(identitySvc *identity.Service, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{identity: identitySvc, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	Username        string `json:"username"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type sessionResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	EmployeeID  string `json:"employee_id"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		http.Error(w, "username and password required", http.StatusBadRequest)
		return
	}

	sess, err := h.identity.Login(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
		writeSession(w, sess)
	case errors.Is(err, identity.ErrPasswordChangeRequired):
		http.Error(w, "password change required", http.StatusForbidden)
	case errors.Is(err, identity.ErrNotProvisioned):
		http.Error(w, "account not provisioned", http.StatusForbidden)
	case errors.Is(err, identity.ErrInvalidCredentials):
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	default:
		h.logger.Error("login failed", "err", err)
		http.Error(w, "login unavailable", http.StatusBadGateway)
	}
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.CurrentPassword == "" || req.NewPassword == "" {
		http.Error(w, "username, current_password and new_password required", http.StatusBadRequest)
		return
	}

	sess, err := h.identity.ChangePassword(r.Context(), req.Username, req.CurrentPassword, req.NewPassword)
	switch {
	case err == nil:
		writeSession(w, sess)
	case errors.Is(err, identity.ErrWeakPassword):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, identity.ErrInvalidCredentials):
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	default:
		h.logger.Error("password change failed", "err", err)
		http.Error(w, "password change unavailable", http.StatusBadGateway)
	}
}

func writeSession(w http.ResponseWriter, sess identity.Session) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessionResponse{
		AccessToken: sess.Token,
		TokenType:   "Bearer",
		ExpiresAt:   sess.ExpiresAt.UTC().Format(time.RFC3339),
		Username:    sess.Username,
		Name:        sess.Name,
		Role:        sess.Role,
		EmployeeID:  sess.EmployeeID,
	})
}

type ctxKey int

const ctxKeyClaims ctxKey = iota

func claimsFromContext(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(ctxKeyClaims).(*auth.Claims)
	return c
}

// RequireAuth rejects requests without a valid bearer token and stores
// the verified claims on the request context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || len(strings.TrimSpace(header)) <= len("Bearer ") {
			http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		claims, err := h.identity.Verify(token)
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
