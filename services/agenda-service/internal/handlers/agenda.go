package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/booking"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/ledger"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/schedule"
)

const (
	defaultWorkStart = "09:00"
	defaultWorkEnd   = "19:00"
	defaultSlotStep  = 30
)

type AgendaHandler struct {
	coord  *booking.Coordinator
	store  ledger.Store
	logger *slog.Logger
}

func NewAgendaHandler(coord *booking.Coordinator, store ledger.Store, logger *slog.Logger) *AgendaHandler {
	return &AgendaHandler{coord: coord, store: store, logger: logger}
}

type createBookingRequest struct {
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	EmployeeID  string `json:"employee_id"`
	ServiceID   string `json:"service_id"`
	DurationMin int    `json:"duration_min"`
	ClientName  string `json:"client_name"`
	ClientPhone string `json:"client_phone"`
	Notes       string `json:"notes"`
	Price       string `json:"price"`
	PromoCode   string `json:"promo_code"`
	FinalPrice  string `json:"final_price"`
}

type createBlackoutRequest struct {
	Date       string `json:"date"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	EmployeeID string `json:"employee_id"`
	Reason     string `json:"reason"`
}

type changeStatusRequest struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
}

type slotsResponse struct {
	Date        string   `json:"date"`
	EmployeeID  string   `json:"employee_id"`
	DurationMin int      `json:"duration_min"`
	Slots       []string `json:"slots"`
}

type staffItem struct {
	ID           string `json:"employee_id"`
	Name         string `json:"name"`
	Specialty    string `json:"specialty,omitempty"`
	DefaultStart string `json:"default_start,omitempty"`
	DefaultEnd   string `json:"default_end,omitempty"`
}

type serviceItem struct {
	ID              string `json:"service_id"`
	Name            string `json:"name"`
	Specialty       string `json:"specialty,omitempty"`
	DefaultDuration int    `json:"default_duration"`
}

// Slots lists the free slot labels for one staff member on one date.
func (h *AgendaHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	date := strings.TrimSpace(q.Get("date"))
	employeeID := strings.TrimSpace(q.Get("employee_id"))
	if date == "" || employeeID == "" {
		http.Error(w, "date and employee_id are required", http.StatusBadRequest)
		return
	}

	snap, err := h.store.Load(r.Context())
	if err != nil {
		h.logger.Error("ledger load failed", "err", err)
		http.Error(w, "schedule unavailable", http.StatusBadGateway)
		return
	}
	staff, ok := snap.StaffByID(employeeID)
	if !ok || !staff.Active.Bool() {
		http.Error(w, "unknown staff member", http.StatusNotFound)
		return
	}

	duration := 0
	if raw := strings.TrimSpace(q.Get("duration_min")); raw != "" {
		duration, err = strconv.Atoi(raw)
		if err != nil || duration <= 0 {
			http.Error(w, "invalid duration_min", http.StatusBadRequest)
			return
		}
	}
	if serviceID := strings.TrimSpace(q.Get("service_id")); serviceID != "" {
		svc, ok := snap.ServiceByID(serviceID)
		if !ok {
			http.Error(w, "unknown service", http.StatusNotFound)
			return
		}
		if duration == 0 {
			duration = svc.DurationMin()
		}
	}
	if duration == 0 {
		duration = 60
	}

	step := defaultSlotStep
	if raw := strings.TrimSpace(q.Get("step_min")); raw != "" {
		step, err = strconv.Atoi(raw)
		if err != nil || step <= 0 {
			http.Error(w, "invalid step_min", http.StatusBadRequest)
			return
		}
	}

	workStart := staff.DefaultStart
	if workStart == "" {
		workStart = defaultWorkStart
	}
	workEnd := staff.DefaultEnd
	if workEnd == "" {
		workEnd = defaultWorkEnd
	}

	slots, err := schedule.FreeSlots(date, workStart, workEnd, step, duration, employeeID, snap.Appointments, snap.Blackouts)
	if err != nil {
		h.logger.Error("slot computation failed", "err", err, "employee_id", employeeID, "date", date)
		http.Error(w, "schedule data invalid", http.StatusBadGateway)
		return
	}
	if slots == nil {
		slots = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(slotsResponse{
		Date:        date,
		EmployeeID:  employeeID,
		DurationMin: duration,
		Slots:       slots,
	})
}

// Create books an appointment on behalf of the authenticated caller.
func (h *AgendaHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims := claimsFromContext(r.Context())
	if claims == nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	res, err := h.coord.BookAppointment(r.Context(), booking.BookingRequest{
		Date:        strings.TrimSpace(req.Date),
		StartTime:   strings.TrimSpace(req.StartTime),
		EmployeeID:  strings.TrimSpace(req.EmployeeID),
		ServiceID:   strings.TrimSpace(req.ServiceID),
		DurationMin: req.DurationMin,
		ClientName:  strings.TrimSpace(req.ClientName),
		ClientPhone: strings.TrimSpace(req.ClientPhone),
		Notes:       req.Notes,
		Price:       strings.TrimSpace(req.Price),
		PromoCode:   strings.TrimSpace(req.PromoCode),
		FinalPrice:  strings.TrimSpace(req.FinalPrice),
		CreatedBy:   claims.Sub,
	})
	h.writeOutcome(w, r, res, err, func() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(res.Appointment)
	})
}

// Blackout blocks a period on a staff member's schedule. Staff can only
// block their own schedule; admins can block anyone's.
func (h *AgendaHandler) Blackout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims := claimsFromContext(r.Context())
	if claims == nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req createBlackoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	employeeID := strings.TrimSpace(req.EmployeeID)
	if employeeID == "" {
		employeeID = claims.EmployeeID
	}
	if claims.Role != "admin" && employeeID != claims.EmployeeID {
		http.Error(w, "staff can only block their own schedule", http.StatusForbidden)
		return
	}

	res, err := h.coord.BlockPeriod(r.Context(), booking.BlackoutRequest{
		Date:       strings.TrimSpace(req.Date),
		StartTime:  strings.TrimSpace(req.StartTime),
		EndTime:    strings.TrimSpace(req.EndTime),
		EmployeeID: employeeID,
		Reason:     strings.TrimSpace(req.Reason),
		CreatedBy:  claims.Sub,
	})
	h.writeOutcome(w, r, res, err, func() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(res.Blackout)
	})
}

// ChangeStatus marks an appointment done or cancelled. Staff can only
// touch appointments on their own schedule.
func (h *AgendaHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims := claimsFromContext(r.Context())
	if claims == nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	var req changeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.Status = strings.ToLower(strings.TrimSpace(req.Status))
	if req.AppointmentID == "" || req.Status == "" {
		http.Error(w, "appointment_id and status required", http.StatusBadRequest)
		return
	}

	if claims.Role != "admin" {
		snap, err := h.store.Load(r.Context())
		if err != nil {
			h.logger.Error("ledger load failed", "err", err)
			http.Error(w, "schedule unavailable", http.StatusBadGateway)
			return
		}
		if a, ok := snap.AppointmentByID(req.AppointmentID); !ok || a.EmployeeID != claims.EmployeeID {
			http.Error(w, "appointment not found on your schedule", http.StatusForbidden)
			return
		}
	}

	res, err := h.coord.ChangeStatus(r.Context(), req.AppointmentID, req.Status)
	if err != nil && errors.Is(err, ledger.ErrRejected) {
		http.Error(w, "status change not allowed", http.StatusConflict)
		return
	}
	h.writeOutcome(w, r, res, err, func() {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"appointment_id": req.AppointmentID,
			"status":         req.Status,
		})
	})
}

// List returns appointments, filtered by date and staff member. Staff
// see only their own schedule; admins see everything.
func (h *AgendaHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims := claimsFromContext(r.Context())
	if claims == nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	date := strings.TrimSpace(q.Get("date"))
	employeeID := strings.TrimSpace(q.Get("employee_id"))
	if claims.Role != "admin" {
		employeeID = claims.EmployeeID
	}

	snap, err := h.store.Load(r.Context())
	if err != nil {
		h.logger.Error("ledger load failed", "err", err)
		http.Error(w, "schedule unavailable", http.StatusBadGateway)
		return
	}

	items := make([]ledger.Appointment, 0)
	for _, a := range snap.Appointments {
		if date != "" && a.Date != date {
			continue
		}
		if employeeID != "" && a.EmployeeID != employeeID {
			continue
		}
		items = append(items, a)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

// StaffList returns active staff without credential fields.
func (h *AgendaHandler) StaffList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.store.Load(r.Context())
	if err != nil {
		h.logger.Error("ledger load failed", "err", err)
		http.Error(w, "schedule unavailable", http.StatusBadGateway)
		return
	}
	items := make([]staffItem, 0, len(snap.Staff))
	for _, s := range snap.Staff {
		if !s.Active.Bool() {
			continue
		}
		items = append(items, staffItem{
			ID:           s.ID,
			Name:         s.Name,
			Specialty:    s.Specialty,
			DefaultStart: s.DefaultStart,
			DefaultEnd:   s.DefaultEnd,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

// ServiceList returns active services.
func (h *AgendaHandler) ServiceList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.store.Load(r.Context())
	if err != nil {
		h.logger.Error("ledger load failed", "err", err)
		http.Error(w, "schedule unavailable", http.StatusBadGateway)
		return
	}
	items := make([]serviceItem, 0, len(snap.Services))
	for _, s := range snap.Services {
		if !s.Active.Bool() {
			continue
		}
		items = append(items, serviceItem{
			ID:              s.ID,
			Name:            s.Name,
			Specialty:       s.Specialty,
			DefaultDuration: s.DurationMin(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

// writeOutcome maps coordinator outcomes to HTTP statuses. onCommitted
// writes the success response.
func (h *AgendaHandler) writeOutcome(w http.ResponseWriter, r *http.Request, res booking.Result, err error, onCommitted func()) {
	switch res.Outcome {
	case booking.OutcomeCommitted:
		onCommitted()
	case booking.OutcomeRejectedBusy:
		http.Error(w, "slot is not available", http.StatusConflict)
	case booking.OutcomeRejectedConflict:
		http.Error(w, "schedule is busy, try again", http.StatusServiceUnavailable)
	case booking.OutcomeFailed:
		var ve *booking.ValidationError
		var corrupt *schedule.CorruptDataError
		switch {
		case errors.As(err, &ve):
			http.Error(w, ve.Error(), http.StatusBadRequest)
		case errors.As(err, &corrupt):
			h.logger.Error("corrupt schedule data", "err", err)
			http.Error(w, "schedule data invalid", http.StatusBadGateway)
		default:
			h.logger.Error("booking operation failed", "err", err, "path", r.URL.Path)
			http.Error(w, "schedule unavailable", http.StatusBadGateway)
		}
	default:
		if err != nil {
			// Context cancellation before commit.
			http.Error(w, "request cancelled", http.StatusBadRequest)
			return
		}
		http.Error(w, "unexpected outcome", http.StatusInternalServerError)
	}
}
