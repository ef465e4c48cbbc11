package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nessacoiffeur/agenda/libs/auth"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/booking"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/identity"
	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/ledger"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	anaHash, err := auth.HashPassword("admin-pass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	biaHash, err := auth.HashPassword("staff-pass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	store := ledger.NewMemoryStore()
	store.Seed(
		[]ledger.Staff{
			{ID: "emp-1", Name: "Ana", Role: "admin", Active: true, Username: "ana", PasswordHash: anaHash, DefaultStart: "09:00", DefaultEnd: "12:00"},
			{ID: "emp-2", Name: "Bia", Role: "staff", Active: true, Username: "bia", PasswordHash: biaHash, DefaultStart: "09:00", DefaultEnd: "18:00"},
		},
		[]ledger.Service{
			{ID: "svc-cut", Name: "Haircut", Active: true, DefaultDuration: 60},
		},
	)

	coord := booking.NewCoordinator(store, logger, booking.Config{BackoffBase: time.Millisecond})
	identitySvc := identity.NewService(store, logger, identity.Config{Secret: "test-secret"})

	authHandler := NewAuthHandler(identitySvc, logger)
	agendaHandler := NewAgendaHandler(coord, store, logger)
	dashboardHandler := NewDashboardHandler(store, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", authHandler.Login)
	mux.HandleFunc("/api/v1/auth/change-password", authHandler.ChangePassword)
	mux.HandleFunc("/api/v1/public/slots", agendaHandler.Slots)
	mux.HandleFunc("/api/v1/public/staff", agendaHandler.StaffList)
	mux.HandleFunc("/api/v1/public/services", agendaHandler.ServiceList)
	mux.Handle("/api/v1/bookings", authHandler.RequireAuth(http.HandlerFunc(agendaHandler.Create)))
	mux.Handle("/api/v1/blackouts", authHandler.RequireAuth(http.HandlerFunc(agendaHandler.Blackout)))
	mux.Handle("/api/v1/appointments", authHandler.RequireAuth(http.HandlerFunc(agendaHandler.List)))
	mux.Handle("/api/v1/appointments/status", authHandler.RequireAuth(http.HandlerFunc(agendaHandler.ChangeStatus)))
	mux.Handle("/api/v1/dashboard/today", authHandler.RequireAuth(http.HandlerFunc(dashboardHandler.Today)))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post(srv.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var sess sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return sess.AccessToken
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestBookingFlow(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv, "ana", "admin-pass")

	bookingBody := map[string]any{
		"date": "2026-08-10", "start_time": "10:00",
		"employee_id": "emp-2", "service_id": "svc-cut",
		"client_name": "Joana", "client_phone": "11999990000",
	}

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/bookings", token, bookingBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created ledger.Appointment
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode appointment: %v", err)
	}
	resp.Body.Close()
	if created.EndTime != "11:00" || created.Status != "booked" {
		t.Fatalf("created = %+v", created)
	}
	if created.CreatedBy != "ana" {
		t.Errorf("created_by = %q, want caller identity", created.CreatedBy)
	}

	// Same slot again: conflict.
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/bookings", token, bookingBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double-book status = %d, want 409", resp.StatusCode)
	}

	// Free slots now exclude the booked hour.
	slotsResp := doJSON(t, srv, http.MethodGet,
		"/api/v1/public/slots?employee_id=emp-2&date=2026-08-10&service_id=svc-cut&step_min=60", "", nil)
	if slotsResp.StatusCode != http.StatusOK {
		t.Fatalf("slots status = %d", slotsResp.StatusCode)
	}
	var slots slotsResponse
	if err := json.NewDecoder(slotsResp.Body).Decode(&slots); err != nil {
		t.Fatalf("decode slots: %v", err)
	}
	slotsResp.Body.Close()
	for _, s := range slots.Slots {
		if s == "10:00" {
			t.Fatal("booked slot still offered")
		}
	}
	want := []string{"09:00", "11:00", "12:00", "13:00", "14:00", "15:00", "16:00", "17:00"}
	if fmt.Sprint(slots.Slots) != fmt.Sprint(want) {
		t.Fatalf("slots = %v, want %v", slots.Slots, want)
	}

	// Validation error surfaces as 400.
	bad := map[string]any{
		"date": "2026-08-10", "start_time": "25:00",
		"employee_id": "emp-2", "service_id": "svc-cut", "client_name": "X",
	}
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/bookings", token, bad)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid booking status = %d, want 400", resp.StatusCode)
	}

	// Unauthenticated booking is rejected.
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/bookings", "", bookingBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous booking status = %d, want 401", resp.StatusCode)
	}
}

func TestBlackoutAuthorization(t *testing.T) {
	srv := newTestServer(t)
	staffToken := login(t, srv, "bia", "staff-pass")
	adminToken := login(t, srv, "ana", "admin-pass")

	// Staff cannot block someone else's schedule.
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/blackouts", staffToken, map[string]any{
		"date": "2026-08-10", "start_time": "13:00", "end_time": "14:00", "employee_id": "emp-1",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-staff blackout status = %d, want 403", resp.StatusCode)
	}

	// Staff blocking their own schedule (employee_id defaults to caller).
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/blackouts", staffToken, map[string]any{
		"date": "2026-08-10", "start_time": "13:00", "end_time": "14:00",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("own blackout status = %d, want 201", resp.StatusCode)
	}

	// Admin can block anyone's.
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/blackouts", adminToken, map[string]any{
		"date": "2026-08-10", "start_time": "13:00", "end_time": "14:00", "employee_id": "emp-2",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("overlapping blackout status = %d, want 409", resp.StatusCode)
	}
}

func TestStatusChangeAuthorization(t *testing.T) {
	srv := newTestServer(t)
	adminToken := login(t, srv, "ana", "admin-pass")
	staffToken := login(t, srv, "bia", "staff-pass")

	// Admin books one appointment on each schedule.
	ids := map[string]string{}
	for _, emp := range []string{"emp-1", "emp-2"} {
		resp := doJSON(t, srv, http.MethodPost, "/api/v1/bookings", adminToken, map[string]any{
			"date": "2026-08-10", "start_time": "10:00",
			"employee_id": emp, "service_id": "svc-cut", "client_name": "Joana",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("booking for %s status = %d", emp, resp.StatusCode)
		}
		var appt ledger.Appointment
		if err := json.NewDecoder(resp.Body).Decode(&appt); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
		ids[emp] = appt.ID
	}

	// Staff cannot touch another schedule's appointment.
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/appointments/status", staffToken, map[string]string{
		"appointment_id": ids["emp-1"], "status": "done",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-staff status change = %d, want 403", resp.StatusCode)
	}

	// Staff completes their own appointment.
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/appointments/status", staffToken, map[string]string{
		"appointment_id": ids["emp-2"], "status": "done",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own status change = %d, want 200", resp.StatusCode)
	}

	// done -> cancelled is not a legal transition.
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/appointments/status", adminToken, map[string]string{
		"appointment_id": ids["emp-2"], "status": "cancelled",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("illegal transition status = %d, want 409", resp.StatusCode)
	}
}

func TestListScoping(t *testing.T) {
	srv := newTestServer(t)
	adminToken := login(t, srv, "ana", "admin-pass")
	staffToken := login(t, srv, "bia", "staff-pass")

	for _, emp := range []string{"emp-1", "emp-2"} {
		resp := doJSON(t, srv, http.MethodPost, "/api/v1/bookings", adminToken, map[string]any{
			"date": "2026-08-10", "start_time": "09:00",
			"employee_id": emp, "service_id": "svc-cut", "client_name": "Joana",
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("booking status = %d", resp.StatusCode)
		}
	}

	listFor := func(token string) []ledger.Appointment {
		resp := doJSON(t, srv, http.MethodGet, "/api/v1/appointments?date=2026-08-10", token, nil)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list status = %d", resp.StatusCode)
		}
		var items []ledger.Appointment
		if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
			t.Fatalf("decode list: %v", err)
		}
		return items
	}

	if got := listFor(adminToken); len(got) != 2 {
		t.Fatalf("admin sees %d appointments, want 2", len(got))
	}
	staffItems := listFor(staffToken)
	if len(staffItems) != 1 || staffItems[0].EmployeeID != "emp-2" {
		t.Fatalf("staff list = %+v, want only own schedule", staffItems)
	}
}

func TestDashboardToday(t *testing.T) {
	srv := newTestServer(t)
	adminToken := login(t, srv, "ana", "admin-pass")

	today := time.Now().Format("2006-01-02")
	for _, start := range []string{"09:00", "10:00"} {
		resp := doJSON(t, srv, http.MethodPost, "/api/v1/bookings", adminToken, map[string]any{
			"date": today, "start_time": start,
			"employee_id": "emp-2", "service_id": "svc-cut", "client_name": "Joana",
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("booking status = %d", resp.StatusCode)
		}
	}

	resp := doJSON(t, srv, http.MethodGet, "/api/v1/dashboard/today", adminToken, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dashboard status = %d", resp.StatusCode)
	}
	var dash dashboardResponse
	if err := json.NewDecoder(resp.Body).Decode(&dash); err != nil {
		t.Fatalf("decode dashboard: %v", err)
	}
	if dash.Total != 2 || dash.Booked != 2 {
		t.Fatalf("dashboard counts = %+v", dash)
	}
	if len(dash.ByStaff) != 1 || dash.ByStaff[0].Name != "Bia" || dash.ByStaff[0].Count != 2 {
		t.Fatalf("by_staff = %+v", dash.ByStaff)
	}
	if len(dash.ByService) != 1 || dash.ByService[0].Count != 2 {
		t.Fatalf("by_service = %+v", dash.ByService)
	}
}

func TestPublicDirectory(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/public/staff")
	if err != nil {
		t.Fatalf("staff request: %v", err)
	}
	defer resp.Body.Close()
	var staff []staffItem
	if err := json.NewDecoder(resp.Body).Decode(&staff); err != nil {
		t.Fatalf("decode staff: %v", err)
	}
	if len(staff) != 2 {
		t.Fatalf("staff count = %d", len(staff))
	}
	raw, _ := json.Marshal(staff)
	if bytes.Contains(raw, []byte("password")) || bytes.Contains(raw, []byte("username")) {
		t.Fatalf("credential fields leaked: %s", raw)
	}

	resp2, err := http.Get(srv.URL + "/api/v1/public/services")
	if err != nil {
		t.Fatalf("services request: %v", err)
	}
	defer resp2.Body.Close()
	var services []serviceItem
	if err := json.NewDecoder(resp2.Body).Decode(&services); err != nil {
		t.Fatalf("decode services: %v", err)
	}
	if len(services) != 1 || services[0].DefaultDuration != 60 {
		t.Fatalf("services = %+v", services)
	}
}

func TestLoginRejections(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"username": "ana", "password": "wrong"})
	resp, err := http.Post(srv.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d, want 401", resp.StatusCode)
	}
}

func TestChangePasswordStatuses(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/auth/change-password", "", map[string]string{
		"username": "bia", "current_password": "staff-pass", "new_password": "abc",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("weak new password status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/v1/auth/change-password", "", map[string]string{
		"username": "bia", "current_password": "wrong", "new_password": "rotated-pass",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong current password status = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/v1/auth/change-password", "", map[string]string{
		"username": "bia", "current_password": "staff-pass", "new_password": "rotated-pass",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change password status = %d, want 200", resp.StatusCode)
	}
	login(t, srv, "bia", "rotated-pass")
}
