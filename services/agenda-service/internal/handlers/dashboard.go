package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nessacoiffeur/agenda/services/agenda-service/internal/ledger"
)

type DashboardHandler struct {
	store  ledger.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewDashboardHandler(store ledger.Store, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{store: store, logger: logger, now: time.Now}
}

type dashboardCount struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type dashboardResponse struct {
	Date         string               `json:"date"`
	Total        int                  `json:"total"`
	Booked       int                  `json:"booked"`
	Done         int                  `json:"done"`
	Cancelled    int                  `json:"cancelled"`
	ByStaff      []dashboardCount     `json:"by_staff,omitempty"`
	ByService    []dashboardCount     `json:"by_service,omitempty"`
	Appointments []ledger.Appointment `json:"appointments"`
}

// Today summarizes one day's schedule. Staff get their own slice;
// admins additionally get per-staff and per-service counts.
func (h *DashboardHandler) Today(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims := claimsFromContext(r.Context())
	if claims == nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		date = h.now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}

	snap, err := h.store.Load(r.Context())
	if err != nil {
		h.logger.Error("ledger load failed", "err", err)
		http.Error(w, "schedule unavailable", http.StatusBadGateway)
		return
	}

	isAdmin := claims.Role == "admin"
	resp := dashboardResponse{Date: date, Appointments: []ledger.Appointment{}}
	staffCounts := map[string]int{}
	serviceCounts := map[string]int{}

	for _, a := range snap.Appointments {
		if a.Date != date {
			continue
		}
		if !isAdmin && a.EmployeeID != claims.EmployeeID {
			continue
		}
		resp.Total++
		switch strings.ToLower(a.Status) {
		case ledger.StatusBooked:
			resp.Booked++
		case ledger.StatusDone:
			resp.Done++
		case ledger.StatusCancelled:
			resp.Cancelled++
		}
		if strings.EqualFold(a.Status, ledger.StatusCancelled) {
			continue
		}
		resp.Appointments = append(resp.Appointments, a)
		staffCounts[a.EmployeeID]++
		serviceCounts[a.ServiceID]++
	}

	sort.Slice(resp.Appointments, func(i, j int) bool {
		if resp.Appointments[i].StartTime != resp.Appointments[j].StartTime {
			return resp.Appointments[i].StartTime < resp.Appointments[j].StartTime
		}
		return resp.Appointments[i].EmployeeName < resp.Appointments[j].EmployeeName
	})

	if isAdmin {
		for id, n := range staffCounts {
			name := id
			if s, ok := snap.StaffByID(id); ok {
				name = s.Name
			}
			resp.ByStaff = append(resp.ByStaff, dashboardCount{ID: id, Name: name, Count: n})
		}
		for id, n := range serviceCounts {
			name := id
			if s, ok := snap.ServiceByID(id); ok {
				name = s.Name
			}
			resp.ByService = append(resp.ByService, dashboardCount{ID: id, Name: name, Count: n})
		}
		sort.Slice(resp.ByStaff, func(i, j int) bool { return resp.ByStaff[i].Name < resp.ByStaff[j].Name })
		sort.Slice(resp.ByService, func(i, j int) bool { return resp.ByService[i].Name < resp.ByService[j].Name })
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
