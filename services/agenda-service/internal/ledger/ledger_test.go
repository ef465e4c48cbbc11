package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func validAppointment(id string) Appointment {
	return Appointment{
		ID:          id,
		Date:        "2024-06-01",
		StartTime:   "14:00",
		DurationMin: 60,
		EndTime:     "15:00",
		EmployeeID:  "E1",
		Status:      StatusBooked,
	}
}

func TestMemoryStore_AppendAndReload(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	snap, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	v, err := store.AppendAppointment(ctx, validAppointment("A1"), snap.Version)
	if err != nil {
		t.Fatalf("AppendAppointment failed: %v", err)
	}
	if v == snap.Version {
		t.Fatal("append must advance the version token")
	}

	snap2, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snap2.Appointments) != 1 || snap2.Appointments[0].ID != "A1" {
		t.Fatalf("unexpected appointments after append: %+v", snap2.Appointments)
	}
	if snap2.Version != v {
		t.Fatalf("snapshot version %q != append result %q", snap2.Version, v)
	}
}

func TestMemoryStore_StaleTokenConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	snap, _ := store.Load(ctx)
	if _, err := store.AppendAppointment(ctx, validAppointment("A1"), snap.Version); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	// Second writer still holds the old token.
	_, err := store.AppendAppointment(ctx, validAppointment("A2"), snap.Version)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
}

func TestMemoryStore_RejectsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snap, _ := store.Load(ctx)

	bad := []Appointment{
		{}, // no id
		{ID: "A1", Date: "June 1st", StartTime: "14:00", DurationMin: 30, EmployeeID: "E1", Status: StatusBooked},
		{ID: "A1", Date: "2024-06-01", StartTime: "2pm", DurationMin: 30, EmployeeID: "E1", Status: StatusBooked},
		{ID: "A1", Date: "2024-06-01", StartTime: "14:00", DurationMin: 0, EmployeeID: "E1", Status: StatusBooked},
		{ID: "A1", Date: "2024-06-01", StartTime: "14:00", DurationMin: 30, EmployeeID: "", Status: StatusBooked},
		{ID: "A1", Date: "2024-06-01", StartTime: "14:00", DurationMin: 30, EmployeeID: "E1", Status: "pending"},
	}
	for i, a := range bad {
		if _, err := store.AppendAppointment(ctx, a, snap.Version); !errors.Is(err, ErrRejected) {
			t.Errorf("case %d: want ErrRejected, got %v", i, err)
		}
	}

	if _, err := store.AppendBlackout(ctx, Blackout{
		ID: "B1", Date: "2024-06-01", StartTime: "15:00", EndTime: "13:00", EmployeeID: "E1",
	}, snap.Version); !errors.Is(err, ErrRejected) {
		t.Errorf("blackout with start >= end: want ErrRejected, got %v", err)
	}
}

func TestMemoryStore_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snap, _ := store.Load(ctx)

	v, err := store.AppendAppointment(ctx, validAppointment("A1"), snap.Version)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	v, err = store.SetAppointmentStatus(ctx, "A1", StatusCancelled, v)
	if err != nil {
		t.Fatalf("booked -> cancelled failed: %v", err)
	}

	// Terminal states cannot transition again.
	if _, err := store.SetAppointmentStatus(ctx, "A1", StatusDone, v); !errors.Is(err, ErrRejected) {
		t.Fatalf("cancelled -> done: want ErrRejected, got %v", err)
	}
	if _, err := store.SetAppointmentStatus(ctx, "missing", StatusDone, v); !errors.Is(err, ErrRejected) {
		t.Fatalf("unknown appointment: want ErrRejected, got %v", err)
	}
}

func TestMemoryStore_UpdateStaffCredential(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Seed([]Staff{{ID: "E1", Username: "Nessa", MustChangePassword: true}}, nil)

	snap, _ := store.Load(ctx)
	v, err := store.UpdateStaffCredential(ctx, "  nessa ", "hash", false, snap.Version)
	if err != nil {
		t.Fatalf("UpdateStaffCredential failed: %v", err)
	}

	snap, _ = store.Load(ctx)
	if snap.Version != v {
		t.Fatalf("version mismatch after credential update")
	}
	st, ok := snap.StaffByUsername("NESSA")
	if !ok || st.PasswordHash != "hash" || st.MustChangePassword.Bool() {
		t.Fatalf("credential not updated: %+v", st)
	}

	if _, err := store.UpdateStaffCredential(ctx, "nobody", "hash", false, v); !errors.Is(err, ErrRejected) {
		t.Fatalf("unknown username: want ErrRejected, got %v", err)
	}
}

func TestFlagNormalization(t *testing.T) {
	cases := map[string]bool{
		`true`:    true,
		`"true"`:  true,
		`"1"`:     true,
		`"sim"`:   true,
		`"YES"`:   true,
		`false`:   false,
		`"false"`: false,
		`"0"`:     false,
		`""`:      false,
		`"nope"`:  false,
		`1`:       true,
		`0`:       false,
	}
	for raw, want := range cases {
		var f Flag
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if f.Bool() != want {
			t.Errorf("Flag(%s) = %v, want %v", raw, f.Bool(), want)
		}
	}
}

func TestServiceDurationFallback(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{`{"service_id":"S1","default_duration":45}`, 45},
		{`{"service_id":"S1","default_duration":"90"}`, 90},
		{`{"service_id":"S1","default_duration":"soon"}`, 60},
		{`{"service_id":"S1"}`, 60},
		{`{"service_id":"S1","default_duration":-15}`, 60},
	}
	for _, tc := range cases {
		var svc Service
		if err := json.Unmarshal([]byte(tc.raw), &svc); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.raw, err)
		}
		if got := svc.DurationMin(); got != tc.want {
			t.Errorf("DurationMin(%s) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}
