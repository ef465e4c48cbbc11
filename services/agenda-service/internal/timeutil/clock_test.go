package timeutil

import (
	"errors"
	"slices"
	"testing"
)

func TestParseClock(t *testing.T) {
	cases := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{in: "09:00", want: Clock{9, 0}},
		{in: "9:30", want: Clock{9, 30}},
		{in: "23:59", want: Clock{23, 59}},
		{in: "00:00", want: Clock{0, 0}},
		{in: " 10:15 ", want: Clock{10, 15}},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "12:5", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "12", wantErr: true},
		{in: "12:3a", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseClock(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrMalformedTime) {
				t.Errorf("ParseClock(%q): want ErrMalformedTime, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseClock(%q): unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseClock(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestFormatMinutes_WrapsPastMidnight(t *testing.T) {
	if got := FormatMinutes(23*60 + 30 + 60); got != "00:30" {
		t.Fatalf("FormatMinutes(23:30+60) = %q, want 00:30", got)
	}
	if got := FormatMinutes(9 * 60); got != "09:00" {
		t.Fatalf("FormatMinutes(540) = %q, want 09:00", got)
	}
}

func TestSlots_Basic(t *testing.T) {
	seq, err := Slots("09:00", "11:00", 60)
	if err != nil {
		t.Fatalf("Slots failed: %v", err)
	}
	got := slices.Collect(seq)
	want := []string{"09:00", "10:00"}
	if !slices.Equal(got, want) {
		t.Fatalf("Slots = %v, want %v", got, want)
	}
}

func TestSlots_Restartable(t *testing.T) {
	seq, err := Slots("09:00", "19:00", 45)
	if err != nil {
		t.Fatalf("Slots failed: %v", err)
	}
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	if !slices.Equal(first, second) {
		t.Fatalf("ranging twice differed: %v vs %v", first, second)
	}
	if len(first) == 0 {
		t.Fatal("expected a non-empty sequence")
	}
}

func TestSlots_EarlyBreak(t *testing.T) {
	seq, err := Slots("09:00", "19:00", 30)
	if err != nil {
		t.Fatalf("Slots failed: %v", err)
	}
	var got []string
	for s := range seq {
		got = append(got, s)
		if len(got) == 2 {
			break
		}
	}
	if !slices.Equal(got, []string{"09:00", "09:30"}) {
		t.Fatalf("early break collected %v", got)
	}
}

func TestSlots_EmptyWindow(t *testing.T) {
	for _, tc := range [][2]string{{"11:00", "09:00"}, {"09:00", "09:00"}} {
		seq, err := Slots(tc[0], tc[1], 60)
		if err != nil {
			t.Fatalf("Slots(%q,%q) failed: %v", tc[0], tc[1], err)
		}
		if got := slices.Collect(seq); len(got) != 0 {
			t.Fatalf("Slots(%q,%q) = %v, want empty", tc[0], tc[1], got)
		}
	}
}

func TestSlots_InvalidStep(t *testing.T) {
	for _, step := range []int{0, -15} {
		if _, err := Slots("09:00", "11:00", step); !errors.Is(err, ErrInvalidStep) {
			t.Fatalf("Slots step=%d: want ErrInvalidStep, got %v", step, err)
		}
	}
}

func TestSlots_MalformedBound(t *testing.T) {
	if _, err := Slots("9am", "11:00", 60); !errors.Is(err, ErrMalformedTime) {
		t.Fatalf("want ErrMalformedTime, got %v", err)
	}
}
