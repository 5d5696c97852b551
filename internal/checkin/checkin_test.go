package checkin

import (
	"testing"

	"github.com/carepulse/carepulse/internal/models"
	"github.com/carepulse/carepulse/internal/store"
)

func TestRecordOncePerDay(t *testing.T) {
	s := store.NewInMemoryStore()
	p := &models.Patient{Name: "Ana", Phone: "+15550001111"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	r := NewRecorder(s)

	v := 80.5
	first, err := r.Record(p.ID, models.CheckInTypeWeight, Value{Numeric: &v}, models.CheckInSourcePatient)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	second, err := r.Record(p.ID, models.CheckInTypeWeight, Value{Numeric: &v}, models.CheckInSourceAI)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if first != second {
		t.Errorf("expected duplicate record to return existing ID %s, got %s", first, second)
	}

	// A different type on the same day is a separate check-in.
	other, err := r.Record(p.ID, models.CheckInTypeMood, Value{Text: "feeling good"}, models.CheckInSourceAI)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if other == first {
		t.Error("expected distinct ID for different check-in type")
	}
}

func TestRecordRejectsInvalidType(t *testing.T) {
	s := store.NewInMemoryStore()
	r := NewRecorder(s)
	if _, err := r.Record("p1", models.CheckInType("HEART_RATE"), Value{}, models.CheckInSourcePatient); err == nil {
		t.Error("expected error for unknown check-in type")
	}
}

func TestParseNumeric(t *testing.T) {
	cases := []struct {
		text string
		want float64
		ok   bool
	}{
		{"my weight is 80.5kg today", 80.5, true},
		{"80", 80, true},
		{"I walked 10000 steps", 10000, true},
		{"peso 79,3 esta manana", 79.3, true},
		{"it went down by -2.5", -2.5, true},
		{"no numbers here", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseNumeric(c.text)
		if ok != c.ok || got != c.want {
			t.Errorf("ParseNumeric(%q) = (%v, %v), want (%v, %v)", c.text, got, ok, c.want, c.ok)
		}
	}
}
