package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/carepulse/carepulse/internal/models"
	"github.com/carepulse/carepulse/internal/store"
)

func seedPatient(t *testing.T, s *store.InMemoryStore, tz string) *models.Patient {
	t.Helper()
	p := &models.Patient{Name: "Test", Phone: "+15550001111", Timezone: tz}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	return p
}

func seedEnrollment(t *testing.T, s *store.InMemoryStore, patientID string, startDate time.Time, schedule map[int][]models.Activity) {
	t.Helper()
	tmpl := &models.ProgramTemplate{Name: "program", DurationDays: 30, Schedule: schedule}
	if err := s.CreateTemplate(tmpl); err != nil {
		t.Fatalf("CreateTemplate failed: %v", err)
	}
	e := &models.ProgramEnrollment{PatientID: patientID, TemplateID: tmpl.ID, StartDate: startDate, Status: models.EnrollmentStatusActive}
	if err := s.CreateEnrollment(e); err != nil {
		t.Fatalf("CreateEnrollment failed: %v", err)
	}
}

func TestCurrentDayClampsToOne(t *testing.T) {
	loc := time.UTC
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, loc)
	if d := CurrentDay(start, start.Add(2*time.Hour), loc); d != 1 {
		t.Errorf("expected day 1 on start date, got %d", d)
	}
	if d := CurrentDay(start, start.AddDate(0, 0, 4), loc); d != 5 {
		t.Errorf("expected day 5, got %d", d)
	}
	// Start date in the future clamps rather than going to zero.
	if d := CurrentDay(start, start.AddDate(0, 0, -2), loc); d != 1 {
		t.Errorf("expected clamp to day 1, got %d", d)
	}
}

func TestFindCandidateActivityWindows(t *testing.T) {
	s := store.NewInMemoryStore()
	p := seedPatient(t, s, "UTC")
	now := time.Date(2026, 3, 12, 9, 20, 0, 0, time.UTC)
	seedEnrollment(t, s, p.ID, now.AddDate(0, 0, -2), map[int][]models.Activity{
		3: {{TimeOfDay: "09:00", Slot: models.SlotMorning, Type: models.CheckInTypeWeight, Prompt: "Please send your weight", Required: true}},
	})
	m := NewMatcher(s)

	// 09:20 is inside both windows for a 09:00 activity.
	c, err := m.FindCandidateActivity(p.ID, now, WindowStrict)
	if err != nil {
		t.Fatalf("FindCandidateActivity failed: %v", err)
	}
	if c == nil || c.Activity.Type != models.CheckInTypeWeight {
		t.Fatalf("expected WEIGHT candidate at 09:20, got %+v", c)
	}
	if c.Day != 3 {
		t.Errorf("expected day 3, got %d", c.Day)
	}

	// 08:45 is early: loose window accepts it, strict does not.
	early := time.Date(2026, 3, 12, 8, 45, 0, 0, time.UTC)
	if c, _ := m.FindCandidateActivity(p.ID, early, WindowStrict); c != nil {
		t.Errorf("strict window should reject pre-scheduled time, got %+v", c)
	}
	if c, _ := m.FindCandidateActivity(p.ID, early, WindowLoose); c == nil {
		t.Error("loose window should accept -15min")
	}

	// 11:30 is past the strict window but inside the loose one.
	late := time.Date(2026, 3, 12, 11, 30, 0, 0, time.UTC)
	if c, _ := m.FindCandidateActivity(p.ID, late, WindowStrict); c != nil {
		t.Errorf("strict window should close at +60min, got %+v", c)
	}
	if c, _ := m.FindCandidateActivity(p.ID, late, WindowLoose); c == nil {
		t.Error("loose window should stay open to +180min")
	}
}

func TestFindCandidateActivitySkipsSatisfied(t *testing.T) {
	s := store.NewInMemoryStore()
	p := seedPatient(t, s, "UTC")
	now := time.Date(2026, 3, 12, 9, 20, 0, 0, time.UTC)
	seedEnrollment(t, s, p.ID, now, map[int][]models.Activity{
		1: {{TimeOfDay: "09:00", Type: models.CheckInTypeWeight, Prompt: "weight?", Required: true}},
	})
	v := 80.5
	if err := s.CreateCheckIn(&models.CheckIn{PatientID: p.ID, Type: models.CheckInTypeWeight, NumericValue: &v, Source: models.CheckInSourcePatient}); err != nil {
		t.Fatalf("CreateCheckIn failed: %v", err)
	}
	m := NewMatcher(s)
	c, err := m.FindCandidateActivity(p.ID, now, WindowLoose)
	if err != nil {
		t.Fatalf("FindCandidateActivity failed: %v", err)
	}
	if c != nil {
		t.Errorf("expected no candidate once check-in exists, got %+v", c)
	}
}

func TestFindCandidateActivityNoEnrollment(t *testing.T) {
	s := store.NewInMemoryStore()
	p := seedPatient(t, s, "UTC")
	m := NewMatcher(s)
	c, err := m.FindCandidateActivity(p.ID, time.Now(), WindowLoose)
	if err != nil {
		t.Fatalf("FindCandidateActivity failed: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil candidate without enrollment, got %+v", c)
	}
}

func TestSweeperSendsReminderOnce(t *testing.T) {
	s := store.NewInMemoryStore()
	p := seedPatient(t, s, "UTC")
	now := time.Date(2026, 3, 12, 9, 10, 0, 0, time.UTC)
	seedEnrollment(t, s, p.ID, now, map[int][]models.Activity{
		1: {{TimeOfDay: "09:00", Type: models.CheckInTypeWeight, Prompt: "Please send your weight", Required: true}},
	})
	sweeper := NewSweeper(s)

	if err := sweeper.Sweep(context.Background(), now); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	// Second pass inside the same window must not double-send.
	if err := sweeper.Sweep(context.Background(), now.Add(5*time.Minute)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	due, err := s.ClaimDueOutboxMessages(now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected exactly 1 queued reminder, got %d", len(due))
	}
	if due[0].Kind != store.OutboxKindReminder || due[0].Body != "Please send your weight" {
		t.Errorf("unexpected reminder %+v", due[0])
	}
}

func TestSweeperSkipsPromptsInHumanMode(t *testing.T) {
	s := store.NewInMemoryStore()
	p := seedPatient(t, s, "UTC")
	p.ChatMode = models.ChatModeHuman
	if err := s.UpdatePatient(p); err != nil {
		t.Fatalf("UpdatePatient failed: %v", err)
	}
	now := time.Date(2026, 3, 12, 9, 10, 0, 0, time.UTC)
	seedEnrollment(t, s, p.ID, now, map[int][]models.Activity{
		1: {{TimeOfDay: "09:00", Type: models.CheckInTypeWeight, Prompt: "weight?", Required: true}},
	})
	sweeper := NewSweeper(s)
	if err := sweeper.Sweep(context.Background(), now); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if due, _ := s.ClaimDueOutboxMessages(now.Add(time.Hour), 10); len(due) != 0 {
		t.Errorf("expected no reminders in HUMAN mode, got %d", len(due))
	}
}

func TestSweeperRaisesMissedCheckInAlertOnce(t *testing.T) {
	s := store.NewInMemoryStore()
	p := seedPatient(t, s, "UTC")
	start := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	seedEnrollment(t, s, p.ID, start, map[int][]models.Activity{
		1: {
			{TimeOfDay: "09:00", Type: models.CheckInTypeWeight, Prompt: "weight?", Required: true},
			{TimeOfDay: "09:30", Type: models.CheckInTypeMood, Prompt: "mood?", Required: false},
		},
	})
	sweeper := NewSweeper(s)

	// Both windows long closed; only the required activity alerts.
	late := time.Date(2026, 3, 12, 14, 0, 0, 0, time.UTC)
	if err := sweeper.Sweep(context.Background(), late); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if err := sweeper.Sweep(context.Background(), late.Add(10*time.Minute)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	alerts, err := s.ListAlerts(models.AlertStatusOpen)
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected exactly 1 missed check-in alert, got %d", len(alerts))
	}
	if alerts[0].Type != models.AlertTypeMissedCheckIns || alerts[0].Level != models.AlertLevelMedium {
		t.Errorf("unexpected alert %+v", alerts[0])
	}
}

func TestScheduleReportsSatisfaction(t *testing.T) {
	s := store.NewInMemoryStore()
	p := seedPatient(t, s, "UTC")
	now := time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)
	seedEnrollment(t, s, p.ID, now, map[int][]models.Activity{
		1: {
			{TimeOfDay: "09:00", Type: models.CheckInTypeWeight, Prompt: "weight?", Required: true},
			{TimeOfDay: "20:00", Type: models.CheckInTypeMood, Prompt: "mood?", Required: true},
		},
	})
	v := 80.0
	if err := s.CreateCheckIn(&models.CheckIn{PatientID: p.ID, Type: models.CheckInTypeWeight, NumericValue: &v, Source: models.CheckInSourcePatient}); err != nil {
		t.Fatalf("CreateCheckIn failed: %v", err)
	}

	m := NewMatcher(s)
	sched, err := m.Schedule(p.ID, now)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if sched == nil || sched.Day != 1 || len(sched.Activities) != 2 {
		t.Fatalf("unexpected schedule %+v", sched)
	}
	if !sched.Activities[0].Satisfied || sched.Activities[1].Satisfied {
		t.Errorf("unexpected satisfaction flags %+v", sched.Activities)
	}
}
