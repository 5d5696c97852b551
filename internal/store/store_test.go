package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carepulse/carepulse/internal/models"
)

func TestInMemoryStorePatientCRUD(t *testing.T) {
	s := NewInMemoryStore()
	p := &models.Patient{Name: "Ana", Phone: "+15550001111", Timezone: "America/Mexico_City"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected generated patient ID")
	}
	if p.ChatMode != models.ChatModeAutomated {
		t.Errorf("expected default chat mode AUTOMATED, got %s", p.ChatMode)
	}

	dup := &models.Patient{Name: "Other", Phone: "+15550001111"}
	if err := s.CreatePatient(dup); !errors.Is(err, models.ErrDuplicatePhone) {
		t.Errorf("expected ErrDuplicatePhone, got %v", err)
	}

	got, err := s.GetPatientByPhone("+15550001111")
	if err != nil {
		t.Fatalf("GetPatientByPhone failed: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("expected patient %s, got %s", p.ID, got.ID)
	}

	if _, err := s.GetPatient("missing"); !errors.Is(err, models.ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestInMemoryStoreSingleActiveEnrollment(t *testing.T) {
	s := NewInMemoryStore()
	p := &models.Patient{Name: "Ben", Phone: "+15550002222"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	tmpl := &models.ProgramTemplate{
		Name:         "weight-12w",
		DurationDays: 84,
		Schedule: map[int][]models.Activity{
			1: {{TimeOfDay: "09:00", Slot: models.SlotMorning, Type: models.CheckInTypeWeight, Prompt: "Morning weigh-in", Required: true}},
		},
	}
	if err := s.CreateTemplate(tmpl); err != nil {
		t.Fatalf("CreateTemplate failed: %v", err)
	}

	e1 := &models.ProgramEnrollment{PatientID: p.ID, TemplateID: tmpl.ID, StartDate: time.Now(), Status: models.EnrollmentStatusActive}
	if err := s.CreateEnrollment(e1); err != nil {
		t.Fatalf("CreateEnrollment failed: %v", err)
	}
	e2 := &models.ProgramEnrollment{PatientID: p.ID, TemplateID: tmpl.ID, StartDate: time.Now(), Status: models.EnrollmentStatusActive}
	if err := s.CreateEnrollment(e2); !errors.Is(err, models.ErrAlreadyEnrolled) {
		t.Errorf("expected ErrAlreadyEnrolled, got %v", err)
	}

	if err := s.DeleteTemplate(tmpl.ID); !errors.Is(err, models.ErrTemplateInUse) {
		t.Errorf("expected ErrTemplateInUse, got %v", err)
	}

	active, err := s.GetActiveEnrollment(p.ID)
	if err != nil {
		t.Fatalf("GetActiveEnrollment failed: %v", err)
	}
	if active == nil || active.ID != e1.ID {
		t.Fatalf("expected active enrollment %s, got %+v", e1.ID, active)
	}

	active.Status = models.EnrollmentStatusCompleted
	if err := s.UpdateEnrollment(active); err != nil {
		t.Fatalf("UpdateEnrollment failed: %v", err)
	}
	none, err := s.GetActiveEnrollment(p.ID)
	if err != nil {
		t.Fatalf("GetActiveEnrollment failed: %v", err)
	}
	if none != nil {
		t.Errorf("expected no active enrollment, got %+v", none)
	}
}

func TestInMemoryStoreAlertModeChangeAtomicity(t *testing.T) {
	s := NewInMemoryStore()
	p := &models.Patient{Name: "Cara", Phone: "+15550003333"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	a := &models.Alert{
		PatientID:   p.ID,
		Type:        models.AlertTypeRiskDetected,
		Level:       models.AlertLevelHigh,
		Title:       "High risk detected",
		Description: "patient reported dizziness",
	}
	change := &ModeChange{Mode: models.ChatModeHuman, SetBy: models.TaskCreatedBySystem}
	if err := s.CreateAlert(a, change); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}
	got, err := s.GetPatient(p.ID)
	if err != nil {
		t.Fatalf("GetPatient failed: %v", err)
	}
	if got.ChatMode != models.ChatModeHuman {
		t.Errorf("expected chat mode HUMAN after alert, got %s", got.ChatMode)
	}
	if got.ModeSetAt == nil {
		t.Error("expected mode_set_at to be stamped")
	}

	found, err := s.GetOpenAlertAtLeastSince(p.ID, models.AlertLevelHigh, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetOpenAlertAtLeastSince failed: %v", err)
	}
	if found == nil || found.ID != a.ID {
		t.Fatalf("expected to find open alert %s, got %+v", a.ID, found)
	}
	if f, err := s.GetOpenAlertAtLeastSince(p.ID, models.AlertLevelCritical, time.Now().Add(-time.Hour)); err != nil || f != nil {
		t.Errorf("expected no CRITICAL alert, got %+v (err %v)", f, err)
	}
}

func TestInMemoryStoreSweepMarkerIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	first, err := s.MarkSweepDone("p1", 3, models.CheckInTypeWeight, "reminder")
	if err != nil {
		t.Fatalf("MarkSweepDone failed: %v", err)
	}
	if !first {
		t.Error("expected first marker insert to report true")
	}
	second, err := s.MarkSweepDone("p1", 3, models.CheckInTypeWeight, "reminder")
	if err != nil {
		t.Fatalf("MarkSweepDone failed: %v", err)
	}
	if second {
		t.Error("expected duplicate marker insert to report false")
	}
	other, err := s.MarkSweepDone("p1", 3, models.CheckInTypeWeight, "missed")
	if err != nil {
		t.Fatalf("MarkSweepDone failed: %v", err)
	}
	if !other {
		t.Error("expected marker with different kind to insert")
	}
}

func TestJobDedupeAndRetry(t *testing.T) {
	s := NewInMemoryStore()
	job := Job{Kind: "analyze", PayloadJSON: `{"patientId":"p1"}`, DedupeKey: "analyze:p1", MaxAttempts: 2}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob (duplicate) failed: %v", err)
	}
	claimed, err := s.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed job after dedupe, got %d", len(claimed))
	}
	if claimed[0].Attempt != 1 {
		t.Errorf("expected attempt 1 after claim, got %d", claimed[0].Attempt)
	}

	// First failure requeues; none due until the backoff expires.
	if err := s.FailJob(claimed[0].ID, "provider timeout", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	if again, _ := s.ClaimDueJobs(time.Now(), 10); len(again) != 0 {
		t.Fatalf("expected no due jobs during backoff, got %d", len(again))
	}
	again, err := s.ClaimDueJobs(time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected requeued job to come due, got %d", len(again))
	}

	// Second failure exhausts attempts.
	if err := s.FailJob(again[0].ID, "provider timeout", time.Now()); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	if final, _ := s.ClaimDueJobs(time.Now().Add(time.Hour), 10); len(final) != 0 {
		t.Fatalf("expected exhausted job to stay failed, got %d claims", len(final))
	}
}

func TestOutboxSenderDelivers(t *testing.T) {
	s := NewInMemoryStore()
	p := &models.Patient{Name: "Dee", Phone: "+15550004444"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	m := &models.Message{PatientID: p.ID, Direction: models.DirectionOutbound, Sender: models.SenderAI, Content: "hello", Status: models.MessageStatusQueued}
	if err := s.CreateMessage(m); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if err := s.EnqueueOutboxMessage(OutboxMessage{PatientID: p.ID, Recipient: p.Phone, Body: "hello", Kind: OutboxKindReply, MessageID: m.ID}); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	claimed, err := s.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed message, got %d", len(claimed))
	}
	if err := s.MarkOutboxMessageSent(claimed[0].ID, "SM123"); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}

	msgs, err := s.GetRecentMessages(p.ID, 10)
	if err != nil {
		t.Fatalf("GetRecentMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Status != models.MessageStatusSent || msgs[0].ExternalID != "SM123" {
		t.Errorf("expected sent message with external ID, got status %s external %q", msgs[0].Status, msgs[0].ExternalID)
	}
}

func TestOutboxSenderGivesUpAfterMaxAttempts(t *testing.T) {
	s := NewInMemoryStore()
	p := &models.Patient{Name: "Eve", Phone: "+15550005555"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	m := &models.Message{PatientID: p.ID, Direction: models.DirectionOutbound, Sender: models.SenderAI, Content: "hi", Status: models.MessageStatusQueued}
	if err := s.CreateMessage(m); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if err := s.EnqueueOutboxMessage(OutboxMessage{PatientID: p.ID, Recipient: p.Phone, Body: "hi", Kind: OutboxKindReply, MessageID: m.ID, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) (string, error) {
		return "", errors.New("transport down")
	})
	claimed, err := s.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim failed: %v (%d)", err, len(claimed))
	}
	sender.deliver(context.Background(), claimed[0])

	msgs, err := s.GetRecentMessages(p.ID, 10)
	if err != nil {
		t.Fatalf("GetRecentMessages failed: %v", err)
	}
	if msgs[0].Status != models.MessageStatusFailed {
		t.Errorf("expected message marked failed, got %s", msgs[0].Status)
	}
	if due, _ := s.ClaimDueOutboxMessages(time.Now().Add(time.Hour), 10); len(due) != 0 {
		t.Errorf("expected no further delivery attempts, got %d", len(due))
	}
}

func TestJobRunnerRunsHandler(t *testing.T) {
	s := NewInMemoryStore()
	if err := s.EnqueueJob(Job{Kind: "analyze", PayloadJSON: `{"patientId":"p1"}`}); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	runner := NewJobRunner(s)
	ran := make(chan Job, 1)
	runner.Register("analyze", func(ctx context.Context, job Job) error {
		ran <- job
		return nil
	})
	runner.runDue(context.Background())
	select {
	case job := <-ran:
		if job.Kind != "analyze" {
			t.Errorf("unexpected job kind %s", job.Kind)
		}
	default:
		t.Fatal("expected handler to run")
	}
	if left, _ := s.ClaimDueJobs(time.Now().Add(time.Hour), 10); len(left) != 0 {
		t.Errorf("expected completed job to stay done, got %d claims", len(left))
	}
}
