package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/carepulse/carepulse/internal/models"
	"github.com/carepulse/carepulse/internal/store"
)

// Marker kinds recorded per (patient, day, check-in type).
const (
	sweepKindReminder = "reminder"
	sweepKindMissed   = "missed"
)

// SweepStore is the storage surface the reminder sweep needs.
type SweepStore interface {
	Store
	ListActiveEnrollments() ([]models.ProgramEnrollment, error)
	MarkSweepDone(patientID string, day int, checkInType models.CheckInType, kind string) (bool, error)
	CreateMessage(m *models.Message) error
	EnqueueOutboxMessage(msg store.OutboxMessage) error
	CreateAlert(a *models.Alert, change *store.ModeChange) error
}

// Sweeper walks active enrollments on a timer, sending due activity prompts
// and raising alerts for required activities that were never completed.
// Sweep markers in the store make both actions once-per-day idempotent, so
// overlapping or restarted sweeps never double-send.
type Sweeper struct {
	store   SweepStore
	matcher *Matcher
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(s SweepStore) *Sweeper {
	return &Sweeper{store: s, matcher: NewMatcher(s)}
}

// Sweep performs one pass over all active enrollments.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) error {
	enrollments, err := s.store.ListActiveEnrollments()
	if err != nil {
		return fmt.Errorf("failed to list enrollments: %w", err)
	}
	for _, e := range enrollments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.sweepPatient(e.PatientID, now); err != nil {
			slog.Error("Sweeper: patient sweep failed", "patientID", e.PatientID, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepPatient(patientID string, now time.Time) error {
	patient, err := s.store.GetPatient(patientID)
	if err != nil {
		return err
	}
	if err := s.sweepMissed(patient, now); err != nil {
		return err
	}
	// Prompts are suppressed while a human owns the conversation or
	// automation is paused; missed detection above still runs.
	if patient.ChatMode != models.ChatModeAutomated || patient.AutomationPaused {
		return nil
	}
	return s.sweepReminder(patient, now)
}

func (s *Sweeper) sweepReminder(patient *models.Patient, now time.Time) error {
	candidate, err := s.matcher.FindCandidateActivity(patient.ID, now, WindowStrict)
	if err != nil {
		return err
	}
	if candidate == nil {
		return nil
	}
	fresh, err := s.store.MarkSweepDone(patient.ID, candidate.Day, candidate.Activity.Type, sweepKindReminder)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	msg := &models.Message{
		PatientID: patient.ID,
		Direction: models.DirectionOutbound,
		Sender:    models.SenderSystem,
		Content:   candidate.Activity.Prompt,
		Status:    models.MessageStatusQueued,
	}
	if err := s.store.CreateMessage(msg); err != nil {
		return fmt.Errorf("failed to persist reminder message: %w", err)
	}
	if err := s.store.EnqueueOutboxMessage(store.OutboxMessage{
		PatientID: patient.ID,
		Recipient: patient.Phone,
		Body:      candidate.Activity.Prompt,
		Kind:      store.OutboxKindReminder,
		MessageID: msg.ID,
	}); err != nil {
		return fmt.Errorf("failed to enqueue reminder: %w", err)
	}
	slog.Info("Sweeper: reminder queued", "patientID", patient.ID, "day", candidate.Day, "type", candidate.Activity.Type)
	return nil
}

// sweepMissed raises one MISSED_CHECKINS alert per required activity whose
// strict window has closed without a recorded check-in.
func (s *Sweeper) sweepMissed(patient *models.Patient, now time.Time) error {
	missed, err := s.matcher.MissedRequiredActivities(patient.ID, now)
	if err != nil {
		return err
	}
	for _, candidate := range missed {
		fresh, err := s.store.MarkSweepDone(patient.ID, candidate.Day, candidate.Activity.Type, sweepKindMissed)
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}
		alert := &models.Alert{
			PatientID:   patient.ID,
			Type:        models.AlertTypeMissedCheckIns,
			Level:       models.AlertLevelMedium,
			Title:       fmt.Sprintf("Missed %s check-in", candidate.Activity.Type),
			Description: fmt.Sprintf("Day %d %s activity was not completed by %s.", candidate.Day, candidate.Activity.Type, candidate.Scheduled.Add(WindowStrict.After).Format("15:04")),
		}
		if err := s.store.CreateAlert(alert, nil); err != nil {
			return fmt.Errorf("failed to create missed check-in alert: %w", err)
		}
		slog.Info("Sweeper: missed check-in alert raised", "patientID", patient.ID, "day", candidate.Day, "type", candidate.Activity.Type)
	}
	return nil
}

// MissedRequiredActivities returns today's required activities whose strict
// acceptance window has already closed without a check-in.
func (m *Matcher) MissedRequiredActivities(patientID string, now time.Time) ([]Candidate, error) {
	patient, err := m.store.GetPatient(patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient: %w", err)
	}
	loc := patient.Location()

	enrollment, err := m.store.GetActiveEnrollment(patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment: %w", err)
	}
	if enrollment == nil {
		return nil, nil
	}
	template, err := m.store.GetTemplate(enrollment.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}

	localNow := now.In(loc)
	day := CurrentDay(enrollment.StartDate, now, loc)
	if day > template.DurationDays {
		return nil, nil
	}
	satisfied, err := m.satisfiedTypes(patientID, localMidnight(localNow))
	if err != nil {
		return nil, err
	}

	var missed []Candidate
	for _, act := range template.ActivitiesForDay(day) {
		if !act.Required || satisfied[act.Type] {
			continue
		}
		scheduled, err := scheduledAt(act.TimeOfDay, localNow)
		if err != nil {
			continue
		}
		if localNow.After(scheduled.Add(WindowStrict.After)) {
			missed = append(missed, Candidate{Activity: act, Day: day, Scheduled: scheduled})
		}
	}
	return missed, nil
}
