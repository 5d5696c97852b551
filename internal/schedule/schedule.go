// Package schedule resolves program enrollments to the activities a patient
// is expected to complete right now.
package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/carepulse/carepulse/internal/models"
)

// Window is an acceptance window around an activity's scheduled time.
type Window struct {
	Before time.Duration
	After  time.Duration
	// RequireStarted rejects matches before the scheduled time itself.
	// Prompts must not jump ahead of schedule; answers may arrive early.
	RequireStarted bool
}

var (
	// WindowStrict is used when deciding whether to send a prompt.
	WindowStrict = Window{Before: 30 * time.Minute, After: 60 * time.Minute, RequireStarted: true}
	// WindowLoose is used when matching an already-arrived message.
	WindowLoose = Window{Before: 30 * time.Minute, After: 180 * time.Minute}
)

// Store is the storage surface the matcher needs.
type Store interface {
	GetPatient(id string) (*models.Patient, error)
	GetActiveEnrollment(patientID string) (*models.ProgramEnrollment, error)
	GetTemplate(id string) (*models.ProgramTemplate, error)
	GetCheckInsSince(patientID string, since time.Time) ([]models.CheckIn, error)
}

// Candidate is an activity the patient is expected to complete now.
type Candidate struct {
	Activity  models.Activity
	Day       int
	Scheduled time.Time
}

// ActivityStatus pairs an activity with whether it was satisfied today.
type ActivityStatus struct {
	Activity  models.Activity `json:"activity"`
	Satisfied bool            `json:"satisfied"`
}

// DaySchedule is a patient's expected activities for the current day.
type DaySchedule struct {
	Day        int              `json:"day"`
	Activities []ActivityStatus `json:"activities"`
}

// Matcher finds candidate activities for patients with active enrollments.
type Matcher struct {
	store Store
}

// NewMatcher creates a matcher over the given store.
func NewMatcher(store Store) *Matcher {
	return &Matcher{store: store}
}

// CurrentDay computes the 1-based program day from local midnights in loc.
// Enrollments that somehow start in the future clamp to day 1.
func CurrentDay(startDate, now time.Time, loc *time.Location) int {
	startMidnight := localMidnight(startDate.In(loc))
	nowMidnight := localMidnight(now.In(loc))
	day := int(nowMidnight.Sub(startMidnight).Hours()/24) + 1
	if day < 1 {
		return 1
	}
	return day
}

func localMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// FindCandidateActivity resolves the patient's active enrollment and returns
// the first unsatisfied activity whose window contains now. Returns nil when
// there is no active enrollment or no activity matches.
func (m *Matcher) FindCandidateActivity(patientID string, now time.Time, w Window) (*Candidate, error) {
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
	activities := template.ActivitiesForDay(day)
	if len(activities) == 0 {
		return nil, nil
	}

	satisfied, err := m.satisfiedTypes(patientID, localMidnight(localNow))
	if err != nil {
		return nil, err
	}

	for _, act := range activities {
		if satisfied[act.Type] {
			continue
		}
		scheduled, err := scheduledAt(act.TimeOfDay, localNow)
		if err != nil {
			slog.Warn("Matcher: skipping activity with bad time", "timeOfDay", act.TimeOfDay, "error", err)
			continue
		}
		if w.RequireStarted && localNow.Before(scheduled) {
			continue
		}
		if localNow.Before(scheduled.Add(-w.Before)) || localNow.After(scheduled.Add(w.After)) {
			continue
		}
		slog.Debug("Matcher.FindCandidateActivity: match", "patientID", patientID, "day", day, "type", act.Type)
		return &Candidate{Activity: act, Day: day, Scheduled: scheduled}, nil
	}
	return nil, nil
}

// Schedule returns the patient's expected activities for today with their
// satisfaction status. Returns nil when there is no active enrollment.
func (m *Matcher) Schedule(patientID string, now time.Time) (*DaySchedule, error) {
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
	satisfied, err := m.satisfiedTypes(patientID, localMidnight(localNow))
	if err != nil {
		return nil, err
	}
	out := &DaySchedule{Day: day}
	for _, act := range template.ActivitiesForDay(day) {
		out.Activities = append(out.Activities, ActivityStatus{Activity: act, Satisfied: satisfied[act.Type]})
	}
	return out, nil
}

// satisfiedTypes returns the check-in types recorded since midnight.
func (m *Matcher) satisfiedTypes(patientID string, midnight time.Time) (map[models.CheckInType]bool, error) {
	checkIns, err := m.store.GetCheckInsSince(patientID, midnight)
	if err != nil {
		return nil, fmt.Errorf("failed to load check-ins: %w", err)
	}
	satisfied := make(map[models.CheckInType]bool, len(checkIns))
	for _, c := range checkIns {
		satisfied[c.Type] = true
	}
	return satisfied, nil
}

// scheduledAt anchors an "HH:MM" time of day to the date of localNow.
func scheduledAt(timeOfDay string, localNow time.Time) (time.Time, error) {
	parsed, err := time.Parse("15:04", timeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time of day %q: %w", timeOfDay, err)
	}
	return time.Date(localNow.Year(), localNow.Month(), localNow.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, localNow.Location()), nil
}
