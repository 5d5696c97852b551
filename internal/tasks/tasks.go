// Package tasks derives staff work items from analysis results and alerts
// and enforces their SLA deadlines.
package tasks

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/carepulse/carepulse/internal/models"
)

// SLA durations per priority.
const (
	SLAHigh   = 2 * time.Hour
	SLAMedium = 24 * time.Hour
	SLALow    = 72 * time.Hour
)

// DedupWindow is the rolling window for suppressing duplicate tasks of the
// same (patient, type).
const DedupWindow = 24 * time.Hour

// Store is the storage surface the engine needs.
type Store interface {
	CreateTask(t *models.Task) error
	GetOpenTaskSince(patientID string, taskType models.TaskType, since time.Time) (*models.Task, error)
	GetOpenSystemTask(patientID string, taskType models.TaskType) (*models.Task, error)
	ListOpenTasksByPriority(priority models.TaskPriority) ([]models.Task, error)
	ListTasks(status models.TaskStatus) ([]models.Task, error)
}

// Engine creates tasks with duplicate suppression and runs the SLA
// escalation sweep.
type Engine struct {
	store Store
	now   func() time.Time
}

// NewEngine creates an engine over the given store.
func NewEngine(s Store) *Engine {
	return &Engine{store: s, now: time.Now}
}

// PriorityForRisk maps a message risk level to a task priority. CRITICAL
// collapses into HIGH: task priority has no fourth tier.
func PriorityForRisk(r models.RiskLevel) models.TaskPriority {
	switch r {
	case models.RiskLevelCritical, models.RiskLevelHigh:
		return models.TaskPriorityHigh
	case models.RiskLevelMedium:
		return models.TaskPriorityMedium
	default:
		return models.TaskPriorityLow
	}
}

// SLAFor returns the response-time allowance for a priority.
func SLAFor(p models.TaskPriority) time.Duration {
	switch p {
	case models.TaskPriorityHigh:
		return SLAHigh
	case models.TaskPriorityMedium:
		return SLAMedium
	default:
		return SLALow
	}
}

// Deadline returns the SLA deadline for a task.
func Deadline(t *models.Task) time.Time {
	return t.CreatedAt.Add(SLAFor(t.Priority))
}

// IsOverdue reports whether an unfinished task has blown its SLA at now.
func IsOverdue(t *models.Task, now time.Time) bool {
	if t.Status == models.TaskStatusDone || t.Status == models.TaskStatusCancelled {
		return false
	}
	return now.After(Deadline(t))
}

// WithSLA is a task annotated with its computed SLA state for the API.
type WithSLA struct {
	models.Task
	SLADeadline time.Time `json:"sla_deadline"`
	Overdue     bool      `json:"overdue"`
}

// AnnotateSLA computes SLA deadlines and overdue flags for a task list.
func AnnotateSLA(ts []models.Task, now time.Time) []WithSLA {
	out := make([]WithSLA, 0, len(ts))
	for _, t := range ts {
		out = append(out, WithSLA{Task: t, SLADeadline: Deadline(&t), Overdue: IsOverdue(&t, now)})
	}
	return out
}

// Create inserts a task unless an open task of the same (patient, type)
// already exists inside the dedup window, in which case the existing task
// is returned.
func (e *Engine) Create(patientID string, taskType models.TaskType, priority models.TaskPriority, title, alertID, createdBy string) (*models.Task, error) {
	existing, err := e.store.GetOpenTaskSince(patientID, taskType, e.now().Add(-DedupWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate task: %w", err)
	}
	if existing != nil {
		slog.Debug("Engine.Create: duplicate suppressed", "patientID", patientID, "type", taskType, "existingID", existing.ID)
		return existing, nil
	}
	task := &models.Task{
		PatientID: patientID,
		Type:      taskType,
		Priority:  priority,
		Status:    models.TaskStatusOpen,
		Title:     title,
		AlertID:   alertID,
		CreatedBy: createdBy,
	}
	if err := e.store.CreateTask(task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	slog.Info("Engine.Create: task created", "taskID", task.ID, "patientID", patientID, "type", taskType, "priority", priority)
	return task, nil
}

// CreateForAnalysis derives a work item from an analysis result. Handoff
// requests become manual reviews; elevated risk becomes a risk review.
func (e *Engine) CreateForAnalysis(patientID string, result *models.AnalysisResult) error {
	taskType := models.TaskTypeManualReview
	title := "Review conversation: human follow-up requested"
	if result.RiskLevel.AtLeast(models.RiskLevelHigh) {
		taskType = models.TaskTypeReviewRisk
		title = fmt.Sprintf("Review %s-risk message", result.RiskLevel)
	}
	_, err := e.Create(patientID, taskType, PriorityForRisk(result.RiskLevel), title, "", models.TaskCreatedBySystem)
	return err
}

// EscalationSweep finds open HIGH tasks past their SLA deadline and spawns
// one system FOLLOW_UP per patient. Re-running the sweep is a no-op while
// that follow-up stays open.
func (e *Engine) EscalationSweep() error {
	now := e.now()
	open, err := e.store.ListOpenTasksByPriority(models.TaskPriorityHigh)
	if err != nil {
		return fmt.Errorf("failed to list open HIGH tasks: %w", err)
	}
	for i := range open {
		t := &open[i]
		if t.Type == models.TaskTypeFollowUp || !IsOverdue(t, now) {
			continue
		}
		existing, err := e.store.GetOpenSystemTask(t.PatientID, models.TaskTypeFollowUp)
		if err != nil {
			slog.Error("Engine.EscalationSweep: follow-up lookup failed", "patientID", t.PatientID, "error", err)
			continue
		}
		if existing != nil {
			continue
		}
		followUp := &models.Task{
			PatientID: t.PatientID,
			Type:      models.TaskTypeFollowUp,
			Priority:  models.TaskPriorityHigh,
			Status:    models.TaskStatusOpen,
			Title:     fmt.Sprintf("SLA breached: %s still open", t.Title),
			CreatedBy: models.TaskCreatedBySystem,
		}
		if err := e.store.CreateTask(followUp); err != nil {
			slog.Error("Engine.EscalationSweep: failed to create follow-up", "patientID", t.PatientID, "error", err)
			continue
		}
		slog.Info("Engine.EscalationSweep: follow-up created", "taskID", followUp.ID, "patientID", t.PatientID, "overdueTaskID", t.ID)
	}
	return nil
}
