// Package store provides storage backends for CarePulse.
//
// It includes an in-memory store used in tests, plus SQLite and PostgreSQL
// stores with embedded migrations. All backends also implement the durable
// analysis-job queue and the outbound-message outbox.
package store

import (
	"strings"
	"time"

	"github.com/carepulse/carepulse/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and "sqlite"
// for anything that looks like a file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// ModeChange describes a chat-mode transition committed atomically with an
// alert write.
type ModeChange struct {
	Mode  models.ChatMode
	SetBy string
}

// Store is the persistence interface consumed by the engine components.
type Store interface {
	// Patients
	CreatePatient(p *models.Patient) error
	GetPatient(id string) (*models.Patient, error)
	GetPatientByPhone(phone string) (*models.Patient, error)
	UpdatePatient(p *models.Patient) error
	ListPatients() ([]models.Patient, error)

	// Program templates
	CreateTemplate(t *models.ProgramTemplate) error
	GetTemplate(id string) (*models.ProgramTemplate, error)
	DeleteTemplate(id string) error
	ListTemplates() ([]models.ProgramTemplate, error)

	// Enrollments
	CreateEnrollment(e *models.ProgramEnrollment) error
	GetActiveEnrollment(patientID string) (*models.ProgramEnrollment, error)
	UpdateEnrollment(e *models.ProgramEnrollment) error
	ListActiveEnrollments() ([]models.ProgramEnrollment, error)

	// Check-ins
	CreateCheckIn(c *models.CheckIn) error
	GetCheckInsSince(patientID string, since time.Time) ([]models.CheckIn, error)

	// Messages
	CreateMessage(m *models.Message) error
	UpdateMessageStatusByExternalID(externalID string, status models.MessageStatus) error
	GetRecentMessages(patientID string, limit int) ([]models.Message, error)

	// Alerts. CreateAlert and ResolveAlert commit the optional mode change
	// in the same transaction as the alert write.
	CreateAlert(a *models.Alert, change *ModeChange) error
	GetAlert(id string) (*models.Alert, error)
	GetOpenAlertAtLeastSince(patientID string, minLevel models.AlertLevel, since time.Time) (*models.Alert, error)
	UpdateAlert(a *models.Alert) error
	ResolveAlert(a *models.Alert, change *ModeChange) error
	ListAlerts(status models.AlertStatus) ([]models.Alert, error)

	// Tasks
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	GetOpenTaskSince(patientID string, taskType models.TaskType, since time.Time) (*models.Task, error)
	GetOpenSystemTask(patientID string, taskType models.TaskType) (*models.Task, error)
	UpdateTask(t *models.Task) error
	ListTasks(status models.TaskStatus) ([]models.Task, error)
	ListOpenTasksByPriority(priority models.TaskPriority) ([]models.Task, error)

	// MarkSweepDone records that a periodic sweep already handled
	// (patient, day, type, kind) and reports whether this call was the
	// first. Used to keep reminder and missed-check-in sweeps idempotent.
	MarkSweepDone(patientID string, day int, checkInType models.CheckInType, kind string) (bool, error)

	JobRepo
	OutboxRepo

	Close() error
}

// Job statuses for the durable analysis-job queue.
const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// Job is one durable unit of background work (e.g. an analysis run).
type Job struct {
	ID          int64
	Kind        string
	RunAt       time.Time
	PayloadJSON string
	Status      string
	Attempt     int
	MaxAttempts int
	LastError   string
	LockedAt    *time.Time
	DedupeKey   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobRepo is the durable job queue.
type JobRepo interface {
	// EnqueueJob inserts a job. If DedupeKey is set and a queued job with
	// the same key exists, the insert is a no-op.
	EnqueueJob(job Job) error
	// ClaimDueJobs atomically marks up to limit due jobs as running and
	// returns them.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)
	CompleteJob(id int64) error
	// FailJob records the error and requeues the job for nextRun, or marks
	// it failed once attempts are exhausted.
	FailJob(id int64, lastError string, nextRun time.Time) error
	// RequeueStaleRunningJobs requeues jobs stuck in running state (crash
	// recovery). Returns the number requeued.
	RequeueStaleRunningJobs(staleBefore time.Time) (int64, error)
}

// Outbox statuses for outbound messages.
const (
	OutboxStatusQueued  = "queued"
	OutboxStatusSending = "sending"
	OutboxStatusSent    = "sent"
	OutboxStatusFailed  = "failed"
)

// Outbox message kinds.
const (
	OutboxKindReply    = "reply"
	OutboxKindReminder = "reminder"
)

// OutboxMessage is one outbound send awaiting delivery.
type OutboxMessage struct {
	ID            int64
	PatientID     string
	Recipient     string
	Body          string
	Kind          string
	MessageID     string // ID of the persisted models.Message row
	Status        string
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     string
	LockedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OutboxRepo is the durable outbound-message queue.
type OutboxRepo interface {
	EnqueueOutboxMessage(msg OutboxMessage) error
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)
	MarkOutboxMessageSent(id int64, externalID string) error
	// FailOutboxMessage records the error and schedules a retry.
	FailOutboxMessage(id int64, lastError string, nextAttempt time.Time) error
	// MarkOutboxMessageFailed marks the message permanently failed after
	// retry exhaustion. The message row is kept.
	MarkOutboxMessageFailed(id int64, lastError string) error
	RequeueStaleSendingMessages(staleBefore time.Time) (int64, error)
}
