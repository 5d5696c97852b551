package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/carepulse/carepulse/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Connection pool settings for the Postgres backend.
const (
	pgMaxOpenConns    = 25
	pgMaxIdleConns    = 5
	pgConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(pgMaxOpenConns)
	db.SetMaxIdleConns(pgMaxIdleConns)
	db.SetConnMaxLifetime(pgConnMaxLifetime)
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreatePatient(p *models.Patient) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM patients WHERE phone = $1`, p.Phone).Scan(&count); err != nil {
		return fmt.Errorf("failed to check phone uniqueness: %w", err)
	}
	if count > 0 {
		return models.ErrDuplicatePhone
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.ChatMode == "" {
		p.ChatMode = models.ChatModeAutomated
	}
	var modeSetAt interface{}
	if p.ModeSetAt != nil {
		modeSetAt = *p.ModeSetAt
	}
	_, err := s.db.Exec(`INSERT INTO patients (`+patientColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.Name, p.Phone, p.Timezone, p.ChatMode, modeSetAt, p.ModeSetBy, p.AutomationPaused,
		p.ConversationSummary, p.MessagesSinceSummary, p.CRMLeadID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreatePatient failed", "error", err, "phone", p.Phone)
		return fmt.Errorf("failed to insert patient: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPatient(id string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	p, err := scanPatient(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPatientByPhone(phone string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT `+patientColumns+` FROM patients WHERE phone = $1`, phone)
	p, err := scanPatient(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient by phone: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpdatePatient(p *models.Patient) error {
	p.UpdatedAt = time.Now()
	var modeSetAt interface{}
	if p.ModeSetAt != nil {
		modeSetAt = *p.ModeSetAt
	}
	res, err := s.db.Exec(`UPDATE patients SET name = $1, phone = $2, timezone = $3, chat_mode = $4, mode_set_at = $5, mode_set_by = $6, automation_paused = $7, conversation_summary = $8, messages_since_summary = $9, crm_lead_id = $10, updated_at = $11 WHERE id = $12`,
		p.Name, p.Phone, p.Timezone, p.ChatMode, modeSetAt, p.ModeSetBy, p.AutomationPaused,
		p.ConversationSummary, p.MessagesSinceSummary, p.CRMLeadID, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update patient %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrPatientNotFound
	}
	return nil
}

func (s *PostgresStore) ListPatients() ([]models.Patient, error) {
	rows, err := s.db.Query(`SELECT ` + patientColumns + ` FROM patients ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patients: %w", err)
	}
	defer rows.Close()
	var out []models.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTemplate(t *models.ProgramTemplate) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	scheduleJSON, err := scheduleToJSON(t.Schedule)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO program_templates (id, name, duration_days, schedule_json, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.DurationDays, scheduleJSON, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTemplate(id string) (*models.ProgramTemplate, error) {
	var t models.ProgramTemplate
	var scheduleJSON string
	err := s.db.QueryRow(`SELECT id, name, duration_days, schedule_json, created_at, updated_at FROM program_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.DurationDays, &scheduleJSON, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template %s: %w", id, err)
	}
	t.Schedule, err = scheduleFromJSON(scheduleJSON)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) DeleteTemplate(id string) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM program_enrollments WHERE template_id = $1`, id).Scan(&count); err != nil {
		return fmt.Errorf("failed to check template usage: %w", err)
	}
	if count > 0 {
		return models.ErrTemplateInUse
	}
	res, err := s.db.Exec(`DELETE FROM program_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTemplateNotFound
	}
	return nil
}

func (s *PostgresStore) ListTemplates() ([]models.ProgramTemplate, error) {
	rows, err := s.db.Query(`SELECT id, name, duration_days, schedule_json, created_at, updated_at FROM program_templates ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()
	var out []models.ProgramTemplate
	for rows.Next() {
		var t models.ProgramTemplate
		var scheduleJSON string
		if err := rows.Scan(&t.ID, &t.Name, &t.DurationDays, &scheduleJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		if t.Schedule, err = scheduleFromJSON(scheduleJSON); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateEnrollment(e *models.ProgramEnrollment) error {
	if e.Status == models.EnrollmentStatusActive {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(1) FROM program_enrollments WHERE patient_id = $1 AND status = $2`,
			e.PatientID, models.EnrollmentStatusActive).Scan(&count); err != nil {
			return fmt.Errorf("failed to check active enrollment: %w", err)
		}
		if count > 0 {
			return models.ErrAlreadyEnrolled
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO program_enrollments (`+enrollmentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.PatientID, e.TemplateID, e.StartDate, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert enrollment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveEnrollment(patientID string) (*models.ProgramEnrollment, error) {
	row := s.db.QueryRow(`SELECT `+enrollmentColumns+` FROM program_enrollments WHERE patient_id = $1 AND status = $2 LIMIT 1`,
		patientID, models.EnrollmentStatusActive)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active enrollment: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) UpdateEnrollment(e *models.ProgramEnrollment) error {
	e.UpdatedAt = time.Now()
	res, err := s.db.Exec(`UPDATE program_enrollments SET start_date = $1, status = $2, updated_at = $3 WHERE id = $4`,
		e.StartDate, e.Status, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update enrollment %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrEnrollmentNotFound
	}
	return nil
}

func (s *PostgresStore) ListActiveEnrollments() ([]models.ProgramEnrollment, error) {
	rows, err := s.db.Query(`SELECT `+enrollmentColumns+` FROM program_enrollments WHERE status = $1 ORDER BY created_at`,
		models.EnrollmentStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer rows.Close()
	var out []models.ProgramEnrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateCheckIn(c *models.CheckIn) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	var numeric, boolVal interface{}
	if c.NumericValue != nil {
		numeric = *c.NumericValue
	}
	if c.BoolValue != nil {
		boolVal = *c.BoolValue
	}
	_, err := s.db.Exec(`INSERT INTO check_ins (`+checkInColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.PatientID, c.Type, numeric, c.TextValue, boolVal, c.MediaURL, c.Source, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert check-in: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCheckInsSince(patientID string, since time.Time) ([]models.CheckIn, error) {
	rows, err := s.db.Query(`SELECT `+checkInColumns+` FROM check_ins WHERE patient_id = $1 AND created_at >= $2 ORDER BY created_at`,
		patientID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query check-ins: %w", err)
	}
	defer rows.Close()
	var out []models.CheckIn
	for rows.Next() {
		c, err := scanCheckIn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan check-in row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMessage(m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.PatientID, m.Direction, m.Sender, m.Content, m.MediaURL, m.MediaType,
		m.LinkedCheckInID, m.PromptVariantID, m.Status, m.ExternalID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMessageStatusByExternalID(externalID string, status models.MessageStatus) error {
	res, err := s.db.Exec(`UPDATE messages SET status = $1 WHERE external_id = $2`, status, externalID)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no message with external ID %s", externalID)
	}
	return nil
}

func (s *PostgresStore) GetRecentMessages(patientID string, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2`,
		patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PostgresStore) CreateAlert(a *models.Alert, change *ModeChange) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = models.AlertStatusOpen
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin alert transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO alerts (`+alertColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.PatientID, a.Type, a.Level, a.Status, a.Title, a.Description, nil, a.ResolvedBy, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	if change != nil {
		if err := applyModeChangeTx(tx, a.PatientID, change, "$"); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetAlert(id string) (*models.Alert, error) {
	row := s.db.QueryRow(`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) GetOpenAlertAtLeastSince(patientID string, minLevel models.AlertLevel, since time.Time) (*models.Alert, error) {
	levels := levelsAtLeast(minLevel)
	in := ""
	args := []interface{}{patientID, models.AlertStatusOpen, since}
	for i, l := range levels {
		if i > 0 {
			in += ", "
		}
		in += fmt.Sprintf("$%d", len(args)+1)
		args = append(args, l)
	}
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE patient_id = $1 AND status = $2 AND created_at >= $3 AND level IN (` + in + `) ORDER BY created_at DESC LIMIT 1`
	row := s.db.QueryRow(query, args...)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open alert: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) UpdateAlert(a *models.Alert) error {
	a.UpdatedAt = time.Now()
	var resolvedAt interface{}
	if a.ResolvedAt != nil {
		resolvedAt = *a.ResolvedAt
	}
	res, err := s.db.Exec(`UPDATE alerts SET type = $1, level = $2, status = $3, title = $4, description = $5, resolved_at = $6, resolved_by = $7, updated_at = $8 WHERE id = $9`,
		a.Type, a.Level, a.Status, a.Title, a.Description, resolvedAt, a.ResolvedBy, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAlertNotFound
	}
	return nil
}

func (s *PostgresStore) ResolveAlert(a *models.Alert, change *ModeChange) error {
	a.UpdatedAt = time.Now()
	var resolvedAt interface{}
	if a.ResolvedAt != nil {
		resolvedAt = *a.ResolvedAt
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin resolve transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE alerts SET status = $1, resolved_at = $2, resolved_by = $3, updated_at = $4 WHERE id = $5`,
		a.Status, resolvedAt, a.ResolvedBy, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve alert %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAlertNotFound
	}
	if change != nil {
		if err := applyModeChangeTx(tx, a.PatientID, change, "$"); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListAlerts(status models.AlertStatus) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()
	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTask(t *models.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TaskStatusOpen
	}
	_, err := s.db.Exec(`INSERT INTO tasks (`+taskColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.PatientID, t.Type, t.Priority, t.Status, t.Title, t.AlertID, t.CreatedBy, nil, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *PostgresStore) GetOpenTaskSince(patientID string, taskType models.TaskType, since time.Time) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE patient_id = $1 AND type = $2 AND status = $3 AND created_at >= $4 LIMIT 1`,
		patientID, taskType, models.TaskStatusOpen, since)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open task: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) GetOpenSystemTask(patientID string, taskType models.TaskType) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE patient_id = $1 AND type = $2 AND status = $3 AND created_by = $4 LIMIT 1`,
		patientID, taskType, models.TaskStatusOpen, models.TaskCreatedBySystem)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query system task: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTask(t *models.Task) error {
	t.UpdatedAt = time.Now()
	var resolvedAt interface{}
	if t.ResolvedAt != nil {
		resolvedAt = *t.ResolvedAt
	}
	res, err := s.db.Exec(`UPDATE tasks SET priority = $1, status = $2, title = $3, resolved_at = $4, updated_at = $5 WHERE id = $6`,
		t.Priority, t.Status, t.Title, resolvedAt, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (s *PostgresStore) ListTasks(status models.TaskStatus) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOpenTasksByPriority(priority models.TaskPriority) ([]models.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE status = $1 AND priority = $2 ORDER BY created_at`,
		models.TaskStatusOpen, priority)
	if err != nil {
		return nil, fmt.Errorf("failed to query open tasks: %w", err)
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkSweepDone(patientID string, day int, checkInType models.CheckInType, kind string) (bool, error) {
	res, err := s.db.Exec(`INSERT INTO sweep_markers (patient_id, day, check_in_type, kind, created_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		patientID, day, checkInType, kind, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to insert sweep marker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) EnqueueJob(job Job) error {
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	now := time.Now()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if job.DedupeKey != "" {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(1) FROM jobs WHERE dedupe_key = $1 AND status = $2`,
			job.DedupeKey, JobStatusQueued).Scan(&count); err != nil {
			return fmt.Errorf("failed to check job dedupe key: %w", err)
		}
		if count > 0 {
			return nil
		}
	}
	_, err := s.db.Exec(`INSERT INTO jobs (kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, NULL, NULL, $7, $8, $9)`,
		job.Kind, job.RunAt, nilIfEmpty(job.PayloadJSON), job.Status, job.Attempt, job.MaxAttempts,
		nilIfEmpty(job.DedupeKey), now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND run_at <= $2 ORDER BY run_at LIMIT $3 FOR UPDATE SKIP LOCKED`,
		JobStatusQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}
	var due []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		due = append(due, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range due {
		due[i].Status = JobStatusRunning
		lockedAt := now
		due[i].LockedAt = &lockedAt
		due[i].Attempt++
		if _, err := tx.Exec(`UPDATE jobs SET status = $1, locked_at = $2, attempt = $3, updated_at = $4 WHERE id = $5`,
			JobStatusRunning, now, due[i].Attempt, now, due[i].ID); err != nil {
			return nil, fmt.Errorf("failed to claim job %d: %w", due[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

func (s *PostgresStore) CompleteJob(id int64) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		JobStatusDone, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) FailJob(id int64, lastError string, nextRun time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = CASE WHEN attempt >= max_attempts THEN $1 ELSE $2 END, run_at = $3, last_error = $4, locked_at = NULL, updated_at = $5 WHERE id = $6`,
		JobStatusFailed, JobStatusQueued, nextRun, lastError, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleRunningJobs(staleBefore time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = $1, locked_at = NULL, updated_at = $2 WHERE status = $3 AND locked_at < $4`,
		JobStatusQueued, time.Now(), JobStatusRunning, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) EnqueueOutboxMessage(msg OutboxMessage) error {
	if msg.Status == "" {
		msg.Status = OutboxStatusQueued
	}
	if msg.MaxAttempts == 0 {
		msg.MaxAttempts = 3
	}
	now := time.Now()
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = now
	}
	_, err := s.db.Exec(`INSERT INTO outbox_messages (patient_id, recipient, body, kind, message_id, status, attempts, max_attempts, next_attempt_at, last_error, locked_at, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, NULL, $10, $11)`,
		msg.PatientID, msg.Recipient, msg.Body, msg.Kind, msg.MessageID, msg.Status, msg.Attempts,
		msg.MaxAttempts, msg.NextAttemptAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+outboxColumns+` FROM outbox_messages WHERE status = $1 AND next_attempt_at <= $2 ORDER BY next_attempt_at LIMIT $3 FOR UPDATE SKIP LOCKED`,
		OutboxStatusQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due outbox messages: %w", err)
	}
	var due []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		due = append(due, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range due {
		due[i].Status = OutboxStatusSending
		lockedAt := now
		due[i].LockedAt = &lockedAt
		due[i].Attempts++
		if _, err := tx.Exec(`UPDATE outbox_messages SET status = $1, locked_at = $2, attempts = $3, updated_at = $4 WHERE id = $5`,
			OutboxStatusSending, now, due[i].Attempts, now, due[i].ID); err != nil {
			return nil, fmt.Errorf("failed to claim outbox message %d: %w", due[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

func (s *PostgresStore) MarkOutboxMessageSent(id int64, externalID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin sent transaction: %w", err)
	}
	defer tx.Rollback()

	var messageID string
	if err := tx.QueryRow(`SELECT message_id FROM outbox_messages WHERE id = $1`, id).Scan(&messageID); err != nil {
		return fmt.Errorf("failed to look up outbox message %d: %w", id, err)
	}
	if _, err := tx.Exec(`UPDATE outbox_messages SET status = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		OutboxStatusSent, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark outbox message sent: %w", err)
	}
	if messageID != "" {
		if _, err := tx.Exec(`UPDATE messages SET status = $1, external_id = $2 WHERE id = $3`,
			models.MessageStatusSent, externalID, messageID); err != nil {
			return fmt.Errorf("failed to update message record: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) FailOutboxMessage(id int64, lastError string, nextAttempt time.Time) error {
	_, err := s.db.Exec(`UPDATE outbox_messages SET status = $1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
		OutboxStatusQueued, lastError, nextAttempt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to fail outbox message %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkOutboxMessageFailed(id int64, lastError string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin failed transaction: %w", err)
	}
	defer tx.Rollback()

	var messageID string
	if err := tx.QueryRow(`SELECT message_id FROM outbox_messages WHERE id = $1`, id).Scan(&messageID); err != nil {
		return fmt.Errorf("failed to look up outbox message %d: %w", id, err)
	}
	if _, err := tx.Exec(`UPDATE outbox_messages SET status = $1, last_error = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
		OutboxStatusFailed, lastError, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark outbox message failed: %w", err)
	}
	if messageID != "" {
		if _, err := tx.Exec(`UPDATE messages SET status = $1 WHERE id = $2`, models.MessageStatusFailed, messageID); err != nil {
			return fmt.Errorf("failed to update message record: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) RequeueStaleSendingMessages(staleBefore time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE outbox_messages SET status = $1, locked_at = NULL, updated_at = $2 WHERE status = $3 AND locked_at < $4`,
		OutboxStatusQueued, time.Now(), OutboxStatusSending, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale outbox messages: %w", err)
	}
	return res.RowsAffected()
}
