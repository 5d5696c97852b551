// Package store provides storage backends for CarePulse.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/carepulse/carepulse/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path; the containing directory is created if needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreatePatient(p *models.Patient) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM patients WHERE phone = ?`, p.Phone).Scan(&count); err != nil {
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
	_, err := s.db.Exec(`INSERT INTO patients (`+patientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Phone, p.Timezone, p.ChatMode, modeSetAt, p.ModeSetBy, p.AutomationPaused,
		p.ConversationSummary, p.MessagesSinceSummary, p.CRMLeadID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreatePatient failed", "error", err, "phone", p.Phone)
		return fmt.Errorf("failed to insert patient: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPatient(id string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT `+patientColumns+` FROM patients WHERE id = ?`, id)
	p, err := scanPatient(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLiteStore) GetPatientByPhone(phone string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT `+patientColumns+` FROM patients WHERE phone = ?`, phone)
	p, err := scanPatient(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient by phone: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) UpdatePatient(p *models.Patient) error {
	p.UpdatedAt = time.Now()
	var modeSetAt interface{}
	if p.ModeSetAt != nil {
		modeSetAt = *p.ModeSetAt
	}
	res, err := s.db.Exec(`UPDATE patients SET name = ?, phone = ?, timezone = ?, chat_mode = ?, mode_set_at = ?, mode_set_by = ?, automation_paused = ?, conversation_summary = ?, messages_since_summary = ?, crm_lead_id = ?, updated_at = ? WHERE id = ?`,
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

func (s *SQLiteStore) ListPatients() ([]models.Patient, error) {
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

func (s *SQLiteStore) CreateTemplate(t *models.ProgramTemplate) error {
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
	_, err = s.db.Exec(`INSERT INTO program_templates (id, name, duration_days, schedule_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.DurationDays, scheduleJSON, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTemplate(id string) (*models.ProgramTemplate, error) {
	var t models.ProgramTemplate
	var scheduleJSON string
	err := s.db.QueryRow(`SELECT id, name, duration_days, schedule_json, created_at, updated_at FROM program_templates WHERE id = ?`, id).
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

func (s *SQLiteStore) DeleteTemplate(id string) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM program_enrollments WHERE template_id = ?`, id).Scan(&count); err != nil {
		return fmt.Errorf("failed to check template usage: %w", err)
	}
	if count > 0 {
		return models.ErrTemplateInUse
	}
	res, err := s.db.Exec(`DELETE FROM program_templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTemplateNotFound
	}
	return nil
}

func (s *SQLiteStore) ListTemplates() ([]models.ProgramTemplate, error) {
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

func (s *SQLiteStore) CreateEnrollment(e *models.ProgramEnrollment) error {
	if e.Status == models.EnrollmentStatusActive {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(1) FROM program_enrollments WHERE patient_id = ? AND status = ?`,
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
	_, err := s.db.Exec(`INSERT INTO program_enrollments (`+enrollmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PatientID, e.TemplateID, e.StartDate, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert enrollment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetActiveEnrollment(patientID string) (*models.ProgramEnrollment, error) {
	row := s.db.QueryRow(`SELECT `+enrollmentColumns+` FROM program_enrollments WHERE patient_id = ? AND status = ? LIMIT 1`,
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

func (s *SQLiteStore) UpdateEnrollment(e *models.ProgramEnrollment) error {
	e.UpdatedAt = time.Now()
	res, err := s.db.Exec(`UPDATE program_enrollments SET start_date = ?, status = ?, updated_at = ? WHERE id = ?`,
		e.StartDate, e.Status, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update enrollment %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrEnrollmentNotFound
	}
	return nil
}

func (s *SQLiteStore) ListActiveEnrollments() ([]models.ProgramEnrollment, error) {
	rows, err := s.db.Query(`SELECT `+enrollmentColumns+` FROM program_enrollments WHERE status = ? ORDER BY created_at`,
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

func (s *SQLiteStore) CreateCheckIn(c *models.CheckIn) error {
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
	_, err := s.db.Exec(`INSERT INTO check_ins (`+checkInColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PatientID, c.Type, numeric, c.TextValue, boolVal, c.MediaURL, c.Source, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert check-in: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckInsSince(patientID string, since time.Time) ([]models.CheckIn, error) {
	rows, err := s.db.Query(`SELECT `+checkInColumns+` FROM check_ins WHERE patient_id = ? AND created_at >= ? ORDER BY created_at`,
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

func (s *SQLiteStore) CreateMessage(m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PatientID, m.Direction, m.Sender, m.Content, m.MediaURL, m.MediaType,
		m.LinkedCheckInID, m.PromptVariantID, m.Status, m.ExternalID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMessageStatusByExternalID(externalID string, status models.MessageStatus) error {
	res, err := s.db.Exec(`UPDATE messages SET status = ? WHERE external_id = ?`, status, externalID)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no message with external ID %s", externalID)
	}
	return nil
}

func (s *SQLiteStore) GetRecentMessages(patientID string, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE patient_id = ? ORDER BY created_at DESC LIMIT ?`,
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
	// Reverse to oldest-first for context assembly.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) CreateAlert(a *models.Alert, change *ModeChange) error {
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

	_, err = tx.Exec(`INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PatientID, a.Type, a.Level, a.Status, a.Title, a.Description, nil, a.ResolvedBy, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	if change != nil {
		if err := applyModeChangeTx(tx, a.PatientID, change, "?"); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// applyModeChangeTx updates the patient's chat mode inside an open transaction.
func applyModeChangeTx(tx *sql.Tx, patientID string, change *ModeChange, placeholder string) error {
	now := time.Now()
	var query string
	if placeholder == "?" {
		query = `UPDATE patients SET chat_mode = ?, mode_set_at = ?, mode_set_by = ?, updated_at = ? WHERE id = ?`
	} else {
		query = `UPDATE patients SET chat_mode = $1, mode_set_at = $2, mode_set_by = $3, updated_at = $4 WHERE id = $5`
	}
	res, err := tx.Exec(query, change.Mode, now, change.SetBy, now, patientID)
	if err != nil {
		return fmt.Errorf("failed to update chat mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrPatientNotFound
	}
	return nil
}

func (s *SQLiteStore) GetAlert(id string) (*models.Alert, error) {
	row := s.db.QueryRow(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return &a, nil
}

func (s *SQLiteStore) GetOpenAlertAtLeastSince(patientID string, minLevel models.AlertLevel, since time.Time) (*models.Alert, error) {
	levels := levelsAtLeast(minLevel)
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE patient_id = ? AND status = ? AND created_at >= ? AND level IN (` + placeholders(len(levels), "?") + `) ORDER BY created_at DESC LIMIT 1`
	args := []interface{}{patientID, models.AlertStatusOpen, since}
	for _, l := range levels {
		args = append(args, l)
	}
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

func (s *SQLiteStore) UpdateAlert(a *models.Alert) error {
	a.UpdatedAt = time.Now()
	var resolvedAt interface{}
	if a.ResolvedAt != nil {
		resolvedAt = *a.ResolvedAt
	}
	res, err := s.db.Exec(`UPDATE alerts SET type = ?, level = ?, status = ?, title = ?, description = ?, resolved_at = ?, resolved_by = ?, updated_at = ? WHERE id = ?`,
		a.Type, a.Level, a.Status, a.Title, a.Description, resolvedAt, a.ResolvedBy, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAlertNotFound
	}
	return nil
}

func (s *SQLiteStore) ResolveAlert(a *models.Alert, change *ModeChange) error {
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

	res, err := tx.Exec(`UPDATE alerts SET status = ?, resolved_at = ?, resolved_by = ?, updated_at = ? WHERE id = ?`,
		a.Status, resolvedAt, a.ResolvedBy, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve alert %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrAlertNotFound
	}
	if change != nil {
		if err := applyModeChangeTx(tx, a.PatientID, change, "?"); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListAlerts(status models.AlertStatus) ([]models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
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

func (s *SQLiteStore) CreateTask(t *models.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TaskStatusOpen
	}
	_, err := s.db.Exec(`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PatientID, t.Type, t.Priority, t.Status, t.Title, t.AlertID, t.CreatedBy, nil, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *SQLiteStore) GetOpenTaskSince(patientID string, taskType models.TaskType, since time.Time) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE patient_id = ? AND type = ? AND status = ? AND created_at >= ? LIMIT 1`,
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

func (s *SQLiteStore) GetOpenSystemTask(patientID string, taskType models.TaskType) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE patient_id = ? AND type = ? AND status = ? AND created_by = ? LIMIT 1`,
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

func (s *SQLiteStore) UpdateTask(t *models.Task) error {
	t.UpdatedAt = time.Now()
	var resolvedAt interface{}
	if t.ResolvedAt != nil {
		resolvedAt = *t.ResolvedAt
	}
	res, err := s.db.Exec(`UPDATE tasks SET priority = ?, status = ?, title = ?, resolved_at = ?, updated_at = ? WHERE id = ?`,
		t.Priority, t.Status, t.Title, resolvedAt, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteStore) ListTasks(status models.TaskStatus) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
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

func (s *SQLiteStore) ListOpenTasksByPriority(priority models.TaskPriority) ([]models.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND priority = ? ORDER BY created_at`,
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

func (s *SQLiteStore) MarkSweepDone(patientID string, day int, checkInType models.CheckInType, kind string) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO sweep_markers (patient_id, day, check_in_type, kind, created_at) VALUES (?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) EnqueueJob(job Job) error {
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
		if err := s.db.QueryRow(`SELECT COUNT(1) FROM jobs WHERE dedupe_key = ? AND status = ?`,
			job.DedupeKey, JobStatusQueued).Scan(&count); err != nil {
			return fmt.Errorf("failed to check job dedupe key: %w", err)
		}
		if count > 0 {
			return nil
		}
	}
	_, err := s.db.Exec(`INSERT INTO jobs (kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?)`,
		job.Kind, job.RunAt, nilIfEmpty(job.PayloadJSON), job.Status, job.Attempt, job.MaxAttempts,
		nilIfEmpty(job.DedupeKey), now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND run_at <= ? ORDER BY run_at LIMIT ?`,
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
		if _, err := tx.Exec(`UPDATE jobs SET status = ?, locked_at = ?, attempt = ?, updated_at = ? WHERE id = ?`,
			JobStatusRunning, now, due[i].Attempt, now, due[i].ID); err != nil {
			return nil, fmt.Errorf("failed to claim job %d: %w", due[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

func (s *SQLiteStore) CompleteJob(id int64) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		JobStatusDone, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(id int64, lastError string, nextRun time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = CASE WHEN attempt >= max_attempts THEN ? ELSE ? END, run_at = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		JobStatusFailed, JobStatusQueued, nextRun, lastError, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleRunningJobs(staleBefore time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`,
		JobStatusQueued, time.Now(), JobStatusRunning, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) EnqueueOutboxMessage(msg OutboxMessage) error {
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
	_, err := s.db.Exec(`INSERT INTO outbox_messages (patient_id, recipient, body, kind, message_id, status, attempts, max_attempts, next_attempt_at, last_error, locked_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		msg.PatientID, msg.Recipient, msg.Body, msg.Kind, msg.MessageID, msg.Status, msg.Attempts,
		msg.MaxAttempts, msg.NextAttemptAt, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+outboxColumns+` FROM outbox_messages WHERE status = ? AND next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?`,
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
		if _, err := tx.Exec(`UPDATE outbox_messages SET status = ?, locked_at = ?, attempts = ?, updated_at = ? WHERE id = ?`,
			OutboxStatusSending, now, due[i].Attempts, now, due[i].ID); err != nil {
			return nil, fmt.Errorf("failed to claim outbox message %d: %w", due[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

func (s *SQLiteStore) MarkOutboxMessageSent(id int64, externalID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin sent transaction: %w", err)
	}
	defer tx.Rollback()

	var messageID string
	if err := tx.QueryRow(`SELECT message_id FROM outbox_messages WHERE id = ?`, id).Scan(&messageID); err != nil {
		return fmt.Errorf("failed to look up outbox message %d: %w", id, err)
	}
	if _, err := tx.Exec(`UPDATE outbox_messages SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		OutboxStatusSent, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark outbox message sent: %w", err)
	}
	if messageID != "" {
		if _, err := tx.Exec(`UPDATE messages SET status = ?, external_id = ? WHERE id = ?`,
			models.MessageStatusSent, externalID, messageID); err != nil {
			return fmt.Errorf("failed to update message record: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) FailOutboxMessage(id int64, lastError string, nextAttempt time.Time) error {
	_, err := s.db.Exec(`UPDATE outbox_messages SET status = ?, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		OutboxStatusQueued, lastError, nextAttempt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to fail outbox message %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkOutboxMessageFailed(id int64, lastError string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin failed transaction: %w", err)
	}
	defer tx.Rollback()

	var messageID string
	if err := tx.QueryRow(`SELECT message_id FROM outbox_messages WHERE id = ?`, id).Scan(&messageID); err != nil {
		return fmt.Errorf("failed to look up outbox message %d: %w", id, err)
	}
	if _, err := tx.Exec(`UPDATE outbox_messages SET status = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		OutboxStatusFailed, lastError, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark outbox message failed: %w", err)
	}
	if messageID != "" {
		if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE id = ?`, models.MessageStatusFailed, messageID); err != nil {
			return fmt.Errorf("failed to update message record: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RequeueStaleSendingMessages(staleBefore time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE outbox_messages SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`,
		OutboxStatusQueued, time.Now(), OutboxStatusSending, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale outbox messages: %w", err)
	}
	return res.RowsAffected()
}
