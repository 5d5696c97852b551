package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/carepulse/carepulse/internal/models"
)

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scheduleToJSON serializes a template schedule for storage.
func scheduleToJSON(schedule map[int][]models.Activity) (string, error) {
	if schedule == nil {
		return "{}", nil
	}
	b, err := json.Marshal(schedule)
	if err != nil {
		return "", fmt.Errorf("failed to marshal schedule: %w", err)
	}
	return string(b), nil
}

// scheduleFromJSON deserializes a stored template schedule.
func scheduleFromJSON(raw string) (map[int][]models.Activity, error) {
	if raw == "" {
		return map[int][]models.Activity{}, nil
	}
	var schedule map[int][]models.Activity
	if err := json.Unmarshal([]byte(raw), &schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	return schedule, nil
}

const patientColumns = `id, name, phone, timezone, chat_mode, mode_set_at, mode_set_by, automation_paused, conversation_summary, messages_since_summary, crm_lead_id, created_at, updated_at`

func scanPatient(s rowScanner) (models.Patient, error) {
	var p models.Patient
	var modeSetAt sql.NullTime
	err := s.Scan(&p.ID, &p.Name, &p.Phone, &p.Timezone, &p.ChatMode, &modeSetAt, &p.ModeSetBy,
		&p.AutomationPaused, &p.ConversationSummary, &p.MessagesSinceSummary, &p.CRMLeadID,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if modeSetAt.Valid {
		p.ModeSetAt = &modeSetAt.Time
	}
	return p, nil
}

const enrollmentColumns = `id, patient_id, template_id, start_date, status, created_at, updated_at`

func scanEnrollment(s rowScanner) (models.ProgramEnrollment, error) {
	var e models.ProgramEnrollment
	err := s.Scan(&e.ID, &e.PatientID, &e.TemplateID, &e.StartDate, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

const checkInColumns = `id, patient_id, type, numeric_value, text_value, bool_value, media_url, source, created_at`

func scanCheckIn(s rowScanner) (models.CheckIn, error) {
	var c models.CheckIn
	var numeric sql.NullFloat64
	var boolVal sql.NullBool
	err := s.Scan(&c.ID, &c.PatientID, &c.Type, &numeric, &c.TextValue, &boolVal, &c.MediaURL, &c.Source, &c.CreatedAt)
	if err != nil {
		return c, err
	}
	if numeric.Valid {
		c.NumericValue = &numeric.Float64
	}
	if boolVal.Valid {
		c.BoolValue = &boolVal.Bool
	}
	return c, nil
}

const messageColumns = `id, patient_id, direction, sender, content, media_url, media_type, linked_check_in_id, prompt_variant_id, status, external_id, created_at`

func scanMessage(s rowScanner) (models.Message, error) {
	var m models.Message
	err := s.Scan(&m.ID, &m.PatientID, &m.Direction, &m.Sender, &m.Content, &m.MediaURL, &m.MediaType,
		&m.LinkedCheckInID, &m.PromptVariantID, &m.Status, &m.ExternalID, &m.CreatedAt)
	return m, err
}

const alertColumns = `id, patient_id, type, level, status, title, description, resolved_at, resolved_by, created_at, updated_at`

func scanAlert(s rowScanner) (models.Alert, error) {
	var a models.Alert
	var resolvedAt sql.NullTime
	err := s.Scan(&a.ID, &a.PatientID, &a.Type, &a.Level, &a.Status, &a.Title, &a.Description,
		&resolvedAt, &a.ResolvedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return a, nil
}

const taskColumns = `id, patient_id, type, priority, status, title, alert_id, created_by, resolved_at, created_at, updated_at`

func scanTask(s rowScanner) (models.Task, error) {
	var t models.Task
	var resolvedAt sql.NullTime
	err := s.Scan(&t.ID, &t.PatientID, &t.Type, &t.Priority, &t.Status, &t.Title, &t.AlertID,
		&t.CreatedBy, &resolvedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}
	return t, nil
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func scanJob(s rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := s.Scan(&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

const outboxColumns = `id, patient_id, recipient, body, kind, message_id, status, attempts, max_attempts, next_attempt_at, last_error, locked_at, created_at, updated_at`

func scanOutboxMessage(s rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var lastError sql.NullString
	var lockedAt sql.NullTime
	err := s.Scan(&m.ID, &m.PatientID, &m.Recipient, &m.Body, &m.Kind, &m.MessageID, &m.Status,
		&m.Attempts, &m.MaxAttempts, &m.NextAttemptAt, &lastError, &lockedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	m.LastError = lastError.String
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// levelsAtLeast returns all alert levels at or above the given level.
func levelsAtLeast(min models.AlertLevel) []models.AlertLevel {
	all := []models.AlertLevel{models.AlertLevelLow, models.AlertLevelMedium, models.AlertLevelHigh, models.AlertLevelCritical}
	var out []models.AlertLevel
	for _, l := range all {
		if l.AtLeast(min) {
			out = append(out, l)
		}
	}
	return out
}

// placeholders returns n copies of the given placeholder joined by commas.
func placeholders(n int, p string) string {
	if n <= 0 {
		return ""
	}
	out := p
	for i := 1; i < n; i++ {
		out += ", " + p
	}
	return out
}
