// Package store provides storage backends for CarePulse.
//
// This file implements an in-memory store used by tests and by deployments
// without a configured database.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carepulse/carepulse/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a mutex-guarded map-backed Store implementation.
type InMemoryStore struct {
	mu          sync.Mutex
	patients    map[string]models.Patient
	templates   map[string]models.ProgramTemplate
	enrollments map[string]models.ProgramEnrollment
	checkIns    []models.CheckIn
	messages    []models.Message
	alerts      map[string]models.Alert
	tasks       map[string]models.Task
	sweepMarks  map[string]bool
	jobs        map[int64]Job
	outbox      map[int64]OutboxMessage
	nextJobID   int64
	nextMsgID   int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		patients:    make(map[string]models.Patient),
		templates:   make(map[string]models.ProgramTemplate),
		enrollments: make(map[string]models.ProgramEnrollment),
		alerts:      make(map[string]models.Alert),
		tasks:       make(map[string]models.Task),
		sweepMarks:  make(map[string]bool),
		jobs:        make(map[int64]Job),
		outbox:      make(map[int64]OutboxMessage),
	}
}

func newID() string { return uuid.NewString() }

// CreatePatient stores a new patient, rejecting duplicate phone numbers.
func (s *InMemoryStore) CreatePatient(p *models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.patients {
		if existing.Phone == p.Phone {
			return models.ErrDuplicatePhone
		}
	}
	if p.ID == "" {
		p.ID = newID()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.ChatMode == "" {
		p.ChatMode = models.ChatModeAutomated
	}
	s.patients[p.ID] = *p
	return nil
}

func (s *InMemoryStore) GetPatient(id string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, models.ErrPatientNotFound
	}
	return &p, nil
}

func (s *InMemoryStore) GetPatientByPhone(phone string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patients {
		if p.Phone == phone {
			cp := p
			return &cp, nil
		}
	}
	return nil, models.ErrPatientNotFound
}

func (s *InMemoryStore) UpdatePatient(p *models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[p.ID]; !ok {
		return models.ErrPatientNotFound
	}
	p.UpdatedAt = time.Now()
	s.patients[p.ID] = *p
	return nil
}

func (s *InMemoryStore) ListPatients() ([]models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Patient, 0, len(s.patients))
	for _, p := range s.patients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateTemplate stores a program template.
func (s *InMemoryStore) CreateTemplate(t *models.ProgramTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.templates[t.ID] = *t
	return nil
}

func (s *InMemoryStore) GetTemplate(id string) (*models.ProgramTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, models.ErrTemplateNotFound
	}
	return &t, nil
}

// DeleteTemplate removes a template unless an enrollment references it.
func (s *InMemoryStore) DeleteTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return models.ErrTemplateNotFound
	}
	for _, e := range s.enrollments {
		if e.TemplateID == id {
			return models.ErrTemplateInUse
		}
	}
	delete(s.templates, id)
	return nil
}

func (s *InMemoryStore) ListTemplates() ([]models.ProgramTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ProgramTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateEnrollment stores an enrollment, enforcing at most one ACTIVE per patient.
func (s *InMemoryStore) CreateEnrollment(e *models.ProgramEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status == models.EnrollmentStatusActive {
		for _, existing := range s.enrollments {
			if existing.PatientID == e.PatientID && existing.Status == models.EnrollmentStatusActive {
				return models.ErrAlreadyEnrolled
			}
		}
	}
	if e.ID == "" {
		e.ID = newID()
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	s.enrollments[e.ID] = *e
	return nil
}

// GetActiveEnrollment returns the patient's ACTIVE enrollment, or nil if none.
func (s *InMemoryStore) GetActiveEnrollment(patientID string) (*models.ProgramEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.enrollments {
		if e.PatientID == patientID && e.Status == models.EnrollmentStatusActive {
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) UpdateEnrollment(e *models.ProgramEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enrollments[e.ID]; !ok {
		return models.ErrEnrollmentNotFound
	}
	e.UpdatedAt = time.Now()
	s.enrollments[e.ID] = *e
	return nil
}

func (s *InMemoryStore) ListActiveEnrollments() ([]models.ProgramEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProgramEnrollment
	for _, e := range s.enrollments {
		if e.Status == models.EnrollmentStatusActive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CreateCheckIn(c *models.CheckIn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.checkIns = append(s.checkIns, *c)
	return nil
}

func (s *InMemoryStore) GetCheckInsSince(patientID string, since time.Time) ([]models.CheckIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CheckIn
	for _, c := range s.checkIns {
		if c.PatientID == patientID && !c.CreatedAt.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateMessage(m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, *m)
	return nil
}

func (s *InMemoryStore) UpdateMessageStatusByExternalID(externalID string, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ExternalID == externalID {
			s.messages[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("no message with external ID %s", externalID)
}

// GetRecentMessages returns up to limit most recent messages, oldest first.
func (s *InMemoryStore) GetRecentMessages(patientID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.PatientID == patientID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// CreateAlert stores an alert and applies the optional mode change atomically.
func (s *InMemoryStore) CreateAlert(a *models.Alert, change *ModeChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = newID()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = models.AlertStatusOpen
	}
	s.alerts[a.ID] = *a
	if change != nil {
		return s.applyModeChangeLocked(a.PatientID, change)
	}
	return nil
}

func (s *InMemoryStore) applyModeChangeLocked(patientID string, change *ModeChange) error {
	p, ok := s.patients[patientID]
	if !ok {
		return models.ErrPatientNotFound
	}
	now := time.Now()
	p.ChatMode = change.Mode
	p.ModeSetAt = &now
	p.ModeSetBy = change.SetBy
	p.UpdatedAt = now
	s.patients[patientID] = p
	return nil
}

func (s *InMemoryStore) GetAlert(id string) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, models.ErrAlertNotFound
	}
	return &a, nil
}

// GetOpenAlertAtLeastSince returns the newest OPEN alert of at least minLevel
// created after since, or nil if none.
func (s *InMemoryStore) GetOpenAlertAtLeastSince(patientID string, minLevel models.AlertLevel, since time.Time) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Alert
	for _, a := range s.alerts {
		if a.PatientID != patientID || a.Status != models.AlertStatusOpen {
			continue
		}
		if !a.Level.AtLeast(minLevel) || a.CreatedAt.Before(since) {
			continue
		}
		cp := a
		if found == nil || cp.CreatedAt.After(found.CreatedAt) {
			found = &cp
		}
	}
	return found, nil
}

func (s *InMemoryStore) UpdateAlert(a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		return models.ErrAlertNotFound
	}
	a.UpdatedAt = time.Now()
	s.alerts[a.ID] = *a
	return nil
}

// ResolveAlert updates the alert and applies the optional mode change atomically.
func (s *InMemoryStore) ResolveAlert(a *models.Alert, change *ModeChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		return models.ErrAlertNotFound
	}
	a.UpdatedAt = time.Now()
	s.alerts[a.ID] = *a
	if change != nil {
		return s.applyModeChangeLocked(a.PatientID, change)
	}
	return nil
}

func (s *InMemoryStore) ListAlerts(status models.AlertStatus) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Alert
	for _, a := range s.alerts {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CreateTask(t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = models.TaskStatusOpen
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *InMemoryStore) GetTask(id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrTaskNotFound
	}
	return &t, nil
}

func (s *InMemoryStore) GetOpenTaskSince(patientID string, taskType models.TaskType, since time.Time) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.PatientID == patientID && t.Type == taskType && t.Status == models.TaskStatusOpen && !t.CreatedAt.Before(since) {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetOpenSystemTask(patientID string, taskType models.TaskType) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.PatientID == patientID && t.Type == taskType && t.Status == models.TaskStatusOpen && t.CreatedBy == models.TaskCreatedBySystem {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) UpdateTask(t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return models.ErrTaskNotFound
	}
	t.UpdatedAt = time.Now()
	s.tasks[t.ID] = *t
	return nil
}

func (s *InMemoryStore) ListTasks(status models.TaskStatus) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListOpenTasksByPriority(priority models.TaskPriority) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.Status == models.TaskStatusOpen && t.Priority == priority {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkSweepDone records a sweep marker and reports whether it was new.
func (s *InMemoryStore) MarkSweepDone(patientID string, day int, checkInType models.CheckInType, kind string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s|%d|%s|%s", patientID, day, checkInType, kind)
	if s.sweepMarks[key] {
		return false, nil
	}
	s.sweepMarks[key] = true
	return true, nil
}

// EnqueueJob inserts a job, deduplicating on DedupeKey while queued.
func (s *InMemoryStore) EnqueueJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.DedupeKey != "" {
		for _, existing := range s.jobs {
			if existing.DedupeKey == job.DedupeKey && existing.Status == JobStatusQueued {
				return nil
			}
		}
	}
	s.nextJobID++
	job.ID = s.nextJobID
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		j := due[i]
		j.Status = JobStatusRunning
		lockedAt := now
		j.LockedAt = &lockedAt
		j.Attempt++
		j.UpdatedAt = now
		s.jobs[j.ID] = j
		due[i] = j
	}
	return due, nil
}

func (s *InMemoryStore) CompleteJob(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("no job with ID %d", id)
	}
	j.Status = JobStatusDone
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) FailJob(id int64, lastError string, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("no job with ID %d", id)
	}
	j.LastError = lastError
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRun
	}
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(msg OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsgID++
	msg.ID = s.nextMsgID
	now := time.Now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.Status == "" {
		msg.Status = OutboxStatusQueued
	}
	if msg.MaxAttempts == 0 {
		msg.MaxAttempts = 3
	}
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = now
	}
	s.outbox[msg.ID] = msg
	return nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && !m.NextAttemptAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		m := due[i]
		m.Status = OutboxStatusSending
		lockedAt := now
		m.LockedAt = &lockedAt
		m.Attempts++
		m.UpdatedAt = now
		s.outbox[m.ID] = m
		due[i] = m
	}
	return due, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id int64, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("no outbox message with ID %d", id)
	}
	m.Status = OutboxStatusSent
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	s.outbox[id] = m
	// The linked Message row picks up the delivery ID.
	for i := range s.messages {
		if s.messages[i].ID == m.MessageID {
			s.messages[i].ExternalID = externalID
			s.messages[i].Status = models.MessageStatusSent
		}
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id int64, lastError string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("no outbox message with ID %d", id)
	}
	m.LastError = lastError
	m.LockedAt = nil
	m.Status = OutboxStatusQueued
	m.NextAttemptAt = nextAttempt
	m.UpdatedAt = time.Now()
	s.outbox[id] = m
	return nil
}

func (s *InMemoryStore) MarkOutboxMessageFailed(id int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("no outbox message with ID %d", id)
	}
	m.LastError = lastError
	m.LockedAt = nil
	m.Status = OutboxStatusFailed
	m.UpdatedAt = time.Now()
	s.outbox[id] = m
	for i := range s.messages {
		if s.messages[i].ID == m.MessageID {
			s.messages[i].Status = models.MessageStatusFailed
		}
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			s.outbox[id] = m
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
