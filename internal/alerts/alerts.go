// Package alerts manages alert lifecycle, deduplication and the chat-mode
// state machine tied to it.
package alerts

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/carepulse/carepulse/internal/models"
	"github.com/carepulse/carepulse/internal/store"
)

// DedupWindow is the rolling window for merging high-severity alerts.
const DedupWindow = 24 * time.Hour

// Store is the storage surface the manager needs.
type Store interface {
	GetPatient(id string) (*models.Patient, error)
	GetAlert(id string) (*models.Alert, error)
	GetOpenAlertAtLeastSince(patientID string, minLevel models.AlertLevel, since time.Time) (*models.Alert, error)
	CreateAlert(a *models.Alert, change *store.ModeChange) error
	UpdateAlert(a *models.Alert) error
	ResolveAlert(a *models.Alert, change *store.ModeChange) error
}

// Manager raises and resolves alerts. High-severity signals inside the
// dedup window merge into the existing open alert instead of stacking rows,
// and mode switches ride the same store transaction as the alert write.
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a manager over the given store.
func NewManager(s Store) *Manager {
	return &Manager{store: s, now: time.Now}
}

// Raise creates or merges an alert and switches the patient to HUMAN mode
// when the switch condition holds. Returns the created or merged alert.
func (m *Manager) Raise(patientID string, alertType models.AlertType, level models.AlertLevel, title, description string) (*models.Alert, error) {
	patient, err := m.store.GetPatient(patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient: %w", err)
	}

	if level.AtLeast(models.AlertLevelHigh) {
		existing, err := m.store.GetOpenAlertAtLeastSince(patientID, models.AlertLevelHigh, m.now().Add(-DedupWindow))
		if err != nil {
			return nil, fmt.Errorf("failed to check for open alert: %w", err)
		}
		if existing != nil {
			return m.merge(existing, level, description)
		}
	}

	alert := &models.Alert{
		PatientID:   patientID,
		Type:        alertType,
		Level:       level,
		Status:      models.AlertStatusOpen,
		Title:       title,
		Description: description,
	}
	change := modeSwitchFor(patient, alertType, level)
	if err := m.store.CreateAlert(alert, change); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	slog.Info("Manager.Raise: alert created", "patientID", patientID, "type", alertType, "level", level, "modeSwitched", change != nil)
	return alert, nil
}

// merge appends the new description to an existing open alert and escalates
// its level without re-triggering the mode switch.
func (m *Manager) merge(existing *models.Alert, level models.AlertLevel, description string) (*models.Alert, error) {
	if description != "" {
		if existing.Description != "" {
			existing.Description += "\n---\n" + description
		} else {
			existing.Description = description
		}
	}
	if level == models.AlertLevelCritical && existing.Level != models.AlertLevelCritical {
		existing.Level = models.AlertLevelCritical
	}
	if err := m.store.UpdateAlert(existing); err != nil {
		return nil, fmt.Errorf("failed to merge alert: %w", err)
	}
	slog.Info("Manager.Raise: merged into open alert", "alertID", existing.ID, "level", existing.Level)
	return existing, nil
}

// Resolve marks an alert resolved and returns the patient to AUTOMATED mode
// when a human had taken over. Resolving twice is rejected.
func (m *Manager) Resolve(alertID string, resolvedBy string) (*models.Alert, error) {
	alert, err := m.store.GetAlert(alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status == models.AlertStatusResolved {
		return nil, models.ErrAlertAlreadyResolved
	}
	patient, err := m.store.GetPatient(alert.PatientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient: %w", err)
	}

	now := m.now()
	alert.Status = models.AlertStatusResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = resolvedBy

	var change *store.ModeChange
	if patient.ChatMode == models.ChatModeHuman {
		change = &store.ModeChange{Mode: models.ChatModeAutomated, SetBy: resolvedBy}
	}
	if err := m.store.ResolveAlert(alert, change); err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}
	slog.Info("Manager.Resolve: alert resolved", "alertID", alertID, "resolvedBy", resolvedBy, "modeRestored", change != nil)
	return alert, nil
}

// modeSwitchFor returns the HUMAN-mode switch when the alert warrants one.
// PAUSED is a manual override and is never overwritten from the alert path.
func modeSwitchFor(patient *models.Patient, alertType models.AlertType, level models.AlertLevel) *store.ModeChange {
	if patient.ChatMode == models.ChatModeHuman || patient.ChatMode == models.ChatModePaused {
		return nil
	}
	if level.AtLeast(models.AlertLevelHigh) || alertType == models.AlertTypeRequestHuman {
		return &store.ModeChange{Mode: models.ChatModeHuman, SetBy: models.TaskCreatedBySystem}
	}
	return nil
}
