// Package checkin records structured patient observations.
package checkin

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/carepulse/carepulse/internal/models"
)

// numericRegex captures the first number in a free-text message,
// including decimals written with a comma.
var numericRegex = regexp.MustCompile(`-?\d+(?:[.,]\d+)?`)

// Store is the storage surface the recorder needs.
type Store interface {
	GetPatient(id string) (*models.Patient, error)
	GetCheckInsSince(patientID string, since time.Time) ([]models.CheckIn, error)
	CreateCheckIn(c *models.CheckIn) error
}

// Value carries the observation payload for one check-in.
type Value struct {
	Numeric  *float64
	Text     string
	Bool     *bool
	MediaURL string
}

// Recorder persists check-ins with at most one per (patient, type, local day).
type Recorder struct {
	store Store
}

// NewRecorder creates a recorder over the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record stores a check-in unless one of the same type already exists for
// the patient's current local day, in which case the existing ID is
// returned. This keeps repeated calls for the same logical event safe.
func (r *Recorder) Record(patientID string, checkInType models.CheckInType, value Value, source models.CheckInSource) (string, error) {
	if !models.IsValidCheckInType(checkInType) {
		return "", fmt.Errorf("invalid check-in type %q", checkInType)
	}
	patient, err := r.store.GetPatient(patientID)
	if err != nil {
		return "", fmt.Errorf("failed to load patient: %w", err)
	}
	loc := patient.Location()
	now := time.Now().In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	existing, err := r.store.GetCheckInsSince(patientID, midnight)
	if err != nil {
		return "", fmt.Errorf("failed to check existing check-ins: %w", err)
	}
	for _, c := range existing {
		if c.Type == checkInType {
			slog.Debug("Recorder.Record: check-in already exists today", "patientID", patientID, "type", checkInType)
			return c.ID, nil
		}
	}

	c := &models.CheckIn{
		PatientID:    patientID,
		Type:         checkInType,
		NumericValue: value.Numeric,
		TextValue:    value.Text,
		BoolValue:    value.Bool,
		MediaURL:     value.MediaURL,
		Source:       source,
	}
	if err := r.store.CreateCheckIn(c); err != nil {
		return "", fmt.Errorf("failed to create check-in: %w", err)
	}
	slog.Info("Recorder.Record: check-in recorded", "patientID", patientID, "type", checkInType, "source", source)
	return c.ID, nil
}

// ParseNumeric extracts the first number from free text, so "my weight is
// 80.5kg today" yields 80.5. Returns false when no number is present.
func ParseNumeric(text string) (float64, bool) {
	match := numericRegex.FindString(text)
	if match == "" {
		return 0, false
	}
	for i := 0; i < len(match); i++ {
		if match[i] == ',' {
			match = match[:i] + "." + match[i+1:]
			break
		}
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
