// Package models defines the core data structures for CarePulse.
//
// It includes patients, program templates, check-ins, alerts, and tasks,
// which are shared across modules.
package models

import (
	"errors"
	"time"
	"unicode/utf8"
)

// ChatMode describes who is driving the conversation with a patient.
type ChatMode string

const (
	// ChatModeAutomated means the decision layer replies on its own.
	ChatModeAutomated ChatMode = "AUTOMATED"
	// ChatModeHuman means a staff member has taken over the conversation.
	ChatModeHuman ChatMode = "HUMAN"
	// ChatModePaused is a manual override; no automated handling occurs.
	ChatModePaused ChatMode = "PAUSED"
)

// IsValidChatMode checks if the given chat mode is supported.
func IsValidChatMode(m ChatMode) bool {
	switch m {
	case ChatModeAutomated, ChatModeHuman, ChatModePaused:
		return true
	default:
		return false
	}
}

// Validation constants shared across modules.
const (
	// MaxMessageBodyLength is the maximum allowed length for message content.
	MaxMessageBodyLength = 4096
	// MinPhoneDigits is the minimum number of digits for a canonical phone number.
	MinPhoneDigits = 6
)

// ClampBody truncates message content to MaxMessageBodyLength without
// splitting a rune.
func ClampBody(s string) string {
	if len(s) <= MaxMessageBodyLength {
		return s
	}
	end := MaxMessageBodyLength
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// Error variables for domain conflicts and lookup failures.
var (
	ErrDuplicatePhone       = errors.New("a patient with this phone number already exists")
	ErrAlreadyEnrolled      = errors.New("patient already has an active program enrollment")
	ErrTemplateInUse        = errors.New("program template is referenced by an enrollment")
	ErrAlertAlreadyResolved = errors.New("alert is already resolved")
	ErrPatientNotFound      = errors.New("patient not found")
	ErrTemplateNotFound     = errors.New("program template not found")
	ErrEnrollmentNotFound   = errors.New("enrollment not found")
	ErrAlertNotFound        = errors.New("alert not found")
	ErrTaskNotFound         = errors.New("task not found")
	ErrEmptyRecipient       = errors.New("recipient cannot be empty")
)

// Patient is an enrolled person reachable over a chat channel.
type Patient struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name,omitempty"`
	Phone                string     `json:"phone"`
	Timezone             string     `json:"timezone,omitempty"` // e.g., "America/New_York"
	ChatMode             ChatMode   `json:"chat_mode"`
	ModeSetAt            *time.Time `json:"mode_set_at,omitempty"`
	ModeSetBy            string     `json:"mode_set_by,omitempty"`
	AutomationPaused     bool       `json:"automation_paused"`
	ConversationSummary  string     `json:"conversation_summary,omitempty"`
	MessagesSinceSummary int        `json:"messages_since_summary"`
	CRMLeadID            string     `json:"crm_lead_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Location resolves the patient's IANA time zone, falling back to UTC.
func (p *Patient) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EnrollmentStatus represents the state of a program enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "ACTIVE"
	EnrollmentStatusPaused    EnrollmentStatus = "PAUSED"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
)

// ProgramEnrollment links a patient to a program template.
type ProgramEnrollment struct {
	ID         string           `json:"id"`
	PatientID  string           `json:"patient_id"`
	TemplateID string           `json:"template_id"`
	StartDate  time.Time        `json:"start_date"`
	Status     EnrollmentStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ActivitySlot is an informational grouping for an activity's time of day.
type ActivitySlot string

const (
	SlotMorning   ActivitySlot = "MORNING"
	SlotAfternoon ActivitySlot = "AFTERNOON"
	SlotEvening   ActivitySlot = "EVENING"
)

// CheckInType enumerates the structured observation kinds.
type CheckInType string

const (
	CheckInTypeWeight        CheckInType = "WEIGHT"
	CheckInTypeMood          CheckInType = "MOOD"
	CheckInTypeSteps         CheckInType = "STEPS"
	CheckInTypeMedication    CheckInType = "MEDICATION"
	CheckInTypeMealPhoto     CheckInType = "MEAL_PHOTO"
	CheckInTypeBloodPressure CheckInType = "BLOOD_PRESSURE"
	CheckInTypeSleep         CheckInType = "SLEEP"
	CheckInTypeSymptoms      CheckInType = "SYMPTOMS"
)

// IsValidCheckInType checks if the given check-in type is supported.
func IsValidCheckInType(t CheckInType) bool {
	switch t {
	case CheckInTypeWeight, CheckInTypeMood, CheckInTypeSteps, CheckInTypeMedication,
		CheckInTypeMealPhoto, CheckInTypeBloodPressure, CheckInTypeSleep, CheckInTypeSymptoms:
		return true
	default:
		return false
	}
}

// Activity is one expected check-in within a program day.
type Activity struct {
	TimeOfDay string       `json:"time_of_day"` // "HH:MM" in the patient's local time
	Slot      ActivitySlot `json:"slot,omitempty"`
	Type      CheckInType  `json:"type"`
	Prompt    string       `json:"prompt"`
	Required  bool         `json:"required"`
}

// Validate checks an activity definition for authoring errors.
func (a *Activity) Validate() error {
	if _, err := time.Parse("15:04", a.TimeOfDay); err != nil {
		return errors.New("time_of_day must be in HH:MM format")
	}
	if !IsValidCheckInType(a.Type) {
		return errors.New("unknown check-in type")
	}
	if a.Prompt == "" {
		return errors.New("prompt is required")
	}
	return nil
}

// ProgramTemplate is a named day-by-day schedule of activities.
// The schedule is data, keyed by day number starting at 1.
type ProgramTemplate struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	DurationDays int                `json:"duration_days"`
	Schedule     map[int][]Activity `json:"schedule"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Validate checks a template for authoring errors.
func (t *ProgramTemplate) Validate() error {
	if t.Name == "" {
		return errors.New("template name is required")
	}
	if t.DurationDays <= 0 {
		return errors.New("duration_days must be positive")
	}
	for day, activities := range t.Schedule {
		if day < 1 || day > t.DurationDays {
			return errors.New("schedule day out of range")
		}
		for i := range activities {
			if err := activities[i].Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ActivitiesForDay returns the activities scheduled for the given day number.
func (t *ProgramTemplate) ActivitiesForDay(day int) []Activity {
	return t.Schedule[day]
}

// CheckInSource identifies who produced a check-in value.
type CheckInSource string

const (
	CheckInSourcePatient CheckInSource = "PATIENT"
	CheckInSourceStaff   CheckInSource = "STAFF"
	CheckInSourceAI      CheckInSource = "AI"
)

// CheckIn is a recorded structured observation.
type CheckIn struct {
	ID           string        `json:"id"`
	PatientID    string        `json:"patient_id"`
	Type         CheckInType   `json:"type"`
	NumericValue *float64      `json:"numeric_value,omitempty"`
	TextValue    string        `json:"text_value,omitempty"`
	BoolValue    *bool         `json:"bool_value,omitempty"`
	MediaURL     string        `json:"media_url,omitempty"`
	Source       CheckInSource `json:"source"`
	CreatedAt    time.Time     `json:"created_at"`
}

// MessageDirection distinguishes inbound patient messages from outbound sends.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "INBOUND"
	DirectionOutbound MessageDirection = "OUTBOUND"
)

// MessageSender identifies the author of a message.
type MessageSender string

const (
	SenderPatient MessageSender = "PATIENT"
	SenderAI      MessageSender = "AI"
	SenderStaff   MessageSender = "STAFF"
	SenderSystem  MessageSender = "SYSTEM"
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Message is one inbound or outbound chat record.
type Message struct {
	ID              string           `json:"id"`
	PatientID       string           `json:"patient_id"`
	Direction       MessageDirection `json:"direction"`
	Sender          MessageSender    `json:"sender"`
	Content         string           `json:"content"`
	MediaURL        string           `json:"media_url,omitempty"`
	MediaType       string           `json:"media_type,omitempty"`
	LinkedCheckInID string           `json:"linked_check_in_id,omitempty"`
	PromptVariantID string           `json:"prompt_variant_id,omitempty"`
	Status          MessageStatus    `json:"status,omitempty"`
	ExternalID      string           `json:"external_id,omitempty"` // transport-assigned delivery ID
	CreatedAt       time.Time        `json:"created_at"`
}

// AlertLevel is the ordinal severity of an alert.
type AlertLevel string

const (
	AlertLevelLow      AlertLevel = "LOW"
	AlertLevelMedium   AlertLevel = "MEDIUM"
	AlertLevelHigh     AlertLevel = "HIGH"
	AlertLevelCritical AlertLevel = "CRITICAL"
)

// alertLevelRank orders alert levels for comparisons.
var alertLevelRank = map[AlertLevel]int{
	AlertLevelLow:      1,
	AlertLevelMedium:   2,
	AlertLevelHigh:     3,
	AlertLevelCritical: 4,
}

// IsValidAlertLevel checks if the given alert level is supported.
func IsValidAlertLevel(l AlertLevel) bool {
	_, ok := alertLevelRank[l]
	return ok
}

// AtLeast reports whether l is at least as severe as other.
func (l AlertLevel) AtLeast(other AlertLevel) bool {
	return alertLevelRank[l] >= alertLevelRank[other]
}

// AlertStatus represents the lifecycle state of an alert.
type AlertStatus string

const (
	AlertStatusOpen       AlertStatus = "OPEN"
	AlertStatusInProgress AlertStatus = "IN_PROGRESS"
	AlertStatusResolved   AlertStatus = "RESOLVED"
)

// AlertType categorizes why an alert was raised.
type AlertType string

const (
	AlertTypeRiskDetected   AlertType = "RISK_DETECTED"
	AlertTypeRequestHuman   AlertType = "REQUEST_HUMAN"
	AlertTypeMissedCheckIns AlertType = "MISSED_CHECKINS"
)

// Alert is a signal that a patient needs human attention.
type Alert struct {
	ID          string      `json:"id"`
	PatientID   string      `json:"patient_id"`
	Type        AlertType   `json:"type"`
	Level       AlertLevel  `json:"level"`
	Status      AlertStatus `json:"status"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy  string      `json:"resolved_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TaskPriority is the work-item priority driving SLA deadlines.
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "LOW"
	TaskPriorityMedium TaskPriority = "MEDIUM"
	TaskPriorityHigh   TaskPriority = "HIGH"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "OPEN"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusDone       TaskStatus = "DONE"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// TaskType categorizes a work item.
type TaskType string

const (
	TaskTypeReviewAlert  TaskType = "REVIEW_ALERT"
	TaskTypeFollowUp     TaskType = "FOLLOW_UP"
	TaskTypeReviewRisk   TaskType = "REVIEW_RISK"
	TaskTypeManualReview TaskType = "MANUAL_REVIEW"
)

// TaskCreatedBySystem marks tasks created by sweeps and the decision layer.
const TaskCreatedBySystem = "system"

// Task is a derived work item for staff.
type Task struct {
	ID         string       `json:"id"`
	PatientID  string       `json:"patient_id"`
	Type       TaskType     `json:"type"`
	Priority   TaskPriority `json:"priority"`
	Status     TaskStatus   `json:"status"`
	Title      string       `json:"title"`
	AlertID    string       `json:"alert_id,omitempty"`
	CreatedBy  string       `json:"created_by,omitempty"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Receipt is a transport delivery-status event.
type Receipt struct {
	To         string        `json:"to"`
	Status     MessageStatus `json:"status"`
	ExternalID string        `json:"external_id,omitempty"`
	Time       int64         `json:"time"`
}

// Response is an incoming message event from a patient.
type Response struct {
	From       string `json:"from"`
	Body       string `json:"body"`
	MediaURL   string `json:"media_url,omitempty"`
	MediaType  string `json:"media_type,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Time       int64  `json:"time"`
}
