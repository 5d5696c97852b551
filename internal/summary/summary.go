// Package summary maintains each patient's rolling conversation summary so
// analysis context stays bounded as history grows.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/carepulse/carepulse/internal/genai"
	"github.com/carepulse/carepulse/internal/models"
)

// DefaultEvery is how many messages accumulate before the summary is
// refreshed.
const DefaultEvery = 10

// historyLimit bounds how much history one refresh reads.
const historyLimit = 30

const summarizerPrompt = `You maintain a short clinical-context summary of a patient conversation for a care team.
Merge the previous summary with the new messages into an updated summary.
Keep it under 150 words. Preserve reported symptoms, measurements, concerns and commitments. Plain text only.`

// Store is the storage surface the summarizer needs.
type Store interface {
	GetPatient(id string) (*models.Patient, error)
	UpdatePatient(p *models.Patient) error
	GetRecentMessages(patientID string, limit int) ([]models.Message, error)
}

// Summarizer refreshes rolling summaries once enough messages accumulate.
type Summarizer struct {
	store Store
	llm   genai.ClientInterface
	every int
}

// Opts holds configuration options for the summarizer.
type Opts struct {
	Every int
}

// Option defines a configuration option for the summarizer.
type Option func(*Opts)

// WithEvery sets how many messages accumulate before a refresh.
func WithEvery(n int) Option {
	return func(o *Opts) { o.Every = n }
}

// NewSummarizer creates a summarizer. llm may be nil, in which case
// refreshes are skipped.
func NewSummarizer(s Store, llm genai.ClientInterface, opts ...Option) *Summarizer {
	o := Opts{Every: DefaultEvery}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Every <= 0 {
		o.Every = DefaultEvery
	}
	return &Summarizer{store: s, llm: llm, every: o.Every}
}

// Due reports whether the patient's counter has reached the refresh
// threshold.
func (s *Summarizer) Due(p *models.Patient) bool {
	return s.llm != nil && p.MessagesSinceSummary >= s.every
}

// Refresh rewrites the patient's conversation summary from the previous
// summary plus recent history, then resets the counter.
func (s *Summarizer) Refresh(ctx context.Context, patientID string) error {
	if s.llm == nil {
		return nil
	}
	patient, err := s.store.GetPatient(patientID)
	if err != nil {
		return fmt.Errorf("failed to load patient: %w", err)
	}
	history, err := s.store.GetRecentMessages(patientID, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if len(history) == 0 {
		return nil
	}

	var b strings.Builder
	if patient.ConversationSummary != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(patient.ConversationSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages (oldest first):\n")
	for _, m := range history {
		role := "patient"
		if m.Direction == models.DirectionOutbound {
			role = "assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Content)
	}

	updated, err := s.llm.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(summarizerPrompt),
		openai.UserMessage(b.String()),
	})
	if err != nil {
		return fmt.Errorf("failed to generate summary: %w", err)
	}
	updated = strings.TrimSpace(updated)
	if updated == "" {
		return nil
	}

	patient.ConversationSummary = updated
	patient.MessagesSinceSummary = 0
	if err := s.store.UpdatePatient(patient); err != nil {
		return fmt.Errorf("failed to save summary: %w", err)
	}
	slog.Info("Summarizer.Refresh: summary updated", "patientID", patientID, "chars", len(updated))
	return nil
}
