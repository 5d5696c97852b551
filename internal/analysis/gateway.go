// Package analysis wraps the reasoning provider behind trigger rules,
// context assembly, output validation and content filters.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/carepulse/carepulse/internal/checkin"
	"github.com/carepulse/carepulse/internal/genai"
	"github.com/carepulse/carepulse/internal/models"
	"github.com/openai/openai-go"
)

// DefaultHistoryLimit is the number of recent messages included as context.
const DefaultHistoryLimit = 20

// DefaultContextCharBudget caps the total characters of history included in
// one provider call.
const DefaultContextCharBudget = 8000

const systemPrompt = `You are a care-team assistant for a remote health program.
You read one aggregated patient message plus conversation context and return a strict JSON analysis.
Rules:
- Never give medical diagnoses, prescriptions or dosage advice.
- risk_level reflects the health and emotional risk of the message content.
- Set handoff_required when the patient asks for a person or the situation needs human judgment.
- Set check_in_satisfied only when the message clearly answers an expected program check-in.
- suggested_reply must be short, warm and in the patient's language.`

// Store is the storage surface the gateway reads context from.
type Store interface {
	GetPatient(id string) (*models.Patient, error)
	GetRecentMessages(patientID string, limit int) ([]models.Message, error)
}

// CheckInRecorder forwards extracted observations.
type CheckInRecorder interface {
	Record(patientID string, checkInType models.CheckInType, value checkin.Value, source models.CheckInSource) (string, error)
}

// TaskCreator derives work items from elevated analysis results.
// Calls are fire-and-forget: task failures never fail the analysis.
type TaskCreator interface {
	CreateForAnalysis(patientID string, result *models.AnalysisResult) error
}

// Opts holds configuration for the gateway.
type Opts struct {
	TriggerPhrases    []string
	ForbiddenPhrases  []string
	MaxReplyChars     int
	MaxReplySentences int
	HistoryLimit      int
	ContextCharBudget int
}

// Option configures the gateway.
type Option func(*Opts)

// WithTriggerPhrases overrides the pre-call handoff triggers.
func WithTriggerPhrases(phrases []string) Option {
	return func(o *Opts) { o.TriggerPhrases = phrases }
}

// WithForbiddenPhrases overrides the post-call reply filters.
func WithForbiddenPhrases(phrases []string) Option {
	return func(o *Opts) { o.ForbiddenPhrases = phrases }
}

// WithReplyBounds sets the reply shaping limits.
func WithReplyBounds(maxChars, maxSentences int) Option {
	return func(o *Opts) {
		o.MaxReplyChars = maxChars
		o.MaxReplySentences = maxSentences
	}
}

// WithHistoryLimit sets how many recent messages are included as context.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithContextCharBudget caps the total history characters sent per call.
func WithContextCharBudget(n int) Option {
	return func(o *Opts) { o.ContextCharBudget = n }
}

// Gateway runs the analysis pipeline for aggregated inbound messages.
type Gateway struct {
	llm       genai.ClientInterface
	store     Store
	recorder  CheckInRecorder
	tasks     TaskCreator
	snippets  *SnippetCache
	triggers  PhraseMatcher
	forbidden PhraseMatcher
	opts      Opts
}

// NewGateway creates a gateway. llm, tasks and snippets may be nil: a nil
// llm makes Analyze return nil (skip automated handling), a nil snippet
// cache just omits retrieval context.
func NewGateway(llm genai.ClientInterface, store Store, recorder CheckInRecorder, tasks TaskCreator, snippets *SnippetCache, opts ...Option) *Gateway {
	cfg := Opts{
		TriggerPhrases:    DefaultTriggerPhrases,
		ForbiddenPhrases:  DefaultForbiddenPhrases,
		MaxReplyChars:     DefaultMaxReplyChars,
		MaxReplySentences: DefaultMaxReplySentences,
		HistoryLimit:      DefaultHistoryLimit,
		ContextCharBudget: DefaultContextCharBudget,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Gateway{
		llm:       llm,
		store:     store,
		recorder:  recorder,
		tasks:     tasks,
		snippets:  snippets,
		triggers:  NewSubstringMatcher(cfg.TriggerPhrases),
		forbidden: NewSubstringMatcher(cfg.ForbiddenPhrases),
		opts:      cfg,
	}
}

// Analyze runs the full pipeline. A nil result with nil error means the
// provider is unreachable or unconfigured; callers must skip automated
// handling rather than treat that as safe.
func (g *Gateway) Analyze(ctx context.Context, patientID string, text string) (*models.AnalysisResult, error) {
	// Pre-call trigger scan short-circuits without touching the provider.
	if phrase, ok := g.triggers.Match(text); ok {
		slog.Info("Gateway.Analyze: handoff trigger matched", "patientID", patientID, "phrase", phrase)
		result := &models.AnalysisResult{
			Sentiment:       models.SentimentNeutral,
			Intent:          models.IntentRequestHuman,
			RiskLevel:       models.RiskLevelHigh,
			Summary:         "Patient asked for a human.",
			ShouldReply:     false,
			HandoffRequired: true,
		}
		g.spawnTask(patientID, result)
		return result, nil
	}

	if g.llm == nil {
		slog.Warn("Gateway.Analyze: no provider configured", "patientID", patientID)
		return nil, nil
	}

	messages, err := g.assembleContext(ctx, patientID, text)
	if err != nil {
		return nil, err
	}
	payload, err := g.llm.GenerateStructured(ctx, messages, "patient_message_analysis", analysisSchema())
	if err != nil {
		slog.Error("Gateway.Analyze: provider call failed", "patientID", patientID, "error", err)
		return nil, nil
	}

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		slog.Error("Gateway.Analyze: malformed provider payload", "patientID", patientID, "error", err)
		return nil, nil
	}

	g.validate(&result)
	g.filterReply(&result)
	result.SuggestedReply = ShapeReply(result.SuggestedReply, g.opts.MaxReplyChars, g.opts.MaxReplySentences)
	g.forwardCheckIns(patientID, &result)

	if result.HandoffRequired || result.RiskLevel.AtLeast(models.RiskLevelHigh) {
		g.spawnTask(patientID, &result)
	}
	return &result, nil
}

// assembleContext builds the provider message list: system instructions,
// rolling summary, retrieval snippets, recent history, then the new text.
func (g *Gateway) assembleContext(ctx context.Context, patientID string, text string) ([]openai.ChatCompletionMessageParamUnion, error) {
	patient, err := g.store.GetPatient(patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient: %w", err)
	}
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}

	if patient.ConversationSummary != "" {
		messages = append(messages, openai.SystemMessage("Conversation so far: "+patient.ConversationSummary))
	}
	if g.snippets != nil {
		if snippets := g.snippets.Recent(ctx, patientID); len(snippets) > 0 {
			messages = append(messages, openai.SystemMessage("Care notes:\n- "+strings.Join(snippets, "\n- ")))
		}
	}

	history, err := g.store.GetRecentMessages(patientID, g.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	// History must also fit a char budget, not just a message count. Walk
	// newest first and stop once the budget is spent, then append whatever
	// survived oldest first. The new text always goes in.
	budget := g.opts.ContextCharBudget - len(text)
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := len(history[i].Content)
		if n == 0 {
			continue
		}
		if n > budget {
			break
		}
		budget -= n
		start = i
	}
	for _, m := range history[start:] {
		if m.Content == "" {
			continue
		}
		if m.Direction == models.DirectionInbound {
			messages = append(messages, openai.UserMessage(m.Content))
		} else {
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(text))
	return messages, nil
}

// validate forces every enumerated field into its closed set. Any invalid
// value defaults conservatively and marks the result for handoff.
func (g *Gateway) validate(result *models.AnalysisResult) {
	invalid := false
	if !models.IsValidSentiment(result.Sentiment) {
		result.Sentiment = models.SentimentNeutral
		invalid = true
	}
	if !models.IsValidRiskLevel(result.RiskLevel) {
		result.RiskLevel = models.RiskLevelMedium
		invalid = true
	}
	if !models.IsValidIntent(result.Intent) {
		result.Intent = models.IntentOther
		invalid = true
	}
	if invalid {
		slog.Warn("Gateway: provider returned out-of-set values, forcing handoff")
		result.HandoffRequired = true
	}
}

// filterReply downgrades the result when the suggested reply trips the
// forbidden-phrase scan.
func (g *Gateway) filterReply(result *models.AnalysisResult) {
	if result.SuggestedReply == "" {
		return
	}
	phrase, ok := g.forbidden.Match(result.SuggestedReply)
	if !ok {
		return
	}
	slog.Warn("Gateway: suggested reply contained forbidden phrase, downgrading", "phrase", phrase)
	result.ShouldReply = false
	result.HandoffRequired = true
	result.SuggestedReply = ""
	if !result.RiskLevel.AtLeast(models.RiskLevelMedium) {
		result.RiskLevel = models.RiskLevelMedium
	}
}

// forwardCheckIns records extracted observations as AI-sourced check-ins.
func (g *Gateway) forwardCheckIns(patientID string, result *models.AnalysisResult) {
	if g.recorder == nil {
		return
	}
	for _, ec := range result.ExtractedCheckIns {
		value := checkin.Value{Numeric: ec.NumericValue, Text: ec.TextValue}
		if _, err := g.recorder.Record(patientID, ec.Type, value, models.CheckInSourceAI); err != nil {
			slog.Warn("Gateway: failed to record extracted check-in", "patientID", patientID, "type", ec.Type, "error", err)
		}
	}
}

// spawnTask creates a work item without blocking or failing the analysis.
func (g *Gateway) spawnTask(patientID string, result *models.AnalysisResult) {
	if g.tasks == nil {
		return
	}
	res := *result
	go func() {
		if err := g.tasks.CreateForAnalysis(patientID, &res); err != nil {
			slog.Error("Gateway: task creation failed", "patientID", patientID, "error", err)
		}
	}()
}

// analysisSchema is the strict JSON schema for the provider's output.
func analysisSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"sentiment": map[string]interface{}{
				"type": "string",
				"enum": []string{"positive", "neutral", "negative"},
			},
			"intent": map[string]interface{}{
				"type": "string",
				"enum": []string{"check_in", "question", "small_talk", "complaint", "request_human", "other"},
			},
			"risk_level": map[string]interface{}{
				"type": "string",
				"enum": []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"},
			},
			"summary":            map[string]interface{}{"type": "string"},
			"should_reply":       map[string]interface{}{"type": "boolean"},
			"suggested_reply":    map[string]interface{}{"type": "string"},
			"handoff_required":   map[string]interface{}{"type": "boolean"},
			"check_in_satisfied": map[string]interface{}{"type": "boolean"},
			"extracted_check_ins": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]interface{}{
						"type": map[string]interface{}{
							"type": "string",
							"enum": []string{"WEIGHT", "MOOD", "STEPS", "MEDICATION", "MEAL_PHOTO", "BLOOD_PRESSURE", "SLEEP", "SYMPTOMS"},
						},
						"numeric_value": map[string]interface{}{"type": []string{"number", "null"}},
						"text_value":    map[string]interface{}{"type": "string"},
					},
					"required": []string{"type", "numeric_value", "text_value"},
				},
			},
		},
		"required": []string{
			"sentiment", "intent", "risk_level", "summary", "should_reply",
			"suggested_reply", "handoff_required", "check_in_satisfied", "extracted_check_ins",
		},
	}
}
