// Package engine wires the inbound pipeline together: persist, aggregate,
// analyze, then decide between an automated reply, a human handoff alert,
// or silence.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/carepulse/carepulse/internal/aggregator"
	"github.com/carepulse/carepulse/internal/checkin"
	"github.com/carepulse/carepulse/internal/crm"
	"github.com/carepulse/carepulse/internal/models"
	"github.com/carepulse/carepulse/internal/schedule"
	"github.com/carepulse/carepulse/internal/store"
	"github.com/carepulse/carepulse/internal/summary"
)

// JobKindAnalysis is the durable job kind for flushed analysis units.
const JobKindAnalysis = "analysis"

// Action is the outcome of the reply/handoff decision.
type Action int

const (
	// ActionNone means deliberate silence.
	ActionNone Action = iota
	// ActionReply means send the suggested reply.
	ActionReply
	// ActionAlert means raise an alert and never reply.
	ActionAlert
)

// Decide maps an analysis result to an action. Handoff or elevated risk
// always wins over a suggested reply.
func Decide(result *models.AnalysisResult) Action {
	if result == nil {
		return ActionNone
	}
	if result.HandoffRequired || result.RiskLevel.AtLeast(models.RiskLevelHigh) {
		return ActionAlert
	}
	if result.ShouldReply && strings.TrimSpace(result.SuggestedReply) != "" {
		return ActionReply
	}
	return ActionNone
}

// Analyzer is the analysis gateway surface the engine calls on flush.
type Analyzer interface {
	Analyze(ctx context.Context, patientID string, text string) (*models.AnalysisResult, error)
}

// Alerter raises alerts, merging duplicates and switching chat mode.
type Alerter interface {
	Raise(patientID string, alertType models.AlertType, level models.AlertLevel, title, description string) (*models.Alert, error)
}

// Store is the storage surface the engine needs.
type Store interface {
	GetPatient(id string) (*models.Patient, error)
	GetPatientByPhone(phone string) (*models.Patient, error)
	UpdatePatient(p *models.Patient) error
	CreateMessage(m *models.Message) error
	EnqueueJob(job store.Job) error
	EnqueueOutboxMessage(msg store.OutboxMessage) error
}

// Opts holds configuration for the engine.
type Opts struct {
	Debounce    time.Duration
	debounceSet bool
	Summarizer  *summary.Summarizer
	CRM         *crm.Client
}

// Option configures the engine.
type Option func(*Opts)

// WithDebounce sets the aggregator quiet period. Zero flushes synchronously.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) {
		o.Debounce = d
		o.debounceSet = true
	}
}

// WithSummarizer enables rolling-summary refreshes.
func WithSummarizer(s *summary.Summarizer) Option {
	return func(o *Opts) { o.Summarizer = s }
}

// WithCRM enables best-effort CRM pushes on alerts.
func WithCRM(c *crm.Client) Option {
	return func(o *Opts) { o.CRM = c }
}

// Engine owns the inbound message pipeline for all patients.
type Engine struct {
	store      Store
	analyzer   Analyzer
	recorder   *checkin.Recorder
	matcher    *schedule.Matcher
	alerter    Alerter
	summarizer *summary.Summarizer
	crm        *crm.Client
	agg        *aggregator.Aggregator
	now        func() time.Time
}

// NewEngine creates the pipeline. The analyzer may be nil-safe itself; the
// engine only requires that Analyze returning nil means "skip automated
// handling".
func NewEngine(s Store, analyzer Analyzer, recorder *checkin.Recorder, matcher *schedule.Matcher, alerter Alerter, opts ...Option) *Engine {
	cfg := Opts{Debounce: aggregator.DefaultDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}
	e := &Engine{
		store:      s,
		analyzer:   analyzer,
		recorder:   recorder,
		matcher:    matcher,
		alerter:    alerter,
		summarizer: cfg.Summarizer,
		crm:        cfg.CRM,
		now:        time.Now,
	}
	aggOpts := []aggregator.Option{}
	if cfg.debounceSet {
		aggOpts = append(aggOpts, aggregator.WithDebounce(cfg.Debounce))
	}
	e.agg = aggregator.New(e.onFlush, aggOpts...)
	return e
}

// Stop cancels all pending debounce timers.
func (e *Engine) Stop() {
	e.agg.Stop()
}

// Listen consumes inbound responses from a messaging transport until the
// context is cancelled or the channel closes.
func (e *Engine) Listen(ctx context.Context, responses <-chan models.Response) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-responses:
			if !ok {
				return
			}
			if err := e.HandleInbound(ctx, resp); err != nil {
				slog.Error("Engine.Listen: inbound handling failed", "from", resp.From, "error", err)
			}
		}
	}
}

// HandleInbound persists an inbound message, records media check-ins
// immediately, and feeds text into the aggregator unless a human owns the
// conversation.
func (e *Engine) HandleInbound(ctx context.Context, resp models.Response) error {
	patient, err := e.store.GetPatientByPhone(resp.From)
	if err != nil {
		if errors.Is(err, models.ErrPatientNotFound) {
			slog.Warn("Engine.HandleInbound: message from unknown number dropped", "from", resp.From)
			return nil
		}
		return fmt.Errorf("failed to look up patient: %w", err)
	}

	body := models.ClampBody(resp.Body)
	msg := &models.Message{
		PatientID:  patient.ID,
		Direction:  models.DirectionInbound,
		Sender:     models.SenderPatient,
		Content:    body,
		MediaURL:   resp.MediaURL,
		MediaType:  resp.MediaType,
		ExternalID: resp.ExternalID,
	}

	// Media is authoritative proof of compliance: record it right away
	// instead of waiting for analysis.
	if resp.MediaURL != "" {
		if id := e.recordMediaCheckIn(patient.ID, resp.MediaURL); id != "" {
			msg.LinkedCheckInID = id
		}
	}

	if err := e.store.CreateMessage(msg); err != nil {
		return fmt.Errorf("failed to persist inbound message: %w", err)
	}

	patient.MessagesSinceSummary++
	if err := e.store.UpdatePatient(patient); err != nil {
		slog.Error("Engine.HandleInbound: failed to bump summary counter", "patientID", patient.ID, "error", err)
	}
	if e.summarizer != nil && e.summarizer.Due(patient) {
		go func(id string) {
			if err := e.summarizer.Refresh(context.Background(), id); err != nil {
				slog.Error("Engine.HandleInbound: summary refresh failed", "patientID", id, "error", err)
			}
		}(patient.ID)
	}

	if patient.ChatMode != models.ChatModeAutomated || patient.AutomationPaused {
		slog.Debug("Engine.HandleInbound: automation off, message persisted only",
			"patientID", patient.ID, "mode", patient.ChatMode, "paused", patient.AutomationPaused)
		return nil
	}

	if strings.TrimSpace(body) != "" {
		e.agg.Add(patient.ID, body)
	}
	return nil
}

func (e *Engine) recordMediaCheckIn(patientID, mediaURL string) string {
	candidate, err := e.matcher.FindCandidateActivity(patientID, e.now(), schedule.WindowLoose)
	if err != nil {
		slog.Error("Engine.recordMediaCheckIn: candidate lookup failed", "patientID", patientID, "error", err)
		return ""
	}
	if candidate == nil {
		return ""
	}
	id, err := e.recorder.Record(patientID, candidate.Activity.Type, checkin.Value{MediaURL: mediaURL}, models.CheckInSourcePatient)
	if err != nil {
		slog.Error("Engine.recordMediaCheckIn: record failed", "patientID", patientID, "error", err)
		return ""
	}
	slog.Info("Engine.recordMediaCheckIn: media check-in recorded", "patientID", patientID, "type", candidate.Activity.Type, "checkInID", id)
	return id
}

// analysisPayload is the durable job body for one flushed analysis unit.
type analysisPayload struct {
	PatientID string `json:"patient_id"`
	Text      string `json:"text"`
}

// onFlush turns a settled buffer into a durable analysis job so the
// analysis survives process crashes.
func (e *Engine) onFlush(patientID string, aggregated string) {
	payload, err := json.Marshal(analysisPayload{PatientID: patientID, Text: aggregated})
	if err != nil {
		slog.Error("Engine.onFlush: failed to encode payload", "patientID", patientID, "error", err)
		return
	}
	h := fnv.New64a()
	h.Write([]byte(aggregated))
	job := store.Job{
		Kind:        JobKindAnalysis,
		RunAt:       e.now(),
		PayloadJSON: string(payload),
		DedupeKey:   fmt.Sprintf("%s:%s:%x", JobKindAnalysis, patientID, h.Sum64()),
	}
	if err := e.store.EnqueueJob(job); err != nil {
		slog.Error("Engine.onFlush: failed to enqueue analysis job", "patientID", patientID, "error", err)
		return
	}
	slog.Debug("Engine.onFlush: analysis job queued", "patientID", patientID, "chars", len(aggregated))
}

// ProcessAnalysisJob is the durable-job handler for JobKindAnalysis. A
// returned error requeues the job with backoff.
func (e *Engine) ProcessAnalysisJob(ctx context.Context, job store.Job) error {
	var payload analysisPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("malformed analysis payload: %w", err)
	}
	patient, err := e.store.GetPatient(payload.PatientID)
	if err != nil {
		return fmt.Errorf("failed to load patient: %w", err)
	}

	// Jobs are durable and can run long after they were queued, so the
	// mode gate is re-checked here: a staff takeover or pause between
	// flush and claim must not produce an automated reply.
	if patient.ChatMode != models.ChatModeAutomated || patient.AutomationPaused {
		slog.Debug("Engine.ProcessAnalysisJob: automation off, job dropped",
			"patientID", patient.ID, "mode", patient.ChatMode, "paused", patient.AutomationPaused)
		return nil
	}

	result, err := e.analyzer.Analyze(ctx, patient.ID, payload.Text)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}
	if result == nil {
		// Provider unreachable or unconfigured. Not safe, just skipped.
		slog.Warn("Engine.ProcessAnalysisJob: analysis skipped", "patientID", patient.ID)
		return nil
	}

	if result.CheckInSatisfied {
		e.recordTextCheckIn(patient.ID, payload.Text)
	}

	switch Decide(result) {
	case ActionAlert:
		return e.raiseAlert(ctx, patient, result)
	case ActionReply:
		return e.queueReply(patient, result.SuggestedReply)
	default:
		slog.Debug("Engine.ProcessAnalysisJob: no action", "patientID", patient.ID, "intent", result.Intent)
		return nil
	}
}

// recordTextCheckIn records a free-text answer once the gateway confirmed
// it satisfies an expected check-in.
func (e *Engine) recordTextCheckIn(patientID, text string) {
	candidate, err := e.matcher.FindCandidateActivity(patientID, e.now(), schedule.WindowLoose)
	if err != nil {
		slog.Error("Engine.recordTextCheckIn: candidate lookup failed", "patientID", patientID, "error", err)
		return
	}
	if candidate == nil {
		return
	}
	value := checkin.Value{Text: text}
	if n, ok := checkin.ParseNumeric(text); ok {
		value.Numeric = &n
	}
	id, err := e.recorder.Record(patientID, candidate.Activity.Type, value, models.CheckInSourcePatient)
	if err != nil {
		slog.Error("Engine.recordTextCheckIn: record failed", "patientID", patientID, "error", err)
		return
	}
	slog.Info("Engine.recordTextCheckIn: check-in recorded", "patientID", patientID, "type", candidate.Activity.Type, "checkInID", id)
}

func (e *Engine) raiseAlert(ctx context.Context, patient *models.Patient, result *models.AnalysisResult) error {
	alertType := models.AlertTypeRiskDetected
	title := fmt.Sprintf("%s risk message", result.RiskLevel)
	if result.Intent == models.IntentRequestHuman {
		alertType = models.AlertTypeRequestHuman
		title = "Patient asked for a human"
	}
	description := result.Summary
	alert, err := e.alerter.Raise(patient.ID, alertType, models.AlertLevelForRisk(result.RiskLevel), title, description)
	if err != nil {
		return fmt.Errorf("failed to raise alert: %w", err)
	}
	if e.crm != nil && patient.CRMLeadID != "" {
		go e.crm.PushNote(context.WithoutCancel(ctx), patient.CRMLeadID,
			fmt.Sprintf("Alert %s (%s): %s", alert.Type, alert.Level, alert.Title))
	}
	return nil
}

// queueReply persists the AI reply and hands delivery to the durable outbox.
func (e *Engine) queueReply(patient *models.Patient, body string) error {
	msg := &models.Message{
		PatientID: patient.ID,
		Direction: models.DirectionOutbound,
		Sender:    models.SenderAI,
		Content:   body,
		Status:    models.MessageStatusQueued,
	}
	if err := e.store.CreateMessage(msg); err != nil {
		return fmt.Errorf("failed to persist reply: %w", err)
	}
	if err := e.store.EnqueueOutboxMessage(store.OutboxMessage{
		PatientID: patient.ID,
		Recipient: patient.Phone,
		Body:      body,
		Kind:      store.OutboxKindReply,
		MessageID: msg.ID,
	}); err != nil {
		return fmt.Errorf("failed to enqueue reply: %w", err)
	}
	slog.Info("Engine.queueReply: reply queued", "patientID", patient.ID, "messageID", msg.ID)
	return nil
}
