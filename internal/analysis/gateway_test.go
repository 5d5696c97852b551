package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/carepulse/carepulse/internal/checkin"
	"github.com/carepulse/carepulse/internal/models"
	"github.com/carepulse/carepulse/internal/store"
	"github.com/openai/openai-go"
)

// mockLLM implements genai.ClientInterface.
type mockLLM struct {
	payload  string
	err      error
	messages []openai.ChatCompletionMessageParamUnion
	called   bool
}

func (m *mockLLM) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	m.called = true
	m.messages = messages
	return m.payload, m.err
}

func (m *mockLLM) GenerateStructured(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, schemaName string, schema map[string]interface{}) (string, error) {
	m.called = true
	m.messages = messages
	return m.payload, m.err
}

type taskRecorder struct {
	mu      sync.Mutex
	created []models.RiskLevel
	done    chan struct{}
}

func newTaskRecorder() *taskRecorder {
	return &taskRecorder{done: make(chan struct{}, 10)}
}

func (t *taskRecorder) CreateForAnalysis(patientID string, result *models.AnalysisResult) error {
	t.mu.Lock()
	t.created = append(t.created, result.RiskLevel)
	t.mu.Unlock()
	t.done <- struct{}{}
	return nil
}

func (t *taskRecorder) wait(tt *testing.T) {
	tt.Helper()
	select {
	case <-t.done:
	case <-time.After(time.Second):
		tt.Fatal("expected a task to be created")
	}
}

func newTestStore(t *testing.T) (*store.InMemoryStore, *models.Patient) {
	t.Helper()
	s := store.NewInMemoryStore()
	p := &models.Patient{Name: "Ana", Phone: "+15550001111"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	return s, p
}

func TestAnalyzeTriggerShortCircuitsProvider(t *testing.T) {
	s, p := newTestStore(t)
	llm := &mockLLM{}
	tasks := newTaskRecorder()
	g := NewGateway(llm, s, nil, tasks, nil)

	result, err := g.Analyze(context.Background(), p.ID, "necesito hablar con humano por favor")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected synthetic result")
	}
	if !result.HandoffRequired || result.ShouldReply {
		t.Errorf("expected handoff without reply, got %+v", result)
	}
	if result.RiskLevel != models.RiskLevelHigh {
		t.Errorf("expected HIGH risk, got %s", result.RiskLevel)
	}
	if llm.called {
		t.Error("provider must not be called on trigger match")
	}
	tasks.wait(t)
}

func TestAnalyzeNilProviderReturnsNil(t *testing.T) {
	s, p := newTestStore(t)
	g := NewGateway(nil, s, nil, nil, nil)
	result, err := g.Analyze(context.Background(), p.ID, "feeling fine")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result without provider, got %+v", result)
	}
}

func TestAnalyzeMalformedPayloadReturnsNil(t *testing.T) {
	s, p := newTestStore(t)
	g := NewGateway(&mockLLM{payload: "not json at all"}, s, nil, nil, nil)
	result, err := g.Analyze(context.Background(), p.ID, "feeling fine")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result for malformed payload, got %+v", result)
	}
}

func TestAnalyzeProviderErrorReturnsNil(t *testing.T) {
	s, p := newTestStore(t)
	g := NewGateway(&mockLLM{err: errors.New("rate limited")}, s, nil, nil, nil)
	result, err := g.Analyze(context.Background(), p.ID, "feeling fine")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result on provider error, got %+v", result)
	}
}

func TestAnalyzeInvalidEnumsDefaultConservatively(t *testing.T) {
	s, p := newTestStore(t)
	payload := `{"sentiment":"ecstatic","intent":"gossip","risk_level":"BANANA","should_reply":true,"suggested_reply":"ok!","handoff_required":false,"check_in_satisfied":false}`
	tasks := newTaskRecorder()
	g := NewGateway(&mockLLM{payload: payload}, s, nil, tasks, nil)

	result, err := g.Analyze(context.Background(), p.ID, "hello")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if result.Sentiment != models.SentimentNeutral {
		t.Errorf("expected neutral sentiment, got %s", result.Sentiment)
	}
	if result.RiskLevel != models.RiskLevelMedium {
		t.Errorf("expected MEDIUM risk, got %s", result.RiskLevel)
	}
	if result.Intent != models.IntentOther {
		t.Errorf("expected other intent, got %s", result.Intent)
	}
	if !result.HandoffRequired {
		t.Error("invalid payload must force handoff")
	}
	tasks.wait(t)
}

func TestAnalyzeForbiddenPhraseDowngradesReply(t *testing.T) {
	s, p := newTestStore(t)
	payload := `{"sentiment":"neutral","intent":"question","risk_level":"LOW","should_reply":true,"suggested_reply":"I can prescribe you something stronger.","handoff_required":false,"check_in_satisfied":false}`
	tasks := newTaskRecorder()
	g := NewGateway(&mockLLM{payload: payload}, s, nil, tasks, nil)

	result, err := g.Analyze(context.Background(), p.ID, "can I take more?")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if result.ShouldReply || result.SuggestedReply != "" {
		t.Errorf("expected reply suppressed, got %+v", result)
	}
	if !result.HandoffRequired {
		t.Error("forbidden phrase must force handoff")
	}
	if !result.RiskLevel.AtLeast(models.RiskLevelMedium) {
		t.Errorf("expected risk raised to at least MEDIUM, got %s", result.RiskLevel)
	}
	tasks.wait(t)
}

func TestAnalyzeForwardsExtractedCheckIns(t *testing.T) {
	s, p := newTestStore(t)
	payload := `{"sentiment":"positive","intent":"check_in","risk_level":"LOW","should_reply":true,"suggested_reply":"Great job!","handoff_required":false,"check_in_satisfied":true,"extracted_check_ins":[{"type":"WEIGHT","numeric_value":80.5,"text_value":""}]}`
	recorder := checkin.NewRecorder(s)
	g := NewGateway(&mockLLM{payload: payload}, s, recorder, nil, nil)

	result, err := g.Analyze(context.Background(), p.ID, "80.5kg this morning")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !result.CheckInSatisfied {
		t.Error("expected check-in satisfied")
	}
	checkIns, err := s.GetCheckInsSince(p.ID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetCheckInsSince failed: %v", err)
	}
	if len(checkIns) != 1 {
		t.Fatalf("expected 1 recorded check-in, got %d", len(checkIns))
	}
	if checkIns[0].Source != models.CheckInSourceAI || checkIns[0].Type != models.CheckInTypeWeight {
		t.Errorf("unexpected check-in %+v", checkIns[0])
	}
	if checkIns[0].NumericValue == nil || *checkIns[0].NumericValue != 80.5 {
		t.Errorf("unexpected numeric value %+v", checkIns[0].NumericValue)
	}
}

func TestAnalyzeIncludesSummaryInContext(t *testing.T) {
	s, p := newTestStore(t)
	p.ConversationSummary = "Patient is two weeks into the weight program."
	if err := s.UpdatePatient(p); err != nil {
		t.Fatalf("UpdatePatient failed: %v", err)
	}
	llm := &mockLLM{payload: `{"sentiment":"neutral","intent":"small_talk","risk_level":"LOW","should_reply":false,"suggested_reply":"","handoff_required":false,"check_in_satisfied":false}`}
	g := NewGateway(llm, s, nil, nil, nil)

	if _, err := g.Analyze(context.Background(), p.ID, "hi"); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(llm.messages) < 3 {
		t.Fatalf("expected system prompt, summary and user text, got %d messages", len(llm.messages))
	}
}

func TestAnalyzeHistoryCharBounded(t *testing.T) {
	s, p := newTestStore(t)
	// Three big old messages plus one small recent one; the budget only
	// fits the recent message, so the old ones must be dropped.
	big := strings.Repeat("x", 400)
	for i := 0; i < 3; i++ {
		m := &models.Message{PatientID: p.ID, Direction: models.DirectionInbound, Sender: models.SenderPatient, Content: big}
		if err := s.CreateMessage(m); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}
	recent := &models.Message{PatientID: p.ID, Direction: models.DirectionInbound, Sender: models.SenderPatient, Content: "short note"}
	if err := s.CreateMessage(recent); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	llm := &mockLLM{payload: `{"sentiment":"neutral","intent":"small_talk","risk_level":"LOW","should_reply":false,"suggested_reply":"","handoff_required":false,"check_in_satisfied":false}`}
	g := NewGateway(llm, s, nil, nil, nil, WithContextCharBudget(100))

	if _, err := g.Analyze(context.Background(), p.ID, "hello"); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	// System prompt, the one surviving history message, and the new text.
	if len(llm.messages) != 3 {
		t.Fatalf("expected 3 provider messages, got %d", len(llm.messages))
	}

	// A bigger budget lets all history through.
	llm2 := &mockLLM{payload: llm.payload}
	g2 := NewGateway(llm2, s, nil, nil, nil, WithContextCharBudget(5000))
	if _, err := g2.Analyze(context.Background(), p.ID, "hello"); err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(llm2.messages) != 6 {
		t.Fatalf("expected 6 provider messages, got %d", len(llm2.messages))
	}
}

func TestShapeReply(t *testing.T) {
	long := "One. Two. Three. Four. Five. Six."
	shaped := ShapeReply(long, 600, 4)
	if shaped != "One. Two. Three. Four." {
		t.Errorf("expected sentence cap, got %q", shaped)
	}

	shaped = ShapeReply("First sentence here. Second sentence here.", 25, 4)
	if shaped != "First sentence here." {
		t.Errorf("expected cut at sentence boundary, got %q", shaped)
	}

	shaped = ShapeReply(strings.Repeat("word ", 50), 30, 4)
	if len(shaped) > 30 {
		t.Errorf("expected hard cap at 30 chars, got %d", len(shaped))
	}
	if shaped == "" {
		t.Error("expected non-empty shaped reply")
	}

	if got := ShapeReply("  ", 100, 4); got != "" {
		t.Errorf("expected empty reply to stay empty, got %q", got)
	}

	// Hard cuts must never split a multi-byte rune.
	accented := strings.Repeat("á", 40) // 2 bytes each, no spaces
	shaped = ShapeReply(accented, 15, 4)
	if !utf8.ValidString(shaped) {
		t.Errorf("expected valid UTF-8 after cut, got %q", shaped)
	}
	if shaped == "" || len(shaped) > 15 {
		t.Errorf("expected non-empty cut within 15 bytes, got %q (%d bytes)", shaped, len(shaped))
	}
}

func TestSubstringMatcherCaseInsensitive(t *testing.T) {
	m := NewSubstringMatcher([]string{"Talk To A Human"})
	if _, ok := m.Match("I want to TALK to a human now"); !ok {
		t.Error("expected case-insensitive match")
	}
	if _, ok := m.Match("just chatting"); ok {
		t.Error("unexpected match")
	}
}
