package summary

import (
	"context"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/carepulse/carepulse/internal/models"
	"github.com/carepulse/carepulse/internal/store"
)

type fakeLLM struct {
	reply    string
	lastUser string
}

func (f *fakeLLM) GenerateWithMessages(_ context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	for _, m := range messages {
		if m.OfUser != nil {
			f.lastUser = m.OfUser.Content.OfString.Value
		}
	}
	return f.reply, nil
}

func (f *fakeLLM) GenerateStructured(_ context.Context, _ []openai.ChatCompletionMessageParamUnion, _ string, _ map[string]interface{}) (string, error) {
	return "", nil
}

func seedPatient(t *testing.T, s *store.InMemoryStore) *models.Patient {
	t.Helper()
	p := &models.Patient{Name: "Eva", Phone: "+15550005555"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	return p
}

func TestDueThreshold(t *testing.T) {
	s := store.NewInMemoryStore()
	sum := NewSummarizer(s, &fakeLLM{}, WithEvery(3))

	p := &models.Patient{MessagesSinceSummary: 2}
	if sum.Due(p) {
		t.Error("expected not due below threshold")
	}
	p.MessagesSinceSummary = 3
	if !sum.Due(p) {
		t.Error("expected due at threshold")
	}

	none := NewSummarizer(s, nil)
	if none.Due(p) {
		t.Error("expected never due without a provider")
	}
}

func TestRefreshUpdatesSummaryAndResetsCounter(t *testing.T) {
	s := store.NewInMemoryStore()
	p := seedPatient(t, s)
	p.ConversationSummary = "Patient started a weight program."
	p.MessagesSinceSummary = 10
	if err := s.UpdatePatient(p); err != nil {
		t.Fatalf("UpdatePatient failed: %v", err)
	}
	for _, body := range []string{"weighed 80kg today", "feeling better"} {
		m := &models.Message{PatientID: p.ID, Direction: models.DirectionInbound, Sender: models.SenderPatient, Content: body}
		if err := s.CreateMessage(m); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	llm := &fakeLLM{reply: "Patient in weight program, 80kg, improving mood."}
	sum := NewSummarizer(s, llm)
	if err := sum.Refresh(context.Background(), p.ID); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if !strings.Contains(llm.lastUser, "Patient started a weight program.") {
		t.Error("expected previous summary in the refresh input")
	}
	if !strings.Contains(llm.lastUser, "weighed 80kg today") {
		t.Error("expected recent messages in the refresh input")
	}

	got, err := s.GetPatient(p.ID)
	if err != nil {
		t.Fatalf("GetPatient failed: %v", err)
	}
	if got.ConversationSummary != llm.reply {
		t.Errorf("expected updated summary, got %q", got.ConversationSummary)
	}
	if got.MessagesSinceSummary != 0 {
		t.Errorf("expected counter reset, got %d", got.MessagesSinceSummary)
	}
}

func TestRefreshSkipsWithoutHistoryOrProvider(t *testing.T) {
	s := store.NewInMemoryStore()
	p := seedPatient(t, s)

	sum := NewSummarizer(s, &fakeLLM{reply: "anything"})
	if err := sum.Refresh(context.Background(), p.ID); err != nil {
		t.Fatalf("Refresh with no history failed: %v", err)
	}
	got, _ := s.GetPatient(p.ID)
	if got.ConversationSummary != "" {
		t.Errorf("expected untouched summary, got %q", got.ConversationSummary)
	}

	none := NewSummarizer(s, nil)
	if err := none.Refresh(context.Background(), p.ID); err != nil {
		t.Fatalf("Refresh without provider failed: %v", err)
	}
}
