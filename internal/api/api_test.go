package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/carepulse/carepulse/internal/alerts"
	"github.com/carepulse/carepulse/internal/models"
	"github.com/carepulse/carepulse/internal/schedule"
	"github.com/carepulse/carepulse/internal/store"
)

var digitsOnly = regexp.MustCompile(`[^0-9]`)

// fakeService is a minimal messaging.Service for handler tests.
type fakeService struct {
	receipts  chan models.Receipt
	responses chan models.Response
	sent      []string
}

func newFakeService() *fakeService {
	return &fakeService{
		receipts:  make(chan models.Receipt, 10),
		responses: make(chan models.Response, 10),
	}
}

func (f *fakeService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical := digitsOnly.ReplaceAllString(recipient, "")
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %s", recipient)
	}
	return canonical, nil
}

func (f *fakeService) SendMessage(_ context.Context, to string, body string) (string, error) {
	f.sent = append(f.sent, to+": "+body)
	return fmt.Sprintf("SM%d", len(f.sent)), nil
}

func (f *fakeService) Start(context.Context) error       { return nil }
func (f *fakeService) Stop() error                       { return nil }
func (f *fakeService) Receipts() <-chan models.Receipt   { return f.receipts }
func (f *fakeService) Responses() <-chan models.Response { return f.responses }

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *fakeService) {
	t.Helper()
	s := store.NewInMemoryStore()
	svc := newFakeService()
	srv := NewServer(s, svc, schedule.NewMatcher(s), alerts.NewManager(s))
	return srv, s, svc
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode envelope: %v (%s)", err, rec.Body.String())
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
}

func TestCreatePatientAndDuplicateConflict(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/patients", createPatientRequest{Name: "Ana", Phone: "+1 (555) 000-1111", Timezone: "America/Mexico_City"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created models.Patient
	decodeResult(t, rec, &created)
	if created.Phone != "+15550001111" {
		t.Errorf("expected canonical phone, got %q", created.Phone)
	}

	dup := doJSON(t, srv, http.MethodPost, "/patients", createPatientRequest{Name: "Other", Phone: "15550001111"})
	if dup.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate phone, got %d", dup.Code)
	}

	bad := doJSON(t, srv, http.MethodPost, "/patients", createPatientRequest{Name: "Short", Phone: "123"})
	if bad.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid phone, got %d", bad.Code)
	}
}

func seedTemplate(t *testing.T, s *store.InMemoryStore) *models.ProgramTemplate {
	t.Helper()
	tmpl := &models.ProgramTemplate{
		Name:         "weight-4w",
		DurationDays: 28,
		Schedule: map[int][]models.Activity{
			1: {{TimeOfDay: time.Now().UTC().Format("15:04"), Type: models.CheckInTypeWeight, Prompt: "Morning weigh-in", Required: true}},
		},
	}
	if err := s.CreateTemplate(tmpl); err != nil {
		t.Fatalf("CreateTemplate failed: %v", err)
	}
	return tmpl
}

func TestEnrollAndConflict(t *testing.T) {
	srv, s, _ := newTestServer(t)
	tmpl := seedTemplate(t, s)
	p := &models.Patient{Name: "Ben", Phone: "+15550002222"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/patients/"+p.ID+"/enroll", enrollRequest{TemplateID: tmpl.ID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	again := doJSON(t, srv, http.MethodPost, "/patients/"+p.ID+"/enroll", enrollRequest{TemplateID: tmpl.ID})
	if again.Code != http.StatusConflict {
		t.Errorf("expected 409 for second active enrollment, got %d", again.Code)
	}

	missing := doJSON(t, srv, http.MethodPost, "/patients/missing/enroll", enrollRequest{TemplateID: tmpl.ID})
	if missing.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown patient, got %d", missing.Code)
	}
}

func TestScheduleEndpoint(t *testing.T) {
	srv, s, _ := newTestServer(t)
	tmpl := seedTemplate(t, s)
	p := &models.Patient{Name: "Cara", Phone: "+15550003333"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}

	empty := doJSON(t, srv, http.MethodGet, "/patients/"+p.ID+"/schedule", nil)
	if empty.Code != http.StatusOK {
		t.Fatalf("expected 200 without enrollment, got %d", empty.Code)
	}

	e := &models.ProgramEnrollment{PatientID: p.ID, TemplateID: tmpl.ID, StartDate: time.Now().UTC(), Status: models.EnrollmentStatusActive}
	if err := s.CreateEnrollment(e); err != nil {
		t.Fatalf("CreateEnrollment failed: %v", err)
	}
	rec := doJSON(t, srv, http.MethodGet, "/patients/"+p.ID+"/schedule", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var day schedule.DaySchedule
	decodeResult(t, rec, &day)
	if day.Day != 1 || len(day.Activities) != 1 {
		t.Errorf("unexpected schedule: %+v", day)
	}
	if day.Activities[0].Satisfied {
		t.Error("expected unsatisfied activity before any check-in")
	}
}

func TestAutomationToggle(t *testing.T) {
	srv, s, _ := newTestServer(t)
	p := &models.Patient{Name: "Dana", Phone: "+15550004444"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/patients/"+p.ID+"/automation", automationRequest{Paused: true, SetBy: "staff-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var envelope struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if envelope.Status != string(models.APIStatusRecorded) {
		t.Errorf("expected recorded status, got %q", envelope.Status)
	}
	got, _ := s.GetPatient(p.ID)
	if !got.AutomationPaused || got.ModeSetBy != "staff-1" {
		t.Errorf("expected automation paused by staff-1, got %+v", got)
	}
}

func TestAlertResolveFlow(t *testing.T) {
	srv, s, _ := newTestServer(t)
	p := &models.Patient{Name: "Eva", Phone: "+15550005555"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	mgr := alerts.NewManager(s)
	alert, err := mgr.Raise(p.ID, models.AlertTypeRiskDetected, models.AlertLevelHigh, "High risk", "")
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}

	list := doJSON(t, srv, http.MethodGet, "/alerts?status=OPEN", nil)
	var open []models.Alert
	decodeResult(t, list, &open)
	if len(open) != 1 {
		t.Fatalf("expected 1 open alert, got %d", len(open))
	}

	rec := doJSON(t, srv, http.MethodPost, "/alerts/"+alert.ID+"/resolve", resolveAlertRequest{ResolvedBy: "nurse-7"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	again := doJSON(t, srv, http.MethodPost, "/alerts/"+alert.ID+"/resolve", resolveAlertRequest{ResolvedBy: "nurse-7"})
	if again.Code != http.StatusConflict {
		t.Errorf("expected 409 for double resolve, got %d", again.Code)
	}
	missing := doJSON(t, srv, http.MethodPost, "/alerts/missing/resolve", resolveAlertRequest{ResolvedBy: "nurse-7"})
	if missing.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown alert, got %d", missing.Code)
	}
}

func TestListTasksIncludesSLA(t *testing.T) {
	srv, s, _ := newTestServer(t)
	task := &models.Task{
		PatientID: "p1",
		Type:      models.TaskTypeReviewRisk,
		Priority:  models.TaskPriorityHigh,
		Status:    models.TaskStatusOpen,
		Title:     "Review HIGH-risk message",
		CreatedBy: models.TaskCreatedBySystem,
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []struct {
		ID          string    `json:"id"`
		SLADeadline time.Time `json:"sla_deadline"`
		Overdue     bool      `json:"overdue"`
	}
	decodeResult(t, rec, &got)
	if len(got) != 1 {
		t.Fatalf("expected 1 task, got %d", len(got))
	}
	if got[0].SLADeadline.IsZero() {
		t.Error("expected computed SLA deadline")
	}
	if got[0].Overdue {
		t.Error("expected fresh task to not be overdue")
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestConsumeReceiptsUpdatesMessageStatus(t *testing.T) {
	srv, s, svc := newTestServer(t)
	p := &models.Patient{Name: "Gil", Phone: "+15550006666"}
	if err := s.CreatePatient(p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	msg := &models.Message{
		PatientID:  p.ID,
		Direction:  models.DirectionOutbound,
		Sender:     models.SenderAI,
		Content:    "hello",
		Status:     models.MessageStatusSent,
		ExternalID: "SM99",
	}
	if err := s.CreateMessage(msg); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.consumeReceipts(ctx)
		close(done)
	}()
	svc.receipts <- models.Receipt{To: p.Phone, Status: models.MessageStatusDelivered, ExternalID: "SM99", Time: time.Now().Unix()}

	deadline := time.Now().Add(time.Second)
	for {
		msgs, _ := s.GetRecentMessages(p.ID, 10)
		if len(msgs) == 1 && msgs[0].Status == models.MessageStatusDelivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message status never updated: %+v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
