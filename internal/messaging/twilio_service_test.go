package messaging

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/carepulse/carepulse/internal/models"
	"github.com/carepulse/carepulse/internal/twiliowhatsapp"
)

func TestTwilioServiceValidateAndCanonicalizeRecipient(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer s.Stop()

	got, err := s.ValidateAndCanonicalizeRecipient("+1 (555) 000-1111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "15550001111" {
		t.Errorf("expected 15550001111, got %s", got)
	}

	if _, err := s.ValidateAndCanonicalizeRecipient(""); err == nil {
		t.Error("expected error for empty recipient")
	}
	if _, err := s.ValidateAndCanonicalizeRecipient("123"); err == nil {
		t.Error("expected error for too-short number")
	}
}

func TestTwilioServiceSendMessageEmitsReceipt(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	s := NewTwilioService(mock)
	defer s.Stop()

	sid, err := s.SendMessage(context.Background(), "+15550001111", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sid == "" {
		t.Error("expected message SID")
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].Body != "hello" {
		t.Fatalf("unexpected sent messages: %+v", mock.SentMessages)
	}
	select {
	case receipt := <-s.Receipts():
		if receipt.Status != models.MessageStatusSent {
			t.Errorf("expected sent receipt, got %s", receipt.Status)
		}
	default:
		t.Fatal("expected a sent receipt")
	}
}

func TestTwilioServiceSendAfterStop(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := s.SendMessage(context.Background(), "+15550001111", "hello"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestHandleIncomingMessageEmitsResponse(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer s.Stop()

	form := url.Values{}
	form.Set("From", "whatsapp:+15550001111")
	form.Set("Body", "my weight is 80kg")
	form.Set("MessageSid", "SM42")
	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.HandleIncomingMessage(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case resp := <-s.Responses():
		if resp.From != "+15550001111" || resp.Body != "my weight is 80kg" || resp.ExternalID != "SM42" {
			t.Errorf("unexpected response %+v", resp)
		}
	default:
		t.Fatal("expected a response event")
	}
}

func TestHandleIncomingMessageMissingFields(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer s.Stop()

	req := httptest.NewRequest("POST", "/webhook/twilio", strings.NewReader("From=whatsapp%3A%2B1555"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.HandleIncomingMessage(rec, req)
	if rec.Code != 400 {
		t.Errorf("expected 400 for missing body, got %d", rec.Code)
	}
}

func TestHandleStatusCallback(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer s.Stop()

	form := url.Values{}
	form.Set("MessageSid", "SM42")
	form.Set("MessageStatus", "delivered")
	form.Set("To", "whatsapp:+15550001111")
	req := httptest.NewRequest("POST", "/webhook/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.HandleStatusCallback(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case receipt := <-s.Receipts():
		if receipt.Status != models.MessageStatusDelivered || receipt.ExternalID != "SM42" {
			t.Errorf("unexpected receipt %+v", receipt)
		}
	default:
		t.Fatal("expected a receipt event")
	}
}
