package twiliowhatsapp

import (
	"context"
	"strings"
	"testing"
)

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error with no credentials")
	}

	_, err := NewClient(WithAccountSID("AC123"), WithAuthToken("token"))
	if err == nil || !strings.Contains(err.Error(), "fromWhats") {
		t.Errorf("expected fromWhats error, got %v", err)
	}

	client, err := NewClient(
		WithAccountSID("AC123"),
		WithAuthToken("token"),
		WithFromWhats("whatsapp:+15550009999"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.fromWhats != "whatsapp:+15550009999" {
		t.Errorf("expected fromWhats to be set, got %q", client.fromWhats)
	}
}

func TestNewClientEnvFallback(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "ACenv")
	t.Setenv("TWILIO_AUTH_TOKEN", "tokenenv")
	t.Setenv("TWILIO_FROM_NUMBER", "whatsapp:+15550008888")

	client, err := NewClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.fromWhats != "whatsapp:+15550008888" {
		t.Errorf("expected env from number, got %q", client.fromWhats)
	}
}

func TestMockClientSendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.SendMessage(ctx, "15550001111", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid != "SM00000001" {
		t.Errorf("expected SM00000001, got %q", sid)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}
	if mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", mock.SentMessages[0].Body)
	}
}
