package models

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestIsValidChatMode(t *testing.T) {
	valid := []ChatMode{ChatModeAutomated, ChatModeHuman, ChatModePaused}
	for _, m := range valid {
		if !IsValidChatMode(m) {
			t.Errorf("expected %s to be valid", m)
		}
	}
	if IsValidChatMode("ROBOT") {
		t.Error("unknown mode should be invalid")
	}
}

func TestClampBody(t *testing.T) {
	short := "hello"
	if got := ClampBody(short); got != short {
		t.Errorf("short content must pass through, got %q", got)
	}

	long := strings.Repeat("a", MaxMessageBodyLength+100)
	got := ClampBody(long)
	if len(got) != MaxMessageBodyLength {
		t.Errorf("expected %d bytes, got %d", MaxMessageBodyLength, len(got))
	}

	// Truncation must land on a rune boundary.
	runes := strings.Repeat("é", MaxMessageBodyLength) // 2 bytes each
	got = ClampBody(runes)
	if len(got) > MaxMessageBodyLength || !utf8.ValidString(got) {
		t.Errorf("expected valid UTF-8 within %d bytes, got %d bytes", MaxMessageBodyLength, len(got))
	}
}

func TestPatientLocationFallback(t *testing.T) {
	p := Patient{Timezone: "Not/AZone"}
	if loc := p.Location(); loc != time.UTC {
		t.Errorf("invalid timezone should fall back to UTC, got %v", loc)
	}
	p.Timezone = ""
	if loc := p.Location(); loc != time.UTC {
		t.Errorf("empty timezone should fall back to UTC, got %v", loc)
	}
	p.Timezone = "America/New_York"
	if loc := p.Location(); loc.String() != "America/New_York" {
		t.Errorf("expected America/New_York, got %v", loc)
	}
}

func TestActivityValidate(t *testing.T) {
	a := Activity{TimeOfDay: "09:00", Type: CheckInTypeWeight, Prompt: "Please send your weight"}
	if err := a.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := []Activity{
		{TimeOfDay: "9am", Type: CheckInTypeWeight, Prompt: "x"},
		{TimeOfDay: "09:00", Type: "JUMPS", Prompt: "x"},
		{TimeOfDay: "09:00", Type: CheckInTypeWeight},
	}
	for i, a := range bad {
		if err := a.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestTemplateValidate(t *testing.T) {
	tmpl := ProgramTemplate{
		Name:         "12-week metabolic",
		DurationDays: 84,
		Schedule: map[int][]Activity{
			1: {{TimeOfDay: "09:00", Type: CheckInTypeWeight, Prompt: "weight?", Required: true}},
		},
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tmpl.Schedule[90] = []Activity{{TimeOfDay: "09:00", Type: CheckInTypeMood, Prompt: "mood?"}}
	if err := tmpl.Validate(); err == nil {
		t.Error("day beyond duration should be rejected")
	}
}

func TestAlertLevelOrdering(t *testing.T) {
	if !AlertLevelCritical.AtLeast(AlertLevelHigh) {
		t.Error("CRITICAL should be at least HIGH")
	}
	if AlertLevelLow.AtLeast(AlertLevelMedium) {
		t.Error("LOW should not be at least MEDIUM")
	}
}

func TestRiskLevelOrdering(t *testing.T) {
	if !RiskLevelHigh.AtLeast(RiskLevelHigh) {
		t.Error("HIGH should be at least HIGH")
	}
	if RiskLevelMedium.AtLeast(RiskLevelHigh) {
		t.Error("MEDIUM should not be at least HIGH")
	}
}

func TestAlertLevelForRisk(t *testing.T) {
	cases := map[RiskLevel]AlertLevel{
		RiskLevelLow:      AlertLevelLow,
		RiskLevelMedium:   AlertLevelMedium,
		RiskLevelHigh:     AlertLevelHigh,
		RiskLevelCritical: AlertLevelCritical,
	}
	for risk, want := range cases {
		if got := AlertLevelForRisk(risk); got != want {
			t.Errorf("AlertLevelForRisk(%s) = %s, want %s", risk, got, want)
		}
	}
}
