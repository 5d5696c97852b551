package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("CP_TEST_BOOL", "yes")
	if !ParseBoolEnv("CP_TEST_BOOL", false) {
		t.Error(`expected "yes" to parse as true`)
	}
	t.Setenv("CP_TEST_BOOL", "off")
	if ParseBoolEnv("CP_TEST_BOOL", true) {
		t.Error(`expected "off" to parse as false`)
	}
	t.Setenv("CP_TEST_BOOL", "maybe")
	if !ParseBoolEnv("CP_TEST_BOOL", true) {
		t.Error("expected invalid value to fall back to default")
	}
	if ParseBoolEnv("CP_TEST_BOOL_UNSET", false) {
		t.Error("expected unset variable to fall back to default")
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("CP_TEST_INT", " 42 ")
	if got := ParseIntEnv("CP_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("CP_TEST_INT", "forty")
	if got := ParseIntEnv("CP_TEST_INT", 7); got != 7 {
		t.Errorf("expected default 7, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("CP_TEST_DUR", "90s")
	if got := ParseDurationEnv("CP_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	t.Setenv("CP_TEST_DUR", "soon")
	if got := ParseDurationEnv("CP_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("expected default 1m, got %v", got)
	}
}
