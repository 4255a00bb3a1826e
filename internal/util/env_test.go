package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"off", true, false},
		{"", true, true},
		{"garbage", true, true},
		{"garbage", false, false},
	}
	for _, c := range cases {
		t.Setenv("CHATRELAY_TEST_BOOL", c.value)
		if got := ParseBoolEnv("CHATRELAY_TEST_BOOL", c.def); got != c.expected {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", c.value, c.def, got, c.expected)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("CHATRELAY_TEST_INT", "2800")
	if got := ParseIntEnv("CHATRELAY_TEST_INT", 3500); got != 2800 {
		t.Errorf("expected 2800, got %d", got)
	}

	t.Setenv("CHATRELAY_TEST_INT", "not-a-number")
	if got := ParseIntEnv("CHATRELAY_TEST_INT", 3500); got != 3500 {
		t.Errorf("expected default 3500, got %d", got)
	}

	t.Setenv("CHATRELAY_TEST_INT", "-5")
	if got := ParseIntEnv("CHATRELAY_TEST_INT", 3500); got != 3500 {
		t.Errorf("expected default for negative value, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("CHATRELAY_TEST_DUR", "250ms")
	if got := ParseDurationEnv("CHATRELAY_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", got)
	}

	t.Setenv("CHATRELAY_TEST_DUR", "soon")
	if got := ParseDurationEnv("CHATRELAY_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("expected default 1s, got %v", got)
	}
}

func TestGenerateTraceID(t *testing.T) {
	id := GenerateTraceID()
	if len(id) != len("evt_")+12 {
		t.Errorf("unexpected trace id length: %q", id)
	}
	if id == GenerateTraceID() {
		t.Error("expected distinct trace ids")
	}
}
