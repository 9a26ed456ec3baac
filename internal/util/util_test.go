package util

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateRandomHex(t *testing.T) {
	hex := GenerateRandomHex(32)
	if len(hex) != 32 {
		t.Errorf("expected 32 chars, got %d", len(hex))
	}
	for _, r := range hex {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Errorf("non-hex character %q in %s", r, hex)
		}
	}
	if GenerateRandomHex(0) != "" {
		t.Error("zero length should return empty string")
	}
}

func TestGenerateOutboundID(t *testing.T) {
	id := GenerateOutboundID()
	if !strings.HasPrefix(id, "out_") {
		t.Errorf("expected out_ prefix, got %s", id)
	}
	if len(id) != 4+32 {
		t.Errorf("unexpected length %d", len(id))
	}
	if GenerateOutboundID() == id {
		t.Error("consecutive IDs should differ")
	}
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("TEST_BOOL", "yes")
	if !ParseBoolEnv("TEST_BOOL", false) {
		t.Error("expected true for 'yes'")
	}
	t.Setenv("TEST_BOOL", "off")
	if ParseBoolEnv("TEST_BOOL", true) {
		t.Error("expected false for 'off'")
	}
	t.Setenv("TEST_BOOL", "banana")
	if !ParseBoolEnv("TEST_BOOL", true) {
		t.Error("invalid value should fall back to default")
	}
	if ParseBoolEnv("TEST_BOOL_UNSET", false) {
		t.Error("unset should return default")
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("TEST_INT", " 42 ")
	if got := ParseIntEnv("TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("TEST_INT", "nope")
	if got := ParseIntEnv("TEST_INT", 7); got != 7 {
		t.Errorf("invalid value should fall back to default, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TEST_DUR", "45s")
	if got := ParseDurationEnv("TEST_DUR", time.Minute); got != 45*time.Second {
		t.Errorf("expected 45s, got %v", got)
	}
	t.Setenv("TEST_DUR", "soon")
	if got := ParseDurationEnv("TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("invalid value should fall back to default, got %v", got)
	}
}

func TestParseListEnv(t *testing.T) {
	t.Setenv("TEST_LIST", "!deploy, hey bot , ,")
	got := ParseListEnv("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "!deploy" || got[1] != "hey bot" {
		t.Errorf("unexpected list: %v", got)
	}
	def := []string{"fallback"}
	if got := ParseListEnv("TEST_LIST_UNSET", def); len(got) != 1 || got[0] != "fallback" {
		t.Errorf("unset should return default, got %v", got)
	}
}
