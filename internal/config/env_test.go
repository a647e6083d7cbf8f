package config

import (
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CP_TEST_STRING", "  value ")
	t.Setenv("CP_TEST_INT", "42")
	t.Setenv("CP_TEST_BAD_INT", "forty")
	t.Setenv("CP_TEST_DURATION", "90s")
	t.Setenv("CP_TEST_NEG_DURATION", "-1s")
	t.Setenv("CP_TEST_BOOL", "yes")

	if got := StringEnv("CP_TEST_STRING", "x"); got != "value" {
		t.Fatalf("StringEnv = %q", got)
	}
	if got := StringEnv("CP_TEST_UNSET", "x"); got != "x" {
		t.Fatalf("StringEnv fallback = %q", got)
	}
	if got := ParseIntEnv("CP_TEST_INT", 1); got != 42 {
		t.Fatalf("ParseIntEnv = %d", got)
	}
	if got := ParseIntEnv("CP_TEST_BAD_INT", 1); got != 1 {
		t.Fatalf("ParseIntEnv fallback = %d", got)
	}
	if got := ParseDurationEnv("CP_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("ParseDurationEnv = %s", got)
	}
	if got := ParseDurationEnv("CP_TEST_NEG_DURATION", time.Second); got != time.Second {
		t.Fatalf("ParseDurationEnv negative = %s", got)
	}
	if !ParseBoolEnv("CP_TEST_BOOL", false) {
		t.Fatal("ParseBoolEnv = false")
	}
	if ParseBoolString("maybe", false) {
		t.Fatal("ParseBoolString accepted garbage")
	}
}
