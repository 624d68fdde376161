package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevelAliases(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":       zerolog.TraceLevel,
		"diagnostics": zerolog.TraceLevel,
		" DEBUG ":     zerolog.DebugLevel,
		"warning":     zerolog.WarnLevel,
		"off":         zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := parseLevel(raw)
		if !ok {
			t.Fatalf("parseLevel(%q) not recognised", raw)
		}
		if got != want {
			t.Fatalf("parseLevel(%q) got=%v want=%v", raw, got, want)
		}
	}
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("unexpected level accepted")
	}
	if _, ok := parseLevel(""); ok {
		t.Fatalf("empty level should not override")
	}
}

func TestParseBool(t *testing.T) {
	if v, ok := parseBool("true"); !ok || !v {
		t.Fatalf("expected true")
	}
	if _, ok := parseBool("maybe"); ok {
		t.Fatalf("expected rejection")
	}
	if _, ok := parseBool("  "); ok {
		t.Fatalf("blank should not override")
	}
}

func TestEnvOverridesApplyOnTopOfProfile(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogBypass, "1")
	cfg := defaultConfig(ProfileTest)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel {
		t.Fatalf("unexpected level: %v", cfg.Level)
	}
	if !cfg.Bypass {
		t.Fatalf("expected bypass")
	}
	if cfg.Timestamp {
		t.Fatalf("test profile should not stamp time")
	}
}

func TestNewBypassWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.InfoLevel, Bypass: true, Out: &buf})
	logger.Info().Str("component", "framer").Msg("ready")
	if !strings.Contains(buf.String(), `"component":"framer"`) {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestDebugLoggerTagsAndNil(t *testing.T) {
	var nilLogger *DebugLogger
	nilLogger.Log(TagCatchup, "ignored %d", 1)
	nilLogger.LogBytes(TagFixMessage, "msg=", []byte("8=FIX\x01"))

	var buf bytes.Buffer
	d := NewDebugLogger(New(Config{Level: zerolog.DebugLevel, Bypass: true, Out: &buf}), TagCatchup)
	if !d.isOn(TagCatchup) || d.isOn(TagReplay) {
		t.Fatalf("unexpected tag mask: %b", d.enabled)
	}
	d.Log(TagCatchup, "replayed %d", 3)
	if DebugEnabled() && !strings.Contains(buf.String(), "replayed 3") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}
	if !DebugEnabled() && buf.Len() != 0 {
		t.Fatalf("debug output without fixgate_debug tag: %q", buf.String())
	}
}

func TestParseTag(t *testing.T) {
	tag, ok := ParseTag("library_connect")
	if !ok || tag != TagLibraryConnect {
		t.Fatalf("unexpected tag: %v %v", tag, ok)
	}
	if _, ok := ParseTag("nope"); ok {
		t.Fatalf("unexpected tag accepted")
	}
	if TagReplay.String() != "replay" {
		t.Fatalf("unexpected name: %s", TagReplay)
	}
}
