package observability

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, &buf)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below WARN leaked: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("WARN and ERROR should be present: %s", out)
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(INFO, &buf).WithField("collection", "docs")

	logger.Info("snapshot written", map[string]interface{}{"generation": 3})

	out := buf.String()
	if !strings.Contains(out, "collection=docs") {
		t.Errorf("attached field missing: %s", out)
	}
	if !strings.Contains(out, "generation=3") {
		t.Errorf("call-site field missing: %s", out)
	}
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, &buf)
	parent.WithField("child", "yes")

	parent.Info("from parent")
	if strings.Contains(buf.String(), "child=yes") {
		t.Error("derived fields leaked into the parent logger")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"DEBUG":   DEBUG,
		"info":    INFO,
		"WARNING": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for input, want := range tests {
		if got := ParseLogLevel(input); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLogfFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DEBUG, &buf)

	logger.Infof("replayed %d entries", 42)
	if !strings.Contains(buf.String(), "replayed 42 entries") {
		t.Errorf("formatted message missing: %s", buf.String())
	}
}

func TestNopLoggerSilent(t *testing.T) {
	// Must not panic and must not write anywhere observable.
	logger := Nop()
	logger.Error("nothing to see")
}
