package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":    DEBUG,
		"INFO":     INFO,
		"warning":  WARN,
		" Error ":  ERROR,
		"critical": FATAL,
		"bogus":    INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, INFO, true).WithComponent("relay")

	logger.Info("pump started", map[string]interface{}{
		"job_id": "abc",
		"err":    errors.New("boom"),
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["message"] != "pump started" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v", entry["level"])
	}
	if entry["component"] != "relay" || entry["job_id"] != "abc" {
		t.Errorf("fields missing: %v", entry)
	}
	if entry["err"] != "boom" {
		t.Errorf("error field = %v", entry["err"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, WARN, false)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("entries below WARN were written: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("WARN entry missing: %s", out)
	}
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter(&buf, INFO, true)
	_ = parent.WithField("job_id", "x")

	parent.Info("plain")
	if strings.Contains(buf.String(), "job_id") {
		t.Errorf("parent logger gained child field: %s", buf.String())
	}
}
