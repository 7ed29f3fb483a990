package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pandeptwidyaop/devflow/internal/config"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := Component(NewWithWriter(config.LoggingConfig{Level: "info"}, &buf), "backup")

	l.Debug().Msg("hidden")
	l.Info().Str("id", "42").Msg("created")

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "backup" {
		t.Errorf("expected component backup, got %v", entry["component"])
	}
	if entry["message"] != "created" {
		t.Errorf("expected message created, got %v", entry["message"])
	}
	if entry["service"] != "devflow" {
		t.Errorf("expected service field, got %v", entry["service"])
	}
}

func TestNewWithWriter_InvalidLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(config.LoggingConfig{Level: "loud"}, &buf)
	l.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug to be filtered at info level, got %q", buf.String())
	}
}
