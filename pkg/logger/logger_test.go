package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewParsesLevelAndFormat(t *testing.T) {
	log := New(LoggingConfig{Level: "debug", Format: "json", Output: "discard"})
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %s, want debug", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("formatter = %T, want JSON", log.Formatter)
	}

	fallback := New(LoggingConfig{Level: "loud", Output: "discard"})
	if fallback.GetLevel() != logrus.InfoLevel {
		t.Fatalf("fallback level = %s, want info", fallback.GetLevel())
	}
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := New(LoggingConfig{Level: "info", Format: "json"})
	log.SetOutput(&buf)
	log = log.Named("custody")

	log.WithField("account", "alice").Info("deposit accepted")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["component"] != "custody" || line["account"] != "alice" {
		t.Fatalf("unexpected fields: %v", line)
	}
	if log.Component() != "custody" {
		t.Fatalf("component = %q", log.Component())
	}
}
