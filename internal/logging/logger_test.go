package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}, NoColor: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Format: "json", Output: &buf})

	processLogger := logger.WithProcess(42)
	processLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, `"process_id":42`) {
		t.Errorf("expected process_id=42 in output, got: %s", output)
	}

	buf.Reset()
	nodeLogger := processLogger.WithNode(1)
	nodeLogger.Info("node message")

	output = buf.String()
	if !strings.Contains(output, `"process_id":42`) {
		t.Errorf("expected process_id=42 carried into derived logger output, got: %s", output)
	}
	if !strings.Contains(output, `"node_id":1`) {
		t.Errorf("expected node_id=1 in output, got: %s", output)
	}
}

func TestLoggerWithTxn(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Format: "json", Output: &buf})

	txnLogger := logger.WithTxn("abc-123")
	txnLogger.Debug("processing transaction")

	output := buf.String()
	if !strings.Contains(output, `"txn_id":"abc-123"`) {
		t.Errorf("expected txn_id in output, got: %s", output)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Format: "json", Output: &buf})

	logger.Info("should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got: %s", buf.String())
	}

	logger.Error("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("expected error to pass warn-level filter, got: %s", buf.String())
	}
}

func TestDefaultLogger(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Format: "json", Output: &buf}))

	Info("hello", "key", "value")
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("expected message in output, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"key":"value"`) {
		t.Errorf("expected key-value field in output, got: %s", buf.String())
	}
}
