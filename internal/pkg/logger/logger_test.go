package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	reqctx "github.com/UgoRastell/microsaas/internal/pkg/context"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug text", "debug", "text"},
		{"info json", "info", "json"},
		{"warn text", "warn", "text"},
		{"error json", "error", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			if logger.Logger == nil {
				t.Fatal("New() returned logger with nil slog.Logger")
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger := New("info", "text")

	// Context without request ID returns the logger unchanged
	ctx := context.Background()
	if l := logger.WithContext(ctx); l != logger {
		t.Error("WithContext() without request id should return the same logger")
	}

	// Context with request ID attaches the field
	var buf bytes.Buffer
	base := &Logger{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	base.WithContext(reqctx.WithRequestID(ctx, "req-123")).Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-123") {
		t.Errorf("output should carry the request id, got: %s", buf.String())
	}
}

func TestLogger_WithComponent(t *testing.T) {
	logger := New("info", "text")

	l := logger.WithComponent("worker")
	if l == nil {
		t.Fatal("WithComponent() returned nil")
	}
}

func TestLogger_WithSubject(t *testing.T) {
	logger := New("info", "text")

	l := logger.WithSubject("invoice.create")
	if l == nil {
		t.Fatal("WithSubject() returned nil")
	}
}

func TestLogger_WithError(t *testing.T) {
	logger := New("info", "text")

	l := logger.WithError(context.DeadlineExceeded)
	if l == nil {
		t.Fatal("WithError() returned nil")
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil {
		t.Fatal("Default() returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // default
		{"", slog.LevelInfo},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLogger_OutputFormat(t *testing.T) {
	t.Run("json format", func(t *testing.T) {
		var buf bytes.Buffer
		handler := slog.NewJSONHandler(&buf, nil)
		logger := &Logger{Logger: slog.New(handler)}

		logger.Info("test message")

		output := buf.String()
		if !strings.Contains(output, `"msg":"test message"`) {
			t.Errorf("JSON output should contain msg field, got: %s", output)
		}
	})

	t.Run("text format", func(t *testing.T) {
		var buf bytes.Buffer
		handler := slog.NewTextHandler(&buf, nil)
		logger := &Logger{Logger: slog.New(handler)}

		logger.Info("test message")

		output := buf.String()
		if !strings.Contains(output, "test message") {
			t.Errorf("Text output should contain message, got: %s", output)
		}
	})
}
