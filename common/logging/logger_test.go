package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/common/middleware"
)

func TestNewWithWriter_Formats(t *testing.T) {
	tests := []struct {
		name   string
		format string
		isJSON bool
	}{
		{name: "json", format: "json", isJSON: true},
		{name: "text", format: "text", isJSON: false},
		{name: "default is json", format: "", isJSON: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter(&buf, slog.LevelInfo, tt.format)
			l.Info("hello", SourceIP("10.0.0.5"))

			var decoded map[string]any
			err := json.Unmarshal(buf.Bytes(), &decoded)
			if tt.isJSON {
				require.NoError(t, err)
				assert.Equal(t, "hello", decoded["msg"])
				assert.Equal(t, "10.0.0.5", decoded[FieldSourceIP])
			} else {
				assert.Error(t, err)
				assert.Contains(t, buf.String(), "source_ip=10.0.0.5")
			}
		})
	}
}

func TestWithContext_RequestID(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, "json")

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-123")
	l.InfoContext(ctx, "query")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "req-123", decoded[FieldRequestID])
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, slog.LevelInfo, "json").Component("forwarder")
	l.Warn("cleartext", Target("siem"), Error(errors.New("boom")), Duration(1500*time.Millisecond))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "forwarder", decoded[FieldComponent])
	assert.Equal(t, "siem", decoded[FieldTarget])
	assert.Equal(t, "boom", decoded[FieldError])
	assert.EqualValues(t, 1500, decoded[FieldDuration])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil).Logger)
	l := Nop()
	assert.Same(t, l, OrNop(l))
}
