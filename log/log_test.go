package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Infof("hidden %d", 1)
	l.Warnf("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "WARN")
}

func TestNewJSON_WritesOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, LevelDebug)

	l.Debugf("step %d", 3)
	l.Errorf("boom")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "step 3", rec["message"])
	assert.Equal(t, "DEBUG", rec["lvl"])
}

func TestSetLevel(t *testing.T) {
	defer SetLevel(LevelInfo)

	tests := []struct {
		name string
		want zapcore.Level
	}{
		{LevelDebug, zapcore.DebugLevel},
		{LevelWarn, zapcore.WarnLevel},
		{LevelError, zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.name)
			assert.Equal(t, tt.want, zapLevel.Level())
		})
	}
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop.Errorf("discarded %s", "value")
	})
}
