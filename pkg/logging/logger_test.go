package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZapLoggerWritesContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZapLogger(Config{Level: DebugLevel, Format: "json", Output: &buf})

	ctx := WithMessageID(WithAgentID(context.Background(), "agent-1"), "msg-1")
	logger.WithContext(ctx).With(String("component", "test")).Info("routed", Int("attempt", 2))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "routed", entry["message"])
	assert.Equal(t, "agent-1", entry["agent_id"])
	assert.Equal(t, "msg-1", entry["message_id"])
	assert.Equal(t, "test", entry["component"])
	assert.EqualValues(t, 2, entry["attempt"])
}

func TestZapLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZapLogger(Config{Level: WarnLevel, Output: &buf})
	logger.Info("dropped")
	assert.Zero(t, buf.Len())
	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, InfoLevel, ParseLevel("bogus"))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := NewNop()
	assert.Equal(t, l, OrNop(l))
}
