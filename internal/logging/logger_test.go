package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentTagsJSONRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(&buf, "debug", "json"), "payments")

	logger.Debug("transition", "payment_id", "p1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "payments", record["component"])
	assert.Equal(t, "p1", record["payment_id"])
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "loud", "text")

	logger.Debug("hidden")
	logger.Info("shown")

	out := buf.String()
	assert.False(t, strings.Contains(out, "hidden"))
	assert.True(t, strings.Contains(out, "shown"))
}
