package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", false)

	logger.Info().Msg("hidden")
	assert.Equal(t, 0, buf.Len())

	logger.Warn().Str("component", "merger").Msg("dropped sample")
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "merger", line["component"])
	assert.Contains(t, line, "time")
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "loud", false)

	logger.Debug().Msg("hidden")
	assert.Equal(t, 0, buf.Len())
	logger.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
