package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLevelAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(&buf, "warn", false), "reconcile")

	log.Info().Msg("hidden")
	require.Zero(t, buf.Len())

	log.Warn().Str("reason", "timeout").Msg("pull failed")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "reconcile", line["component"])
	require.Equal(t, "warn", line["level"])
	require.Equal(t, "timeout", line["reason"])
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "chatty", false)
	log.Debug().Msg("hidden")
	require.Zero(t, buf.Len())
	log.Info().Msg("shown")
	require.NotZero(t, buf.Len())
}
