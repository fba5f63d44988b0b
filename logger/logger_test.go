// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprucehealth/voicerouter/config"
)

func TestJSONLogger(t *testing.T) {
	var out, errOut bytes.Buffer
	l := NewWithWriters(config.Log{Level: "warn", Format: "json"}, &out, &errOut)

	l.Info().Msg("dropped")
	l.Warn().Str("call_sid", "CA1").Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "CA1", entry["call_sid"])
	assert.Equal(t, "voicerouter", entry["service"])
	assert.Zero(t, errOut.Len())
}

func TestConsoleLoggerSplitsErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	l := NewWithWriters(config.Log{Level: "debug", Format: "console"}, &out, &errOut)

	l.Debug().Msg("routine")
	l.Error().Msg("broken")

	assert.Contains(t, out.String(), "routine")
	assert.NotContains(t, out.String(), "broken")
	assert.Contains(t, errOut.String(), "broken")
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	var out bytes.Buffer
	l := NewWithWriters(config.Log{Level: "chatty", Format: "json"}, &out, &out)

	l.Debug().Msg("hidden")
	assert.Zero(t, out.Len())
	l.Info().Msg("shown")
	assert.NotZero(t, out.Len())
}
