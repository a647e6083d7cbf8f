package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("level and output", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "warn", Output: &buf})
		require.NoError(t, err)
		defer logger.Close()

		logger.Info().Msg("hidden")
		logger.Warn().Str("run_id", "r1").Msg("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), `"run_id":"r1"`)
		assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		logger, err := New(Config{Level: "loud", Output: &bytes.Buffer{}})
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "cp.log")
		logger, err := New(Config{Level: "debug", File: path, Output: &bytes.Buffer{}})
		require.NoError(t, err)
		logger.Debug().Msg("to file")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
	})
}

func TestRedact(t *testing.T) {
	key := "AIza" + strings.Repeat("x", 35)
	tests := map[string]string{
		"token " + key:              "token [REDACTED]",
		"Authorization: Bearer abc": "Authorization: [REDACTED]",
		`{"apiKey":"s3cr3t"}`:       `{"apiKey":"[REDACTED]"}`,
		"nothing to hide":           "nothing to hide",
	}
	for in, want := range tests {
		assert.Equal(t, want, Redact(in), in)
	}

	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf})
	require.NoError(t, err)
	logger.Info().Str("key", key).Msg("resolved")
	assert.NotContains(t, buf.String(), key)
}
