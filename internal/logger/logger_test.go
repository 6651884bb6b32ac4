package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should create a console logger", func(t *testing.T) {
		l, err := New(DefaultConfig())
		require.NoError(t, err)
		defer l.Close()

		l.Info().Msg("hello")
	})

	t.Run("should fall back to info on an unknown level", func(t *testing.T) {
		l, err := New(Config{Level: "nonsense", Console: true})
		require.NoError(t, err)
		defer l.Close()
	})

	t.Run("should write to a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "attache.log")
		l, err := New(Config{Level: "info", File: path})
		require.NoError(t, err)

		l.Info().Str("key", "value").Msg("to file")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
	})

	t.Run("should discard output with no writers", func(t *testing.T) {
		l, err := New(Config{Level: "info"})
		require.NoError(t, err)
		defer l.Close()

		l.Info().Msg("dropped")
	})
}
