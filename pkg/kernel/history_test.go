package kernel

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory(t *testing.T) {
	t.Run("should record and return entries in order", func(t *testing.T) {
		h, err := OpenHistory(DefaultHistoryConfig())
		require.NoError(t, err)
		defer h.Close()

		require.NoError(t, h.Append("s1", 1, "x = 1", ""))
		require.NoError(t, h.Append("s1", 2, "x + 1", "2"))
		require.NoError(t, h.Append("s2", 1, "y = 9", ""))

		entries, err := h.Tail("s1", 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "x = 1", entries[0].Source)
		assert.Equal(t, "x + 1", entries[1].Source)
		assert.Equal(t, "2", entries[1].Output)
	})

	t.Run("should limit tail size", func(t *testing.T) {
		h, err := OpenHistory(DefaultHistoryConfig())
		require.NoError(t, err)
		defer h.Close()

		for i := 1; i <= 5; i++ {
			require.NoError(t, h.Append("s", i, "line", ""))
		}

		entries, err := h.Tail("s", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, 4, entries[0].Line)
		assert.Equal(t, 5, entries[1].Line)
	})

	t.Run("should persist to a file path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "history.db")

		h, err := OpenHistory(HistoryConfig{Enabled: true, Path: path})
		require.NoError(t, err)
		require.NoError(t, h.Append("s", 1, "x = 1", ""))
		require.NoError(t, h.Close())

		reopened, err := OpenHistory(HistoryConfig{Enabled: true, Path: path})
		require.NoError(t, err)
		defer reopened.Close()

		entries, err := reopened.Tail("s", 10)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("should allow close from another goroutine", func(t *testing.T) {
		h, err := OpenHistory(DefaultHistoryConfig())
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Close())
		}()
		wg.Wait()

		assert.NoError(t, h.Close(), "second close is a no-op")
		assert.Error(t, h.Append("s", 1, "x", ""))
	})
}
