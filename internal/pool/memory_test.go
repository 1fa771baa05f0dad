package pool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemAvailable(t *testing.T) {
	t.Run("extracts the MemAvailable row", func(t *testing.T) {
		data := []byte("MemTotal:       16323108 kB\n" +
			"MemFree:         8224196 kB\n" +
			"MemAvailable:   12871432 kB\n" +
			"Buffers:          734396 kB\n")

		mb, ok := parseMemAvailable(data)
		require.True(t, ok)
		assert.Equal(t, 12569, mb)
	})

	t.Run("missing row reports unknown", func(t *testing.T) {
		_, ok := parseMemAvailable([]byte("MemTotal: 16323108 kB\nMemFree: 8224196 kB\n"))
		assert.False(t, ok)
	})

	t.Run("garbage value reports unknown", func(t *testing.T) {
		_, ok := parseMemAvailable([]byte("MemAvailable: plenty kB\n"))
		assert.False(t, ok)
	})

	t.Run("truncated row reports unknown", func(t *testing.T) {
		_, ok := parseMemAvailable([]byte("MemAvailable:\n"))
		assert.False(t, ok)
	})
}

func writeMeminfo(t *testing.T, availableKB string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "meminfo")
	content := "MemTotal:       16323108 kB\nMemAvailable:   " + availableKB + " kB\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestMemoryGate(t *testing.T) {
	t.Run("admits above the threshold", func(t *testing.T) {
		gate := NewMemoryGate(300)
		gate.path = writeMeminfo(t, "1048576")

		assert.True(t, gate.Admit())
	})

	t.Run("denies below the threshold", func(t *testing.T) {
		gate := NewMemoryGate(300)
		gate.path = writeMeminfo(t, "102400")

		assert.False(t, gate.Admit())
	})

	t.Run("admits when meminfo is unreadable", func(t *testing.T) {
		gate := NewMemoryGate(300)
		gate.path = filepath.Join(t.TempDir(), "does-not-exist")

		assert.True(t, gate.Admit())
	})
}
