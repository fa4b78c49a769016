package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := Fingerprint([]string{"1,2,3", "org/model-a"})
		b := Fingerprint([]string{"1,2,3", "org/model-a"})
		assert.Equal(t, a, b)
	})

	t.Run("insensitive to value ordering", func(t *testing.T) {
		a := Fingerprint([]string{"1,2,3", "org/model-a"})
		b := Fingerprint([]string{"org/model-a", "1,2,3"})
		assert.Equal(t, a, b)
	})

	t.Run("any single identifier change invalidates", func(t *testing.T) {
		a := Fingerprint([]string{"1,2,3", "org/model-a"})
		b := Fingerprint([]string{"1,2,4", "org/model-a"})
		assert.NotEqual(t, a, b)
	})
}

func TestMarkerStore(t *testing.T) {
	t.Run("write then read roundtrip", func(t *testing.T) {
		store := NewMarkerStore(t.TempDir())
		fp := Fingerprint([]string{"1,2,3"})

		require.NoError(t, store.Write(fp))

		persisted, ts, err := store.Read()
		require.NoError(t, err)
		assert.Equal(t, fp, persisted)
		assert.WithinDuration(t, time.Now(), ts, time.Minute)
		assert.True(t, store.Matches(fp))
	})

	t.Run("absent marker matches nothing", func(t *testing.T) {
		store := NewMarkerStore(t.TempDir())

		persisted, _, err := store.Read()
		require.NoError(t, err)
		assert.Empty(t, persisted)
		assert.False(t, store.Matches(Fingerprint([]string{"x"})))
	})

	t.Run("changed configuration does not match", func(t *testing.T) {
		store := NewMarkerStore(t.TempDir())
		require.NoError(t, store.Write(Fingerprint([]string{"1,2,3"})))

		assert.False(t, store.Matches(Fingerprint([]string{"1,2,3,4"})))
	})

	t.Run("clear removes the marker", func(t *testing.T) {
		store := NewMarkerStore(t.TempDir())
		fp := Fingerprint([]string{"1"})
		require.NoError(t, store.Write(fp))

		require.NoError(t, store.Clear())
		assert.False(t, store.Matches(fp))

		// Clearing an absent marker is not an error.
		require.NoError(t, store.Clear())
	})

	t.Run("corrupt marker never matches", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, markerFilename), []byte("\n\n"), 0644))

		store := NewMarkerStore(dir)
		assert.False(t, store.Matches(Fingerprint([]string{"1"})))
	})
}
