package pipeline

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

// markerFilename is the completion marker kept at the root of the storage
// volume. It is the only pipeline state that survives a container restart
// besides the placed files themselves.
const markerFilename = ".nexis-complete"

// Fingerprint computes a deterministic hash over the raw identifier
// configuration values. Values are sorted before hashing so the result is
// insensitive to list ordering, and the raw strings are used so parser
// changes cannot invalidate markers.
func Fingerprint(values []string) string {
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)

	sum := blake3.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// MarkerStore reads and writes the completion marker. One read at the
// start of a run, at most one write after all work has joined: no
// concurrent writers, no long-lived in-memory state.
type MarkerStore struct {
	path string
}

func NewMarkerStore(storageRoot string) *MarkerStore {
	return &MarkerStore{path: filepath.Join(storageRoot, markerFilename)}
}

// Read returns the persisted fingerprint and timestamp. A missing marker
// is not an error; it returns an empty fingerprint.
func (s *MarkerStore) Read() (string, time.Time, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read completion marker: %w", err)
	}

	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	fingerprint := strings.TrimSpace(lines[0])

	var ts time.Time
	if len(lines) == 2 {
		ts, _ = time.Parse(time.RFC3339, strings.TrimSpace(lines[1]))
	}

	return fingerprint, ts, nil
}

// Matches reports whether a persisted marker covers the given fingerprint.
// A corrupt or unreadable marker never matches; the run simply proceeds.
func (s *MarkerStore) Matches(fingerprint string) bool {
	persisted, _, err := s.Read()
	if err != nil {
		return false
	}
	return persisted != "" && persisted == fingerprint
}

// Write persists the marker for a finished run. Written to a temp name
// then renamed so a crash mid-write never leaves a half-written marker.
func (s *MarkerStore) Write(fingerprint string) error {
	content := fingerprint + "\n" + time.Now().UTC().Format(time.RFC3339) + "\n"

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write completion marker: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to move completion marker into place: %w", err)
	}
	return nil
}

// Clear removes the marker so the next invocation retries the run.
func (s *MarkerStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove completion marker: %w", err)
	}
	return nil
}
