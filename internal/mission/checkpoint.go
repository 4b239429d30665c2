package mission

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrCheckpointCorrupt marks a checkpoint that could not be parsed. It never
// leaves this package: corruption surfaces to callers as "not found" plus a
// warning log, so a damaged record can never half-resume a mission.
var ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

// CheckpointStore persists the full mission state as a single JSON record.
type CheckpointStore struct {
	path   string
	logger *slog.Logger
}

// NewCheckpointStore creates a store writing to the given path.
func NewCheckpointStore(path string, logger *slog.Logger) *CheckpointStore {
	return &CheckpointStore{path: path, logger: logger}
}

// Save writes the mission state atomically: temp file in the same directory,
// then rename. A crash mid-write leaves the previous record intact.
func (s *CheckpointStore) Save(m *Mission) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}

// Load returns the stored mission when it exists, parses cleanly, and its
// goal matches the current invocation. Every other case reports not found;
// corrupt content additionally logs a warning.
func (s *CheckpointStore) Load(goal string) (*Mission, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}

	var m Mission
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("checkpoint unreadable, starting fresh",
			slog.String("path", s.path),
			slog.String("error", fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err).Error()),
		)
		return nil, false
	}

	if m.Goal != goal {
		s.logger.Info("checkpoint goal differs, starting fresh",
			slog.String("stored_goal", m.Goal),
		)
		return nil, false
	}
	return &m, true
}

// Clear removes the checkpoint. Missing file is fine.
func (s *CheckpointStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing checkpoint: %w", err)
	}
	return nil
}
