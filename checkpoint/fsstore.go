package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ssenrah/harness/session"
)

// FSStore persists checkpoints as single-object JSON files under
// <baseDir>/sessions/<sessionId>/checkpoints/<checkpointId>.json.
type FSStore struct {
	baseDir string
}

var _ Store = (*FSStore)(nil)

// NewFSStore constructs a filesystem store rooted at baseDir. An empty baseDir
// resolves to the default session base directory.
func NewFSStore(baseDir string) (*FSStore, error) {
	if baseDir == "" {
		var err error
		baseDir, err = session.DefaultBaseDir()
		if err != nil {
			return nil, err
		}
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory the store writes under.
func (s *FSStore) BaseDir() string { return s.baseDir }

// Save validates the checkpoint and writes it to its session path, creating
// parent directories on demand.
func (s *FSStore) Save(_ context.Context, sessionID string, cp Checkpoint) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return err
	}
	dir := session.CheckpointsDir(s.baseDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create directory: %w", err)
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal %q: %w", cp.CheckpointID, err)
	}
	path := session.CheckpointPath(s.baseDir, sessionID, cp.CheckpointID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	return nil
}

// Load reads and validates a checkpoint, failing on missing files, corrupt
// JSON, or validation errors.
func (s *FSStore) Load(_ context.Context, sessionID, checkpointID string) (Checkpoint, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return Checkpoint{}, err
	}
	if err := session.ValidateID(checkpointID); err != nil {
		return Checkpoint{}, err
	}
	path := session.CheckpointPath(s.baseDir, sessionID, checkpointID)
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: parse %s: %w", path, err)
	}
	if err := cp.Validate(); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// LoadSafe reads a checkpoint, reporting absence instead of errors.
func (s *FSStore) LoadSafe(ctx context.Context, sessionID, checkpointID string) (Checkpoint, bool) {
	cp, err := s.Load(ctx, sessionID, checkpointID)
	if err != nil {
		return Checkpoint{}, false
	}
	return cp, true
}
