// Package session defines the on-disk scope under which events and
// checkpoints for a run are persisted, and the identifier validation that
// keeps user-controlled ids from escaping it. Any id that becomes a path
// segment is treated as adversarial: the charset is validated and "." / ".."
// are rejected before any filesystem operation.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
)

// DefaultBaseDirName is the directory under the user's home that holds all
// session state when no base directory is configured.
const DefaultBaseDirName = ".ssenrah"

// idRE enforces the identifier charset: first character alphanumeric,
// subsequent characters alphanumeric, dot, underscore, or hyphen.
var idRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateID checks that an identifier is safe to use as a path segment.
// Violations fail loudly so a bad id never reaches the filesystem.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("session: identifier is empty")
	}
	if id == "." || id == ".." {
		return fmt.Errorf("session: identifier %q is reserved", id)
	}
	if !idRE.MatchString(id) {
		return fmt.Errorf("session: identifier %q contains invalid characters", id)
	}
	return nil
}

// NewID generates a fresh identifier that satisfies ValidateID.
func NewID() string {
	return "s" + uuid.NewString()
}

// DefaultBaseDir returns <home>/.ssenrah.
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("session: resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultBaseDirName), nil
}

// Dir returns the session directory <baseDir>/sessions/<sessionID>.
// The session id must have been validated by the caller.
func Dir(baseDir, sessionID string) string {
	return filepath.Join(baseDir, "sessions", sessionID)
}

// EventsPath returns the JSON-lines event log path for the session.
func EventsPath(baseDir, sessionID string) string {
	return filepath.Join(Dir(baseDir, sessionID), "events.jsonl")
}

// CheckpointsDir returns the checkpoint directory for the session.
func CheckpointsDir(baseDir, sessionID string) string {
	return filepath.Join(Dir(baseDir, sessionID), "checkpoints")
}

// CheckpointPath returns the path of a single checkpoint document.
func CheckpointPath(baseDir, sessionID, checkpointID string) string {
	return filepath.Join(CheckpointsDir(baseDir, sessionID), checkpointID+".json")
}
