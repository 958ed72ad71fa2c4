// Package checkpoint persists versioned JSON documents describing the
// terminal state of a run. Checkpoints are terminal summaries, not a replay
// source; the event log plus graph mutation events remain the replay
// authority. The Store interface has a filesystem implementation here and a
// MongoDB backend under features/checkpoint/mongo.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/ssenrah/harness/session"
)

type (
	// Phase is the terminal phase recorded in a checkpoint.
	Phase string

	// Checkpoint is the schema-versioned terminal state document for a run.
	Checkpoint struct {
		// SchemaVersion is the document schema version. Always 1.
		SchemaVersion int `json:"schemaVersion"`
		// CheckpointID identifies the document within its session.
		CheckpointID string `json:"checkpointId"`
		// CreatedAt is when the checkpoint was first written.
		CreatedAt time.Time `json:"createdAt"`
		// UpdatedAt is when the checkpoint was last written.
		UpdatedAt time.Time `json:"updatedAt"`
		// Phase is the terminal phase of the run.
		Phase Phase `json:"phase"`
		// Goal is the run's original goal text.
		Goal string `json:"goal"`
		// Summary optionally carries a synthesis of what was accomplished.
		Summary string `json:"summary,omitempty"`
		// PolicyProfile optionally records the active policy profile.
		PolicyProfile string `json:"policyProfile,omitempty"`
		// PendingTasks optionally lists ids of tasks left unresolved.
		PendingTasks []string `json:"pendingTasks,omitempty"`
		// Metadata carries implementation-specific extras.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Store persists checkpoints per session. Save must be atomic enough for
	// single-writer use; Load is strict and LoadSafe returns absence instead of
	// errors for missing, corrupt, or invalid payloads.
	Store interface {
		// Save validates and persists the checkpoint under the session.
		Save(ctx context.Context, sessionID string, cp Checkpoint) error
		// Load reads and validates a checkpoint, failing with a parse or
		// validation error when the payload is unusable.
		Load(ctx context.Context, sessionID, checkpointID string) (Checkpoint, error)
		// LoadSafe reads a checkpoint, returning ok=false on missing, corrupt,
		// or invalid payloads.
		LoadSafe(ctx context.Context, sessionID, checkpointID string) (Checkpoint, bool)
	}
)

const (
	// SchemaVersion is the current checkpoint document schema version.
	SchemaVersion = 1

	// PhaseCompleted marks normal completion.
	PhaseCompleted Phase = "completed"
	// PhaseAwaitUser marks a run suspended pending user approval.
	PhaseAwaitUser Phase = "await_user"
	// PhaseFailed marks any other terminal outcome.
	PhaseFailed Phase = "failed"
)

// Valid reports whether the phase is one of the recognized terminal phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseCompleted, PhaseAwaitUser, PhaseFailed:
		return true
	}
	return false
}

// Validate enforces the checkpoint schema: version 1, a safe non-empty id, a
// non-empty goal, non-zero timestamps, and a recognized phase. Optional fields
// are typed by construction.
func (c *Checkpoint) Validate() error {
	if c.SchemaVersion != SchemaVersion {
		return fmt.Errorf("checkpoint: unsupported schema version %d", c.SchemaVersion)
	}
	if err := session.ValidateID(c.CheckpointID); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if c.Goal == "" {
		return fmt.Errorf("checkpoint %q: goal is empty", c.CheckpointID)
	}
	if c.CreatedAt.IsZero() || c.UpdatedAt.IsZero() {
		return fmt.Errorf("checkpoint %q: timestamps are required", c.CheckpointID)
	}
	if !c.Phase.Valid() {
		return fmt.Errorf("checkpoint %q: unrecognized phase %q", c.CheckpointID, c.Phase)
	}
	return nil
}
