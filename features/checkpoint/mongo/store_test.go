package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/ssenrah/harness/checkpoint"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Database: "harness"})
	require.ErrorContains(t, err, "mongo client is required")

	_, err = New(Options{Client: &mongodriver.Client{}})
	require.ErrorContains(t, err, "database name is required")
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	cp := checkpoint.Checkpoint{
		SchemaVersion: checkpoint.SchemaVersion,
		CheckpointID:  "final",
		CreatedAt:     created,
		UpdatedAt:     created.Add(time.Minute),
		Phase:         checkpoint.PhaseCompleted,
		Goal:          "summarize the report",
		Summary:       "report summarized",
		PolicyProfile: "strict",
		PendingTasks:  []string{"t2"},
		Metadata:      map[string]any{"depth": 1},
	}

	doc := encode("sess-1", cp)
	require.Equal(t, "sess-1", doc.SessionID)
	require.Equal(t, "final", doc.CheckpointID)
	require.Equal(t, time.UTC, doc.CreatedAt.Location(), "stored timestamps are normalized to UTC")
	require.Equal(t, time.UTC, doc.UpdatedAt.Location())

	got := decode(doc)
	require.Equal(t, cp.SchemaVersion, got.SchemaVersion)
	require.Equal(t, cp.CheckpointID, got.CheckpointID)
	require.Equal(t, cp.Phase, got.Phase)
	require.Equal(t, cp.Goal, got.Goal)
	require.Equal(t, cp.Summary, got.Summary)
	require.Equal(t, cp.PolicyProfile, got.PolicyProfile)
	require.Equal(t, cp.PendingTasks, got.PendingTasks)
	require.Equal(t, cp.Metadata, got.Metadata)
	require.True(t, got.CreatedAt.Equal(cp.CreatedAt))
	require.True(t, got.UpdatedAt.Equal(cp.UpdatedAt))
	require.NoError(t, got.Validate())
}
