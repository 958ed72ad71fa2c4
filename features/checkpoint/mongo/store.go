// Package mongo provides a checkpoint.Store backed by MongoDB. Checkpoints
// are upserted per (session, checkpoint) pair so repeated saves of the "final"
// checkpoint replace the prior document.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/ssenrah/harness/checkpoint"
	"github.com/ssenrah/harness/session"
)

type (
	// Options configures the Mongo checkpoint store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection overrides the default collection name.
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store implements checkpoint.Store on a Mongo collection.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	document struct {
		SessionID     string                `bson:"session_id"`
		CheckpointID  string                `bson:"checkpoint_id"`
		SchemaVersion int                   `bson:"schema_version"`
		CreatedAt     time.Time             `bson:"created_at"`
		UpdatedAt     time.Time             `bson:"updated_at"`
		Phase         string                `bson:"phase"`
		Goal          string                `bson:"goal"`
		Summary       string                `bson:"summary,omitempty"`
		PolicyProfile string                `bson:"policy_profile,omitempty"`
		PendingTasks  []string              `bson:"pending_tasks,omitempty"`
		Metadata      map[string]any        `bson:"metadata,omitempty"`
	}
)

var _ checkpoint.Store = (*Store)(nil)

const (
	defaultCollection = "agent_checkpoints"
	defaultOpTimeout  = 5 * time.Second
)

// New builds a Store and ensures the (session, checkpoint) index exists.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "checkpoint_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("mongo checkpoint store: ensure index: %w", err)
	}
	return &Store{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

// Ping verifies connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save validates and upserts the checkpoint document.
func (s *Store) Save(ctx context.Context, sessionID string, cp checkpoint.Checkpoint) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"session_id": sessionID, "checkpoint_id": cp.CheckpointID}
	update := bson.M{"$set": encode(sessionID, cp)}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("mongo checkpoint store: save %s/%s: %w", sessionID, cp.CheckpointID, err)
	}
	return nil
}

// Load retrieves a checkpoint by session and checkpoint id.
func (s *Store) Load(ctx context.Context, sessionID, checkpointID string) (checkpoint.Checkpoint, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{"session_id": sessionID, "checkpoint_id": checkpointID}
	var doc document
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return checkpoint.Checkpoint{}, fmt.Errorf("mongo checkpoint store: checkpoint %s/%s not found", sessionID, checkpointID)
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("mongo checkpoint store: load %s/%s: %w", sessionID, checkpointID, err)
	}
	cp := decode(doc)
	if err := cp.Validate(); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("mongo checkpoint store: stored checkpoint invalid: %w", err)
	}
	return cp, nil
}

// LoadSafe retrieves a checkpoint, reporting absence or corruption as a
// boolean instead of an error.
func (s *Store) LoadSafe(ctx context.Context, sessionID, checkpointID string) (checkpoint.Checkpoint, bool) {
	cp, err := s.Load(ctx, sessionID, checkpointID)
	if err != nil {
		return checkpoint.Checkpoint{}, false
	}
	return cp, true
}

func encode(sessionID string, cp checkpoint.Checkpoint) document {
	return document{
		SessionID:     sessionID,
		CheckpointID:  cp.CheckpointID,
		SchemaVersion: cp.SchemaVersion,
		CreatedAt:     cp.CreatedAt.UTC(),
		UpdatedAt:     cp.UpdatedAt.UTC(),
		Phase:         string(cp.Phase),
		Goal:          cp.Goal,
		Summary:       cp.Summary,
		PolicyProfile: cp.PolicyProfile,
		PendingTasks:  cp.PendingTasks,
		Metadata:      cp.Metadata,
	}
}

func decode(doc document) checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		SchemaVersion: doc.SchemaVersion,
		CheckpointID:  doc.CheckpointID,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
		Phase:         checkpoint.Phase(doc.Phase),
		Goal:          doc.Goal,
		Summary:       doc.Summary,
		PolicyProfile: doc.PolicyProfile,
		PendingTasks:  doc.PendingTasks,
		Metadata:      doc.Metadata,
	}
}
