// Package store defines the persistence abstraction for todohub.
// The default implementation is SQLite; Postgres is available for shared
// deployments. Both persist the same two relations: full-snapshot
// checkpoints and the append-only operation log hanging off them.
package store

import (
	"context"
	"time"

	"github.com/whisper-darkly/todohub/task"
)

// Checkpoint is a persisted full snapshot of a user's document. It is the
// base every subsequent operation record is keyed against.
type Checkpoint struct {
	ID        int64              `json:"checkpoint_id"`
	UserID    int64              `json:"user_id"`
	CreatedAt time.Time          `json:"created_at"`
	Snapshot  task.StateSnapshot `json:"snapshot"`
}

// Operation is a single persisted mutation under a checkpoint.
type Operation struct {
	ID           int64     `json:"operation_id"`
	CheckpointID int64     `json:"checkpoint_id"`
	CreatedAt    time.Time `json:"created_at"`
	Op           task.Op   `json:"op"`
}

// Integration is a stored habit-tracker credential pair for a user.
type Integration struct {
	ID                int64     `json:"-"`
	UserID            int64     `json:"-"`
	IntegrationUserID string    `json:"integration_user_id"`
	IntegrationAPIKey string    `json:"integration_api_key"`
	CreatedAt         time.Time `json:"-"`
}

// Store is the persistence abstraction. All methods are context-aware.
//
// Operation records under a single checkpoint are written by one goroutine
// at a time (the per-user cell serializes them); implementations only need
// to be safe under concurrent writers for different checkpoint ids.
type Store interface {
	// GetRecentCheckpoint returns the newest checkpoint for the user.
	// Returns (nil, nil) when the user has none yet.
	GetRecentCheckpoint(ctx context.Context, userID int64) (*Checkpoint, error)

	// AddCheckpoint persists snapshot as a new checkpoint and returns it
	// with its assigned id and timestamp.
	AddCheckpoint(ctx context.Context, userID int64, snapshot task.StateSnapshot) (*Checkpoint, error)

	// GetOperationsSince returns every operation recorded under the given
	// checkpoint, ordered by creation time (ties broken by id).
	GetOperationsSince(ctx context.Context, checkpointID int64) ([]Operation, error)

	// AddOperation durably appends op under the given checkpoint.
	// It returns only after the record is committed; callers rely on this
	// for the durability-before-visibility guarantee.
	AddOperation(ctx context.Context, checkpointID int64, op task.Op) (*Operation, error)

	// AddIntegration stores a habit-tracker credential pair for the user.
	AddIntegration(ctx context.Context, userID int64, integrationUserID, integrationAPIKey string) (*Integration, error)

	// GetRecentIntegration returns the most recently stored credential pair.
	// Returns (nil, nil) when the user has none.
	GetRecentIntegration(ctx context.Context, userID int64) (*Integration, error)

	Close() error
}
