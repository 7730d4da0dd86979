// Package postgres provides the PostgreSQL-backed Store implementation.
// It uses pgx/v5 (pure Go, no CGO) and runs embedded migrations at startup.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whisper-darkly/todohub/store"
	"github.com/whisper-darkly/todohub/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn.
// Safe to call multiple times — ErrNoChange is treated as success.
// Called by initdb (as exported) and by Open (internally).
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5:// scheme
// expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// ---- checkpoints ----

func (d *DB) GetRecentCheckpoint(ctx context.Context, userID int64) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var jsonval string
	err := d.pool.QueryRow(ctx, `
		SELECT id, user_id, created_at, jsonval
		FROM checkpoints
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID).Scan(&cp.ID, &cp.UserID, &cp.CreatedAt, &jsonval)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(jsonval), &cp.Snapshot); err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", cp.ID, err)
	}
	return &cp, nil
}

func (d *DB) AddCheckpoint(ctx context.Context, userID int64, snapshot task.StateSnapshot) (*store.Checkpoint, error) {
	jsonval, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	cp := store.Checkpoint{UserID: userID, Snapshot: snapshot.Clone()}
	err = d.pool.QueryRow(ctx, `
		INSERT INTO checkpoints (user_id, jsonval)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, userID, string(jsonval)).Scan(&cp.ID, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ---- operations ----

func (d *DB) GetOperationsSince(ctx context.Context, checkpointID int64) ([]store.Operation, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, checkpoint_id, created_at, jsonval
		FROM operations
		WHERE checkpoint_id = $1
		ORDER BY created_at ASC, id ASC
	`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []store.Operation
	for rows.Next() {
		var rec store.Operation
		var jsonval string
		if err := rows.Scan(&rec.ID, &rec.CheckpointID, &rec.CreatedAt, &jsonval); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(jsonval), &rec.Op); err != nil {
			return nil, fmt.Errorf("decode operation %d: %w", rec.ID, err)
		}
		ops = append(ops, rec)
	}
	return ops, rows.Err()
}

func (d *DB) AddOperation(ctx context.Context, checkpointID int64, op task.Op) (*store.Operation, error) {
	jsonval, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}
	rec := store.Operation{CheckpointID: checkpointID, Op: op}
	err = d.pool.QueryRow(ctx, `
		INSERT INTO operations (checkpoint_id, jsonval)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, checkpointID, string(jsonval)).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ---- habit-tracker integrations ----

func (d *DB) AddIntegration(ctx context.Context, userID int64, integrationUserID, integrationAPIKey string) (*store.Integration, error) {
	in := store.Integration{
		UserID:            userID,
		IntegrationUserID: integrationUserID,
		IntegrationAPIKey: integrationAPIKey,
	}
	err := d.pool.QueryRow(ctx, `
		INSERT INTO habitica_integrations (user_id, integration_user_id, integration_api_key)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, userID, integrationUserID, integrationAPIKey).Scan(&in.ID, &in.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (d *DB) GetRecentIntegration(ctx context.Context, userID int64) (*store.Integration, error) {
	var in store.Integration
	err := d.pool.QueryRow(ctx, `
		SELECT id, user_id, integration_user_id, integration_api_key, created_at
		FROM habitica_integrations
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID).Scan(&in.ID, &in.UserID, &in.IntegrationUserID, &in.IntegrationAPIKey, &in.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}
