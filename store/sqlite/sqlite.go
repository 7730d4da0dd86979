// Package sqlite provides the SQLite-backed Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and works in scratch/alpine Docker images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whisper-darkly/todohub/store"
	"github.com/whisper-darkly/todohub/task"
)

// timeLayout is fixed-width (no trimmed fractional zeros) so that the TEXT
// created_at columns compare chronologically under ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB implements store.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    INTEGER NOT NULL,
			created_at TEXT    NOT NULL,
			jsonval    TEXT    NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS operations (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			checkpoint_id INTEGER NOT NULL REFERENCES checkpoints(id),
			created_at    TEXT    NOT NULL,
			jsonval       TEXT    NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS habitica_integrations (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id             INTEGER NOT NULL,
			integration_user_id TEXT    NOT NULL,
			integration_api_key TEXT    NOT NULL,
			created_at          TEXT    NOT NULL
		)`,

		// Cold loads filter on user_id + created_at (recent checkpoint) and
		// checkpoint_id + id (replay order).
		`CREATE INDEX IF NOT EXISTS idx_cp_user_created
			ON checkpoints(user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_op_checkpoint
			ON operations(checkpoint_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_hi_user_created
			ON habitica_integrations(user_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- checkpoints ----

func (s *DB) GetRecentCheckpoint(ctx context.Context, userID int64) (*store.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, jsonval
		  FROM checkpoints
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1
	`, userID)
	return scanCheckpoint(row.Scan)
}

func (s *DB) AddCheckpoint(ctx context.Context, userID int64, snapshot task.StateSnapshot) (*store.Checkpoint, error) {
	jsonval, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (user_id, created_at, jsonval)
		VALUES (?, ?, ?)
	`, userID, now.Format(timeLayout), string(jsonval))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &store.Checkpoint{ID: id, UserID: userID, CreatedAt: now, Snapshot: snapshot.Clone()}, nil
}

// ---- operations ----

func (s *DB) GetOperationsSince(ctx context.Context, checkpointID int64) ([]store.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, checkpoint_id, created_at, jsonval
		  FROM operations
		 WHERE checkpoint_id = ?
		 ORDER BY created_at ASC, id ASC
	`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []store.Operation
	for rows.Next() {
		var rec store.Operation
		var createdAt, jsonval string
		if err := rows.Scan(&rec.ID, &rec.CheckpointID, &createdAt, &jsonval); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if err := json.Unmarshal([]byte(jsonval), &rec.Op); err != nil {
			return nil, fmt.Errorf("decode operation %d: %w", rec.ID, err)
		}
		ops = append(ops, rec)
	}
	return ops, rows.Err()
}

func (s *DB) AddOperation(ctx context.Context, checkpointID int64, op task.Op) (*store.Operation, error) {
	jsonval, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (checkpoint_id, created_at, jsonval)
		VALUES (?, ?, ?)
	`, checkpointID, now.Format(timeLayout), string(jsonval))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &store.Operation{ID: id, CheckpointID: checkpointID, CreatedAt: now, Op: op}, nil
}

// ---- habit-tracker integrations ----

func (s *DB) AddIntegration(ctx context.Context, userID int64, integrationUserID, integrationAPIKey string) (*store.Integration, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO habitica_integrations (user_id, integration_user_id, integration_api_key, created_at)
		VALUES (?, ?, ?, ?)
	`, userID, integrationUserID, integrationAPIKey, now.Format(timeLayout))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &store.Integration{
		ID:                id,
		UserID:            userID,
		IntegrationUserID: integrationUserID,
		IntegrationAPIKey: integrationAPIKey,
		CreatedAt:         now,
	}, nil
}

func (s *DB) GetRecentIntegration(ctx context.Context, userID int64) (*store.Integration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, integration_user_id, integration_api_key, created_at
		  FROM habitica_integrations
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1
	`, userID)

	var in store.Integration
	var createdAt string
	err := row.Scan(&in.ID, &in.UserID, &in.IntegrationUserID, &in.IntegrationAPIKey, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	in.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	return &in, nil
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanCheckpoint(scan scanFn) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var createdAt, jsonval string
	err := scan(&cp.ID, &cp.UserID, &createdAt, &jsonval)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if err := json.Unmarshal([]byte(jsonval), &cp.Snapshot); err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", cp.ID, err)
	}
	return &cp, nil
}
