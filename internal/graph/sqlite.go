package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSaver persists checkpoints in a SQLite database so suspended runs
// survive process restarts. State is stored as JSON.
type SQLiteSaver[S any] struct {
	db *sql.DB
}

// NewSQLiteSaver opens (creating if needed) the checkpoint database at path.
func NewSQLiteSaver[S any](path string) (*SQLiteSaver[S], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	s := &SQLiteSaver[S]{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSaver[S]) initialize() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id  TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		next_node  TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return nil
}

func (s *SQLiteSaver[S]) Put(ctx context.Context, threadID string, cp Checkpoint[S]) error {
	blob, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, state, next_node, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			state = excluded.state,
			next_node = excluded.next_node,
			updated_at = excluded.updated_at`,
		threadID, string(blob), cp.NextNode, cp.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteSaver[S]) Get(ctx context.Context, threadID string) (Checkpoint[S], error) {
	var (
		cp      Checkpoint[S]
		blob    string
		updated string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT state, next_node, updated_at FROM checkpoints WHERE thread_id = ?`, threadID)
	if err := row.Scan(&blob, &cp.NextNode, &updated); err != nil {
		if err == sql.ErrNoRows {
			return cp, ErrNoCheckpoint
		}
		return cp, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(blob), &cp.State); err != nil {
		return cp, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		cp.UpdatedAt = ts
	}
	return cp, nil
}

func (s *SQLiteSaver[S]) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteSaver[S]) Close() error {
	return s.db.Close()
}
