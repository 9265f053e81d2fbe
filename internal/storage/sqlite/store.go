// Package sqlite persists completed interactions for later inspection.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/larkbridge/larkbridge/internal/domain"
)

// Store is a SQLite-backed interaction log.
type Store struct {
	db *sql.DB
}

// New opens or creates the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			streaming INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			finish_reason TEXT,
			prompt_chars INTEGER NOT NULL DEFAULT 0,
			response_chars INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT,
			duration_ns INTEGER,
			conversation_id TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_status ON interactions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// SaveInteraction inserts one completed interaction.
func (s *Store) SaveInteraction(ctx context.Context, interaction *domain.Interaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (
			id, model, streaming, status, finish_reason,
			prompt_chars, response_chars, error_kind, duration_ns,
			conversation_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		interaction.ID,
		interaction.Model,
		boolToInt(interaction.Streaming),
		interaction.Status,
		interaction.FinishReason,
		interaction.PromptChars,
		interaction.ResponseChars,
		interaction.ErrorKind,
		interaction.Duration.Nanoseconds(),
		interaction.ConversationID,
		interaction.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save interaction: %w", err)
	}
	return nil
}

// ListInteractions returns the most recent interactions, newest first.
func (s *Store) ListInteractions(ctx context.Context, limit int) ([]*domain.Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, streaming, status, finish_reason,
			prompt_chars, response_chars, error_kind, duration_ns,
			conversation_id, created_at
		FROM interactions
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	var interactions []*domain.Interaction
	for rows.Next() {
		var (
			i          domain.Interaction
			streaming  int
			durationNS int64
			createdAt  time.Time
		)
		if err := rows.Scan(
			&i.ID, &i.Model, &streaming, &i.Status, &i.FinishReason,
			&i.PromptChars, &i.ResponseChars, &i.ErrorKind, &durationNS,
			&i.ConversationID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		i.Streaming = streaming != 0
		i.Duration = time.Duration(durationNS)
		i.CreatedAt = createdAt
		interactions = append(interactions, &i)
	}
	return interactions, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
