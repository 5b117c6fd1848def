package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"llamachat/internal/config"
	"llamachat/internal/models"
	"llamachat/internal/storage"
)

// DefaultListLimit caps ListTurns when the caller passes no limit.
const DefaultListLimit = 100

// Store persists turn records in the turns table.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to the configured transcript database and migrates it.
// It returns (nil, nil) when transcripts are disabled.
func Open(cfg *config.Config) (*Store, error) {
	dbType := cfg.BasicConfig.TranscriptDB
	if dbType == "" {
		return nil, nil
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db, dbType); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// RecordTurn inserts rec and fills in its ID.
func (s *Store) RecordTurn(ctx context.Context, rec *models.TurnRecord) error {
	if rec == nil {
		return errors.New("turn record is required")
	}
	if rec.SessionID == "" {
		return errors.New("session_id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, mode, provider, model, prompt, raw, reply, error_kind, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Mode, rec.Provider, rec.Model, rec.Prompt, rec.Raw, rec.Reply,
		rec.ErrorKind, rec.Error, rec.Duration, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("turn id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListTurns returns the most recent turns of a session in chronological order.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]models.TurnRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, mode, provider, model, prompt, raw, reply, error_kind, error, duration_ms, created_at
		FROM turns WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []models.TurnRecord
	for rows.Next() {
		var t models.TurnRecord
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Mode, &t.Provider, &t.Model, &t.Prompt, &t.Raw,
			&t.Reply, &t.ErrorKind, &t.Error, &t.Duration, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest first from the query
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// DeleteSession drops every turn of a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
