package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/neurobreath/server/internal/model"
)

// SessionRepo defines the interface for session repository operations
type SessionRepo interface {
	GetByID(ctx context.Context, id string) (model.Session, error)
	Insert(ctx context.Context, s model.Session) error
	Update(ctx context.Context, s model.Session) error
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Session, error)
}

type sessionRepo struct {
	db *sql.DB
}

// NewSessionRepo creates a new SessionRepo instance
func NewSessionRepo(db *sql.DB) SessionRepo {
	return &sessionRepo{db: db}
}

// GetByID retrieves a session by its client-generated id
func (r *sessionRepo) GetByID(ctx context.Context, id string) (model.Session, error) {
	query := `
		SELECT id, device_id, technique, label, minutes, breaths, rounds, category, completed_at, synced_at
		FROM sessions
		WHERE id = $1
	`
	var s model.Session
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.DeviceID,
		&s.Technique,
		&s.Label,
		&s.Minutes,
		&s.Breaths,
		&s.Rounds,
		&s.Category,
		&s.CompletedAt,
		&s.SyncedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("query session: %w", err)
	}
	return s, nil
}

// Insert creates a session row. A concurrent insert of the same id is a
// silent no-op (the first writer wins; the merge decision is re-read on the
// next sync).
func (r *sessionRepo) Insert(ctx context.Context, s model.Session) error {
	query := `
		INSERT INTO sessions (id, device_id, technique, label, minutes, breaths, rounds, category, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.DeviceID, s.Technique, s.Label, s.Minutes, s.Breaths, s.Rounds, s.Category, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of an existing session row.
func (r *sessionRepo) Update(ctx context.Context, s model.Session) error {
	query := `
		UPDATE sessions
		SET technique = $2, label = $3, minutes = $4, breaths = $5, rounds = $6, category = $7, completed_at = $8
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		s.ID, s.Technique, s.Label, s.Minutes, s.Breaths, s.Rounds, s.Category, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByDevice returns the device's sessions, most recent first, capped at limit.
func (r *sessionRepo) ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Session, error) {
	query := `
		SELECT id, device_id, technique, label, minutes, breaths, rounds, category, completed_at, synced_at
		FROM sessions
		WHERE device_id = $1
		ORDER BY completed_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(
			&s.ID, &s.DeviceID, &s.Technique, &s.Label, &s.Minutes, &s.Breaths, &s.Rounds,
			&s.Category, &s.CompletedAt, &s.SyncedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
