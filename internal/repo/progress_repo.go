package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/neurobreath/server/internal/model"
)

// ProgressRepo defines the interface for progress aggregate operations
type ProgressRepo interface {
	GetByDevice(ctx context.Context, deviceID string) (model.Progress, error)
	Create(ctx context.Context, p model.Progress) error
	Update(ctx context.Context, p model.Progress) error
}

type progressRepo struct {
	db *sql.DB
}

// NewProgressRepo creates a new ProgressRepo instance
func NewProgressRepo(db *sql.DB) ProgressRepo {
	return &progressRepo{db: db}
}

// GetByDevice retrieves the single aggregate row for a device
func (r *progressRepo) GetByDevice(ctx context.Context, deviceID string) (model.Progress, error) {
	query := `
		SELECT device_id, total_sessions, total_minutes, total_breaths,
		       current_streak, longest_streak, last_session_date, updated_at
		FROM progress
		WHERE device_id = $1
	`
	var p model.Progress
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&p.DeviceID,
		&p.TotalSessions,
		&p.TotalMinutes,
		&p.TotalBreaths,
		&p.CurrentStreak,
		&p.LongestStreak,
		&p.LastSessionDate,
		&p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Progress{}, ErrNotFound
		}
		return model.Progress{}, fmt.Errorf("query progress: %w", err)
	}
	return p, nil
}

// Create inserts the first aggregate row for a device. A concurrent first
// sync loses the race harmlessly: the next merge re-reads and maxes.
func (r *progressRepo) Create(ctx context.Context, p model.Progress) error {
	query := `
		INSERT INTO progress (device_id, total_sessions, total_minutes, total_breaths,
		                      current_streak, longest_streak, last_session_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		p.DeviceID, p.TotalSessions, p.TotalMinutes, p.TotalBreaths,
		p.CurrentStreak, p.LongestStreak, p.LastSessionDate)
	if err != nil {
		return fmt.Errorf("create progress: %w", err)
	}
	return nil
}

// Update writes the merged aggregate. GREATEST guards each counter at the
// row level so an interleaved writer can never lower a value the merger
// computed from a stale read.
func (r *progressRepo) Update(ctx context.Context, p model.Progress) error {
	query := `
		UPDATE progress
		SET total_sessions = GREATEST(total_sessions, $2),
		    total_minutes = GREATEST(total_minutes, $3),
		    total_breaths = GREATEST(total_breaths, $4),
		    current_streak = GREATEST(current_streak, $5),
		    longest_streak = GREATEST(longest_streak, $6),
		    last_session_date = COALESCE($7, last_session_date),
		    updated_at = now()
		WHERE device_id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		p.DeviceID, p.TotalSessions, p.TotalMinutes, p.TotalBreaths,
		p.CurrentStreak, p.LongestStreak, p.LastSessionDate)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
