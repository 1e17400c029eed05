package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/neurobreath/server/internal/model"
)

// BadgeRepo defines the interface for badge repository operations
type BadgeRepo interface {
	// Insert creates the badge if the device does not already hold it.
	// Returns true when a row was written.
	Insert(ctx context.Context, b model.Badge) (bool, error)
	ListByDevice(ctx context.Context, deviceID string) ([]model.Badge, error)
}

type badgeRepo struct {
	db *sql.DB
}

// NewBadgeRepo creates a new BadgeRepo instance
func NewBadgeRepo(db *sql.DB) BadgeRepo {
	return &badgeRepo{db: db}
}

// Insert is idempotent on (device_id, badge_key): re-submitting a badge the
// device already holds is a silent no-op.
func (r *badgeRepo) Insert(ctx context.Context, b model.Badge) (bool, error) {
	query := `
		INSERT INTO badges (device_id, badge_key, badge_name, badge_icon, unlocked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, badge_key) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		b.DeviceID, b.BadgeKey, b.BadgeName, b.BadgeIcon, b.UnlockedAt)
	if err != nil {
		return false, fmt.Errorf("insert badge: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListByDevice returns all badges for a device, newest unlock first.
func (r *badgeRepo) ListByDevice(ctx context.Context, deviceID string) ([]model.Badge, error) {
	query := `
		SELECT device_id, badge_key, badge_name, badge_icon, unlocked_at
		FROM badges
		WHERE device_id = $1
		ORDER BY unlocked_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	defer rows.Close()

	var badges []model.Badge
	for rows.Next() {
		var b model.Badge
		if err := rows.Scan(&b.DeviceID, &b.BadgeKey, &b.BadgeName, &b.BadgeIcon, &b.UnlockedAt); err != nil {
			return nil, fmt.Errorf("scan badge: %w", err)
		}
		badges = append(badges, b)
	}
	return badges, rows.Err()
}
