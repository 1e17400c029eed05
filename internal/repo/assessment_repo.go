package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/neurobreath/server/internal/model"
)

// AssessmentRepo defines the interface for assessment repository operations
type AssessmentRepo interface {
	// Insert creates the assessment if absent. Returns true when a row was
	// written. Existing rows are never touched.
	Insert(ctx context.Context, a model.Assessment) (bool, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Assessment, error)
}

type assessmentRepo struct {
	db *sql.DB
}

// NewAssessmentRepo creates a new AssessmentRepo instance
func NewAssessmentRepo(db *sql.DB) AssessmentRepo {
	return &assessmentRepo{db: db}
}

// Insert is write-once on id: there is no update path for assessments.
func (r *assessmentRepo) Insert(ctx context.Context, a model.Assessment) (bool, error) {
	query := `
		INSERT INTO assessments (id, device_id, assessment_type, placement_level,
		                         placement_confidence, reading_profile, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		a.ID, a.DeviceID, a.AssessmentType, a.PlacementLevel,
		a.PlacementConfidence, a.ReadingProfile, a.StartedAt, a.EndedAt)
	if err != nil {
		return false, fmt.Errorf("insert assessment: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListByDevice returns the device's assessments, most recent first, capped at limit.
func (r *assessmentRepo) ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.Assessment, error) {
	query := `
		SELECT id, device_id, assessment_type, placement_level, placement_confidence,
		       reading_profile, started_at, ended_at
		FROM assessments
		WHERE device_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	var assessments []model.Assessment
	for rows.Next() {
		var a model.Assessment
		if err := rows.Scan(
			&a.ID, &a.DeviceID, &a.AssessmentType, &a.PlacementLevel,
			&a.PlacementConfidence, &a.ReadingProfile, &a.StartedAt, &a.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		assessments = append(assessments, a)
	}
	return assessments, rows.Err()
}
