package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neurobreath/server/internal/sync"
)

// ErrInvalidImport is returned when an import file is not a progress export.
var ErrInvalidImport = errors.New("invalid progress export")

// Export is the portable form of a device's local progress (the .nbx file a
// user downloads to move between browsers or keep a backup).
type Export struct {
	Version     int                      `json:"version"`
	AppName     string                   `json:"appName"`
	DeviceID    string                   `json:"deviceId"`
	ExportedAt  string                   `json:"exportedAt"`
	Sessions    []sync.SessionPayload    `json:"sessions"`
	Progress    *sync.ProgressPayload    `json:"progress"`
	Badges      []sync.BadgePayload      `json:"badges"`
	Assessments []sync.AssessmentPayload `json:"assessments"`
}

// ExportJSON serializes the store's full contents.
func (s *Store) ExportJSON(ctx context.Context) ([]byte, error) {
	data, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	deviceID, err := s.DeviceID(ctx)
	if err != nil {
		return nil, err
	}

	export := Export{
		Version:     exportVersion,
		AppName:     "NeuroBreath",
		DeviceID:    deviceID,
		ExportedAt:  s.now().UTC().Format(time.RFC3339Nano),
		Sessions:    data.Sessions,
		Progress:    data.Progress,
		Badges:      data.Badges,
		Assessments: data.Assessments,
	}
	return json.MarshalIndent(export, "", "  ")
}

// ImportJSON folds an exported file into the store: sessions, badges and
// assessments union by identity, counters keep the per-field max. The same
// convergent policy the server applies, so importing a file twice is a
// no-op.
func (s *Store) ImportJSON(ctx context.Context, raw []byte) error {
	var imported Export
	if err := json.Unmarshal(raw, &imported); err != nil {
		return ErrInvalidImport
	}
	if imported.Version == 0 || imported.Sessions == nil {
		return ErrInvalidImport
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, sp := range imported.Sessions {
		if sp.ID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, technique, label, minutes, breaths, rounds, category, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`, sp.ID, sp.Technique, sp.Label, sp.Minutes, sp.Breaths, sp.Rounds, sp.Category, sp.CompletedAt); err != nil {
			return fmt.Errorf("import session %s: %w", sp.ID, err)
		}
	}
	for _, bp := range imported.Badges {
		if bp.BadgeKey == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO badges (badge_key, badge_name, badge_icon, unlocked_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (badge_key) DO NOTHING
		`, bp.BadgeKey, bp.BadgeName, bp.BadgeIcon, bp.UnlockedAt); err != nil {
			return fmt.Errorf("import badge %s: %w", bp.BadgeKey, err)
		}
	}
	for _, ap := range imported.Assessments {
		if ap.ID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assessments (id, assessment_type, placement_level, placement_confidence, reading_profile, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`, ap.ID, ap.AssessmentType, ap.PlacementLevel, ap.PlacementConfidence, ap.ReadingProfile, ap.StartedAt, ap.EndedAt); err != nil {
			return fmt.Errorf("import assessment %s: %w", ap.ID, err)
		}
	}

	if p := imported.Progress; p != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE progress
			SET total_sessions = MAX(total_sessions, ?),
			    total_minutes = MAX(total_minutes, ?),
			    total_breaths = MAX(total_breaths, ?),
			    current_streak = MAX(current_streak, ?),
			    longest_streak = MAX(longest_streak, ?),
			    last_session_date = CASE WHEN ? != '' THEN ? ELSE last_session_date END
			WHERE id = 1
		`, p.TotalSessions, p.TotalMinutes, p.TotalBreaths, p.CurrentStreak, p.LongestStreak,
			p.LastSessionDate, p.LastSessionDate); err != nil {
			return fmt.Errorf("import progress: %w", err)
		}
	}

	return tx.Commit()
}
