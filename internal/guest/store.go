// Package guest holds one device's anonymous progress in a single-file
// SQLite store. It is the local, pre-account counterpart of the server's
// row store: activity accrues here until a sync call folds it into the
// authoritative copy. The store is an explicit value passed to whoever
// performs the sync, not an ambient global.
package guest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neurobreath/server/internal/sync"

	_ "modernc.org/sqlite"
)

const exportVersion = 1

// schema contains the local database DDL.
const schema = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    technique TEXT NOT NULL DEFAULT '',
    label TEXT NOT NULL DEFAULT '',
    minutes INTEGER NOT NULL DEFAULT 0,
    breaths INTEGER NOT NULL DEFAULT 0,
    rounds INTEGER NOT NULL DEFAULT 0,
    category TEXT NOT NULL DEFAULT '',
    completed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS badges (
    badge_key TEXT PRIMARY KEY,
    badge_name TEXT NOT NULL DEFAULT '',
    badge_icon TEXT NOT NULL DEFAULT '',
    unlocked_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS assessments (
    id TEXT PRIMARY KEY,
    assessment_type TEXT NOT NULL DEFAULT '',
    placement_level TEXT NOT NULL DEFAULT '',
    placement_confidence TEXT NOT NULL DEFAULT '',
    reading_profile TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    ended_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS progress (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    total_sessions INTEGER NOT NULL DEFAULT 0,
    total_minutes INTEGER NOT NULL DEFAULT 0,
    total_breaths INTEGER NOT NULL DEFAULT 0,
    current_streak INTEGER NOT NULL DEFAULT 0,
    longest_streak INTEGER NOT NULL DEFAULT 0,
    last_session_date TEXT NOT NULL DEFAULT ''
);

INSERT OR IGNORE INTO progress (id) VALUES (1);
`

// Store is a per-device local progress store backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens a file-backed store.
func Open(path string) (*Store, error) {
	return newStore(path)
}

// OpenMemory creates an in-memory store.
func OpenMemory() (*Store, error) {
	return newStore(":memory:")
}

func newStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DeviceID returns the device's stable identifier, generating and persisting
// one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'device_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('device_id', ?)
		ON CONFLICT (key) DO NOTHING
	`, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	// Re-read in case a concurrent opener won the insert race.
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'device_id'`).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// AddSession records a completed activity and rolls it into the aggregate:
// totals accumulate, and the streak advances when the previous qualifying
// day was yesterday, resets to 1 when the chain broke, and holds when
// today already counted.
func (s *Store) AddSession(ctx context.Context, technique, label string, minutes, breaths, rounds int, category string) (string, error) {
	now := s.now()
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, technique, label, minutes, breaths, rounds, category, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, technique, label, minutes, breaths, rounds, category, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}

	var current, longest int
	var lastDate string
	err = tx.QueryRowContext(ctx, `
		SELECT current_streak, longest_streak, last_session_date FROM progress WHERE id = 1
	`).Scan(&current, &longest, &lastDate)
	if err != nil {
		return "", fmt.Errorf("read progress: %w", err)
	}

	today := now.Format("2006-01-02")
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")
	switch lastDate {
	case yesterday:
		current++
	case today:
		// already counted today
	default:
		current = 1
	}
	if current > longest {
		longest = current
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE progress
		SET total_sessions = total_sessions + 1,
		    total_minutes = total_minutes + ?,
		    total_breaths = total_breaths + ?,
		    current_streak = ?,
		    longest_streak = ?,
		    last_session_date = ?
		WHERE id = 1
	`, minutes, breaths, current, longest, today)
	if err != nil {
		return "", fmt.Errorf("update progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// UnlockBadge records a badge unlock. Idempotent by key; reports whether
// the badge was newly unlocked.
func (s *Store) UnlockBadge(ctx context.Context, key, name, icon string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO badges (badge_key, badge_name, badge_icon, unlocked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (badge_key) DO NOTHING
	`, key, name, icon, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("unlock badge: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// AddAssessment records a completed evaluation attempt. Append-only.
// startedAt defaults to the current clock when empty; endedAt stays empty
// for an attempt that never finished.
func (s *Store) AddAssessment(ctx context.Context, assessmentType, placementLevel, placementConfidence, readingProfile, startedAt, endedAt string) (string, error) {
	id := uuid.NewString()
	if startedAt == "" {
		startedAt = s.now().UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assessments (id, assessment_type, placement_level, placement_confidence, reading_profile, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, assessmentType, placementLevel, placementConfidence, readingProfile, startedAt, endedAt)
	if err != nil {
		return "", fmt.Errorf("insert assessment: %w", err)
	}
	return id, nil
}

// Snapshot assembles the store's contents as the clientData of a sync
// request.
func (s *Store) Snapshot(ctx context.Context) (*sync.ClientData, error) {
	deviceID, err := s.DeviceID(ctx)
	if err != nil {
		return nil, err
	}

	data := &sync.ClientData{
		Sessions:    []sync.SessionPayload{},
		Badges:      []sync.BadgePayload{},
		Assessments: []sync.AssessmentPayload{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, technique, label, minutes, breaths, rounds, category, completed_at
		FROM sessions ORDER BY completed_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		sp := sync.SessionPayload{DeviceID: deviceID}
		if err := rows.Scan(&sp.ID, &sp.Technique, &sp.Label, &sp.Minutes, &sp.Breaths, &sp.Rounds, &sp.Category, &sp.CompletedAt); err != nil {
			return nil, err
		}
		data.Sessions = append(data.Sessions, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	progress := sync.ProgressPayload{DeviceID: deviceID}
	err = s.db.QueryRowContext(ctx, `
		SELECT total_sessions, total_minutes, total_breaths, current_streak, longest_streak, last_session_date
		FROM progress WHERE id = 1
	`).Scan(&progress.TotalSessions, &progress.TotalMinutes, &progress.TotalBreaths,
		&progress.CurrentStreak, &progress.LongestStreak, &progress.LastSessionDate)
	if err != nil {
		return nil, err
	}
	data.Progress = &progress

	rows, err = s.db.QueryContext(ctx, `
		SELECT badge_key, badge_name, badge_icon, unlocked_at FROM badges ORDER BY unlocked_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		bp := sync.BadgePayload{DeviceID: deviceID}
		if err := rows.Scan(&bp.BadgeKey, &bp.BadgeName, &bp.BadgeIcon, &bp.UnlockedAt); err != nil {
			return nil, err
		}
		data.Badges = append(data.Badges, bp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, assessment_type, placement_level, placement_confidence, reading_profile, started_at, ended_at
		FROM assessments ORDER BY started_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		ap := sync.AssessmentPayload{DeviceID: deviceID}
		if err := rows.Scan(&ap.ID, &ap.AssessmentType, &ap.PlacementLevel, &ap.PlacementConfidence, &ap.ReadingProfile, &ap.StartedAt, &ap.EndedAt); err != nil {
			return nil, err
		}
		data.Assessments = append(data.Assessments, ap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return data, nil
}

// ApplyMerged replaces local rows with the server's canonical view after a
// successful authenticated sync.
func (s *Store) ApplyMerged(ctx context.Context, merged *sync.MergedData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"sessions", "badges", "assessments"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}

	for _, sp := range merged.Sessions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, technique, label, minutes, breaths, rounds, category, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, sp.ID, sp.Technique, sp.Label, sp.Minutes, sp.Breaths, sp.Rounds, sp.Category, sp.CompletedAt); err != nil {
			return err
		}
	}
	for _, bp := range merged.Badges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO badges (badge_key, badge_name, badge_icon, unlocked_at)
			VALUES (?, ?, ?, ?)
		`, bp.BadgeKey, bp.BadgeName, bp.BadgeIcon, bp.UnlockedAt); err != nil {
			return err
		}
	}
	for _, ap := range merged.Assessments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assessments (id, assessment_type, placement_level, placement_confidence, reading_profile, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, ap.ID, ap.AssessmentType, ap.PlacementLevel, ap.PlacementConfidence, ap.ReadingProfile, ap.StartedAt, ap.EndedAt); err != nil {
			return err
		}
	}

	p := merged.Progress
	if _, err := tx.ExecContext(ctx, `
		UPDATE progress
		SET total_sessions = ?, total_minutes = ?, total_breaths = ?,
		    current_streak = ?, longest_streak = ?, last_session_date = ?
		WHERE id = 1
	`, p.TotalSessions, p.TotalMinutes, p.TotalBreaths, p.CurrentStreak, p.LongestStreak, p.LastSessionDate); err != nil {
		return err
	}

	return tx.Commit()
}
