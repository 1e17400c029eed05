package model

import "time"

// Session is a single completed practice/activity instance. The id is
// client-generated and globally unique; it is the row's permanent key.
type Session struct {
	ID          string
	DeviceID    string
	Technique   string
	Label       string
	Minutes     int
	Breaths     int
	Rounds      int
	Category    *string
	CompletedAt time.Time
	SyncedAt    time.Time
}

// Progress is the per-device aggregate. Every counter is monotonically
// non-decreasing across merges.
type Progress struct {
	DeviceID        string
	TotalSessions   int
	TotalMinutes    int
	TotalBreaths    int
	CurrentStreak   int
	LongestStreak   int
	LastSessionDate *string
	UpdatedAt       time.Time
}

// Badge is an unlock event, keyed by (device_id, badge_key). Immutable once
// earned.
type Badge struct {
	DeviceID   string
	BadgeKey   string
	BadgeName  string
	BadgeIcon  string
	UnlockedAt time.Time
}

// Assessment is a completed evaluation attempt. Write-once: an existing row
// is never updated by a later sync.
type Assessment struct {
	ID                  string
	DeviceID            string
	AssessmentType      string
	PlacementLevel      *string
	PlacementConfidence *string
	ReadingProfile      *string
	StartedAt           time.Time
	EndedAt             *time.Time
}
