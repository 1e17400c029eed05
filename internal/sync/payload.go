// Package sync implements the progress reconciliation engine: it folds a
// device's locally accrued history (sessions, aggregate counters, badges,
// assessments) into the server's authoritative copy and returns the merged
// canonical view.
package sync

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidRequest is the single condition signalled for any shape or type
// failure in an incoming payload. Callers map it to a 400.
var ErrInvalidRequest = errors.New("invalid sync request")

// Caps on client-submitted input. The client is untrusted; these bound the
// work a single call can demand without changing merge policy.
const (
	maxIDLen          = 128
	maxStringLen      = 256
	maxProfileLen     = 16 * 1024
	maxSessionsPerReq = 500
	maxBadgesPerReq   = 200
	maxAssessPerReq   = 100
)

// Request is the decoded body of POST /api/sync.
type Request struct {
	DeviceID   string      `json:"deviceId"`
	IsGuest    *bool       `json:"isGuest"`
	ClientData *ClientData `json:"clientData"`
}

// ClientData carries the four entity collections held on the client.
type ClientData struct {
	Sessions    []SessionPayload    `json:"sessions"`
	Progress    *ProgressPayload    `json:"progress"`
	Badges      []BadgePayload      `json:"badges"`
	Assessments []AssessmentPayload `json:"assessments"`
}

// SessionPayload is the wire form of a completed practice session.
// CompletedAt stays a raw string here: a malformed timestamp is not a
// validation failure, it is resolved by the conflict policy.
type SessionPayload struct {
	ID          string `json:"id"`
	DeviceID    string `json:"deviceId"`
	Technique   string `json:"technique"`
	Label       string `json:"label"`
	Minutes     int    `json:"minutes"`
	Breaths     int    `json:"breaths"`
	Rounds      int    `json:"rounds"`
	Category    string `json:"category,omitempty"`
	CompletedAt string `json:"completedAt"`
	SyncedAt    string `json:"syncedAt,omitempty"`
}

// ProgressPayload is the wire form of the per-device aggregate.
type ProgressPayload struct {
	DeviceID        string `json:"deviceId"`
	TotalSessions   int    `json:"totalSessions"`
	TotalMinutes    int    `json:"totalMinutes"`
	TotalBreaths    int    `json:"totalBreaths"`
	CurrentStreak   int    `json:"currentStreak"`
	LongestStreak   int    `json:"longestStreak"`
	LastSessionDate string `json:"lastSessionDate,omitempty"`
	UpdatedAt       string `json:"updatedAt,omitempty"`
}

// BadgePayload is the wire form of an unlock event.
type BadgePayload struct {
	DeviceID   string `json:"deviceId"`
	BadgeKey   string `json:"badgeKey"`
	BadgeName  string `json:"badgeName"`
	BadgeIcon  string `json:"badgeIcon"`
	UnlockedAt string `json:"unlockedAt"`
}

// AssessmentPayload is the wire form of a completed evaluation attempt.
type AssessmentPayload struct {
	ID                  string `json:"id"`
	DeviceID            string `json:"deviceId"`
	AssessmentType      string `json:"assessmentType"`
	PlacementLevel      string `json:"placementLevel,omitempty"`
	PlacementConfidence string `json:"placementConfidence,omitempty"`
	ReadingProfile      string `json:"readingProfile,omitempty"`
	StartedAt           string `json:"startedAt"`
	EndedAt             string `json:"endedAt,omitempty"`
}

// Response is the envelope returned for every successful sync call,
// guest or authenticated.
type Response struct {
	Success         bool       `json:"success"`
	Guest           bool       `json:"guest,omitempty"`
	ServerTimestamp string     `json:"serverTimestamp"`
	Merged          MergedData `json:"merged"`
	Conflicts       []Conflict `json:"conflicts,omitempty"`
	SyncInfo        Summary    `json:"syncInfo"`
}

// MergedData is the canonical view read back after merging.
type MergedData struct {
	Sessions    []SessionPayload    `json:"sessions"`
	Progress    ProgressPayload     `json:"progress"`
	Badges      []BadgePayload      `json:"badges"`
	Assessments []AssessmentPayload `json:"assessments"`
}

// Conflict reports one resolved session conflict, surfaced regardless of
// which side won.
type Conflict struct {
	Type            string     `json:"type"`
	EntityID        string     `json:"entityId"`
	ClientTimestamp string     `json:"clientTimestamp"`
	ServerTimestamp string     `json:"serverTimestamp"`
	Resolution      Resolution `json:"resolution"`
}

// Summary carries the per-entity counters of one sync call.
type Summary struct {
	SessionsAdded     int `json:"sessionsAdded"`
	SessionsUpdated   int `json:"sessionsUpdated"`
	BadgesAdded       int `json:"badgesAdded"`
	AssessmentsAdded  int `json:"assessmentsAdded"`
	ConflictsResolved int `json:"conflictsResolved"`
}

// ParseRequest decodes and structurally validates a sync body. It checks
// shape and primitive types only; business invariants (streak arithmetic,
// timestamp ordering) are the mergers' concern. Any failure is reported as
// the one generic ErrInvalidRequest.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, ErrInvalidRequest
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *Request) validate() error {
	if r.DeviceID == "" || len(r.DeviceID) > maxIDLen {
		return ErrInvalidRequest
	}
	if r.IsGuest == nil {
		return ErrInvalidRequest
	}
	if r.ClientData == nil {
		// Guests may omit clientData entirely; an authenticated sync has
		// nothing to merge without it.
		if *r.IsGuest {
			return nil
		}
		return ErrInvalidRequest
	}
	return r.ClientData.validate(*r.IsGuest)
}

func (d *ClientData) validate(guest bool) error {
	if len(d.Sessions) > maxSessionsPerReq ||
		len(d.Badges) > maxBadgesPerReq ||
		len(d.Assessments) > maxAssessPerReq {
		return ErrInvalidRequest
	}
	for i := range d.Sessions {
		if err := d.Sessions[i].validate(); err != nil {
			return err
		}
	}
	if d.Progress == nil {
		if !guest {
			return ErrInvalidRequest
		}
	} else if err := d.Progress.validate(); err != nil {
		return err
	}
	for i := range d.Badges {
		if err := d.Badges[i].validate(); err != nil {
			return err
		}
	}
	for i := range d.Assessments {
		if err := d.Assessments[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionPayload) validate() error {
	if s.ID == "" || len(s.ID) > maxIDLen {
		return ErrInvalidRequest
	}
	if s.DeviceID == "" || len(s.DeviceID) > maxIDLen {
		return ErrInvalidRequest
	}
	if s.Minutes < 0 || s.Breaths < 0 || s.Rounds < 0 {
		return ErrInvalidRequest
	}
	if len(s.Technique) > maxStringLen || len(s.Label) > maxStringLen ||
		len(s.Category) > maxStringLen || len(s.CompletedAt) > maxStringLen {
		return ErrInvalidRequest
	}
	return nil
}

func (p *ProgressPayload) validate() error {
	if p.DeviceID == "" || len(p.DeviceID) > maxIDLen {
		return ErrInvalidRequest
	}
	if p.TotalSessions < 0 || p.TotalMinutes < 0 || p.TotalBreaths < 0 ||
		p.CurrentStreak < 0 || p.LongestStreak < 0 {
		return ErrInvalidRequest
	}
	if len(p.LastSessionDate) > maxStringLen {
		return ErrInvalidRequest
	}
	return nil
}

func (b *BadgePayload) validate() error {
	if b.DeviceID == "" || len(b.DeviceID) > maxIDLen {
		return ErrInvalidRequest
	}
	if b.BadgeKey == "" || len(b.BadgeKey) > maxIDLen {
		return ErrInvalidRequest
	}
	if len(b.BadgeName) > maxStringLen || len(b.BadgeIcon) > maxStringLen ||
		len(b.UnlockedAt) > maxStringLen {
		return ErrInvalidRequest
	}
	return nil
}

func (a *AssessmentPayload) validate() error {
	if a.ID == "" || len(a.ID) > maxIDLen {
		return ErrInvalidRequest
	}
	if a.DeviceID == "" || len(a.DeviceID) > maxIDLen {
		return ErrInvalidRequest
	}
	if len(a.AssessmentType) > maxStringLen || len(a.PlacementLevel) > maxStringLen ||
		len(a.PlacementConfidence) > maxStringLen {
		return ErrInvalidRequest
	}
	if len(a.ReadingProfile) > maxProfileLen {
		return ErrInvalidRequest
	}
	if len(a.StartedAt) > maxStringLen || len(a.EndedAt) > maxStringLen {
		return ErrInvalidRequest
	}
	return nil
}

// Guest reports whether the call asserted no authenticated identity.
func (r *Request) Guest() bool {
	return r.IsGuest != nil && *r.IsGuest
}

// parseTimestamp parses an RFC 3339 timestamp, reporting whether it was
// well-formed.
func parseTimestamp(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
