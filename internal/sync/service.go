package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/neurobreath/server/internal/model"
	"github.com/neurobreath/server/internal/repo"
)

// Read-back caps: the response carries the most recent slice of history,
// not the full table.
const (
	sessionReadBackLimit    = 100
	assessmentReadBackLimit = 20
)

// Service sequences the four entity mergers for one device and assembles
// the merged response. Entity writes are insert-if-absent, field-max, or
// last-write-wins, so a retried call with the same payload always converges
// to the same final state.
type Service struct {
	sessions    repo.SessionRepo
	progress    repo.ProgressRepo
	badges      repo.BadgeRepo
	assessments repo.AssessmentRepo
}

// NewService creates a new sync service
func NewService(
	sessions repo.SessionRepo,
	progress repo.ProgressRepo,
	badges repo.BadgeRepo,
	assessments repo.AssessmentRepo,
) *Service {
	return &Service{
		sessions:    sessions,
		progress:    progress,
		badges:      badges,
		assessments: assessments,
	}
}

// Sync reconciles one validated request. Guest calls are echoed without any
// storage access. Authenticated calls run Session -> Progress -> Badge ->
// Assessment merges, then re-read the server's state for the device. A
// returned error means the caller gets a generic failure, never a partial
// envelope.
func (s *Service) Sync(ctx context.Context, req *Request) (*Response, error) {
	if req.Guest() {
		return GuestResponse(req), nil
	}

	data := req.ClientData
	var summary Summary

	conflicts := s.mergeSessions(ctx, data.Sessions, &summary)

	if err := s.mergeProgress(ctx, req.DeviceID, data.Progress); err != nil {
		return nil, fmt.Errorf("merge progress: %w", err)
	}

	added, errs := insertMissing(ctx, data.Badges, func(ctx context.Context, b BadgePayload) (bool, error) {
		return s.badges.Insert(ctx, badgeToModel(&b))
	})
	summary.BadgesAdded = added
	if errs != nil {
		log.Printf("sync: badge merge skipped rows for device %s: %v", req.DeviceID, errs)
	}

	added, errs = insertMissing(ctx, data.Assessments, func(ctx context.Context, a AssessmentPayload) (bool, error) {
		return s.assessments.Insert(ctx, assessmentToModel(&a))
	})
	summary.AssessmentsAdded = added
	if errs != nil {
		log.Printf("sync: assessment merge skipped rows for device %s: %v", req.DeviceID, errs)
	}

	merged, err := s.readBack(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("read back: %w", err)
	}

	summary.ConflictsResolved = len(conflicts)
	return &Response{
		Success:         true,
		ServerTimestamp: formatTimestamp(time.Now()),
		Merged:          merged,
		Conflicts:       conflicts,
		SyncInfo:        summary,
	}, nil
}

// mergeSessions handles each session independently: a storage failure on one
// row is logged and skipped so the rest of the batch still lands. Conflicts
// are recorded whichever side wins.
func (s *Service) mergeSessions(ctx context.Context, sessions []SessionPayload, summary *Summary) []Conflict {
	var conflicts []Conflict
	var errs error
	now := time.Now()

	for i := range sessions {
		sp := &sessions[i]

		existing, err := s.sessions.GetByID(ctx, sp.ID)
		if errors.Is(err, repo.ErrNotFound) {
			if err := s.sessions.Insert(ctx, sessionToModel(sp, now)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("session %s: %w", sp.ID, err))
				continue
			}
			summary.SessionsAdded++
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", sp.ID, err))
			continue
		}

		// Same identity on both sides. Equal timestamps mean no conflict
		// and no write. Compare at microsecond precision: timestamptz
		// drops sub-microsecond digits, and a replayed payload must
		// still read as equal after its row round-trips through storage.
		clientAt, ok := parseTimestamp(sp.CompletedAt)
		if ok && clientAt.Round(time.Microsecond).Equal(existing.CompletedAt.Round(time.Microsecond)) {
			continue
		}

		d := ResolveSession(sp.ID, sp.CompletedAt, formatTimestamp(existing.CompletedAt))
		conflicts = append(conflicts, Conflict{
			Type:            "session",
			EntityID:        d.EntityID,
			ClientTimestamp: d.ClientTimestamp,
			ServerTimestamp: d.ServerTimestamp,
			Resolution:      d.Resolution,
		})

		if d.Resolution == ResolutionClientWins {
			if err := s.sessions.Update(ctx, sessionToModel(sp, now)); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("session %s: %w", sp.ID, err))
				continue
			}
			summary.SessionsUpdated++
		}
	}

	if errs != nil {
		log.Printf("sync: session merge skipped rows: %v", errs)
	}
	return conflicts
}

// mergeProgress applies the field-max merge. Each counter is maxed
// independently, which makes the aggregate convergent and order-independent
// across concurrent calls and replays.
func (s *Service) mergeProgress(ctx context.Context, deviceID string, client *ProgressPayload) error {
	server, err := s.progress.GetByDevice(ctx, deviceID)
	if errors.Is(err, repo.ErrNotFound) {
		return s.progress.Create(ctx, progressToModel(deviceID, client))
	}
	if err != nil {
		return err
	}

	merged := model.Progress{
		DeviceID:        deviceID,
		TotalSessions:   max(client.TotalSessions, server.TotalSessions),
		TotalMinutes:    max(client.TotalMinutes, server.TotalMinutes),
		TotalBreaths:    max(client.TotalBreaths, server.TotalBreaths),
		CurrentStreak:   max(client.CurrentStreak, server.CurrentStreak),
		LongestStreak:   max(client.LongestStreak, server.LongestStreak),
		LastSessionDate: server.LastSessionDate,
	}
	if client.LastSessionDate != "" {
		merged.LastSessionDate = &client.LastSessionDate
	}
	return s.progress.Update(ctx, merged)
}

// insertMissing runs one insert-if-absent pass over a collection, counting
// rows actually written. Row failures are collected and skipped, not fatal.
func insertMissing[T any](ctx context.Context, items []T, insert func(context.Context, T) (bool, error)) (int, error) {
	var added int
	var errs error
	for _, item := range items {
		written, err := insert(ctx, item)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if written {
			added++
		}
	}
	return added, errs
}

// readBack fetches the merged server state for the device. The four reads
// are independent, so they run concurrently.
func (s *Service) readBack(ctx context.Context, deviceID string) (MergedData, error) {
	var (
		sessions    []model.Session
		progress    model.Progress
		badges      []model.Badge
		assessments []model.Assessment
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sessions, err = s.sessions.ListByDevice(gctx, deviceID, sessionReadBackLimit)
		return err
	})
	g.Go(func() error {
		p, err := s.progress.GetByDevice(gctx, deviceID)
		if errors.Is(err, repo.ErrNotFound) {
			progress = model.Progress{DeviceID: deviceID}
			return nil
		}
		if err != nil {
			return err
		}
		progress = p
		return nil
	})
	g.Go(func() error {
		var err error
		badges, err = s.badges.ListByDevice(gctx, deviceID)
		return err
	})
	g.Go(func() error {
		var err error
		assessments, err = s.assessments.ListByDevice(gctx, deviceID, assessmentReadBackLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return MergedData{}, err
	}

	merged := MergedData{
		Sessions:    make([]SessionPayload, 0, len(sessions)),
		Progress:    progressPayloadFromModel(&progress),
		Badges:      make([]BadgePayload, 0, len(badges)),
		Assessments: make([]AssessmentPayload, 0, len(assessments)),
	}
	for i := range sessions {
		merged.Sessions = append(merged.Sessions, sessionPayloadFromModel(&sessions[i]))
	}
	for i := range badges {
		merged.Badges = append(merged.Badges, badgePayloadFromModel(&badges[i]))
	}
	for i := range assessments {
		merged.Assessments = append(merged.Assessments, assessmentPayloadFromModel(&assessments[i]))
	}
	return merged, nil
}

// Payload <-> model conversions. A malformed client completedAt on an
// insert falls back to the server clock: the row must carry a real
// timestamp, and the lenient parse already decided the merge outcome.

func sessionToModel(sp *SessionPayload, fallback time.Time) model.Session {
	completedAt, ok := parseTimestamp(sp.CompletedAt)
	if !ok {
		completedAt = fallback
	}
	// Store what timestamptz can hold, so the stored copy and a replay of
	// the same payload stay comparable.
	completedAt = completedAt.Round(time.Microsecond)
	m := model.Session{
		ID:          sp.ID,
		DeviceID:    sp.DeviceID,
		Technique:   sp.Technique,
		Label:       sp.Label,
		Minutes:     sp.Minutes,
		Breaths:     sp.Breaths,
		Rounds:      sp.Rounds,
		CompletedAt: completedAt,
		SyncedAt:    fallback,
	}
	if sp.Category != "" {
		m.Category = &sp.Category
	}
	return m
}

func sessionPayloadFromModel(m *model.Session) SessionPayload {
	sp := SessionPayload{
		ID:          m.ID,
		DeviceID:    m.DeviceID,
		Technique:   m.Technique,
		Label:       m.Label,
		Minutes:     m.Minutes,
		Breaths:     m.Breaths,
		Rounds:      m.Rounds,
		CompletedAt: formatTimestamp(m.CompletedAt),
		SyncedAt:    formatTimestamp(m.SyncedAt),
	}
	if m.Category != nil {
		sp.Category = *m.Category
	}
	return sp
}

func progressToModel(deviceID string, p *ProgressPayload) model.Progress {
	m := model.Progress{
		DeviceID:      deviceID,
		TotalSessions: p.TotalSessions,
		TotalMinutes:  p.TotalMinutes,
		TotalBreaths:  p.TotalBreaths,
		CurrentStreak: p.CurrentStreak,
		LongestStreak: p.LongestStreak,
	}
	if p.LastSessionDate != "" {
		d := p.LastSessionDate
		m.LastSessionDate = &d
	}
	return m
}

func progressPayloadFromModel(m *model.Progress) ProgressPayload {
	p := ProgressPayload{
		DeviceID:      m.DeviceID,
		TotalSessions: m.TotalSessions,
		TotalMinutes:  m.TotalMinutes,
		TotalBreaths:  m.TotalBreaths,
		CurrentStreak: m.CurrentStreak,
		LongestStreak: m.LongestStreak,
	}
	if m.LastSessionDate != nil {
		p.LastSessionDate = *m.LastSessionDate
	}
	if !m.UpdatedAt.IsZero() {
		p.UpdatedAt = formatTimestamp(m.UpdatedAt)
	}
	return p
}

func badgeToModel(b *BadgePayload) model.Badge {
	unlockedAt, ok := parseTimestamp(b.UnlockedAt)
	if !ok {
		unlockedAt = time.Now()
	}
	return model.Badge{
		DeviceID:   b.DeviceID,
		BadgeKey:   b.BadgeKey,
		BadgeName:  b.BadgeName,
		BadgeIcon:  b.BadgeIcon,
		UnlockedAt: unlockedAt,
	}
}

func badgePayloadFromModel(m *model.Badge) BadgePayload {
	return BadgePayload{
		DeviceID:   m.DeviceID,
		BadgeKey:   m.BadgeKey,
		BadgeName:  m.BadgeName,
		BadgeIcon:  m.BadgeIcon,
		UnlockedAt: formatTimestamp(m.UnlockedAt),
	}
}

func assessmentToModel(a *AssessmentPayload) model.Assessment {
	startedAt, ok := parseTimestamp(a.StartedAt)
	if !ok {
		startedAt = time.Now()
	}
	m := model.Assessment{
		ID:             a.ID,
		DeviceID:       a.DeviceID,
		AssessmentType: a.AssessmentType,
		StartedAt:      startedAt,
	}
	if a.PlacementLevel != "" {
		m.PlacementLevel = &a.PlacementLevel
	}
	if a.PlacementConfidence != "" {
		m.PlacementConfidence = &a.PlacementConfidence
	}
	if a.ReadingProfile != "" {
		m.ReadingProfile = &a.ReadingProfile
	}
	if endedAt, ok := parseTimestamp(a.EndedAt); ok {
		m.EndedAt = &endedAt
	}
	return m
}

func assessmentPayloadFromModel(m *model.Assessment) AssessmentPayload {
	a := AssessmentPayload{
		ID:             m.ID,
		DeviceID:       m.DeviceID,
		AssessmentType: m.AssessmentType,
		StartedAt:      formatTimestamp(m.StartedAt),
	}
	if m.PlacementLevel != nil {
		a.PlacementLevel = *m.PlacementLevel
	}
	if m.PlacementConfidence != nil {
		a.PlacementConfidence = *m.PlacementConfidence
	}
	if m.ReadingProfile != nil {
		a.ReadingProfile = *m.ReadingProfile
	}
	if m.EndedAt != nil {
		a.EndedAt = formatTimestamp(*m.EndedAt)
	}
	return a
}
