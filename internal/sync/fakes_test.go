package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/neurobreath/server/internal/model"
	"github.com/neurobreath/server/internal/repo"
)

// In-memory repo fakes mirroring the Postgres implementations' contracts
// (ErrNotFound, insert-if-absent, GREATEST-guarded progress update).

type fakeSessionRepo struct {
	sessions map[string]model.Session
	failIDs  map[string]bool
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]model.Session), failIDs: make(map[string]bool)}
}

func (r *fakeSessionRepo) GetByID(_ context.Context, id string) (model.Session, error) {
	if r.failIDs[id] {
		return model.Session{}, fmt.Errorf("session %s: storage failure", id)
	}
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, repo.ErrNotFound
	}
	return s, nil
}

func (r *fakeSessionRepo) Insert(_ context.Context, s model.Session) error {
	if r.failIDs[s.ID] {
		return fmt.Errorf("session %s: storage failure", s.ID)
	}
	if _, ok := r.sessions[s.ID]; ok {
		return nil // ON CONFLICT DO NOTHING
	}
	// timestamptz keeps microseconds; drop the rest like Postgres would.
	s.CompletedAt = s.CompletedAt.Round(time.Microsecond)
	r.sessions[s.ID] = s
	return nil
}

func (r *fakeSessionRepo) Update(_ context.Context, s model.Session) error {
	existing, ok := r.sessions[s.ID]
	if !ok {
		return repo.ErrNotFound
	}
	s.SyncedAt = existing.SyncedAt
	s.DeviceID = existing.DeviceID
	s.CompletedAt = s.CompletedAt.Round(time.Microsecond)
	r.sessions[s.ID] = s
	return nil
}

func (r *fakeSessionRepo) ListByDevice(_ context.Context, deviceID string, limit int) ([]model.Session, error) {
	var out []model.Session
	for _, s := range r.sessions {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeProgressRepo struct {
	progress map[string]model.Progress
}

func newFakeProgressRepo() *fakeProgressRepo {
	return &fakeProgressRepo{progress: make(map[string]model.Progress)}
}

func (r *fakeProgressRepo) GetByDevice(_ context.Context, deviceID string) (model.Progress, error) {
	p, ok := r.progress[deviceID]
	if !ok {
		return model.Progress{}, repo.ErrNotFound
	}
	return p, nil
}

func (r *fakeProgressRepo) Create(_ context.Context, p model.Progress) error {
	if _, ok := r.progress[p.DeviceID]; ok {
		return nil // ON CONFLICT DO NOTHING
	}
	r.progress[p.DeviceID] = p
	return nil
}

// Update mirrors the SQL GREATEST/COALESCE guards.
func (r *fakeProgressRepo) Update(_ context.Context, p model.Progress) error {
	existing, ok := r.progress[p.DeviceID]
	if !ok {
		return repo.ErrNotFound
	}
	existing.TotalSessions = max(existing.TotalSessions, p.TotalSessions)
	existing.TotalMinutes = max(existing.TotalMinutes, p.TotalMinutes)
	existing.TotalBreaths = max(existing.TotalBreaths, p.TotalBreaths)
	existing.CurrentStreak = max(existing.CurrentStreak, p.CurrentStreak)
	existing.LongestStreak = max(existing.LongestStreak, p.LongestStreak)
	if p.LastSessionDate != nil {
		existing.LastSessionDate = p.LastSessionDate
	}
	r.progress[p.DeviceID] = existing
	return nil
}

type badgeKey struct{ deviceID, key string }

type fakeBadgeRepo struct {
	badges map[badgeKey]model.Badge
}

func newFakeBadgeRepo() *fakeBadgeRepo {
	return &fakeBadgeRepo{badges: make(map[badgeKey]model.Badge)}
}

func (r *fakeBadgeRepo) Insert(_ context.Context, b model.Badge) (bool, error) {
	k := badgeKey{b.DeviceID, b.BadgeKey}
	if _, ok := r.badges[k]; ok {
		return false, nil
	}
	r.badges[k] = b
	return true, nil
}

func (r *fakeBadgeRepo) ListByDevice(_ context.Context, deviceID string) ([]model.Badge, error) {
	var out []model.Badge
	for k, b := range r.badges {
		if k.deviceID == deviceID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnlockedAt.After(out[j].UnlockedAt) })
	return out, nil
}

type fakeAssessmentRepo struct {
	assessments map[string]model.Assessment
}

func newFakeAssessmentRepo() *fakeAssessmentRepo {
	return &fakeAssessmentRepo{assessments: make(map[string]model.Assessment)}
}

func (r *fakeAssessmentRepo) Insert(_ context.Context, a model.Assessment) (bool, error) {
	if _, ok := r.assessments[a.ID]; ok {
		return false, nil
	}
	r.assessments[a.ID] = a
	return true, nil
}

func (r *fakeAssessmentRepo) ListByDevice(_ context.Context, deviceID string, limit int) ([]model.Assessment, error) {
	var out []model.Assessment
	for _, a := range r.assessments {
		if a.DeviceID == deviceID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type testEnv struct {
	service     *Service
	sessions    *fakeSessionRepo
	progress    *fakeProgressRepo
	badges      *fakeBadgeRepo
	assessments *fakeAssessmentRepo
}

func newTestEnv() *testEnv {
	sessions := newFakeSessionRepo()
	progress := newFakeProgressRepo()
	badges := newFakeBadgeRepo()
	assessments := newFakeAssessmentRepo()
	return &testEnv{
		service:     NewService(sessions, progress, badges, assessments),
		sessions:    sessions,
		progress:    progress,
		badges:      badges,
		assessments: assessments,
	}
}
