package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurobreath/server/internal/auth"
	nbhttp "github.com/neurobreath/server/internal/http"
	"github.com/neurobreath/server/internal/http/handlers"
	"github.com/neurobreath/server/internal/model"
	"github.com/neurobreath/server/internal/repo"
	"github.com/neurobreath/server/internal/sync"
)

type stubPinger struct {
	err error
}

func (p *stubPinger) PingContext(context.Context) error { return p.err }

// Minimal in-memory repos. Merge semantics get their own coverage in the
// sync package; here they only need to hold rows between calls.

type memSessionRepo struct{ rows map[string]model.Session }

func (r *memSessionRepo) GetByID(_ context.Context, id string) (model.Session, error) {
	s, ok := r.rows[id]
	if !ok {
		return model.Session{}, repo.ErrNotFound
	}
	return s, nil
}

func (r *memSessionRepo) Insert(_ context.Context, s model.Session) error {
	if _, ok := r.rows[s.ID]; !ok {
		r.rows[s.ID] = s
	}
	return nil
}

func (r *memSessionRepo) Update(_ context.Context, s model.Session) error {
	if _, ok := r.rows[s.ID]; !ok {
		return repo.ErrNotFound
	}
	r.rows[s.ID] = s
	return nil
}

func (r *memSessionRepo) ListByDevice(_ context.Context, deviceID string, limit int) ([]model.Session, error) {
	var out []model.Session
	for _, s := range r.rows {
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

type memProgressRepo struct{ rows map[string]model.Progress }

func (r *memProgressRepo) GetByDevice(_ context.Context, deviceID string) (model.Progress, error) {
	p, ok := r.rows[deviceID]
	if !ok {
		return model.Progress{}, repo.ErrNotFound
	}
	return p, nil
}

func (r *memProgressRepo) Create(_ context.Context, p model.Progress) error {
	if _, ok := r.rows[p.DeviceID]; !ok {
		r.rows[p.DeviceID] = p
	}
	return nil
}

func (r *memProgressRepo) Update(_ context.Context, p model.Progress) error {
	r.rows[p.DeviceID] = p
	return nil
}

type memBadgeRepo struct{ rows map[string]model.Badge }

func (r *memBadgeRepo) Insert(_ context.Context, b model.Badge) (bool, error) {
	key := b.DeviceID + "/" + b.BadgeKey
	if _, ok := r.rows[key]; ok {
		return false, nil
	}
	r.rows[key] = b
	return true, nil
}

func (r *memBadgeRepo) ListByDevice(_ context.Context, deviceID string) ([]model.Badge, error) {
	var out []model.Badge
	for _, b := range r.rows {
		if b.DeviceID == deviceID {
			out = append(out, b)
		}
	}
	return out, nil
}

type memAssessmentRepo struct{ rows map[string]model.Assessment }

func (r *memAssessmentRepo) Insert(_ context.Context, a model.Assessment) (bool, error) {
	if _, ok := r.rows[a.ID]; ok {
		return false, nil
	}
	r.rows[a.ID] = a
	return true, nil
}

func (r *memAssessmentRepo) ListByDevice(_ context.Context, deviceID string, limit int) ([]model.Assessment, error) {
	var out []model.Assessment
	for _, a := range r.rows {
		if a.DeviceID == deviceID {
			out = append(out, a)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newMemService() *sync.Service {
	return sync.NewService(
		&memSessionRepo{rows: make(map[string]model.Session)},
		&memProgressRepo{rows: make(map[string]model.Progress)},
		&memBadgeRepo{rows: make(map[string]model.Badge)},
		&memAssessmentRepo{rows: make(map[string]model.Assessment)},
	)
}

func newTestHandler(t *testing.T, pingErr error, requireAuth bool) *handlers.SyncHandler {
	t.Helper()
	h := handlers.NewSyncHandler(&stubPinger{err: pingErr}, newMemService(), requireAuth)
	t.Cleanup(h.Close)
	return h
}

func postSync(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/sync", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const validBody = `{
	"deviceId": "dev-1",
	"isGuest": false,
	"clientData": {
		"sessions": [{
			"id": "s1", "deviceId": "dev-1", "technique": "box",
			"label": "Box Breathing", "minutes": 5, "breaths": 30,
			"rounds": 4, "completedAt": "2026-01-01T10:00:00Z"
		}],
		"progress": {
			"deviceId": "dev-1", "totalSessions": 1, "totalMinutes": 5,
			"totalBreaths": 30, "currentStreak": 1, "longestStreak": 1,
			"lastSessionDate": "2026-01-01"
		}
	}
}`

func TestHandleSyncSuccess(t *testing.T) {
	h := newTestHandler(t, nil, false)
	rec := postSync(t, http.HandlerFunc(h.HandleSync), validBody, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp sync.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.False(t, resp.Guest)
	assert.Equal(t, 1, resp.SyncInfo.SessionsAdded)
	require.Len(t, resp.Merged.Sessions, 1)
	assert.NotEmpty(t, resp.ServerTimestamp)
}

func TestHandleSyncGuestEcho(t *testing.T) {
	h := newTestHandler(t, nil, false)
	body := strings.Replace(validBody, `"isGuest": false`, `"isGuest": true`, 1)
	rec := postSync(t, http.HandlerFunc(h.HandleSync), body, nil)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp sync.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Guest)
	require.Len(t, resp.Merged.Sessions, 1)
	assert.Equal(t, "s1", resp.Merged.Sessions[0].ID)
	assert.Equal(t, 0, resp.SyncInfo.SessionsAdded)
}

func TestHandleSyncDatabaseUnavailable(t *testing.T) {
	h := newTestHandler(t, errors.New("connection refused"), false)
	rec := postSync(t, http.HandlerFunc(h.HandleSync), validBody, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["dbUnavailable"])
	assert.Equal(t, "database unavailable", body["error"])
}

func TestHandleSyncRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"deviceId": `},
		{"missing deviceId", `{"isGuest": false, "clientData": {"progress": {"deviceId": "dev-1"}}}`},
		{"missing isGuest", `{"deviceId": "dev-1", "clientData": {"progress": {"deviceId": "dev-1"}}}`},
		{"missing clientData", `{"deviceId": "dev-1", "isGuest": false}`},
		{"negative minutes", strings.Replace(validBody, `"minutes": 5`, `"minutes": -1`, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, nil, false)
			rec := postSync(t, http.HandlerFunc(h.HandleSync), tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "invalid sync request", body["error"])
		})
	}
}

func TestHandleSyncMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, nil, false)
	req := httptest.NewRequest(http.MethodGet, "/api/sync", nil)
	rec := httptest.NewRecorder()
	h.HandleSync(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleSyncAuthRequired(t *testing.T) {
	jwtService := auth.NewJWTService("test-secret")
	handler := newTestHandler(t, nil, true)
	router := nbhttp.NewRouter(handler, jwtService)

	t.Run("no token rejected", func(t *testing.T) {
		rec := postSync(t, router, validBody, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("token for another device rejected", func(t *testing.T) {
		token, err := jwtService.SignDeviceToken("dev-2")
		require.NoError(t, err)
		rec := postSync(t, router, validBody, map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("matching token accepted", func(t *testing.T) {
		token, err := jwtService.SignDeviceToken("dev-1")
		require.NoError(t, err)
		rec := postSync(t, router, validBody, map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("guest needs no token", func(t *testing.T) {
		body := strings.Replace(validBody, `"isGuest": false`, `"isGuest": true`, 1)
		rec := postSync(t, router, body, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp sync.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Guest)
	})
}

func TestHandleSyncRateLimit(t *testing.T) {
	h := newTestHandler(t, nil, false)
	guestBody := strings.Replace(validBody, `"isGuest": false`, `"isGuest": true`, 1)

	var code int
	for i := 0; i < 70; i++ {
		rec := postSync(t, http.HandlerFunc(h.HandleSync), guestBody, nil)
		code = rec.Code
		if code == http.StatusTooManyRequests {
			break
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, code)
}
