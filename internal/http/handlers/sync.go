package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/neurobreath/server/internal/middleware"
	"github.com/neurobreath/server/internal/sync"
)

// maxBodyBytes bounds a sync body before decoding. The per-collection caps
// in the validator bound it again after.
const maxBodyBytes = 1 << 20

// Pinger reports storage reachability. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SyncHandler handles the progress sync endpoint
type SyncHandler struct {
	db          Pinger
	service     *sync.Service
	limiter     *middleware.RateLimiter
	requireAuth bool
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(database Pinger, service *sync.Service, requireAuth bool) *SyncHandler {
	// 60 calls/min per device is far above any legitimate client's cadence
	return &SyncHandler{
		db:          database,
		service:     service,
		limiter:     middleware.NewRateLimiter(time.Minute, 60),
		requireAuth: requireAuth,
	}
}

// Close releases the handler's background resources (the rate limiter's
// cleanup goroutine).
func (h *SyncHandler) Close() {
	h.limiter.Stop()
}

// HandleSync handles POST /api/sync
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Availability before anything else: callers must be able to tell
	// "try later" from "your data was malformed".
	pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(pingCtx); err != nil {
		log.Printf("sync: database unavailable: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":         "database unavailable",
			"dbUnavailable": true,
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid sync request")
		return
	}

	req, err := sync.ParseRequest(body)
	if err != nil {
		if errors.Is(err, sync.ErrInvalidRequest) {
			respondWithError(w, http.StatusBadRequest, "invalid sync request")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	if !h.limiter.Allow(middleware.SyncKey(r, req.DeviceID)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if h.requireAuth && !req.Guest() {
		deviceID, ok := middleware.GetDeviceID(r.Context())
		if !ok {
			respondWithError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		if deviceID != req.DeviceID {
			respondWithError(w, http.StatusUnauthorized, "token device mismatch")
			return
		}
	}

	resp, err := h.service.Sync(r.Context(), req)
	if err != nil {
		// Internal detail stays in the log; the caller gets a generic
		// failure and can retry the same payload safely.
		log.Printf("sync: device %s: %v", req.DeviceID, err)
		respondWithError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("sync: failed to encode response: %v", err)
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
