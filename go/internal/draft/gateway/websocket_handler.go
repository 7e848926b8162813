package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler serves the websocket endpoint and the read-only REST
// routes next to it.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	fetcher           realtime.Fetcher
}

func NewWebSocketHandler(cm *ConnectionManager, fetcher realtime.Fetcher) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm, fetcher: fetcher}
}

// HandleRoomConnection upgrades /ws/room?room_id=...&user_id=... to a room
// feed.
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomIDStr := r.URL.Query().Get("room_id")
	if roomIDStr == "" {
		http.Error(w, "room_id is required", http.StatusBadRequest)
		return
	}
	roomID, err := uuid.Parse(roomIDStr)
	if err != nil {
		http.Error(w, "invalid room_id format", http.StatusBadRequest)
		return
	}

	// no auth; the caller names itself
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, userID, roomID); err != nil {
		// the upgrader has already written the HTTP error
		log.Error().
			Err(err).
			Str("room_id", roomID.String()).
			Str("user_id", userID).
			Msg("failed to upgrade WebSocket connection")
	}
}

func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connectionManager.Stats())
}

// HandleSnapshot returns the current room, as a client would get it on
// refresh.
func (h *WebSocketHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.fetcher == nil {
		http.Error(w, "snapshots are not configured", http.StatusNotImplemented)
		return
	}
	roomID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	snap, err := h.fetcher.FetchSnapshot(ctx, roomID)
	switch {
	case errors.Is(err, events.ErrNotFound):
		http.Error(w, "room not found", http.StatusNotFound)
		return
	case err != nil:
		log.Error().Err(err).Str("room_id", roomID.String()).Msg("failed to fetch snapshot")
		http.Error(w, "failed to fetch room", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotFrame(snap))
}

func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/room", h.HandleRoomConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
	mux.HandleFunc("GET /api/rooms/{id}/snapshot", h.HandleSnapshot)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}
