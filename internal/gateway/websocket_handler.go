package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/anzanlive/duel/internal/duel"
	"github.com/anzanlive/duel/internal/duel/channel"
)

// WebSocketHandler handles WebSocket upgrade requests for room connections
type WebSocketHandler struct {
	manager *Manager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(m *Manager) *WebSocketHandler {
	return &WebSocketHandler{manager: m}
}

// HandleRoomConnection handles WebSocket connections for a specific room
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomCode := r.URL.Query().Get("room_code")
	if roomCode == "" {
		http.Error(w, "room_code is required", http.StatusBadRequest)
		return
	}
	if !duel.ValidRoomCode(roomCode) {
		http.Error(w, "invalid room_code format", http.StatusBadRequest)
		return
	}

	// In production identity would come from a JWT or session; for now
	// the client names itself.
	participantID := r.URL.Query().Get("participant_id")
	if participantID == "" {
		participantID = uuid.New().String()
	}
	displayName := r.URL.Query().Get("display_name")
	if displayName == "" {
		displayName = "anonymous"
	}

	self := channel.Member{ParticipantID: participantID, DisplayName: displayName}
	if err := h.manager.UpgradeConnection(w, r, roomCode, self); err != nil {
		log.Error().
			Err(err).
			Str("room_code", roomCode).
			Str("participant_id", participantID).
			Msg("failed to upgrade WebSocket connection")
		http.Error(w, "failed to join room", http.StatusConflict)
		return
	}
}

// HandleNewRoom hands out a fresh room code.
func (h *WebSocketHandler) HandleNewRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"room_code": duel.NewRoomCode()})
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.manager.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// HandleHealth is a liveness probe.
func (h *WebSocketHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/room", h.HandleRoomConnection)
	mux.HandleFunc("/api/rooms/new", h.HandleNewRoom)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
	mux.HandleFunc("/healthz", h.HandleHealth)
}
