package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Handler terminates websocket upgrade requests. Connection-time parameters:
// userId (claimed identity, required), sessionId (optional; absent for
// dashboard connections that only need the inbox room), token (optional
// bearer credential).
type Handler struct {
	manager  *ConnectionManager
	verifier *TokenVerifier
}

// NewHandler creates a websocket handler.
func NewHandler(cm *ConnectionManager, verifier *TokenVerifier) *Handler {
	return &Handler{manager: cm, verifier: verifier}
}

// HandleConnection upgrades the request and binds the connection to its
// identity. A valid token overrides the claimed userId; an absent or invalid
// token leaves the connection anonymous on the claimed id rather than
// rejecting it.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	userID := query.Get("userId")
	sessionID := query.Get("sessionId")

	peer := Peer{
		ID:        NewPeerID(),
		UserID:    userID,
		SessionID: sessionID,
	}

	if token := query.Get("token"); token != "" && h.verifier != nil {
		claimedID, err := h.verifier.Verify(token)
		if err != nil {
			log.Warn().
				Err(err).
				Str("user_id", userID).
				Msg("invalid token, proceeding anonymously")
		} else {
			peer.UserID = claimedID
			peer.Authenticated = true
		}
	}

	if peer.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	if err := h.manager.Serve(w, r, peer); err != nil {
		log.Error().
			Err(err).
			Str("user_id", peer.UserID).
			Str("session_id", peer.SessionID).
			Msg("failed to serve websocket connection")
	}
}

// HandleStats reports live connection counts.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	total, perRoom := h.manager.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"total_connections": total,
		"active_rooms":      len(perRoom),
	})
}

// RegisterRoutes mounts the websocket endpoints on a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
	mux.HandleFunc("/ws/stats", h.HandleStats)
}
