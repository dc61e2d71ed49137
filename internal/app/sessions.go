package app

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/internal/token"
)

// sessionsHandler serves GET /sessions: the snapshots of the live sessions in
// the room named by the caller's token. The token must grant subscribing.
type sessionsHandler struct {
	issuer  *token.Issuer
	manager *session.Manager
}

func (h sessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}
	claims, err := h.issuer.Verify(raw)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if !claims.Video.CanSubscribe {
		http.Error(w, "token does not grant subscribing", http.StatusForbidden)
		return
	}

	room := make([]session.Snapshot, 0)
	for _, snap := range h.manager.Snapshots(r.Context()) {
		if snap.RoomID == claims.Video.Room {
			room = append(room, snap)
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Room     string             `json:"room"`
		Sessions []session.Snapshot `json:"sessions"`
	}{claims.Video.Room, room})
}
