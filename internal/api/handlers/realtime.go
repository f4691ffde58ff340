package handlers

import (
	"net/http"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/internal/realtime"
)

type RealtimeHandler struct {
	server *realtime.Server
}

func NewRealtimeHandler(server *realtime.Server) *RealtimeHandler {
	return &RealtimeHandler{server: server}
}

// Connect handles GET /api/v1/realtime. Browsers cannot set headers on a
// websocket handshake, so the token may come as ?access_token=.
func (h *RealtimeHandler) Connect(w http.ResponseWriter, r *http.Request) {
	v, ok := viewerOf(w, r)
	if !ok {
		return
	}
	h.server.Serve(w, r, v)
}
