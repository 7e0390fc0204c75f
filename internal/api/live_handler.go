package api

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-nvr-relay/internal/hub"
	"github.com/technosupport/ts-nvr-relay/internal/metrics"
	"github.com/technosupport/ts-nvr-relay/internal/tokens"
	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

// LiveHandler upgrades viewer connections and plugs them into the broadcast
// hub. The socket's read side only ever carries subscription updates; all
// media flows the other way.
type LiveHandler struct {
	Tokens  *tokens.Manager
	Hub     *hub.Hub
	Metrics *metrics.Collector

	upgrader websocket.Upgrader
}

func NewLiveHandler(tm *tokens.Manager, h *hub.Hub, m *metrics.Collector, allowedOrigins []string) *LiveHandler {
	return &LiveHandler{
		Tokens:  tm,
		Hub:     h,
		Metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker allows any origin when the list is empty (dev default).
// Requests without an Origin header are non-browser clients and always pass.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *LiveHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// Auth via query param (standard for WS)
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.Tokens.ValidateToken(tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("api: viewer connected, session=%s", claims.SessionID)

	client := h.Hub.Register(conn)
	defer func() {
		h.Hub.Unregister(client)
		h.Metrics.SetViewers(h.Hub.Count())
		log.Printf("api: viewer disconnected, session=%s", claims.SessionID)
	}()
	h.Metrics.SetViewers(h.Hub.Count())

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m, err := wire.DecodeClientMessage(msg)
		if err != nil {
			// A bad message never tears the session down.
			log.Printf("api: bad viewer message, session=%s: %v", claims.SessionID, err)
			continue
		}
		sub := m.Subscription
		if sub != nil && sub.SessionID == "" {
			sub.SessionID = claims.SessionID
		}
		h.Hub.UpdateSubscription(client, sub)
	}
}
