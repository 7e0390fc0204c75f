package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-nvr-relay/internal/store"
	"github.com/technosupport/ts-nvr-relay/internal/tokens"
)

const (
	viewerTokenTTL   = 15 * time.Minute
	defaultUnitLimit = 100
	maxUnitLimit     = 1000
)

type RelayHandler struct {
	Tokens *tokens.Manager
	Units  *store.MediaUnitModel
	Media  *store.MediaModel
}

type ViewerTokenResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	ExpiresIn int    `json:"expires_in"`
}

func (h *RelayHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateViewerToken mints a short-lived websocket token bound to a fresh
// session id.
func (h *RelayHandler) CreateViewerToken(w http.ResponseWriter, r *http.Request) {
	token, sessionID, err := h.Tokens.GenerateViewerToken(viewerTokenTTL)
	if err != nil {
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ViewerTokenResponse{
		Token:     token,
		SessionID: sessionID,
		ExpiresIn: int(viewerTokenTTL.Seconds()),
	})
}

func (h *RelayHandler) ListMedia(w http.ResponseWriter, r *http.Request) {
	list, err := h.Media.List(r.Context())
	if err != nil {
		http.Error(w, "list media failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *RelayHandler) ListUnits(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "id")

	limit := defaultUnitLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxUnitLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	units, err := h.Units.ListByMediaID(r.Context(), mediaID, limit)
	if err != nil {
		http.Error(w, "list units failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, units)
}

func (h *RelayHandler) GetUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.Units.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "get unit failed", http.StatusInternalServerError)
		return
	}
	if unit == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
