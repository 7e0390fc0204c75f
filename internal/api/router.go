// Package api is the relay's HTTP surface: viewer websocket entry, viewer
// token minting, media unit queries, health and metrics.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/technosupport/ts-nvr-relay/internal/hub"
	"github.com/technosupport/ts-nvr-relay/internal/metrics"
	"github.com/technosupport/ts-nvr-relay/internal/store"
	"github.com/technosupport/ts-nvr-relay/internal/tokens"
)

type Deps struct {
	Tokens  *tokens.Manager
	Hub     *hub.Hub
	Units   *store.MediaUnitModel
	Media   *store.MediaModel
	Metrics *metrics.Collector

	// AllowedOrigins restricts /live upgrades; empty allows any origin.
	AllowedOrigins []string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	live := NewLiveHandler(d.Tokens, d.Hub, d.Metrics, d.AllowedOrigins)
	rh := &RelayHandler{Tokens: d.Tokens, Units: d.Units, Media: d.Media}

	r.Get("/healthz", rh.Healthz)
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/viewer-tokens", rh.CreateViewerToken)
		r.Get("/media", rh.ListMedia)
		r.Get("/media/{id}/units", rh.ListUnits)
		r.Get("/units/{id}", rh.GetUnit)
	})

	r.Get("/live", live.ServeWS)

	return r
}
