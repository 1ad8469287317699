package mesh

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// NewRouter exposes the coordinator over HTTP: the websocket endpoint at
// /mesh, a health check and a JSON peer snapshot.
func NewRouter(c *Coordinator) http.Handler {
	r := chi.NewRouter()

	r.Get("/mesh", c.ServeWS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "meshId": c.MeshID()})
	})

	r.Get("/peers", func(w http.ResponseWriter, r *http.Request) {
		snap, err := c.Snapshot(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write json response failed")
	}
}
