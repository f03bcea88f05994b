package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mkoster/spacebot/internal/session"
)

// Status reports the live session state: self id, follow state, the
// user roster and peer count.
func Status(s *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		snap, err := s.Snapshot(ctx)
		if err != nil {
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
