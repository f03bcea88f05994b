package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mkoster/spacebot/internal/session"
)

func SetupRoutes(s *session.Session) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/status", Status(s))
	return r
}
