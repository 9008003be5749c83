package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-identity/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	profilesHandler := handlers.NewProfilesHandler(s.engine, s.logger.Named("profiles"))
	sourcesHandler := handlers.NewSourcesHandler(s.engine, s.logger.Named("sources"))
	personsHandler := handlers.NewPersonsHandler(s.engine, s.logger.Named("persons"))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handlers.HealthCheck)

		r.Route("/profiles/{profileID}", func(r chi.Router) {
			r.Put("/", profilesHandler.Upsert)
			r.Post("/reevaluate", profilesHandler.Reevaluate)
			r.Post("/match", sourcesHandler.Match)

			r.Post("/sources/{kind}/{sourceID}/resolve", sourcesHandler.Resolve)
			r.Get("/sources/{kind}/{sourceID}/summary", sourcesHandler.Summary)

			r.Get("/persons", personsHandler.List)
			r.Route("/persons/{personID}", func(r chi.Router) {
				r.Get("/", personsHandler.Get)
				r.Post("/merge", personsHandler.Merge)
				r.Post("/separate", personsHandler.Separate)
				r.Post("/incorrect", personsHandler.MarkIncorrect)
				r.Post("/confirm", personsHandler.Confirm)
				r.Post("/link-owner", personsHandler.LinkOwner)
			})
		})
	})
}
