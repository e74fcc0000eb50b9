package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/FACorreiaa/go-trip-planner/config"
	"github.com/FACorreiaa/go-trip-planner/internal/api"
	"github.com/FACorreiaa/go-trip-planner/internal/api/auth"
	"github.com/FACorreiaa/go-trip-planner/internal/api/destinations"
	"github.com/FACorreiaa/go-trip-planner/internal/api/itinerary"
	"github.com/FACorreiaa/go-trip-planner/internal/api/preferences"
)

// Config contains dependencies needed for the router setup
type Config struct {
	PreferencesHandler  *preferences.Handler
	DestinationsHandler *destinations.Handler
	ItineraryHandler    *itinerary.Handler
	JWT                 config.JWTConfig
	AllowedOrigins      []string
	// AIRequestsPerMinute caps, per client IP, the routes that call the model.
	AIRequestsPerMinute int
	Logger              *slog.Logger
}

// SetupRouter initializes and configures the application routes.
// Server-wide middleware (logger, request id, recoverer) is applied in main.go.
func SetupRouter(cfg *Config) chi.Router {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})

	limitAI := httprate.Limit(
		max(cfg.AIRequestsPerMinute, 1),
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			api.ErrorResponse(w, r, http.StatusTooManyRequests, "Too many requests, slow down")
		}),
	)
	requireUser := auth.Authenticate(cfg.Logger, cfg.JWT)

	p, d, it := cfg.PreferencesHandler, cfg.DestinationsHandler, cfg.ItineraryHandler

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.OptionalAuthenticate(cfg.Logger, cfg.JWT))

		r.Post("/sessions", p.CreateSession)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/preferences", p.GetState)
			r.Post("/preferences/select", p.Select)
			r.Post("/preferences/advance", p.Advance)
			r.Post("/preferences/back", p.Back)
			r.With(requireUser).Post("/preferences/import-profile", p.ImportProfile)
			r.Post("/restart", p.Restart)

			r.With(limitAI).Post("/destinations", d.Resolve)
			r.Post("/destinations/select", d.Select)

			r.With(limitAI).Post("/itinerary", it.Generate)
			r.Get("/itinerary", it.Get)
			r.Get("/itinerary/events", it.Events)
			r.Post("/itinerary/cancel", it.Cancel)
			r.Post("/itinerary/reorder", it.Reorder)
			r.Delete("/itinerary/days/{day}/activities/{index}", it.DeleteActivity)
		})

		r.With(limitAI).Post("/destinations/details", d.Details)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/itineraries", it.List)
			r.Put("/itineraries/visibility", it.SetVisibility)
		})
	})

	return r
}
