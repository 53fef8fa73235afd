package httpx

import (
	"log/slog"
	"net/http"
)

// RouterServices holds everything the HTTP router needs.
type RouterServices struct {
	Lifecycle JobLifecycle
	Reporter  StatusProvider
	Outcomes  OutcomeReader

	// AuthToken guards /api routes when set; empty disables auth (dev only).
	AuthToken string
	Logger    *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handlers := &JobHandlers{
		Lifecycle: services.Lifecycle,
		Reporter:  services.Reporter,
		Outcomes:  services.Outcomes,
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/jobs", handlers.CreateJob)
	api.HandleFunc("GET /api/jobs/stats", handlers.GetStats)
	api.HandleFunc("GET /api/jobs/{id}", handlers.GetJob)
	api.HandleFunc("GET /api/jobs/{id}/status", handlers.GetStatus)
	api.HandleFunc("POST /api/jobs/{id}/resume", handlers.Resume)
	api.HandleFunc("POST /api/jobs/{id}/cancel", handlers.Cancel)
	api.HandleFunc("GET /api/jobs/{id}/outcomes", handlers.ListOutcomes)
	api.HandleFunc("GET /api/jobs/{id}/stats", handlers.GetAggregateStats)

	var apiHandler http.Handler = api
	if services.AuthToken != "" {
		apiHandler = RequireToken(services.AuthToken)(apiHandler)
	} else {
		logger.Warn("HTTP auth token not set, API is unauthenticated")
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.HandleFunc("HEAD /healthz", healthHandler)

	return Recover(logger)(Logging(logger)(mux))
}
