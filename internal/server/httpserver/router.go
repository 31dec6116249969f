package httpserver

import (
	"log/slog"
	"net/http"
	"time"
)

// RouterConfig holds configuration for the HTTP router.
type RouterConfig struct {
	// Metrics serves /metrics.
	Metrics http.Handler

	// Status returns the body of /status.
	Status func() any

	// Health returns the run failure, if any. Nil means healthy.
	Health func() error

	// Logger for request logging.
	Logger *slog.Logger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(cfg *RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		}
		if cfg.Health != nil {
			if err := cfg.Health(); err != nil {
				body["status"] = "failed"
				body["error"] = err.Error()
				writeJSON(w, http.StatusServiceUnavailable, body)
				return
			}
		}
		writeJSON(w, http.StatusOK, body)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Status == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, cfg.Status())
	})

	// Order: Recover -> RequestID -> Audit -> mux
	return Chain(mux, Recover(logger), RequestID(), Audit(logger))
}
