// Package api exposes the recommendation engine over HTTP.
//
// Routes:
//
//	GET /                          liveness banner (alias of /health)
//	GET /health                    liveness banner
//	GET /readyz                    store readiness
//	GET /recommendations/{userId}  ranked campaigns for a user
//	GET /metrics                   Prometheus exposition
//
// Errors are JSON objects of the form {"detail": "..."}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/hybridrec/internal/embedding"
	"github.com/MrWong99/hybridrec/internal/health"
	"github.com/MrWong99/hybridrec/internal/observe"
	"github.com/MrWong99/hybridrec/internal/recommend"
)

// Recommender answers recommendation queries. [*recommend.Engine]
// satisfies it.
type Recommender interface {
	Recommend(ctx context.Context, userID string) (*recommend.Result, error)
}

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Recommender Recommender
	Health      *health.Handler

	// Metrics instruments the request middleware. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics when non-nil.
	MetricsHandler http.Handler
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps) http.Handler {
	m := deps.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	h := deps.Health
	if h == nil {
		h = health.New()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(m))

	r.Get("/", h.Health)
	h.Register(r)
	r.Get("/recommendations/{userId}", handleRecommendations(deps.Recommender))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	return r
}

func handleRecommendations(rec Recommender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userId")
		log := observe.Logger(r.Context()).With("user_id", userID)
		log.Info("recommendation request")

		res, err := rec.Recommend(r.Context(), userID)
		if err != nil {
			status, detail := errorStatus(err)
			if status >= http.StatusInternalServerError {
				log.Error("recommendation failed", "status", status, "err", err)
			} else {
				log.Info("recommendation rejected", "status", status, "err", err)
			}
			httpError(w, status, "%s", detail)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// errorStatus maps engine errors to an HTTP status and client message.
func errorStatus(err error) (int, string) {
	var sqe *recommend.StoreQueryError
	switch {
	case errors.Is(err, recommend.ErrNoChatHistory):
		return http.StatusNotFound, "User has no chat history to analyze."
	case errors.Is(err, embedding.ErrEmbeddingUnavailable):
		return http.StatusInternalServerError, "Failed to generate AI embedding."
	case errors.As(err, &sqe) && sqe.Timeout():
		return http.StatusGatewayTimeout, fmt.Sprintf("%s timed out", sqe.Op)
	case errors.As(err, &sqe):
		return http.StatusBadGateway, fmt.Sprintf("%s failed", sqe.Op)
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads this.
		return 499, "request cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"detail": fmt.Sprintf(format, args...)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
