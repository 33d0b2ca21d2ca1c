// Package httpapi assembles the public HTTP surface.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"bookworm/internal/access"
	"bookworm/internal/catalog"
	"bookworm/internal/lending"
	"bookworm/internal/membership"
	"bookworm/internal/respond"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services mounted under /api/v1. History is nil when no
// lending journal is kept.
type Deps struct {
	Store       Pinger
	Members     membership.Service
	Catalog     catalog.Service
	Lending     lending.Service
	History     lending.HistoryReader
	Logger      zerolog.Logger
	CORSOrigins []string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(hlog.NewHandler(d.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Retry-After", "X-Request-Id"},
			AllowCredentials: true,
		}).Handler)
	}

	r.Get("/healthz", healthz(d.Store))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(access.Authenticate(d.Members))
		r.Route("/members", membership.NewHandler(d.Members).Routes)
		r.Route("/catalog", catalog.NewHandler(d.Catalog).Routes)
		var lendingOpts []lending.HandlerOption
		if d.History != nil {
			lendingOpts = append(lendingOpts, lending.WithHistory(d.History))
		}
		r.Route("/lending", lending.NewHandler(d.Lending, lendingOpts...).Routes)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond.Error(w, http.StatusNotFound, respond.Problem{Kind: "not_found", Code: "route_not_found", Message: "no route for " + r.URL.Path})
	})

	return r
}

func healthz(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("store ping failed")
			respond.Error(w, http.StatusServiceUnavailable, respond.Problem{Kind: "unexpected", Code: "store_unavailable", Message: "store unavailable"})
			return
		}
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
