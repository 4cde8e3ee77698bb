package http

import (
	"net/http"
	"strings"
	"time"

	"backplane/internal/config"
	"backplane/internal/httpx"
	"backplane/internal/observability/middleware"
	"backplane/internal/service"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Services bundles what the handlers call into.
type Services struct {
	Tokens        service.TokenService
	Messages      service.MessageService
	Guard         service.BusGuard
	Authorization service.AuthorizationService
}

type Handler struct {
	svc          Services
	serverDomain string
	debug        bool
	// secureCookies marks the auth flow cookies Secure.
	secureCookies bool
}

func NewRouter(cfg config.Config, svc Services) http.Handler {
	h := &Handler{
		svc:           svc,
		serverDomain:  cfg.ServerDomain,
		debug:         cfg.DebugMode,
		secureCookies: !strings.HasPrefix(cfg.ServerDomain, "localhost"),
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.WithMetrics)
	r.Use(httpx.LogRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsIfSet(cfg.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id", "X-Trace-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/", h.handleGreeting)
	r.Head("/", h.handleGreeting)
	r.Get("/.well-known/host-meta", h.handleHostMeta)

	limit := cfg.TokenRPM
	if limit <= 0 {
		limit = 60
	}
	rateLimited := httprate.LimitByIP(limit, time.Minute)
	api := func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rateLimited)
			r.Post("/token", h.handleToken)
			r.Post("/authenticate", h.handleAuthenticate)
		})

		r.Get("/messages", h.handleGetMessages)
		r.Post("/messages", h.handlePostMessages)
		r.Get("/message/{id}", h.handleGetMessage)

		r.Get("/authorize", h.handleAuthorize)
		r.Get("/authorize/decision", h.handleDecision)
		r.Post("/authorize", h.handleDecide)
	}
	r.Route("/v2", api)
	r.Group(api)

	r.Route("/bus/{bus}", func(r chi.Router) {
		r.Get("/", h.handleGetBus)
		r.Get("/channel/new", h.handleNewChannel)
		r.Get("/channel/{channel}", h.handleGetChannel)
		r.Post("/channel/{channel}", h.handlePostChannel)
	})

	return r
}

func originsIfSet(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
