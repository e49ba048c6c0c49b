package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/remotelab/weblab-gateway/config"
	"github.com/remotelab/weblab-gateway/internal/service"
	"github.com/remotelab/weblab-gateway/pkg/logger"
)

// NewRouter assembles the full HTTP surface: the authenticated
// scheduler API under /weblab/sessions, the browser callback, and the
// session endpoints used by the lab UI.
func NewRouter(
	sessionSvc service.SessionService,
	hooks service.Hooks,
	cfg *config.Config,
	l logger.Logger,
) http.Handler {
	schedulerHandler := NewHTTPHandler(sessionSvc, cfg.Weblab, l)
	publicHandler := NewPublicHandler(sessionSvc, hooks, cfg.Weblab, cfg.JWT, l)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", schedulerHandler.HealthCheck)

	r.Route("/weblab/sessions", func(r chi.Router) {
		// Version discovery is the only unauthenticated endpoint.
		r.Get("/api", schedulerHandler.APIVersions)

		r.Group(func(r chi.Router) {
			r.Use(SchedulerAuth(cfg.Weblab, l))
			r.Get("/test", schedulerHandler.TestCredentials)
			r.Post("/", schedulerHandler.StartSession)
			r.Post("/status/multiple", schedulerHandler.MultipleSessionStatus)
			r.Get("/{sessionID}/status", schedulerHandler.SessionStatus)
			r.Post("/{sessionID}", schedulerHandler.SessionAction)
		})
	})

	callback := strings.TrimRight(cfg.Weblab.CallbackURL, "/")
	if callback == "" {
		callback = "/callback"
	}
	r.Get(callback+"/{sessionID}", publicHandler.Callback)
	r.Get(callback+"/{sessionID}/poll", publicHandler.Poll)
	r.Get(callback+"/{sessionID}/logout", publicHandler.Logout)

	r.Group(func(r chi.Router) {
		r.Use(WebLabSession(sessionSvc, cfg.JWT, cfg.Weblab, l))
		r.Get("/api/user", publicHandler.UserInfo)
	})

	return r
}
