package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fielddiag/internal/auth"
	"fielddiag/internal/captcha"
	"fielddiag/internal/config"
	"fielddiag/internal/diagnostic"
	"fielddiag/internal/health"
	"fielddiag/internal/middleware"
	"fielddiag/internal/notify"
	"fielddiag/internal/objectstore"
	"fielddiag/internal/obs"
	"fielddiag/internal/rate"
	"fielddiag/internal/service"
	"fielddiag/internal/util"
)

type Deps struct {
	Accounts    *service.Service
	Diagnostics *diagnostic.Lifecycle
	Notifier    *notify.Dispatcher
	Objects     objectstore.Store
	Health      *health.Checker
	Captcha     captcha.Verifier
}

type Handlers struct {
	cfg      config.Config
	accounts *service.Service
	diag     *diagnostic.Lifecycle
	notifier *notify.Dispatcher
	policy   notify.UrgentPolicy
	objects  objectstore.Store
	captcha  captcha.Verifier
	limiter  *rate.Limiter
}

const maxJSONBody = 1 << 20

func NewRouter(cfg config.Config, d Deps) http.Handler {
	h := &Handlers{
		cfg:      cfg,
		accounts: d.Accounts,
		diag:     d.Diagnostics,
		notifier: d.Notifier,
		policy:   notify.UrgentPolicy{Limit: cfg.UrgentDailyLimit},
		objects:  d.Objects,
		captcha:  d.Captcha,
		limiter:  rate.NewLimiter(),
	}
	if h.captcha == nil {
		h.captcha = captcha.NewVerifier(cfg)
	}
	checker := d.Health
	if checker == nil {
		checker = health.NewChecker(0)
	}
	obs.Init()

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(cfg.TrustProxy))
	r.Use(middleware.SecurityHeaders)
	r.Use(obs.Instrument)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", health.LiveHandler())
	r.Get("/health/ready", checker.ReadyHandler())
	r.Handle("/metrics", obs.Handler())

	authn := middleware.Authn(h.accounts)
	burst := cfg.RateLimitBurst

	r.Route("/api/v1", func(r chi.Router) {
		// Uploads carry their own body cap.
		r.With(authn).Post("/uploads", h.Upload)

		r.Group(func(r chi.Router) {
			r.Use(middleware.MaxBody(maxJSONBody))

			r.Route("/auth", func(r chi.Router) {
				r.With(
					middleware.RateLimit(h.limiter, "register", cfg.RateLimitRegisterPerMin, burst, cfg.TrustProxy),
					middleware.OptionalAuthn(h.accounts),
				).Post("/register", h.Register)
				r.With(middleware.RateLimit(h.limiter, "login", cfg.RateLimitLoginPerMin, burst, cfg.TrustProxy)).Post("/login", h.Login)
				r.With(middleware.RateLimit(h.limiter, "forgot_password", cfg.RateLimitResetPerMin, burst, cfg.TrustProxy)).Post("/forgot-password", h.ForgotPassword)
				r.With(middleware.RateLimit(h.limiter, "reset_password", cfg.RateLimitResetPerMin, burst, cfg.TrustProxy)).Post("/reset-password", h.ResetPassword)
				r.With(authn).Get("/me", h.Me)
			})

			r.Group(func(r chi.Router) {
				r.Use(authn)

				r.Post("/diagnostics", h.CreateDiagnostic)
				r.Get("/diagnostics", h.ListDiagnostics)
				r.Get("/diagnostics/{id}", h.GetDiagnostic)
				r.With(middleware.RequireRoles(auth.AdminRoles)).Patch("/diagnostics/{id}/review", h.ReviewDiagnostic)

				r.Route("/notifications", func(r chi.Router) {
					r.Use(middleware.RequireRoles(auth.AdminRoles))
					r.Post("/", h.SendNotification)
					r.Get("/urgent-count", h.UrgentCount)
					r.Get("/{id}", h.GetNotification)
					r.Post("/{id}/delivered", h.MarkDelivered)
					r.Post("/{id}/failed", h.MarkFailed)
					r.Post("/{id}/retry", h.RetryNotification)
				})

				r.Route("/admin", func(r chi.Router) {
					r.Use(middleware.RequireRoles(auth.AdminRoles))
					r.Patch("/identities/{id}/active", h.SetIdentityActive)
					r.With(middleware.RequireRoles(auth.SuperAdminOnly)).Get("/audit-log", h.AuditLog)
				})
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		util.WriteError(w, http.StatusNotFound, "NOT_FOUND", "route not found", middleware.RequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		util.WriteError(w, http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", middleware.RequestID(r.Context()))
	})
	return r
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	util.WriteAppError(w, err, middleware.RequestID(r.Context()))
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
