// Package api exposes the task service over HTTP: the session endpoints,
// account management, and per-user status, priority and task CRUD.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/taskward/account"
	"github.com/jmcleod/taskward/session"
	"github.com/jmcleod/taskward/storage"
)

// Deps are the services the handlers call.
type Deps struct {
	Sessions *session.Service
	Accounts *account.Service
	// Store serves status, priority and task CRUD.
	Store storage.Repository
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	sessions *session.Service
	accounts *account.Service
	store    storage.Repository

	validate       *validator.Validate
	accountLimiter *lockoutLimiter
	ipLimiter      *lockoutLimiter
	trustedProxies []netip.Prefix
	audit          *auditLogger
	metrics        *httpMetrics
	registry       *prometheus.Registry
	alertFn        AlertFunc
	logger         *slog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for request errors and audit events. If not
// set, a JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithRegistry registers HTTP and auth metrics on reg and serves it at
// /metrics. If not set, a private registry is created.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *API) { a.registry = reg }
}

// WithAlertFunc sets the callback for anomaly alerts. By default alerts are
// logged at warn level.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithTrustedProxies sets the proxy ranges whose forwarding headers are
// honored when rate limiting by client IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

var (
	visibleNameRe = regexp.MustCompile(`^\w+$`)
	looseEmailRe  = regexp.MustCompile(`^\S+@\S+\.\S+$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("visname", func(fl validator.FieldLevel) bool {
		return visibleNameRe.MatchString(fl.Field().String())
	})
	v.RegisterValidation("loosemail", func(fl validator.FieldLevel) bool {
		return looseEmailRe.MatchString(fl.Field().String())
	})
	return v
}

// New creates a new API instance.
func New(deps Deps, opts ...Option) *API {
	a := &API{
		sessions:       deps.Sessions,
		accounts:       deps.Accounts,
		store:          deps.Store,
		validate:       newValidator(),
		accountLimiter: newAccountLimiter(),
		ipLimiter:      newIPLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	if a.alertFn == nil {
		logger := a.logger
		a.alertFn = func(e AlertEvent) {
			logger.Warn("security alert",
				slog.String("alert", string(e.Type)),
				slog.String("message", e.Message),
				slog.Int("count", e.Count),
				slog.Int("threshold", e.Threshold))
		}
	}
	a.metrics = newHTTPMetrics(a.registry)
	a.audit = newAuditLogger(a.logger, a.metrics, newMetricsCollector(a.alertFn))
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.instrument)
	r.Use(a.RevocationMiddleware)

	r.Get("/health", a.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Post("/user/login", a.Login)
	r.Post("/user/create", a.CreateUser)
	r.Group(func(r chi.Router) {
		r.Use(a.RequireAuth)
		r.Post(logoutPath, a.Logout)
		r.Post("/user/info", a.UserInfo)
		r.Patch("/user/update", a.UpdateUser)
		r.Post("/user/delete", a.DeleteUser)
	})

	r.Post("/auth/tfa/login", a.TwoFactorLogin)
	r.Get("/auth/tfa/exp", a.TwoFactorExpiry)
	r.Post("/auth/refresh", a.Refresh)
	r.Get("/auth/verify/{token}", a.VerifyAccount)

	r.Route("/status", func(r chi.Router) {
		r.Use(a.RequireAuth)
		r.Get("/list", a.ListStatuses)
		r.Get("/get/{id}", a.GetStatus)
		r.Post("/create", a.CreateStatus)
		r.Patch("/update/{id}", a.UpdateStatus)
		r.Delete("/delete/{id}", a.DeleteStatus)
	})
	r.Route("/priority", func(r chi.Router) {
		r.Use(a.RequireAuth)
		r.Get("/list", a.ListPriorities)
		r.Get("/get/{id}", a.GetPriority)
		r.Post("/create", a.CreatePriority)
		r.Patch("/update/{id}", a.UpdatePriority)
		r.Delete("/delete/{id}", a.DeletePriority)
	})
	r.Route("/task", func(r chi.Router) {
		r.Use(a.RequireAuth)
		r.Get("/list", a.ListTasks)
		r.Get("/get/{id}", a.GetTask)
		r.Post("/create", a.CreateTask)
		r.Patch("/update/{id}", a.UpdateTask)
		r.Delete("/delete/{id}", a.DeleteTask)
	})

	return r
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// SweepLimiters drops stale rate-limit records every interval until ctx is
// done.
func (a *API) SweepLimiters(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.accountLimiter.sweep()
			a.ipLimiter.sweep()
		}
	}
}
