package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/geoplatform/arcgis-relay/pkg/access"
	"github.com/geoplatform/arcgis-relay/pkg/config"
	"github.com/geoplatform/arcgis-relay/pkg/httputil"
	"github.com/geoplatform/arcgis-relay/pkg/identity"
	"github.com/geoplatform/arcgis-relay/pkg/middleware"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
	"github.com/geoplatform/arcgis-relay/pkg/storage"
	"github.com/geoplatform/arcgis-relay/pkg/webhooks"
)

const maxBodyBytes = 1 << 20

// LoginBridge is the upstream half of a login
type LoginBridge interface {
	AuthorizeURL(state, nonce string) (string, error)
	Complete(ctx context.Context, code, expectedNonce string) (identity.UserInfo, error)
}

// TokenSigner issues the relay's downstream access tokens
type TokenSigner interface {
	Sign(audience, clientID string) (string, error)
}

// EventQueue accepts webhook events for background processing
type EventQueue interface {
	Enqueue(ctx context.Context, events ...webhooks.Event) error
}

// Store is the persistence the HTTP handlers use directly
type Store interface {
	storage.TokenStore
	storage.FlowStore
	storage.PageSettingsStore
}

// Deps are the collaborators a Server is built from. Redis, Health and
// Registry are optional.
type Deps struct {
	Config    *config.Config
	Bridge    LoginBridge
	Signer    TokenSigner
	Engine    *access.Engine
	Store     Store
	Queue     EventQueue
	Processor webhooks.Processor
	Redis     *redis.Client
	Health    *observability.HealthChecker
	Registry  *prometheus.Registry
	Metrics   *observability.Metrics
	Logger    *observability.Logger
}

// Server is the relay's HTTP surface
type Server struct {
	cfg       *config.Config
	bridge    LoginBridge
	signer    TokenSigner
	engine    *access.Engine
	store     Store
	queue     EventQueue
	processor webhooks.Processor
	cookies   *cookieCodec
	logger    *observability.Logger
	metrics   *observability.Metrics

	router  *mux.Router
	handler http.Handler
}

// New builds the router and middleware chain
func New(deps Deps) (*Server, error) {
	if deps.Config == nil || deps.Bridge == nil || deps.Signer == nil || deps.Engine == nil || deps.Store == nil {
		return nil, errors.New("server: config, bridge, signer, engine and store are required")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}

	cookies, err := newCookieCodec(deps.Config.Cookies)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       deps.Config,
		bridge:    deps.Bridge,
		signer:    deps.Signer,
		engine:    deps.Engine,
		store:     deps.Store,
		queue:     deps.Queue,
		processor: deps.Processor,
		cookies:   cookies,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		router:    mux.NewRouter(),
	}
	s.setupRoutes(deps)

	s.handler = otelhttp.NewHandler(httputil.Chain(
		httputil.RequestIDMiddleware(s.logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(maxBodyBytes),
	)(s.router), "arcgis-relay")

	return s, nil
}

// setupRoutes configures all routes
func (s *Server) setupRoutes(deps Deps) {
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	limited := func(scope string, h http.HandlerFunc) http.Handler {
		if deps.Redis == nil || s.cfg.Server.RateLimitPerMin <= 0 {
			return h
		}
		limiter := middleware.NewDistributedRateLimiter(deps.Redis, &middleware.RateLimitConfig{
			RequestsPerWindow: s.cfg.Server.RateLimitPerMin,
			WindowDuration:    rateLimitWindow,
		}, "ratelimit:"+scope)
		return middleware.RateLimit(limiter, s.logger)(h)
	}

	// Upstream login
	s.router.Handle("/auth", limited("auth", s.handleAuth)).Methods(http.MethodGet)
	s.router.Handle("/callback", limited("callback", s.handleCallback)).Methods(http.MethodGet)
	s.router.HandleFunc("/select_user_groups", s.handleSelectForm).Methods(http.MethodGet)
	s.router.HandleFunc("/select_user_groups", s.handleSelectSubmit).Methods(http.MethodPost)
	s.router.HandleFunc("/user_not_in_allowed_groups", s.handleDenied).Methods(http.MethodGet)

	// Downstream OAuth
	s.router.HandleFunc("/arcgis_callback", s.handleHandoff).Methods(http.MethodGet)
	s.router.HandleFunc("/token", s.handleToken).Methods(http.MethodPost)
	s.router.HandleFunc("/userinfo", s.handleUserInfo).Methods(http.MethodGet)

	// Webhooks
	s.router.Handle("/arcgis_webhook", limited("webhook", s.handleWebhook)).Methods(http.MethodPost)
	s.router.Handle("/add_user_to_groups",
		middleware.RequireToken(s.cfg.Webhooks.InternalToken)(http.HandlerFunc(s.handleAddUserToGroups)),
	).Methods(http.MethodPost)

	// Operations
	if deps.Health != nil {
		s.router.HandleFunc("/healthz", deps.Health.Liveness).Methods(http.MethodGet)
		s.router.HandleFunc("/readyz", deps.Health.Readiness).Methods(http.MethodGet)
	}
	if deps.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(deps.Registry)).Methods(http.MethodGet)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}
