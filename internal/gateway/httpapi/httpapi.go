// Package httpapi implements the HTTP API for Crucible: experiments, team
// credits, agents, metered AI completions and the event stream.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Each key is bound to one team; callers never see other teams' data
//   - Request body size limits (default 1 MB)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/crucible/internal/agents"
	"github.com/jkaninda/crucible/internal/budget"
	"github.com/jkaninda/crucible/internal/experiment"
	"github.com/jkaninda/crucible/internal/gateway"
	"github.com/jkaninda/crucible/internal/gateway/ws"
	"github.com/jkaninda/crucible/internal/ledger"
	"github.com/jkaninda/crucible/internal/observability"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// APIKey binds a bearer token to a user within a team.
type APIKey struct {
	Key    string
	UserID string
	TeamID uuid.UUID
}

// principal is the authenticated caller.
type principal struct {
	UserID string
	TeamID uuid.UUID
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []APIKey
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Services are the domain components the API exposes. Stream may be nil,
// which disables the /v1/events endpoints.
type Services struct {
	Experiments *experiment.Machine
	Guard       *budget.Guard
	Ledger      *ledger.Ledger
	Agents      *agents.Registry
	AI          *gateway.Gateway
	Stream      *ws.Hub
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config Config
	svc    Services
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server

	// Extra handlers mounted on the HTTP mux.
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc Services, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		config: cfg,
		svc:    svc,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Crucible",
			Version: "v1",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.okapi.UseMiddleware(g.limitBody)

	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)
	g.registerRoutes()

	// The WebSocket upgrade bypasses okapi's response writer.
	if g.svc.Stream != nil {
		g.okapi.HandleStd("GET", "/v1/events", g.requireKey(http.HandlerFunc(g.handleEvents)).ServeHTTP)
	}

	// Extra handlers.
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	server := &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: event streams stay open. Provider calls are
		// bounded by the AI gateway's own timeout.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.server = server
	g.mu.Unlock()

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	if err := g.okapi.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	if server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	if g.svc.Stream != nil {
		g.svc.Stream.Close()
	}
	return g.okapi.Shutdown(server)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// lookupKey maps a bearer token to its principal. Every configured key is
// compared so the timing does not depend on which one matched.
func (g *Gateway) lookupKey(authHeader string) (principal, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return principal{}, false
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")

	var p principal
	found := false
	for _, k := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(k.Key)) == 1 {
			p = principal{UserID: k.UserID, TeamID: k.TeamID}
			found = true
		}
	}
	return p, found
}

// authenticate validates the API key and stores the caller's user and team
// on the context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if authHeader == "" {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		p, ok := g.lookupKey(authHeader)
		if !ok {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", p.UserID)
		c.Set("teamID", p.TeamID.String())
		return next(c)
	}
}

type principalKey struct{}

// requireKey is authenticate for plain http.Handlers.
func (g *Gateway) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := g.lookupKey(r.Header.Get("Authorization"))
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// caller returns the principal set by authenticate.
func caller(c *okapi.Context) (principal, error) {
	teamID, err := uuid.Parse(c.GetString("teamID"))
	if err != nil {
		return principal{}, errors.New("unauthenticated")
	}
	return principal{UserID: c.GetString("userID"), TeamID: teamID}, nil
}

// limitBody caps request bodies at the configured size.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
