// Package httpapi implements the HTTP control API for kazi.
//
// Security:
//   - Bearer token authentication on every /v1 request (constant-time comparison)
//   - Per-client rate limiting via token bucket
//   - Request body size limits (default 1 MB)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/directive"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/orchestrator"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/ticket"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string            // e.g., ":8090"
	EnableDocs     bool
	APIKeys        map[string]string // Token -> client name. Empty = no authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Registry served on the metrics path.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Backs /readyz.
	Metrics         *observability.MetricsCollector // HTTP request metrics.
	Tracer          trace.Tracer                    // HTTP request spans.
}

// Scheduler is the control surface the gateway drives.
// *orchestrator.Scheduler satisfies it.
type Scheduler interface {
	Status(ctx context.Context) (*orchestrator.Status, error)
	Submit(ctx context.Context, t *ticket.Ticket) error
	Cancel(ctx context.Context, id uuid.UUID, reason string) error
	Dispatch(ctx context.Context, id uuid.UUID) error
	Hold(ctx context.Context, id uuid.UUID, resource string, timeout time.Duration) error
	Release(ctx context.Context, resource string) (int, error)
	Execute(ctx context.Context, raw []byte) error
	Approve(ctx context.Context, approvalID, approver string) (*approval.Request, error)
	Deny(ctx context.Context, approvalID, denier string) (*approval.Request, error)
	SetAIMode(ctx context.Context, mode orchestrator.AIMode) error
	RunBoss(ctx context.Context) error
	Recover(ctx context.Context) (int, error)
}

var _ Scheduler = (*orchestrator.Scheduler)(nil)

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	scheduler Scheduler
	tickets   ticket.Store
	approvals approval.ApprovalManager // nil = approval listing disabled.
	events    *orchestrator.Bus         // nil = event stream disabled.
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	okapi  *okapi.Okapi
	group  *okapi.Group
	routed bool
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sched Scheduler, tickets ticket.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	return &Gateway{
		config:    cfg,
		scheduler: sched,
		tickets:   tickets,
		limiter:   rl,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// WithApprovals enables GET /v1/approvals.
func (g *Gateway) WithApprovals(mgr approval.ApprovalManager) *Gateway {
	g.approvals = mgr
	return g
}

// WithEvents enables the /v1/events WebSocket stream.
func (g *Gateway) WithEvents(bus *orchestrator.Bus) *Gateway {
	g.events = bus
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kazi",
			Version: "v0.1.0",
		},
	)
	return g
}

// Handler registers all routes once and returns the root handler.
func (g *Gateway) Handler() http.Handler {
	g.routes()
	return g.okapi
}

func (g *Gateway) routes() {
	if g.routed {
		return
	}
	g.routed = true

	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Get("/status", g.handleStatus,
		okapi.DocSummary("Scheduler status"),
		okapi.DocTags("Scheduler"),
		okapi.DocResponse(orchestrator.Status{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Put("/settings/ai-mode", g.handleSetAIMode,
		okapi.DocSummary("Change AI dispatch mode"),
		okapi.DocTags("Scheduler"),
		okapi.DocRequestBody(AIModeRequest{}),
		okapi.DocResponse(AIModeRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Post("/boss/run", g.handleRunBoss,
		okapi.DocSummary("Start a supervisory cycle now"),
		okapi.DocTags("Scheduler"),
		okapi.DocResponse(http.StatusAccepted, StatusResponse{}),
	)
	g.group.Post("/recover", g.handleRecover,
		okapi.DocSummary("Run the recovery scan now"),
		okapi.DocTags("Scheduler"),
		okapi.DocResponse(CountResponse{}),
	)
	g.group.Post("/directives", g.handleDirective,
		okapi.DocSummary("Apply a scheduling directive as the operator"),
		okapi.DocTags("Scheduler"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	g.group.Post("/tickets", g.handleSubmit,
		okapi.DocSummary("Create and schedule a ticket"),
		okapi.DocTags("Tickets"),
		okapi.DocRequestBody(SubmitRequest{}),
		okapi.DocResponse(http.StatusCreated, ticket.Ticket{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/tickets/{id}", g.handleGetTicket,
		okapi.DocSummary("Get a ticket with its replies and notes"),
		okapi.DocTags("Tickets"),
		okapi.DocPathParam("id", "string", "Ticket ID (UUID)"),
		okapi.DocResponse(TicketResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/tickets/{id}/cancel", g.handleCancel,
		okapi.DocSummary("Cancel a ticket"),
		okapi.DocTags("Tickets"),
		okapi.DocPathParam("id", "string", "Ticket ID (UUID)"),
		okapi.DocRequestBody(CancelRequest{}),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/tickets/{id}/hold", g.handleHold,
		okapi.DocSummary("Hold a queued ticket until a resource is active"),
		okapi.DocTags("Tickets"),
		okapi.DocPathParam("id", "string", "Ticket ID (UUID)"),
		okapi.DocRequestBody(HoldRequest{}),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/tickets/{id}/dispatch", g.handleDispatch,
		okapi.DocSummary("Dispatch a ticket past AI-mode gating"),
		okapi.DocTags("Tickets"),
		okapi.DocPathParam("id", "string", "Ticket ID (UUID)"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/resources/{name}/release", g.handleRelease,
		okapi.DocSummary("Make a resource active and release its held tickets"),
		okapi.DocTags("Resources"),
		okapi.DocPathParam("name", "string", "Resource name"),
		okapi.DocResponse(CountResponse{}),
	)

	if g.approvals != nil {
		g.group.Get("/approvals", g.handleListApprovals,
			okapi.DocSummary("List approval requests"),
			okapi.DocTags("Approvals"),
			okapi.DocResponse([]ApprovalResponse{}),
		)
	}
	g.group.Post("/approvals/{id}/approve", g.handleApprove,
		okapi.DocSummary("Approve a pending request"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocResponse(ApprovalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/approvals/{id}/deny", g.handleDeny,
		okapi.DocSummary("Deny a pending request"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "string", "Approval ID"),
		okapi.DocResponse(ApprovalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusGone, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// The WebSocket upgrade needs the raw ResponseWriter, so it bypasses the
	// group and authenticates itself.
	if g.events != nil {
		g.okapi.HandleStd("GET", "/v1/events", g.handleEvents)
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
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate resolves the caller, stores it as "clientID" and applies the
// per-client rate limit.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		clientID, err := g.identify(c.Request())
		if err != nil {
			return c.AbortUnauthorized(err.Error())
		}
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// identify maps the request's bearer token to a client name. With no
// tokens configured every caller is accepted and keyed by remote host.
func (g *Gateway) identify(r *http.Request) (string, error) {
	if len(g.config.APIKeys) == 0 {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr, nil
		}
		return host, nil
	}

	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		// Browsers cannot set headers on WebSocket upgrades.
		token = q
	}
	if token == "" {
		return "", errors.New("missing or invalid Authorization header")
	}

	clientID := ""
	for key, name := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			clientID = name
		}
	}
	if clientID == "" {
		return "", errors.New("invalid API token")
	}
	return clientID, nil
}

// --- Helpers ---

// schedulerError maps scheduler, store and approval errors to HTTP responses.
func (g *Gateway) schedulerError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, ticket.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "ticket not found"})
	case errors.Is(err, approval.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "approval not found"})
	case errors.Is(err, approval.ErrExpired):
		return c.JSON(http.StatusGone, okapi.M{"error": "approval expired"})
	case errors.Is(err, approval.ErrAlreadyResolved):
		return c.JSON(http.StatusConflict, okapi.M{"error": "approval already resolved"})
	case errors.Is(err, orchestrator.ErrNotQueued),
		errors.Is(err, orchestrator.ErrTerminal),
		errors.Is(err, orchestrator.ErrGhost):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case errors.Is(err, directive.ErrUnknownKind), errors.Is(err, directive.ErrInvalid):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, orchestrator.ErrNotRunning), errors.Is(err, orchestrator.ErrNoApprovals):
		return c.AbortServiceUnavailable(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.AbortServiceUnavailable("request cancelled")
	default:
		g.logger.Error("request failed",
			slog.String("path", c.Request().URL.Path),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("request failed")
	}
}

func ticketID(c *okapi.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	return id, err == nil
}
