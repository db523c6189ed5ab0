package httpapi

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/orchestrator"
	"github.com/jkaninda/kazi/internal/ticket"
	"github.com/jkaninda/okapi"
)

// StatusResponse acknowledges a control action.
type StatusResponse struct {
	Status string `json:"status"`
}

// CountResponse reports how many tickets an action touched.
type CountResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// --- Scheduler ---

func (g *Gateway) handleStatus(c *okapi.Context) error {
	st, err := g.scheduler.Status(c.Context())
	if err != nil {
		return g.schedulerError(c, err)
	}
	return c.OK(st)
}

// AIModeRequest is the JSON body for PUT /v1/settings/ai-mode.
type AIModeRequest struct {
	Mode string `json:"mode"`
}

func (g *Gateway) handleSetAIMode(c *okapi.Context) error {
	var req AIModeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	mode, err := orchestrator.ParseAIMode(req.Mode)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	if err := g.scheduler.SetAIMode(c.Context(), mode); err != nil {
		return g.schedulerError(c, err)
	}
	g.logger.Info("ai mode changed via api",
		slog.String("client_id", c.GetString("clientID")),
		slog.String("mode", string(mode)),
	)
	return c.OK(AIModeRequest{Mode: string(mode)})
}

func (g *Gateway) handleRunBoss(c *okapi.Context) error {
	if err := g.scheduler.RunBoss(c.Context()); err != nil {
		return g.schedulerError(c, err)
	}
	return c.JSON(http.StatusAccepted, StatusResponse{Status: "started"})
}

func (g *Gateway) handleRecover(c *okapi.Context) error {
	n, err := g.scheduler.Recover(c.Context())
	if err != nil {
		return g.schedulerError(c, err)
	}
	return c.OK(CountResponse{Status: "recovered", Count: n})
}

func (g *Gateway) handleDirective(c *okapi.Context) error {
	r := c.Request()
	raw, err := io.ReadAll(io.LimitReader(r.Body, g.maxBody()))
	if err != nil || len(raw) == 0 {
		return c.AbortBadRequest("directive body is required")
	}
	if err := g.scheduler.Execute(c.Context(), raw); err != nil {
		return g.schedulerError(c, err)
	}
	return c.OK(StatusResponse{Status: "applied"})
}

// --- Tickets ---

// SubmitRequest is the JSON body for POST /v1/tickets.
type SubmitRequest struct {
	Title            string                  `json:"title"`
	Body             string                  `json:"body,omitempty"`
	Priority         ticket.Priority         `json:"priority,omitempty"`       // Default: P2.
	OperationType    ticket.OperationType    `json:"operation_type,omitempty"` // Default: general.
	DeliverableType  ticket.DeliverableType  `json:"deliverable_type,omitempty"`
	Team             ticket.Team             `json:"team,omitempty"` // Empty = routed by operation type.
	Category         string                  `json:"category,omitempty"`
	Agent            string                  `json:"agent,omitempty"`
	BlockingTicketID *uuid.UUID              `json:"blocking_ticket_id,omitempty"`
	ParentTicketID   *uuid.UUID              `json:"parent_ticket_id,omitempty"`
	Criteria         *ticket.SuccessCriteria `json:"criteria,omitempty"`
}

func (g *Gateway) handleSubmit(c *okapi.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Title == "" {
		return c.AbortBadRequest("title is required")
	}
	if req.Team != "" && !req.Team.Valid() {
		return c.AbortBadRequest("unknown team " + string(req.Team))
	}
	switch req.Priority {
	case "", ticket.P1, ticket.P2, ticket.P3:
	default:
		return c.AbortBadRequest("priority must be P1, P2 or P3")
	}

	t := &ticket.Ticket{
		Title:            req.Title,
		Body:             req.Body,
		Priority:         req.Priority,
		OperationType:    req.OperationType,
		DeliverableType:  req.DeliverableType,
		AssignedTeam:     req.Team,
		Category:         req.Category,
		Agent:            req.Agent,
		BlockingTicketID: req.BlockingTicketID,
		ParentTicketID:   req.ParentTicketID,
		Criteria:         req.Criteria,
	}
	if err := g.scheduler.Submit(c.Context(), t); err != nil {
		return g.schedulerError(c, err)
	}

	g.logger.Info("ticket submitted via api",
		slog.String("client_id", c.GetString("clientID")),
		slog.String("ticket_id", t.ID.String()),
	)
	return c.JSON(http.StatusCreated, t)
}

// TicketResponse is a ticket with its conversation and diagnostics.
type TicketResponse struct {
	Ticket  *ticket.Ticket          `json:"ticket"`
	Replies []ticket.Reply          `json:"replies"`
	Notes   []ticket.DiagnosticNote `json:"notes"`
}

func (g *Gateway) handleGetTicket(c *okapi.Context) error {
	id, ok := ticketID(c)
	if !ok {
		return c.AbortBadRequest("invalid ticket ID")
	}
	ctx := c.Context()
	t, err := g.tickets.Get(ctx, id)
	if err != nil {
		return g.schedulerError(c, err)
	}
	replies, err := g.tickets.Replies(ctx, id)
	if err != nil {
		return g.schedulerError(c, err)
	}
	notes, err := g.tickets.DiagnosticNotes(ctx, id)
	if err != nil {
		return g.schedulerError(c, err)
	}
	return c.OK(TicketResponse{Ticket: t, Replies: replies, Notes: notes})
}

// CancelRequest is the optional JSON body for POST /v1/tickets/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (g *Gateway) handleCancel(c *okapi.Context) error {
	id, ok := ticketID(c)
	if !ok {
		return c.AbortBadRequest("invalid ticket ID")
	}
	var req CancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.AbortBadRequest("invalid request body")
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by " + c.GetString("clientID")
	}
	if err := g.scheduler.Cancel(c.Context(), id, reason); err != nil {
		return g.schedulerError(c, err)
	}
	return c.OK(StatusResponse{Status: "cancelled"})
}

// HoldRequest is the JSON body for POST /v1/tickets/{id}/hold.
type HoldRequest struct {
	Resource       string `json:"resource"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // 0 = configured default.
}

func (g *Gateway) handleHold(c *okapi.Context) error {
	id, ok := ticketID(c)
	if !ok {
		return c.AbortBadRequest("invalid ticket ID")
	}
	var req HoldRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Resource == "" {
		return c.AbortBadRequest("resource is required")
	}
	if req.TimeoutSeconds < 0 {
		return c.AbortBadRequest("timeout_seconds must not be negative")
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if err := g.scheduler.Hold(c.Context(), id, req.Resource, timeout); err != nil {
		return g.schedulerError(c, err)
	}
	return c.OK(StatusResponse{Status: "holding"})
}

func (g *Gateway) handleDispatch(c *okapi.Context) error {
	id, ok := ticketID(c)
	if !ok {
		return c.AbortBadRequest("invalid ticket ID")
	}
	if err := g.scheduler.Dispatch(c.Context(), id); err != nil {
		return g.schedulerError(c, err)
	}
	return c.OK(StatusResponse{Status: "dispatched"})
}

// --- Resources ---

func (g *Gateway) handleRelease(c *okapi.Context) error {
	name := c.Param("name")
	if name == "" {
		return c.AbortBadRequest("resource name is required")
	}
	n, err := g.scheduler.Release(c.Context(), name)
	if err != nil {
		return g.schedulerError(c, err)
	}
	return c.OK(CountResponse{Status: "released", Count: n})
}

// --- Approvals ---

// ApprovalResponse is one approval request.
type ApprovalResponse struct {
	ID         string     `json:"id"`
	TicketID   string     `json:"ticket_id"`
	Kind       string     `json:"kind"`
	Reason     string     `json:"reason"`
	Question   string     `json:"question,omitempty"`
	Team       string     `json:"team,omitempty"`
	Status     string     `json:"status"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func toApprovalResponse(r *approval.Request) ApprovalResponse {
	return ApprovalResponse{
		ID:         r.ID,
		TicketID:   r.TicketID.String(),
		Kind:       string(r.Kind),
		Reason:     r.Reason,
		Question:   r.Question,
		Team:       r.Team,
		Status:     r.Status.String(),
		ResolvedBy: r.ResolvedBy,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
		ResolvedAt: r.ResolvedAt,
	}
}

func (g *Gateway) handleListApprovals(c *okapi.Context) error {
	status := approval.StatusPending
	if s := c.Request().URL.Query().Get("status"); s != "" {
		parsed, err := approval.ParseStatus(s)
		if err != nil {
			return c.AbortBadRequest(err.Error())
		}
		status = parsed
	}
	reqs, err := g.approvals.List(c.Context(), status)
	if err != nil {
		return g.schedulerError(c, err)
	}
	resp := make([]ApprovalResponse, len(reqs))
	for i := range reqs {
		resp[i] = toApprovalResponse(&reqs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	r, err := g.scheduler.Approve(c.Context(), c.Param("id"), clientID)
	if err != nil {
		return g.schedulerError(c, err)
	}
	g.logger.Info("approval granted via api",
		slog.String("client_id", clientID),
		slog.String("approval_id", r.ID),
		slog.String("ticket_id", r.TicketID.String()),
	)
	return c.OK(toApprovalResponse(r))
}

func (g *Gateway) handleDeny(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	r, err := g.scheduler.Deny(c.Context(), c.Param("id"), clientID)
	if err != nil {
		return g.schedulerError(c, err)
	}
	g.logger.Info("approval denied via api",
		slog.String("client_id", clientID),
		slog.String("approval_id", r.ID),
		slog.String("ticket_id", r.TicketID.String()),
	)
	return c.OK(toApprovalResponse(r))
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
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

func (g *Gateway) maxBody() int64 {
	if g.config.MaxRequestSize > 0 {
		return g.config.MaxRequestSize
	}
	return defaultMaxRequestSize
}
