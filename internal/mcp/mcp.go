// Package mcp exposes Crucible to MCP clients over stdio. Each server is
// bound to one team: tools only see and change that team's experiments
// and agents.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/crucible/internal/agents"
	"github.com/jkaninda/crucible/internal/budget"
	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/experiment"
)

const serverName = "crucible"

// Tool names.
const (
	ToolExperimentStatus = "crucible_experiment_status"
	ToolBudgetCheck      = "crucible_budget_check"
	ToolTransition       = "crucible_transition"
)

// Services are the components the tools call into.
type Services struct {
	Experiments *experiment.Machine
	Guard       *budget.Guard
	Agents      *agents.Registry
}

// Principal is the identity every tool call runs as.
type Principal struct {
	TeamID uuid.UUID
	UserID string
}

// Server hosts the MCP tools.
type Server struct {
	mcpServer *server.MCPServer
	svc       Services
	principal Principal
	logger    *slog.Logger
}

// New creates an MCP server with all tools registered.
func New(svc Services, p Principal, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{svc: svc, principal: p, logger: logger}
	s.mcpServer = server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// ServeStdio serves MCP on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(ToolExperimentStatus,
			mcp.WithDescription("Show an experiment's status, budget usage, allowed transitions and transition history"),
			mcp.WithString("experiment_id", mcp.Description("Experiment UUID"), mcp.Required()),
		),
		s.handleExperimentStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(ToolBudgetCheck,
			mcp.WithDescription("Check budget standing and remaining credits for an experiment or an agent"),
			mcp.WithString("experiment_id", mcp.Description("Experiment UUID")),
			mcp.WithString("agent_id", mcp.Description("Agent UUID")),
		),
		s.handleBudgetCheck,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(ToolTransition,
			mcp.WithDescription("Move an experiment to a new status"),
			mcp.WithString("experiment_id", mcp.Description("Experiment UUID"), mcp.Required()),
			mcp.WithString("to",
				mcp.Description("Target status"),
				mcp.Required(),
				mcp.Enum(statusNames()...),
			),
			mcp.WithString("reason", mcp.Description("Why the status changes")),
		),
		s.handleTransition,
	)
}

// ExperimentStatus is the result of crucible_experiment_status.
type ExperimentStatus struct {
	Experiment         domain.Experiment         `json:"experiment"`
	RemainingCredits   int64                     `json:"remaining_credits"`
	AllowedTransitions []domain.ExperimentStatus `json:"allowed_transitions"`
	History            []domain.TransitionRecord `json:"history"`
}

// BudgetCheck is the result of crucible_budget_check.
type BudgetCheck struct {
	budget.Standing
	ExperimentID     *uuid.UUID `json:"experiment_id,omitempty"`
	AgentID          *uuid.UUID `json:"agent_id,omitempty"`
	RemainingCredits int64      `json:"remaining_credits"`
}

func (s *Server) handleExperimentStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.ownedExperiment(ctx, request)
	if err != nil {
		return toolError(err), nil
	}
	history, err := s.svc.Experiments.History(ctx, e.ID)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(ExperimentStatus{
		Experiment:         *e,
		RemainingCredits:   e.Remaining(),
		AllowedTransitions: experiment.AllowedTargets(e.Status),
		History:            history,
	})
}

func (s *Server) handleBudgetCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope := domain.Scope{TeamID: s.principal.TeamID, UserID: s.principal.UserID}
	var out BudgetCheck

	switch {
	case request.GetString("experiment_id", "") != "":
		e, err := s.ownedExperiment(ctx, request)
		if err != nil {
			return toolError(err), nil
		}
		standing, err := s.svc.Guard.Check(ctx, e.ID)
		if err != nil {
			return toolError(err), nil
		}
		out.ExperimentID = &e.ID
		out.Standing = standing
		scope = scope.ForExperiment(e.ID)

	case request.GetString("agent_id", "") != "":
		id, err := uuid.Parse(request.GetString("agent_id", ""))
		if err != nil {
			return mcp.NewToolResultError("agent_id must be a UUID"), nil
		}
		a, err := s.svc.Agents.Get(ctx, id)
		if err != nil {
			return toolError(err), nil
		}
		if a.TeamID != s.principal.TeamID {
			return toolError(fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)), nil
		}
		standing, err := s.svc.Guard.CheckAgent(ctx, a.ID)
		if err != nil {
			return toolError(err), nil
		}
		out.AgentID = &a.ID
		out.Standing = standing
		scope = scope.ForAgent(a.ID)

	default:
		return mcp.NewToolResultError("one of experiment_id or agent_id is required"), nil
	}

	remaining, err := s.svc.Guard.Remaining(ctx, scope)
	if err != nil {
		return toolError(err), nil
	}
	out.RemainingCredits = remaining
	return jsonResult(out)
}

func (s *Server) handleTransition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.ownedExperiment(ctx, request)
	if err != nil {
		return toolError(err), nil
	}
	to, err := domain.ParseExperimentStatus(request.GetString("to", ""))
	if err != nil {
		return toolError(err), nil
	}
	reason := request.GetString("reason", "")

	updated, err := s.svc.Experiments.Transition(ctx, e.ID, to, reason, s.actor())
	if err != nil {
		s.logger.WarnContext(ctx, "mcp transition rejected",
			slog.String("experiment_id", e.ID.String()),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
		return toolError(err), nil
	}
	s.logger.InfoContext(ctx, "mcp transition applied",
		slog.String("experiment_id", e.ID.String()),
		slog.String("from", string(e.Status)),
		slog.String("to", string(updated.Status)),
	)
	return jsonResult(updated)
}

// ownedExperiment loads experiment_id and hides other teams' experiments.
func (s *Server) ownedExperiment(ctx context.Context, request mcp.CallToolRequest) (*domain.Experiment, error) {
	raw, err := request.RequireString("experiment_id")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: experiment_id must be a UUID", domain.ErrInvalidRequest)
	}
	e, err := s.svc.Experiments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.TeamID != s.principal.TeamID {
		return nil, fmt.Errorf("%w: experiment %s", domain.ErrNotFound, id)
	}
	return e, nil
}

func (s *Server) actor() string {
	if s.principal.UserID != "" {
		return s.principal.UserID
	}
	return "mcp"
}

func statusNames() []string {
	all := domain.AllStatuses
	names := make([]string, len(all))
	for i, st := range all {
		names[i] = string(st)
	}
	return names
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError reports domain failures to the client as tool errors. Storage
// failures are not spelled out.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrStatusConflict),
		errors.Is(err, domain.ErrInvalidScope):
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError("internal error")
}
