package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/crucible/internal/budget"
	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/experiment"
	"github.com/jkaninda/crucible/internal/ledger"
)

const (
	defaultLedgerLimit = 100
	maxLedgerLimit     = 1000
)

// --- Experiments ---

// CreateExperimentRequest is the JSON body for POST /v1/experiments.
type CreateExperimentRequest struct {
	Name             string `json:"name"`
	BudgetCapCredits int64  `json:"budget_cap_credits"` // 0 = uncapped.
}

// ExperimentResponse is an experiment plus what can happen to it next.
type ExperimentResponse struct {
	domain.Experiment
	RemainingCredits   int64                     `json:"remaining_credits"` // -1 when uncapped.
	AllowedTransitions []domain.ExperimentStatus `json:"allowed_transitions"`
	Transitions        []domain.TransitionRecord `json:"transitions,omitempty"`
}

func newExperimentResponse(e *domain.Experiment, history []domain.TransitionRecord) ExperimentResponse {
	allowed := experiment.AllowedTargets(e.Status)
	if allowed == nil {
		allowed = []domain.ExperimentStatus{}
	}
	return ExperimentResponse{
		Experiment:         *e,
		RemainingCredits:   e.Remaining(),
		AllowedTransitions: allowed,
		Transitions:        history,
	}
}

func (g *Gateway) handleExperimentCreate(c *okapi.Context) error {
	p, err := caller(c)
	if err != nil {
		return c.AbortUnauthorized("Unauthorized")
	}
	var req CreateExperimentRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}

	e, err := g.svc.Experiments.Create(c.Context(), experiment.NewExperiment{
		TeamID:           p.TeamID,
		Name:             req.Name,
		BudgetCapCredits: req.BudgetCapCredits,
	})
	if err != nil {
		return g.fail(c, err)
	}
	return c.JSON(http.StatusCreated, newExperimentResponse(e, nil))
}

func (g *Gateway) handleExperimentList(c *okapi.Context) error {
	p, err := caller(c)
	if err != nil {
		return c.AbortUnauthorized("Unauthorized")
	}
	list, err := g.svc.Experiments.List(c.Context(), p.TeamID)
	if err != nil {
		return g.fail(c, err)
	}
	if list == nil {
		list = []domain.Experiment{}
	}
	return c.OK(list)
}

func (g *Gateway) handleExperimentGet(c *okapi.Context) error {
	e, err := g.ownedExperiment(c)
	if err != nil {
		return g.fail(c, err)
	}
	history, err := g.svc.Experiments.History(c.Context(), e.ID)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(newExperimentResponse(e, history))
}

// TransitionRequest is the JSON body for POST /v1/experiments/{id}/transitions.
type TransitionRequest struct {
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

func (g *Gateway) handleExperimentTransition(c *okapi.Context) error {
	e, err := g.ownedExperiment(c)
	if err != nil {
		return g.fail(c, err)
	}
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	to, err := domain.ParseExperimentStatus(req.To)
	if err != nil {
		return g.fail(c, err)
	}

	updated, err := g.svc.Experiments.Transition(c.Context(), e.ID, to, req.Reason, c.GetString("userID"))
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(newExperimentResponse(updated, nil))
}

// BudgetResponse is an experiment's budget standing.
type BudgetResponse struct {
	ExperimentID uuid.UUID `json:"experiment_id"`
	budget.Standing
	// RemainingCredits accounts for active reservations and the team balance.
	RemainingCredits int64 `json:"remaining_credits"`
}

func (g *Gateway) handleExperimentBudget(c *okapi.Context) error {
	e, err := g.ownedExperiment(c)
	if err != nil {
		return g.fail(c, err)
	}
	standing, err := g.svc.Guard.Check(c.Context(), e.ID)
	if err != nil {
		return g.fail(c, err)
	}
	remaining, err := g.svc.Guard.Remaining(c.Context(), domain.Scope{TeamID: e.TeamID}.ForExperiment(e.ID))
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(BudgetResponse{ExperimentID: e.ID, Standing: standing, RemainingCredits: remaining})
}

// LedgerResponse lists ledger entries newest first.
type LedgerResponse struct {
	Entries []domain.LedgerEntry `json:"entries"`
}

func (g *Gateway) handleExperimentLedger(c *okapi.Context) error {
	e, err := g.ownedExperiment(c)
	if err != nil {
		return g.fail(c, err)
	}
	limit := defaultLedgerLimit
	if v := c.Request().URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = min(n, maxLedgerLimit)
	}

	entries, err := g.svc.Ledger.Entries(c.Context(), ledger.Filter{TeamID: e.TeamID, ExperimentID: &e.ID, Limit: limit})
	if err != nil {
		return g.fail(c, err)
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return c.OK(LedgerResponse{Entries: entries})
}

// ReconcileResponse reports drift between counters and ledger sums.
type ReconcileResponse struct {
	OK     bool                    `json:"ok"`
	Checks []ledger.Reconciliation `json:"checks"`
}

func (g *Gateway) handleExperimentReconcile(c *okapi.Context) error {
	e, err := g.ownedExperiment(c)
	if err != nil {
		return g.fail(c, err)
	}
	checks, err := g.svc.Ledger.Reconcile(c.Context(), domain.Scope{TeamID: e.TeamID}.ForExperiment(e.ID))
	if err != nil {
		return g.fail(c, err)
	}
	resp := ReconcileResponse{OK: true, Checks: checks}
	for _, r := range checks {
		if !r.OK() {
			resp.OK = false
		}
	}
	return c.OK(resp)
}

// ownedExperiment loads the {id} experiment and hides it unless it belongs
// to the caller's team.
func (g *Gateway) ownedExperiment(c *okapi.Context) (*domain.Experiment, error) {
	p, err := caller(c)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid experiment id", domain.ErrInvalidRequest)
	}
	e, err := g.svc.Experiments.Get(c.Context(), id)
	if err != nil {
		return nil, err
	}
	if e.TeamID != p.TeamID {
		return nil, fmt.Errorf("%w: experiment %s", domain.ErrNotFound, id)
	}
	return e, nil
}

// --- Team credits ---

// FundRequest is the JSON body for POST /v1/teams/credits.
type FundRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note,omitempty"`
}

// FundResponse is the credit entry and the resulting balance.
type FundResponse struct {
	Entry          *domain.LedgerEntry `json:"entry"`
	BalanceCredits int64               `json:"balance_credits"`
}

func (g *Gateway) handleTeamFund(c *okapi.Context) error {
	p, err := caller(c)
	if err != nil {
		return c.AbortUnauthorized("Unauthorized")
	}
	var req FundRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}

	meta := map[string]any{"source": "api", "user_id": p.UserID}
	if req.Note != "" {
		meta["note"] = req.Note
	}
	entry, err := g.svc.Ledger.Fund(c.Context(), p.TeamID, req.Amount, meta)
	if err != nil {
		return g.fail(c, err)
	}
	return c.JSON(http.StatusCreated, FundResponse{Entry: entry, BalanceCredits: entry.BalanceAfter})
}

// BalanceResponse is a team's balance.
type BalanceResponse struct {
	TeamID         uuid.UUID `json:"team_id"`
	BalanceCredits int64     `json:"balance_credits"`
	// AvailableCredits is the balance minus active reservations.
	AvailableCredits int64 `json:"available_credits"`
}

func (g *Gateway) handleTeamBalance(c *okapi.Context) error {
	p, err := caller(c)
	if err != nil {
		return c.AbortUnauthorized("Unauthorized")
	}
	balance, err := g.svc.Ledger.Balance(c.Context(), p.TeamID)
	if err != nil {
		return g.fail(c, err)
	}
	available, err := g.svc.Guard.Remaining(c.Context(), domain.Scope{TeamID: p.TeamID})
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(BalanceResponse{TeamID: p.TeamID, BalanceCredits: balance, AvailableCredits: available})
}

// --- Agents ---

// RegisterAgentRequest is the JSON body for POST /v1/agents.
type RegisterAgentRequest struct {
	Name             string `json:"name"`
	BudgetCapCredits int64  `json:"budget_cap_credits"`
}

func (g *Gateway) handleAgentRegister(c *okapi.Context) error {
	p, err := caller(c)
	if err != nil {
		return c.AbortUnauthorized("Unauthorized")
	}
	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	a, err := g.svc.Agents.Register(c.Context(), p.TeamID, req.Name, req.BudgetCapCredits)
	if err != nil {
		return g.fail(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (g *Gateway) handleAgentList(c *okapi.Context) error {
	p, err := caller(c)
	if err != nil {
		return c.AbortUnauthorized("Unauthorized")
	}
	list, err := g.svc.Agents.List(c.Context(), p.TeamID)
	if err != nil {
		return g.fail(c, err)
	}
	if list == nil {
		list = []domain.Agent{}
	}
	return c.OK(list)
}

// AgentStatusRequest is the JSON body for PUT /v1/agents/{id}/status.
type AgentStatusRequest struct {
	Status string `json:"status"`
}

func (g *Gateway) handleAgentStatus(c *okapi.Context) error {
	a, err := g.ownedAgent(c)
	if err != nil {
		return g.fail(c, err)
	}
	var req AgentStatusRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	status, err := domain.ParseAgentStatus(req.Status)
	if err != nil {
		return g.fail(c, err)
	}
	if err := g.svc.Agents.SetStatus(c.Context(), a.ID, status); err != nil {
		return g.fail(c, err)
	}
	updated, err := g.svc.Agents.Get(c.Context(), a.ID)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(updated)
}

// handleAgentHeartbeat stamps last_seen_at. An offline agent comes back
// as active.
func (g *Gateway) handleAgentHeartbeat(c *okapi.Context) error {
	a, err := g.ownedAgent(c)
	if err != nil {
		return g.fail(c, err)
	}
	updated, err := g.svc.Agents.Heartbeat(c.Context(), a.ID)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(updated)
}

func (g *Gateway) handleAgentBudget(c *okapi.Context) error {
	a, err := g.ownedAgent(c)
	if err != nil {
		return g.fail(c, err)
	}
	standing, err := g.svc.Guard.CheckAgent(c.Context(), a.ID)
	if err != nil {
		return g.fail(c, err)
	}
	return c.OK(standing)
}

func (g *Gateway) ownedAgent(c *okapi.Context) (*domain.Agent, error) {
	p, err := caller(c)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid agent id", domain.ErrInvalidRequest)
	}
	a, err := g.svc.Agents.Get(c.Context(), id)
	if err != nil {
		return nil, err
	}
	if a.TeamID != p.TeamID {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	return a, nil
}

// --- Errors ---

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidScope):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrStatusConflict),
		errors.Is(err, domain.ErrIdempotencyInProgress), errors.Is(err, domain.ErrExperimentNotActive):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrBudgetExceeded),
		errors.Is(err, domain.ErrAgentUnavailable):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrProviderError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Unexpected errors are logged and their
// details withheld.
func (g *Gateway) fail(c *okapi.Context, err error) error {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		g.logger.ErrorContext(c.Context(), "request failed",
			slog.String("path", c.Request().URL.Path),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("internal error")
	}
	return c.JSON(code, ErrorBody{Error: err.Error()})
}
