package httpapi

import (
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/crucible/internal/budget"
	"github.com/jkaninda/crucible/internal/domain"
)

func (g *Gateway) registerRoutes() {
	// Experiments.
	g.group.Post("/experiments", g.handleExperimentCreate,
		okapi.DocSummary("Create an experiment in draft"),
		okapi.DocTags("Experiments"),
		okapi.DocRequestBody(CreateExperimentRequest{}),
		okapi.DocResponse(http.StatusCreated, ExperimentResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/experiments", g.handleExperimentList,
		okapi.DocSummary("List the team's experiments"),
		okapi.DocTags("Experiments"),
		okapi.DocResponse([]domain.Experiment{}),
	)
	g.group.Get("/experiments/{id}", g.handleExperimentGet,
		okapi.DocSummary("Get an experiment with its transition history"),
		okapi.DocTags("Experiments"),
		okapi.DocPathParam("id", "string", "Experiment ID (UUID)"),
		okapi.DocResponse(ExperimentResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/experiments/{id}/transitions", g.handleExperimentTransition,
		okapi.DocSummary("Move an experiment to a new status"),
		okapi.DocTags("Experiments"),
		okapi.DocPathParam("id", "string", "Experiment ID (UUID)"),
		okapi.DocRequestBody(TransitionRequest{}),
		okapi.DocResponse(ExperimentResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/experiments/{id}/budget", g.handleExperimentBudget,
		okapi.DocSummary("Check an experiment's budget standing"),
		okapi.DocTags("Budget"),
		okapi.DocPathParam("id", "string", "Experiment ID (UUID)"),
		okapi.DocResponse(BudgetResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/experiments/{id}/ledger", g.handleExperimentLedger,
		okapi.DocSummary("List an experiment's ledger entries, newest first"),
		okapi.DocTags("Ledger"),
		okapi.DocPathParam("id", "string", "Experiment ID (UUID)"),
		okapi.DocResponse(LedgerResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/experiments/{id}/reconcile", g.handleExperimentReconcile,
		okapi.DocSummary("Compare an experiment's counters with its ledger"),
		okapi.DocTags("Ledger"),
		okapi.DocPathParam("id", "string", "Experiment ID (UUID)"),
		okapi.DocResponse(ReconcileResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Team credits.
	g.group.Post("/teams/credits", g.handleTeamFund,
		okapi.DocSummary("Add credits to the caller's team"),
		okapi.DocTags("Ledger"),
		okapi.DocRequestBody(FundRequest{}),
		okapi.DocResponse(http.StatusCreated, FundResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/teams/balance", g.handleTeamBalance,
		okapi.DocSummary("Get the caller's team balance"),
		okapi.DocTags("Ledger"),
		okapi.DocResponse(BalanceResponse{}),
	)

	// Agents.
	g.group.Post("/agents", g.handleAgentRegister,
		okapi.DocSummary("Register an agent"),
		okapi.DocTags("Agents"),
		okapi.DocRequestBody(RegisterAgentRequest{}),
		okapi.DocResponse(http.StatusCreated, domain.Agent{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/agents", g.handleAgentList,
		okapi.DocSummary("List the team's agents"),
		okapi.DocTags("Agents"),
		okapi.DocResponse([]domain.Agent{}),
	)
	g.group.Put("/agents/{id}/status", g.handleAgentStatus,
		okapi.DocSummary("Change an agent's dispatch status"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID (UUID)"),
		okapi.DocRequestBody(AgentStatusRequest{}),
		okapi.DocResponse(domain.Agent{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/agents/{id}/heartbeat", g.handleAgentHeartbeat,
		okapi.DocSummary("Report that an agent is alive"),
		okapi.DocTags("Agents"),
		okapi.DocPathParam("id", "string", "Agent ID (UUID)"),
		okapi.DocResponse(domain.Agent{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/agents/{id}/budget", g.handleAgentBudget,
		okapi.DocSummary("Check an agent's budget standing"),
		okapi.DocTags("Budget"),
		okapi.DocPathParam("id", "string", "Agent ID (UUID)"),
		okapi.DocResponse(budget.Standing{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Metered AI calls.
	g.group.Post("/ai/completions", g.handleCompletion,
		okapi.DocSummary("Run a metered model call"),
		okapi.DocTags("AI"),
		okapi.DocRequestBody(CompletionRequest{}),
		okapi.DocResponse(domain.AIResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusPaymentRequired, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)

	// Server-sent events fallback for clients without WebSocket support.
	if g.svc.Stream != nil {
		g.group.Get("/events/sse", g.handleEventsSSE,
			okapi.DocSummary("Stream the team's experiment events via SSE"),
			okapi.DocTags("Events"),
		)
	}
}
