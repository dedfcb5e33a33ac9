package httpapi

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/crucible/internal/domain"
)

// IdempotencyHeader carries a caller-chosen de-duplication key. It takes
// precedence over the body's idempotency_key.
const IdempotencyHeader = "Idempotency-Key"

// CompletionRequest is the JSON body for POST /v1/ai/completions.
type CompletionRequest struct {
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	SystemPrompt   string          `json:"system_prompt,omitempty"`
	UserPrompt     string          `json:"user_prompt"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	Schema         json.RawMessage `json:"schema,omitempty"`
	ExperimentID   *uuid.UUID      `json:"experiment_id,omitempty"`
	AgentID        *uuid.UUID      `json:"agent_id,omitempty"`
	Purpose        string          `json:"purpose,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func (g *Gateway) handleCompletion(c *okapi.Context) error {
	p, err := caller(c)
	if err != nil {
		return c.AbortUnauthorized("Unauthorized")
	}
	var req CompletionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}

	key := req.IdempotencyKey
	if h := c.Header(IdempotencyHeader); h != "" {
		key = h
	}
	correlationID := newCorrelationID()

	g.logger.InfoContext(c.Context(), "ai completion",
		slog.String("user_id", p.UserID),
		slog.String("team_id", p.TeamID.String()),
		slog.String("provider", req.Provider),
		slog.String("model", req.Model),
		slog.String("correlation_id", correlationID),
	)

	resp, err := g.svc.AI.Complete(c.Context(), domain.AIRequest{
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Schema:       req.Schema,
		Scope: domain.Scope{
			TeamID:       p.TeamID,
			UserID:       p.UserID,
			ExperimentID: req.ExperimentID,
			AgentID:      req.AgentID,
		},
		Purpose:        req.Purpose,
		IdempotencyKey: key,
	})
	if err != nil {
		g.logger.WarnContext(c.Context(), "ai completion failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return g.fail(c, err)
	}
	return c.OK(resp)
}
