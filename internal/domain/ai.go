package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AIRequest is a single model call routed through the gateway. It is a value
// object and is never persisted.
type AIRequest struct {
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	SystemPrompt   string          `json:"system_prompt,omitempty"`
	UserPrompt     string          `json:"user_prompt"`
	MaxTokens      int             `json:"max_tokens"`
	Temperature    float64         `json:"temperature,omitempty"`
	Schema         json.RawMessage `json:"schema,omitempty"`
	Scope          Scope           `json:"scope"`
	Purpose        string          `json:"purpose,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// ExperimentID returns the experiment id as a string, empty when unscoped.
func (r *AIRequest) ExperimentID() string {
	if r.Scope.ExperimentID == nil {
		return ""
	}
	return r.Scope.ExperimentID.String()
}

// Usage is the token and credit cost of a completed call.
type Usage struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	CostCredits  int64 `json:"cost_credits"`
}

// AIResponse is the gateway's answer to an AIRequest.
type AIResponse struct {
	ID          uuid.UUID       `json:"id"`
	Content     string          `json:"content"`
	Parsed      json.RawMessage `json:"parsed,omitempty"`
	Usage       Usage           `json:"usage"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Latency     time.Duration   `json:"latency"`
	SchemaValid bool            `json:"schema_valid"`
	Cached      bool            `json:"cached"`
	// PricingKnown is false when the price table had no entry and
	// Usage.CostCredits is 0 for that reason.
	PricingKnown bool `json:"pricing_known"`
	// Shortfall is set when the call succeeded but settlement failed.
	Shortfall bool `json:"shortfall,omitempty"`
}

// Clone returns a deep copy of the response.
func (r *AIResponse) Clone() *AIResponse {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Parsed != nil {
		cp.Parsed = append(json.RawMessage(nil), r.Parsed...)
	}
	return &cp
}
