package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/jkaninda/crucible/internal/domain"
)

// compileSchema parses and resolves a JSON Schema document.
func compileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: schema is not valid JSON: %v", domain.ErrInvalidRequest, err)
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving schema: %v", domain.ErrInvalidRequest, err)
	}
	return rs, nil
}

// StructuredOutput parses the completion as JSON when the request carries a
// schema, stores it in Parsed and sets SchemaValid from validation. Content
// that does not validate is still returned; the caller decides what to do.
// Requests without a schema are SchemaValid by definition.
func StructuredOutput(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*domain.AIResponse, error) {
			resp, err := next(ctx, call)
			if err != nil {
				return nil, err
			}
			if len(call.Request.Schema) == 0 {
				resp.SchemaValid = true
				return resp, nil
			}

			resp.SchemaValid = false
			body := extractJSON(resp.Content)
			var instance any
			if err := json.Unmarshal([]byte(body), &instance); err != nil {
				logger.WarnContext(ctx, "structured output is not JSON",
					slog.String("response_id", resp.ID.String()),
					slog.String("error", err.Error()),
				)
				return resp, nil
			}
			resp.Parsed = json.RawMessage(body)

			rs, err := compileSchema(call.Request.Schema)
			if err != nil {
				return nil, err
			}
			if err := rs.Validate(instance); err != nil {
				logger.WarnContext(ctx, "structured output failed schema validation",
					slog.String("response_id", resp.ID.String()),
					slog.String("error", err.Error()),
				)
				return resp, nil
			}
			resp.SchemaValid = true
			return resp, nil
		}
	}
}

// extractJSON strips a Markdown code fence around the payload, if present.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
