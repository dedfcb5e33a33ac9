package llm

import (
	"context"
	"strings"
)

// Static is a deterministic offline provider. It echoes the prompt (or a
// fixed reply) and estimates tokens at four characters each. Used for dry
// runs and tests.
type Static struct {
	ProviderName string
	Reply        string
}

func (s *Static) Name() string {
	if s.ProviderName == "" {
		return "static"
	}
	return s.ProviderName
}

func (s *Static) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := s.Reply
	if content == "" {
		content = req.Prompt
	}
	out := approxTokens(content)
	stop := "end_turn"
	if req.MaxTokens > 0 && out > req.MaxTokens {
		out = req.MaxTokens
		stop = "max_tokens"
	}
	return &Response{
		Content:    content,
		Model:      req.Model,
		StopReason: stop,
		Usage: Usage{
			InputTokens:  approxTokens(req.SystemPrompt) + approxTokens(req.Prompt),
			OutputTokens: out,
		},
	}, nil
}

func approxTokens(s string) int {
	n := len(strings.TrimSpace(s))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
