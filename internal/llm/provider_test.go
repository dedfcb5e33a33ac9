package llm

import (
	"context"
	"testing"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(&Static{ProviderName: "Anthropic"}, &Static{})
	if _, ok := r.Get("anthropic"); !ok {
		t.Fatal("expected case-insensitive lookup")
	}
	if _, ok := r.Get("gemini"); ok {
		t.Fatal("unexpected provider")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "anthropic" || names[1] != "static" {
		t.Errorf("names = %v", names)
	}
}

func TestStatic_Complete(t *testing.T) {
	s := &Static{Reply: `{"ok":true}`}
	resp, err := s.Complete(context.Background(), &Request{Model: "m", Prompt: "hello world", MaxTokens: 100})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"ok":true}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestStatic_TruncatesAtMaxTokens(t *testing.T) {
	s := &Static{}
	resp, err := s.Complete(context.Background(), &Request{Prompt: "a long prompt that exceeds", MaxTokens: 2})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.StopReason != "max_tokens" || resp.Usage.OutputTokens != 2 {
		t.Errorf("got %+v", resp)
	}
}

func TestStatic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (&Static{}).Complete(ctx, &Request{}); err == nil {
		t.Fatal("expected context error")
	}
}
