package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/crucible/internal/budget"
	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/events"
	"github.com/jkaninda/crucible/internal/gateway"
	"github.com/jkaninda/crucible/internal/ledger"
	"github.com/jkaninda/crucible/internal/llm"
	"github.com/jkaninda/crucible/internal/pricing"
	"github.com/jkaninda/crucible/internal/ratelimit"
	"github.com/jkaninda/crucible/internal/storage/memory"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	reply string
	usage llm.Usage
	delay time.Duration
	err   error
	gate  chan struct{}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Content: p.reply, Model: req.Model, Usage: p.usage}, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type env struct {
	store    *memory.Store
	ledger   *ledger.Ledger
	bus      *events.Bus
	provider *fakeProvider
	gw       *gateway.Gateway
	team     uuid.UUID
	expID    uuid.UUID
}

type envOpts struct {
	funds      int64
	capCredits int64
	limiter    *ratelimit.Limiter
	timeout    time.Duration
}

func newEnv(t *testing.T, o envOpts) *env {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	bus := events.NewBus(nil, nil)
	led := ledger.New(st, ledger.WithPublisher(bus))

	calc, err := pricing.NewCalculator(pricing.Table{
		"fake": {"priced": {Input: 1, Output: 2}},
	}, pricing.Options{Multiplier: 1.0}, nil)
	require.NoError(t, err)

	e := &env{
		store:    st,
		ledger:   led,
		bus:      bus,
		provider: &fakeProvider{reply: "hello", usage: llm.Usage{InputTokens: 1000, OutputTokens: 1000}},
		team:     uuid.New(),
		expID:    uuid.New(),
	}
	e.gw = gateway.New(gateway.Deps{
		Providers: llm.NewRegistry(e.provider, &llm.Static{}),
		Pricing:   calc,
		Guard:     budget.NewGuard(st, st, budget.Policy{}, nil, nil),
		Ledger:    led,
		Responses: st,
		Limiter:   o.limiter,
	}, gateway.Options{ProviderTimeout: o.timeout})

	_, err = st.EnsureTeam(ctx, e.team, "t")
	require.NoError(t, err)
	if o.funds > 0 {
		_, err = led.Fund(ctx, e.team, o.funds, nil)
		require.NoError(t, err)
	}
	require.NoError(t, st.CreateExperiment(ctx, &domain.Experiment{
		ID: e.expID, TeamID: e.team, Name: "e", Status: domain.StatusRunning, BudgetCapCredits: o.capCredits,
	}))
	return e
}

func (e *env) request(prompt string) domain.AIRequest {
	return domain.AIRequest{
		Provider:   "fake",
		Model:      "priced",
		UserPrompt: prompt,
		MaxTokens:  1000,
		Scope:      domain.Scope{TeamID: e.team}.ForExperiment(e.expID),
		Purpose:    "test",
	}
}

func (e *env) spent(t *testing.T) int64 {
	t.Helper()
	exp, err := e.store.GetExperiment(context.Background(), e.expID)
	require.NoError(t, err)
	return exp.BudgetSpentCredits
}

func (e *env) held(t *testing.T) int64 {
	t.Helper()
	n, err := e.store.ActiveReserved(context.Background(), ledger.Filter{TeamID: e.team}, time.Now().UTC())
	require.NoError(t, err)
	return n
}

func TestComplete_SettlesActualUsage(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000})

	resp, err := e.gw.Complete(context.Background(), e.request("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.False(t, resp.Cached)
	assert.True(t, resp.PricingKnown)
	assert.True(t, resp.SchemaValid)
	assert.Equal(t, "fake", resp.Provider)
	// 1000 in at 1/1k + 1000 out at 2/1k.
	assert.Equal(t, int64(3), resp.Usage.CostCredits)
	assert.Equal(t, int64(3), e.spent(t))
	assert.Zero(t, e.held(t), "settlement consumes the reservation")
}

func TestComplete_IdempotentReplay(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000})
	ctx := context.Background()

	first, err := e.gw.Complete(ctx, e.request("same"))
	require.NoError(t, err)
	second, err := e.gw.Complete(ctx, e.request("same"))
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, e.provider.Calls())
	assert.Equal(t, int64(3), e.spent(t), "only the first call is debited")

	entries, err := e.ledger.Entries(ctx, ledger.Filter{TeamID: e.team, ExperimentID: &e.expID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestComplete_CallerKeyOverridesHash(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000})
	ctx := context.Background()

	a := e.request("one")
	a.IdempotencyKey = "job-7"
	b := e.request("two")
	b.IdempotencyKey = "job-7"

	_, err := e.gw.Complete(ctx, a)
	require.NoError(t, err)
	resp, err := e.gw.Complete(ctx, b)
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, 1, e.provider.Calls())
}

func TestComplete_ConcurrentDuplicatesCollapse(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000})
	e.provider.gate = make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*domain.AIResponse, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.gw.Complete(context.Background(), e.request("dup"))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(e.provider.gate)
	wg.Wait()

	cached := 0
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "hello", results[i].Content)
		if results[i].Cached {
			cached++
		}
	}
	assert.Equal(t, 1, e.provider.Calls())
	assert.Equal(t, callers-1, cached)
	assert.Equal(t, int64(3), e.spent(t))
}

func TestComplete_CancelledLeaderDoesNotFailFollowers(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000})
	e.provider.gate = make(chan struct{})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := e.gw.Complete(leaderCtx, e.request("shared"))
		leaderErr <- err
	}()
	require.Eventually(t, func() bool { return e.provider.Calls() == 1 }, time.Second, 5*time.Millisecond)

	followerDone := make(chan struct{})
	var resp *domain.AIResponse
	var err error
	go func() {
		defer close(followerDone)
		resp, err = e.gw.Complete(context.Background(), e.request("shared"))
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(e.provider.gate)
	<-followerDone
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 1, e.provider.Calls())
	assert.Equal(t, int64(3), e.spent(t), "the abandoned flight still settles once")
}

func TestComplete_BudgetExceededSkipsProvider(t *testing.T) {
	// Estimate: 1000 nominal in (1) + 1000 out (2) = 3 > cap of 2.
	e := newEnv(t, envOpts{funds: 1000, capCredits: 2})

	_, err := e.gw.Complete(context.Background(), e.request("hi"))
	require.ErrorIs(t, err, domain.ErrBudgetExceeded)
	assert.Zero(t, e.provider.Calls())
	assert.Zero(t, e.spent(t))
	assert.Zero(t, e.held(t))
}

func TestComplete_ProviderTimeout(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000, timeout: 20 * time.Millisecond})
	e.provider.delay = time.Second

	_, err := e.gw.Complete(context.Background(), e.request("slow"))
	require.ErrorIs(t, err, domain.ErrProviderTimeout)
	assert.NotErrorIs(t, err, domain.ErrBudgetExceeded)
	assert.Zero(t, e.spent(t))
	assert.Zero(t, e.held(t), "reservation is released")
}

func TestComplete_ProviderErrorIsNotCached(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000})
	e.provider.err = &llm.APIError{Provider: "fake", StatusCode: 500, Body: "boom"}

	_, err := e.gw.Complete(context.Background(), e.request("x"))
	require.ErrorIs(t, err, domain.ErrProviderError)
	var apiErr *llm.APIError
	assert.True(t, errors.As(err, &apiErr))

	e.provider.err = nil
	resp, err := e.gw.Complete(context.Background(), e.request("x"))
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, e.provider.Calls())
}

func TestComplete_UnknownPricingIsFlaggedNotBilled(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000})
	req := e.request("hi")
	req.Model = "unpriced"

	resp, err := e.gw.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.PricingKnown)
	assert.Zero(t, resp.Usage.CostCredits)
	assert.Zero(t, e.spent(t))
	assert.Zero(t, e.held(t))
}

func TestComplete_SettlementShortfall(t *testing.T) {
	// Team can afford the estimate (3) but not the actual cost (15).
	e := newEnv(t, envOpts{funds: 5})
	e.provider.usage = llm.Usage{InputTokens: 5000, OutputTokens: 5000}

	var flagged []events.SettlementShortfall
	e.bus.Subscribe(events.TopicSettlementShortfall, "test", func(_ context.Context, ev events.Event) error {
		flagged = append(flagged, ev.(events.SettlementShortfall))
		return nil
	})

	resp, err := e.gw.Complete(context.Background(), e.request("big"))
	require.NoError(t, err, "the provider call happened, so the caller gets the response")
	assert.True(t, resp.Shortfall)
	assert.Equal(t, int64(15), resp.Usage.CostCredits)
	assert.Zero(t, e.spent(t))
	assert.Zero(t, e.held(t))

	list, err := e.ledger.Shortfalls(context.Background(), e.team, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(15), list[0].Credits)
	assert.Len(t, flagged, 1)
}

func (e *env) moveTo(t *testing.T, from, to domain.ExperimentStatus) {
	t.Helper()
	_, err := e.store.CompareAndSetStatus(context.Background(), e.expID, from, &domain.TransitionRecord{
		ID: uuid.New(), ExperimentID: e.expID, From: from, To: to,
		Reason: "test", Actor: "tester", CreatedAt: time.Now().UTC(),
	}, false)
	require.NoError(t, err)
}

func TestComplete_InactiveExperimentSkipsProvider(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000})
	ctx := context.Background()

	e.moveTo(t, domain.StatusRunning, domain.StatusPaused)
	_, err := e.gw.Complete(ctx, e.request("paused"))
	require.ErrorIs(t, err, domain.ErrExperimentNotActive)

	e.moveTo(t, domain.StatusPaused, domain.StatusCancelled)
	_, err = e.gw.Complete(ctx, e.request("cancelled"))
	require.ErrorIs(t, err, domain.ErrExperimentNotActive)

	assert.Zero(t, e.provider.Calls())
	assert.Zero(t, e.spent(t))
	assert.Zero(t, e.held(t))
}

func TestComplete_ExperimentEndsDuringCall(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000})
	e.provider.gate = make(chan struct{})

	done := make(chan struct{})
	var resp *domain.AIResponse
	var err error
	go func() {
		defer close(done)
		resp, err = e.gw.Complete(context.Background(), e.request("late"))
	}()
	require.Eventually(t, func() bool { return e.provider.Calls() == 1 }, time.Second, 5*time.Millisecond)

	e.moveTo(t, domain.StatusRunning, domain.StatusCancelled)
	close(e.provider.gate)
	<-done

	require.NoError(t, err)
	assert.True(t, resp.Shortfall, "the debit is refused once the experiment has ended")
	assert.Zero(t, e.spent(t))
	assert.Zero(t, e.held(t))

	list, err := e.ledger.Shortfalls(context.Background(), e.team, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].Credits)
}

func TestSettle_ShortfallLogsFailedRelease(t *testing.T) {
	e := newEnv(t, envOpts{})
	calc, err := pricing.NewCalculator(pricing.Table{
		"fake": {"priced": {Input: 1, Output: 2}},
	}, pricing.Options{Multiplier: 1.0}, nil)
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	guard := budget.NewGuard(e.store, e.store, budget.Policy{}, nil, nil)
	h := gateway.Settle(calc, e.ledger, guard, logger, nil)(func(context.Context, *gateway.Call) (*domain.AIResponse, error) {
		return &domain.AIResponse{
			ID: uuid.New(), Provider: "fake", Model: "priced",
			Usage: domain.Usage{InputTokens: 1000, OutputTokens: 1000},
		}, nil
	})

	// The team is unfunded and the reservation was never stored, so both
	// the debit and the release fail.
	call := &gateway.Call{
		Request:     e.request("x"),
		Reservation: &domain.Reservation{ID: uuid.New()},
	}
	resp, err := h(context.Background(), call)
	require.NoError(t, err)
	assert.True(t, resp.Shortfall)
	assert.Contains(t, logs.String(), "releasing reservation failed")
	assert.Contains(t, logs.String(), call.Reservation.ID.String())
}

func TestComplete_StructuredOutput(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["answer"],
		"properties": {"answer": {"type": "number"}}
	}`)

	tests := []struct {
		name      string
		reply     string
		wantValid bool
		wantParse bool
	}{
		{"valid", `{"answer": 42}`, true, true},
		{"fenced", "```json\n{\"answer\": 1}\n```", true, true},
		{"missing required", `{"other": 1}`, false, true},
		{"not json", `forty-two`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, envOpts{funds: 1000})
			e.provider.reply = tt.reply
			req := e.request("q")
			req.Schema = schema

			resp, err := e.gw.Complete(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, resp.SchemaValid)
			assert.Equal(t, tt.wantParse, resp.Parsed != nil)
		})
	}
}

func TestComplete_Validation(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000})
	ctx := context.Background()

	req := e.request("x")
	req.Provider = "nope"
	_, err := e.gw.Complete(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	req = e.request("")
	_, err = e.gw.Complete(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	req = e.request("x")
	req.Schema = json.RawMessage(`{not json`)
	_, err = e.gw.Complete(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	req = e.request("x")
	req.Scope = domain.Scope{}
	_, err = e.gw.Complete(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidScope)

	assert.Zero(t, e.provider.Calls())
}

func TestComplete_RateLimited(t *testing.T) {
	e := newEnv(t, envOpts{funds: 1000, limiter: ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})})
	ctx := context.Background()

	_, err := e.gw.Complete(ctx, e.request("a"))
	require.NoError(t, err)
	_, err = e.gw.Complete(ctx, e.request("b"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 1, e.provider.Calls())
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) gateway.Middleware {
		return func(next gateway.Handler) gateway.Handler {
			return func(ctx context.Context, call *gateway.Call) (*domain.AIResponse, error) {
				order = append(order, name+">")
				resp, err := next(ctx, call)
				order = append(order, "<"+name)
				return resp, err
			}
		}
	}
	final := func(context.Context, *gateway.Call) (*domain.AIResponse, error) {
		order = append(order, "final")
		return &domain.AIResponse{}, nil
	}

	_, err := gateway.Chain(final, mw("a"), mw("b"))(context.Background(), &gateway.Call{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "final", "<b", "<a"}, order)
}

func TestIdempotencyKey(t *testing.T) {
	team := uuid.New()
	exp := uuid.New()
	base := domain.AIRequest{Provider: "p", Model: "m", UserPrompt: "u", Scope: domain.Scope{TeamID: team}.ForExperiment(exp)}

	same := base
	same.Temperature = 0.7
	assert.Equal(t, gateway.IdempotencyKey(&base), gateway.IdempotencyKey(&same))

	other := base
	other.UserPrompt = "v"
	assert.NotEqual(t, gateway.IdempotencyKey(&base), gateway.IdempotencyKey(&other))

	shifted := base
	shifted.Provider, shifted.Model = "pm", ""
	assert.NotEqual(t, gateway.IdempotencyKey(&base), gateway.IdempotencyKey(&shifted))

	otherTeam := base
	otherTeam.Scope.TeamID = uuid.New()
	assert.NotEqual(t, gateway.IdempotencyKey(&base), gateway.IdempotencyKey(&otherTeam))

	keyed := base
	keyed.IdempotencyKey = "abc"
	assert.Contains(t, gateway.IdempotencyKey(&keyed), "abc")
}
