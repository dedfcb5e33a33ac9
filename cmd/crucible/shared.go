package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/crucible/internal/agents"
	"github.com/jkaninda/crucible/internal/budget"
	"github.com/jkaninda/crucible/internal/config"
	"github.com/jkaninda/crucible/internal/events"
	"github.com/jkaninda/crucible/internal/experiment"
	"github.com/jkaninda/crucible/internal/gateway"
	"github.com/jkaninda/crucible/internal/gateway/httpapi"
	"github.com/jkaninda/crucible/internal/ledger"
	"github.com/jkaninda/crucible/internal/llm"
	"github.com/jkaninda/crucible/internal/llm/anthropic"
	"github.com/jkaninda/crucible/internal/llm/openai"
	"github.com/jkaninda/crucible/internal/observability"
	"github.com/jkaninda/crucible/internal/pricing"
	"github.com/jkaninda/crucible/internal/ratelimit"
	"github.com/jkaninda/crucible/internal/storage"
	"github.com/jkaninda/crucible/internal/storage/memory"
	pgstore "github.com/jkaninda/crucible/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/crucible/internal/storage/sqlite"
)

const defaultOllamaURL = "http://localhost:11434"

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
}

// SharedComponents holds every subsystem the commands need. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability
	Store  storage.Store
	Bus    *events.Bus

	Ledger      *ledger.Ledger
	Guard       *budget.Guard
	Experiments *experiment.Machine
	Agents      *agents.Registry
	Pricing     *pricing.Calculator
	Limiter     *ratelimit.Limiter
	AI          *gateway.Gateway

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config named by CRUCIBLE_CONFIG or --config and
// resolves the credential references it holds.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envOr("CRUCIBLE_CONFIG", configPath))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := cfg.ResolveSecrets(ctx); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the JSON logger on stderr. stdout stays free for the
// MCP stdio transport.
// envOr returns the environment value of key unless it is unset or empty,
// so an exported but blank variable does not mask a flag.
func envOr(key, fallback string) string {
	if v := goutils.Env(key, ""); v != "" {
		return v
	}
	return fallback
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// initShared performs all common initialization. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	metrics := obs.MetricsOrNil()
	logger.Debug("observability initialized",
		slog.Bool("metrics", metrics != nil),
		slog.Bool("tracing", obs.TracerOrNil() != nil),
	)

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	obs.Health.AddCheck("storage", store.Ping)
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Teams named by API keys must exist before the first request.
	if err := ensureTeams(context.Background(), store.Ledger(), cfg.HTTP.APIKeys); err != nil {
		sc.Cleanup()
		return nil, err
	}

	// Budget and ledger.
	policy, err := budgetPolicy(cfg.Budget)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Bus = events.NewBus(logger, metrics)
	sc.Ledger = ledger.New(store.Ledger(),
		ledger.WithPublisher(sc.Bus),
		ledger.WithLogger(logger),
		ledger.WithMetrics(metrics),
	)
	sc.Guard = budget.NewGuard(storage.BudgetReader(store), store.Ledger(), policy, logger, metrics)
	sc.Experiments = experiment.NewMachine(store.Experiments(), sc.Bus, logger, metrics)
	sc.Agents = agents.NewRegistry(store.Agents(), logger)

	// Pricing.
	calc, err := pricing.NewCalculator(priceTable(cfg.Pricing), pricing.Options{
		Multiplier:         cfg.Budget.Multiplier(),
		NominalInputTokens: cfg.Budget.NominalInput(),
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing pricing: %w", err)
	}
	sc.Pricing = calc

	// AI gateway.
	providers := buildProviders(cfg, logger)
	logger.Debug("llm providers initialized", slog.Any("providers", providers.Names()))

	if cfg.Gateway.RequestsPerMinute > 0 {
		sc.Limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			BurstSize:         cfg.Gateway.BurstSize,
		})
	}
	sc.AI = gateway.New(gateway.Deps{
		Providers: providers,
		Pricing:   calc,
		Guard:     sc.Guard,
		Ledger:    sc.Ledger,
		Responses: store.Responses(),
		Limiter:   sc.Limiter,
		Tracer:    obs.TracerOrNil(),
		Metrics:   metrics,
		Logger:    logger,
	}, gateway.Options{
		ProviderTimeout: cfg.Gateway.ProviderTimeout(),
		IdempotencyTTL:  cfg.Gateway.IdempotencyTTL(),
	})

	return sc, nil
}

// initStore creates the storage backend named by config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	case storage.DriverMemory:
		logger.Warn("using in-memory storage; all state is lost on exit")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// ensureTeams creates every team an API key points at.
func ensureTeams(ctx context.Context, store ledger.Store, keys []config.APIKeyConfig) error {
	seen := make(map[uuid.UUID]bool)
	for _, k := range keys {
		id, err := uuid.Parse(k.TeamID)
		if err != nil {
			return fmt.Errorf("api key for %s: invalid team_id %q: %w", k.UserID, k.TeamID, err)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := store.EnsureTeam(ctx, id, k.TeamID); err != nil {
			return fmt.Errorf("ensuring team %s: %w", id, err)
		}
	}
	return nil
}

func budgetPolicy(b config.BudgetConfig) (budget.Policy, error) {
	mode, err := budget.ParseMode(b.Policy())
	if err != nil {
		return budget.Policy{}, err
	}
	return budget.Policy{
		SoftThreshold:  b.Threshold(),
		Mode:           mode,
		ReservationTTL: b.ReservationTTL(),
	}, nil
}

func priceTable(cfg config.PricingConfig) pricing.Table {
	table := make(pricing.Table, len(cfg))
	for provider, models := range cfg {
		table[provider] = make(map[string]pricing.Price, len(models))
		for model, p := range models {
			table[provider][model] = pricing.Price{Input: p.Input, Output: p.Output}
		}
	}
	return table
}

// buildProviders registers every configured provider plus the static
// provider used for dry runs.
func buildProviders(cfg *config.Config, logger *slog.Logger) *llm.Registry {
	reg := llm.NewRegistry(&llm.Static{})

	if c := cfg.Providers.Anthropic; c != nil && c.APIKey != "" {
		var opts []anthropic.Option
		if c.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(c.BaseURL))
		}
		reg.Register(anthropic.NewClient(c.APIKey, logger, opts...))
	}
	if c := cfg.Providers.OpenAI; c != nil && c.APIKey != "" {
		var opts []openai.Option
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		reg.Register(openai.NewClient(c.APIKey, logger, opts...))
	}
	if c := cfg.Providers.Ollama; c != nil {
		baseURL := c.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		reg.Register(openai.NewClient("", logger, openai.WithBaseURL(baseURL), openai.WithName("ollama")))
	}
	return reg
}

// apiKeys converts configured keys for the HTTP API.
func apiKeys(keys []config.APIKeyConfig) ([]httpapi.APIKey, error) {
	out := make([]httpapi.APIKey, 0, len(keys))
	for _, k := range keys {
		id, err := uuid.Parse(k.TeamID)
		if err != nil {
			return nil, fmt.Errorf("api key for %s: invalid team_id %q: %w", k.UserID, k.TeamID, err)
		}
		out = append(out, httpapi.APIKey{Key: k.Key, UserID: k.UserID, TeamID: id})
	}
	return out, nil
}
