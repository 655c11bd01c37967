// Command fleet boots the Discord Gateway, the Vector Memory Service, and
// the Supervisor in a single process: Conversation Engines subscribe to
// their bot identities' inbound streams over in-process Go channels rather
// than a network hop, since one process holds every live Discord
// connection (spec §4.2).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/oasis"
	"github.com/nevindra/oasis/conversation"
	"github.com/nevindra/oasis/gateway"
	"github.com/nevindra/oasis/internal/config"
	"github.com/nevindra/oasis/internal/secrets"
	"github.com/nevindra/oasis/internal/supervisor"
	"github.com/nevindra/oasis/internal/wiring"
	"github.com/nevindra/oasis/memory/postgres"
	"github.com/nevindra/oasis/memory/sqlite"
	"github.com/nevindra/oasis/observer"
	"github.com/nevindra/oasis/provider/resolve"
	"github.com/nevindra/oasis/runtime/docker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	configPath := os.Getenv("OASIS_CONFIG")
	if configPath == "" {
		configPath = "fleet.toml"
	}

	if err := run(configPath, logger); err != nil {
		logger.Error("fleet exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	// 1. Load the declarative document and resolve every secret it names.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	secretResolver, err := secrets.Resolve(cfg.SecretsRefs, nil)
	if err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// 2. Optional OTEL cost/latency instrumentation, wrapping every
	// provider and the shared embedding provider below.
	var inst *observer.Instruments
	if cfg.Global.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Global.Observer.Pricing))
		for model, p := range cfg.Global.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer shutdown(context.Background())
		logger.Info("observer enabled")
	}

	// 3. Discord Gateway: register every declared bot identity, then dial
	// all of them in parallel.
	gw := gateway.New(gateway.WithLogger(logger))
	specs := cfg.Specs()
	for _, spec := range specs {
		token, err := secretResolver.Get(spec.DiscordTokenRef)
		if err != nil {
			return fmt.Errorf("resolve token for %q: %w", spec.ID, err)
		}
		if _, err := gw.RegisterBot(spec.ID, token); err != nil {
			return fmt.Errorf("register bot %q: %w", spec.ID, err)
		}
	}
	gw.Connect(ctx)
	defer gw.Close()

	// 4. Vector Memory Service: one store shared by every agent, scoped by
	// agent_id, backed by Postgres/pgvector or local SQLite depending on
	// the configured DSN.
	embedAPIKey, err := secretResolver.Get(cfg.Global.Embedding.APIKeyRef)
	if err != nil {
		return fmt.Errorf("resolve embedding api key: %w", err)
	}
	var embed oasis.EmbeddingProvider = mustEmbeddingProvider(cfg, embedAPIKey)
	if inst != nil {
		embed = observer.WrapEmbedding(embed, cfg.Global.Embedding.Model, inst)
	}

	memStore, closeMemStore, err := newMemoryStore(ctx, cfg, embed, logger)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer closeMemStore()
	if err := memStore.Init(ctx); err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}

	// 5. Container Runtime Adapter (C4), driving container-kind agents.
	containerRuntime, err := docker.New(docker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("docker adapter: %w", err)
	}
	defer containerRuntime.Close()

	// 6. Process Runtime: builds a Conversation Engine per process-kind
	// spec, wired to the gateway adapter, the shared memory store, and
	// that agent's resolved LLM provider.
	gwAdapter := wiring.NewGatewayAdapter(gw)
	injectionGuard := oasis.NewInjectionGuard()
	// Discord caps a single message at 2000 characters (non-Nitro); halting
	// here with a canned reply is cheaper than letting an oversized LM
	// response fail gw.Send outright.
	contentGuard := oasis.NewContentGuard(oasis.MaxOutputLength(2000))
	processRuntime := wiring.NewProcessRuntime(func(spec oasis.AgentSpec) (*conversation.Engine, error) {
		apiKey, err := secretResolver.Get(spec.LLM.APIKeyRef)
		if err != nil {
			return nil, fmt.Errorf("resolve llm api key for %q: %w", spec.ID, err)
		}
		provider, err := resolve.Provider(resolve.Config{
			Provider: spec.LLM.Provider,
			APIKey:   apiKey,
			Model:    spec.LLM.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("resolve provider for %q: %w", spec.ID, err)
		}
		// Retry once with backoff on a transient upstream error, then let the
		// engine abort the turn (spec §4.3 step 5).
		provider = oasis.WithRetry(provider, oasis.RetryMaxAttempts(2))
		if inst != nil {
			provider = observer.WrapProvider(provider, spec.LLM.Model, inst)
		}
		return conversation.New(spec, gwAdapter, memStore, provider,
			conversation.WithLogger(logger.With("agent", spec.ID)),
			conversation.WithGuard(injectionGuard),
			conversation.WithGuard(contentGuard),
		), nil
	}, wiring.WithLogger(logger))

	// 7. Supervisor (C5): declare the fleet, then reconcile forever.
	sup := supervisor.New(containerRuntime, processRuntime, secretResolver.TokenResolver(),
		supervisor.WithLogger(logger),
		supervisor.WithProbeInterval(time.Duration(cfg.Global.ProbeInterval)),
		supervisor.WithStartupTimeout(time.Duration(cfg.Global.StartupTimeout)),
		supervisor.WithRestartBudget(cfg.Global.RestartBudgetN, time.Duration(cfg.Global.RestartBudgetWindow)),
	)
	if err := sup.LoadSpecs(specs); err != nil {
		return fmt.Errorf("load specs: %w", err)
	}
	go sup.Run(ctx)

	// 8. Gateway's HTTP surface (send/messages/bots/health), for
	// operators and out-of-process collaborators.
	httpServer := gateway.NewServer(gw)
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe(ctx, cfg.Global.GatewayListenAddr) }()

	logger.Info("fleet started", "agents", len(specs), "listen_addr", cfg.Global.GatewayListenAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway http server failed", "error", err)
		}
	}
	return nil
}

// mustEmbeddingProvider resolves the single fleet-wide embedding provider.
// Named must* because an unresolvable provider is a fatal startup
// condition, not a per-call failure.
func mustEmbeddingProvider(cfg config.Config, apiKey string) oasis.EmbeddingProvider {
	ep, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider:   cfg.Global.Embedding.Provider,
		APIKey:     apiKey,
		Model:      cfg.Global.Embedding.Model,
		Dimensions: cfg.Global.EmbeddingDimension,
	})
	if err != nil {
		// config.Validate has already checked the embedding dimension and
		// key ref, but not the provider name; a resolve failure here means
		// the declared provider name itself is unsupported, which is a
		// programming error in the document, not a runtime condition.
		panic(err)
	}
	return ep
}

// newMemoryStore opens the Vector Memory Service backing store named by
// cfg.Global.MemoryDSN: a "postgres://" (or "postgresql://") DSN opens a
// pgx pool against pgvector, anything else is treated as a local SQLite
// file path.
func newMemoryStore(ctx context.Context, cfg config.Config, embed oasis.EmbeddingProvider, logger *slog.Logger) (oasis.MemoryStore, func(), error) {
	dsn := cfg.Global.MemoryDSN
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("pgxpool: %w", err)
		}
		store := postgres.New(pool, embed,
			postgres.WithEmbeddingDimension(cfg.Global.EmbeddingDimension),
			postgres.WithLogger(logger),
		)
		return store, pool.Close, nil
	}

	store, err := sqlite.New(dsn, embed, sqlite.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}
