package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/aitown/internal/agent"
	"github.com/nidhogg/aitown/internal/api"
	"github.com/nidhogg/aitown/internal/config"
	"github.com/nidhogg/aitown/internal/embedding"
	"github.com/nidhogg/aitown/internal/events"
	"github.com/nidhogg/aitown/internal/memory"
	"github.com/nidhogg/aitown/internal/outbox"
	"github.com/nidhogg/aitown/internal/provider"
	"github.com/nidhogg/aitown/internal/relation"
	"github.com/nidhogg/aitown/internal/store"
	"github.com/nidhogg/aitown/internal/vectorstore"
	"github.com/nidhogg/aitown/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/aitown.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot, _ := zap.NewDevelopment()
		boot.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting AI Town dispatcher...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Characters
	chars, charErr := config.LoadCharacters(cfg.CharactersPath)
	if charErr != nil {
		logger.Error("failed to load characters", zap.String("path", cfg.CharactersPath), zap.Error(charErr))
	}
	characters := agent.NewCharacters(chars)
	logger.Info("Characters loaded", zap.Int("count", characters.Len()))

	// PostgreSQL
	pg := cfg.Database.Postgres
	st, err := store.New(ctx, pg.DSN, store.Options{
		HealthCheckInterval: time.Duration(pg.HealthCheckSeconds) * time.Second,
		ReconnectAttempts:   pg.ReconnectAttempts,
		ReconnectDelay:      time.Duration(pg.ReconnectDelayMilli) * time.Millisecond,
	}, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	defer st.Close()
	if err := st.Migrate(ctx, pg.MigrationsDir); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	commentQ, err := st.Queue(store.KindComment)
	if err != nil {
		logger.Fatal("comment queue", zap.Error(err))
	}
	behaviorQ, err := st.Queue(store.KindBehavior)
	if err != nil {
		logger.Fatal("behavior queue", zap.Error(err))
	}

	// Embeddings
	embedder, closeEmbedder, err := newEmbedder(cfg.Embedding, logger)
	if err != nil {
		logger.Fatal("embedding provider", zap.Error(err))
	}
	defer closeEmbedder()

	// LLM providers
	llm := newCompleter(cfg, logger)

	// Key events
	idx, closeIndex := newEventIndex(ctx, cfg, embedder, logger)
	defer closeIndex()

	deps := &agent.Deps{
		Characters:   characters,
		Memory:       st,
		Instructions: st,
		LLM:          llm,
		Embedder:     embedder,
		Options: agent.Options{
			Budget:         memory.DefaultContextBudget(),
			RateImportance: cfg.Pipeline.RateImportance,
			SpeechGate:     cfg.Pipeline.SpeechGate,
		},
		Logger: logger,
	}

	// Redis instruction outbox
	if url := cfg.Database.Redis.URL; url != "" {
		pub, err := outbox.New(ctx, url, logger)
		if err != nil {
			logger.Warn("Redis unavailable, instructions go to PostgreSQL only", zap.Error(err))
		} else {
			deps.Publisher = pub
			defer pub.Close()
			logger.Info("Instruction outbox enabled")
		}
	}

	// Neo4j relation graph
	if n := cfg.Database.Neo4j; n.URI != "" {
		driver, err := relation.Connect(ctx, n.URI, n.User, n.Password)
		if err != nil {
			logger.Warn("Neo4j unavailable, running without relations", zap.Error(err))
		} else {
			deps.Relations = relation.NewGraph(driver, relation.DefaultBoost, logger)
			defer driver.Close(context.Background())
			logger.Info("Relation graph enabled")
		}
	}

	// Worker pools
	size := cfg.Workers.Count
	if size <= 0 {
		size = worker.WorkerCount(characters.Len(), charErr)
	}
	timeout := cfg.Workers.TaskTimeout()
	lease := cfg.Workers.ClaimLease()
	if lease > 0 && lease <= timeout {
		logger.Warn("claim lease must exceed the task timeout, raising it",
			zap.Duration("lease", lease), zap.Duration("task_timeout", timeout))
		lease = 2 * timeout
	}
	poolCfg := worker.Config{Size: size, TaskTimeout: timeout, Interval: cfg.Workers.CycleInterval()}

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	if cfg.Workers.Comments {
		reply := agent.NewReplyPipeline(deps, commentQ, idx)
		run(worker.NewPool("comments", reply.ProcessOnce, poolCfg, logger).Run)
	}
	if cfg.Workers.Behavior {
		behavior := agent.NewBehaviorPipeline(deps, behaviorQ)
		run(worker.NewPool("behavior", behavior.ProcessOnce, poolCfg, logger).Run)
	}
	if lease > 0 {
		reaper := worker.NewReaper(map[string]worker.Releaser{
			string(store.KindComment):  commentQ,
			string(store.KindBehavior): behaviorQ,
		}, lease, cfg.Workers.ReaperInterval(), logger)
		run(reaper.Run)
	}

	// Admin API
	handler := api.NewHandler(st, map[store.Kind]api.Queue{
		store.KindComment:  commentQ,
		store.KindBehavior: behaviorQ,
	}, characters, lease, timeout, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("AI Town dispatcher listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down AI Town dispatcher...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	wg.Wait()
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	lc := zap.NewDevelopmentConfig()
	lc.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := lc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newEmbedder(ec config.EmbeddingConfig, logger *zap.Logger) (embedding.Provider, func(), error) {
	base, err := embedding.New(embedding.Config{
		Provider:  ec.Provider,
		Endpoint:  ec.Endpoint,
		Model:     ec.Model,
		APIKey:    ec.APIKey,
		Dimension: ec.Dimension,
	})
	if err != nil {
		return nil, nil, err
	}
	if ec.CacheSize <= 0 {
		return base, func() {}, nil
	}
	cached, err := embedding.NewCachedProvider(base, ec.CacheSize)
	if err != nil {
		logger.Warn("embedding cache disabled", zap.Error(err))
		return base, func() {}, nil
	}
	return cached, cached.Close, nil
}

func newCompleter(cfg *config.Config, logger *zap.Logger) *provider.Completer {
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.NewFromConfig(provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
			Timeout: cfg.Workers.TaskTimeout(),
		}, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}
	if len(router.ListProviders()) == 0 {
		logger.Warn("no LLM providers configured, every job will fail")
	}
	for tier, id := range cfg.Models.Bindings {
		router.Bind(tier, id)
	}
	if len(cfg.Models.Fallbacks) > 0 {
		for _, tier := range []provider.Tier{provider.TierSmall, provider.TierLarge} {
			router.SetFallbacks(string(tier), cfg.Models.Fallbacks)
		}
	}
	return provider.NewCompleter(router, provider.Models{Small: cfg.Models.Small, Large: cfg.Models.Large}, logger)
}

func newEventIndex(ctx context.Context, cfg *config.Config, embedder embedding.Provider, logger *zap.Logger) (events.Index, func()) {
	groups, err := config.LoadKeyEvents(cfg.KeyEventsPath)
	if err != nil {
		logger.Warn("failed to load key events", zap.String("path", cfg.KeyEventsPath), zap.Error(err))
	}
	evs := events.FromConfig(groups)
	fallback := events.NewMemoryIndex(evs, embedder, logger)

	q := cfg.Database.Qdrant
	if q.Host == "" {
		return fallback, func() {}
	}
	client, err := vectorstore.NewClient(vectorstore.QdrantConfig{Host: q.Host, Port: q.Port})
	if err != nil {
		logger.Warn("Qdrant unavailable, scoring key events in process", zap.Error(err))
		return fallback, func() {}
	}
	idx := events.NewQdrantIndex(client, q.Collection, embedder, logger)
	if err := idx.Sync(ctx, evs); err != nil {
		logger.Warn("key event sync failed, scoring key events in process", zap.Error(err))
		client.Close()
		return fallback, func() {}
	}
	return idx, func() { client.Close() }
}
