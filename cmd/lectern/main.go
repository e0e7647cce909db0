// Command lectern serves retrieval-augmented question answering over a
// pre-ingested prose corpus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	redisv8 "github.com/go-redis/redis/v8"
	redisv9 "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/lectern/internal/agent"
	"github.com/Kocoro-lab/lectern/internal/auth"
	"github.com/Kocoro-lab/lectern/internal/cache"
	"github.com/Kocoro-lab/lectern/internal/circuitbreaker"
	"github.com/Kocoro-lab/lectern/internal/config"
	"github.com/Kocoro-lab/lectern/internal/embeddings"
	"github.com/Kocoro-lab/lectern/internal/graph"
	"github.com/Kocoro-lab/lectern/internal/health"
	"github.com/Kocoro-lab/lectern/internal/httpapi"
	"github.com/Kocoro-lab/lectern/internal/llm"
	"github.com/Kocoro-lab/lectern/internal/policy"
	"github.com/Kocoro-lab/lectern/internal/pricing"
	"github.com/Kocoro-lab/lectern/internal/retrieval"
	"github.com/Kocoro-lab/lectern/internal/session"
	"github.com/Kocoro-lab/lectern/internal/store"
	"github.com/Kocoro-lab/lectern/internal/streaming"
	"github.com/Kocoro-lab/lectern/internal/tracing"
	"github.com/Kocoro-lab/lectern/internal/usage"
)

// Exit codes: 0 clean stop, 1 configuration error, 2 startup failure,
// 130 interrupt.
func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lectern: configuration: %v\n", err)
		return 1
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lectern: logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Tracing unavailable, continuing without it", zap.Error(err))
	}

	// Corpus store. Without Postgres there is nothing to serve.
	dims := map[string]int{cfg.Embeddings.Provider: cfg.Embeddings.Dimension}
	corpus, err := store.New(cfg.Store, dims, logger)
	if err != nil {
		logger.Error("Corpus store unavailable", zap.Error(err))
		return 2
	}
	defer corpus.Close()

	// Redis carries sessions, the embedding L2 cache, and the distributed
	// rate limit. Connectivity failures degrade through the breaker; only
	// an unparseable URL is fatal.
	opts8, err := redisv8.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("Invalid Redis URL", zap.Error(err))
		return 1
	}
	rw := circuitbreaker.NewRedisWrapper("redis", redisv8.NewClient(opts8), logger)
	defer rw.Close()

	var limitClient *redisv9.Client
	if opts9, err := redisv9.ParseURL(cfg.Redis.URL); err == nil {
		limitClient = redisv9.NewClient(opts9)
		defer limitClient.Close()
	} else {
		logger.Warn("Rate limiter running on local buckets", zap.Error(err))
	}

	tuning, err := config.NewTuningStore(cfg.TuningPath, logger)
	if err != nil {
		logger.Error("Retrieval tuning file invalid", zap.Error(err))
		return 1
	}
	defer tuning.Close()
	if err := tuning.Watch(); err != nil {
		logger.Warn("Tuning file not watched, edits need a restart", zap.Error(err))
	}

	embCache := cache.New(cfg.Cache.MaxBytes, cfg.Cache.TTL, logger, cache.WithRedis(rw))
	embedder := embeddings.New(cfg.Embeddings, logger)
	defer embedder.Close()

	sessions := session.NewManager(rw, cfg.Session, logger)
	pipeline := retrieval.New(corpus, embedder, embCache, tuning, cfg.Embeddings, logger)
	chatModel := llm.New(cfg.LLM, logger)

	reg := agent.NewRegistry()
	if err := agent.RegisterCoreTools(reg, pipeline, corpus); err != nil {
		logger.Error("Tool registration failed", zap.Error(err))
		return 2
	}
	gc := graph.New(cfg.Graph, logger)
	if gc.Enabled() {
		if err := agent.RegisterGraphTools(reg, gc); err != nil {
			logger.Error("Graph tool registration failed", zap.Error(err))
			return 2
		}
		logger.Info("Entity graph tools enabled", zap.String("url", cfg.Graph.URL))
	}

	pol, err := policy.New(cfg.Policy, logger)
	if err != nil {
		logger.Error("Policy load failed", zap.Error(err))
		return 1
	}
	prices, err := pricing.Load(cfg.PricingPath, logger)
	if err != nil {
		logger.Error("Pricing table invalid", zap.Error(err))
		return 1
	}
	recorder := usage.NewRecorder(corpus.DB(), logger)
	defer recorder.Close()

	hub := streaming.NewHub(0, logger)
	orch := agent.New(agent.Deps{
		LLM:      chatModel,
		Sessions: sessions,
		Hub:      hub,
		Registry: reg,
		Policy:   pol,
		Pricing:  prices,
		Usage:    recorder,
	}, cfg.Agent, logger)

	verifier, err := auth.New(cfg.Auth, logger)
	if err != nil {
		logger.Error("Auth configuration invalid", zap.Error(err))
		return 1
	}

	hm := health.NewManager(logger)
	checkers := []health.Checker{
		health.NewStoreChecker(corpus),
		health.NewRedisChecker(rw),
		health.NewEmbedderChecker(embedder),
		health.NewLLMChecker(chatModel),
	}
	if gc.Enabled() {
		checkers = append(checkers, health.NewGraphChecker(gc))
	}
	for _, c := range checkers {
		if err := hm.Register(c); err != nil {
			logger.Error("Health checker registration failed", zap.Error(err))
			return 2
		}
	}
	hm.Start()
	defer hm.Stop()

	srv := httpapi.New(httpapi.Deps{
		Verifier: verifier,
		Sessions: sessions,
		Chat:     orch,
		Search:   pipeline,
		Docs:     corpus,
		Hub:      hub,
		Health:   hm,
		Redis:    limitClient,
	}, cfg.Service, cfg.RateLimit, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
		if sig == syscall.SIGINT {
			code = 130
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
			code = 2
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Connections cut off at the shutdown deadline", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Trace exporter shutdown failed", zap.Error(err))
	}
	return code
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}
