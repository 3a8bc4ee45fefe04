package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cortex-backend/internal/config"
	"cortex-backend/internal/handlers"
	"cortex-backend/internal/llm"
	"cortex-backend/internal/normalizer"
	"cortex-backend/internal/repository/postgres"
	"cortex-backend/internal/service/ingest"
	memorysvc "cortex-backend/internal/service/memory"
	"cortex-backend/internal/service/retrieval"
)

func main() {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := postgres.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx, cfg.EmbeddingDim); err != nil {
		return err
	}

	provider := newProvider(cfg, logger)
	norm := normalizer.New()

	memoryService := memorysvc.NewService(store.Memories(), provider, provider, norm,
		memorysvc.Config{
			UpsertThreshold: cfg.UpsertThreshold,
			ChunkTimeout:    cfg.ChunkTimeout,
		}, logger)

	engine := retrieval.NewEngine(store.Memories(), provider, provider,
		retrieval.Config{
			StateFreshnessWindow: cfg.StateFreshnessWindow,
			ContextBudgetChars:   cfg.ContextBudgetChars,
		}, logger)

	manager := ingest.NewManager(store.Jobs(), memoryService,
		ingest.Config{
			WorkerPoolSize:     cfg.WorkerPoolSize,
			QueueCapacity:      cfg.QueueCapacity,
			PerUserConcurrency: cfg.PerUserConcurrency,
			JobTimeout:         cfg.JobTimeout,
			IdempotencyWindow:  cfg.IdempotencyWindow,
			GCInterval:         time.Hour,
		}, logger)
	manager.Start()
	defer manager.Stop()

	router := handlers.NewRouter(handlers.RouterConfig{
		APIKey:         cfg.APIKey,
		RequestTimeout: cfg.RequestTimeout,
	}, memoryService, engine, manager, store, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.Int("port", cfg.Port))
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newProvider(cfg *config.Config, logger *zap.Logger) llm.Provider {
	if cfg.LLMProvider == "mock" {
		logger.Warn("using the mock language model provider")
		return llm.NewMockProvider(cfg.EmbeddingDim)
	}
	return llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:         cfg.LLMAPIKey,
		BaseURL:        cfg.LLMBaseURL,
		ChatModel:      cfg.LLMModel,
		EmbeddingModel: cfg.EmbeddingModel,
		EmbeddingDim:   cfg.EmbeddingDim,
		MaxInflight:    int64(cfg.AdapterMaxInflight),
	}, logger)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
