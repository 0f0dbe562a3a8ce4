package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/zhouzirui/hearth/backend/internal/config"
	"github.com/zhouzirui/hearth/backend/internal/handler"
	"github.com/zhouzirui/hearth/backend/internal/logging"
	"github.com/zhouzirui/hearth/backend/internal/model/persona"
	"github.com/zhouzirui/hearth/backend/internal/service/ai"
	"github.com/zhouzirui/hearth/backend/internal/service/chat"
	"github.com/zhouzirui/hearth/backend/internal/session"
	"github.com/zhouzirui/hearth/backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server_failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	personas := persona.Seed()
	if cfg.Chat.PersonasFile != "" {
		loaded, err := persona.LoadFile(cfg.Chat.PersonasFile)
		if err != nil {
			return err
		}
		personas = loaded
	}
	personaStore := persona.NewMemoryStore(personas)

	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("store_opened", zap.String("driver", cfg.Store.Driver))

	codec, err := session.NewCodec(cfg.Session.Secret, cfg.Session.TTL)
	if err != nil {
		return err
	}

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		return err
	}
	maxTokens := 0
	if cfg.AI.MaxTokens != nil {
		maxTokens = *cfg.AI.MaxTokens
	}
	inference, err := ai.NewClient(ctx, chatModel, ai.Options{
		Timeout:   cfg.AI.Timeout,
		MaxTokens: maxTokens,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	logger.Info("inference_ready",
		zap.String("provider", cfg.AI.Provider),
		zap.String("model", cfg.AI.Model),
		zap.Duration("timeout", cfg.AI.Timeout),
		zap.Bool("streaming", cfg.AI.Streaming))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	chatService := chat.NewService(chat.Options{
		Codec:          codec,
		Store:          store,
		Inference:      inference,
		Personas:       personaStore,
		ContextBudget:  cfg.Chat.ContextBudget,
		SystemMessage:  cfg.Chat.SystemMessage,
		OpeningMessage: cfg.Chat.OpeningMessage,
		Metrics:        chat.NewMetrics(reg),
		Logger:         logger,
	})

	router := handler.NewRouter(handler.Options{
		Personas:  personaStore,
		Chat:      chatService,
		Streaming: cfg.AI.Streaming,
		RateRPS:   cfg.RateLimit.RPS,
		RateBurst: cfg.RateLimit.Burst,
		Gatherer:  reg,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("server_listening", zap.String("addr", cfg.Server.Addr))
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
