package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/quill-chat/quill/internal/chat"
	"github.com/quill-chat/quill/internal/config"
	"github.com/quill-chat/quill/internal/generate"
	"github.com/quill-chat/quill/internal/httpapi"
	"github.com/quill-chat/quill/internal/observability"
	"github.com/quill-chat/quill/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	st, err := store.NewStore(ctx, cfg.DatabaseURL, cfg.StatePath)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()

	switch {
	case cfg.DatabaseURL != "":
		log.Printf("store: postgres")
	case cfg.StatePath != "":
		log.Printf("store: file (%s)", cfg.StatePath)
	default:
		log.Printf("store: in-memory (state will not survive restarts)")
	}

	repo, err := chat.NewRepository(ctx, st, cfg.Greeting)
	if err != nil {
		log.Fatalf("repository init failed: %v", err)
	}
	metrics.Conversations.Set(float64(repo.Count()))

	client, err := generate.NewClient(generate.Config{
		Mode:       cfg.GenerateMode,
		URL:        cfg.GenerateURL,
		APIKey:     cfg.GenerateAPIKey,
		Timeout:    cfg.GenerateTimeout,
		MaxRetries: cfg.GenerateMaxRetries,
	})
	if err != nil {
		log.Fatalf("generate client init failed: %v", err)
	}
	if _, ok := client.(*generate.MockClient); ok {
		log.Printf("generate client: mock (no GENERATE_URL configured)")
	}

	pipeline := chat.NewPipeline(repo, client, metrics, cfg.ErrorReply)
	defer pipeline.Close()

	api := httpapi.New(cfg, pipeline, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
