package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/config"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/logging"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/processing"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/rerank"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	lc, err := newLifecycle(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("reranker setup")
	}
	defer lc.Close()

	// Serve /health as initializing while the model loads.
	lc.LoadAsync(context.Background())

	svc := rerank.NewService(lc, rerank.WithTimeout(cfg.Reranker.Timeout))
	server := &http.Server{
		Addr:    ":" + cfg.Reranker.Port,
		Handler: rerank.NewServer(svc, cfg.Reranker.Model).Router(),
	}

	// Graceful shutdown
	go func() {
		log.Info().Str("port", cfg.Reranker.Port).Str("model", cfg.Reranker.Model).Msg("reranker service starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Info().Msg("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited")
}

func newLifecycle(cfg config.Config) (*models.Lifecycle[rerank.Scorer], error) {
	rc := cfg.Reranker
	logger := models.WithLogger(logging.Component("models"))
	switch strings.ToLower(rc.Backend) {
	case "embedding":
		embedLC := models.NewLifecycle("embedding", cfg.Embedding.Model, cfg.Embedding.FallbackModel,
			processing.OllamaLoader(cfg.LLM.OllamaBaseURL, 0, nil), logger)
		ready := embedLC.LoadAsync(context.Background())
		embedder := processing.NewEmbedder(embedLC, processing.WithTimeout(cfg.Embedding.Timeout))
		load := models.After(ready, rerank.EmbeddingLoader(embedder))
		return models.NewLifecycle("reranker", "embedding:"+cfg.Embedding.Model, "", load, logger), nil
	case "cross-encoder", "":
		endpoints := map[string]string{rc.Model: rc.InferenceURL}
		if rc.FallbackModel != "" {
			url := rc.FallbackInferenceURL
			if url == "" {
				url = rc.InferenceURL
			}
			endpoints[rc.FallbackModel] = url
		}
		return models.NewLifecycle("reranker", rc.Model, rc.FallbackModel, rerank.CrossEncoderLoader(endpoints, nil), logger), nil
	default:
		return nil, fmt.Errorf("reranker service cannot run backend %q", rc.Backend)
	}
}
