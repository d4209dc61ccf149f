package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/api"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/config"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/graph"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/llm"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/logging"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/models"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/processing"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/rerank"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/retrieval"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/storage"
	"github.com/logsv/em-taskflow-ai/taskflow-agent/internal/tools"
)

// app holds the wired components of one process.
type app struct {
	cfg       config.Config
	embedLC   *models.Lifecycle[processing.EmbeddingBackend]
	embedder  *processing.Embedder
	index     storage.VectorIndex
	catalog   storage.Catalog
	reranker  rerank.Reranker
	rerankLC  *models.Lifecycle[rerank.Scorer]
	embedDone <-chan error
	pipeline  *retrieval.Pipeline
	registry  *tools.Registry
	generator llm.Generator
	agent     *graph.Agent
	closers   []func()
}

// build wires everything the retrieval pipeline needs. Models load in the background
// when async is set, otherwise build waits for them.
func build(ctx context.Context, cfg config.Config, async bool) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.buildEmbedder(ctx, async); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildCatalog(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildReranker(ctx, async); err != nil {
		a.Close()
		return nil, err
	}

	chunker, err := processing.NewChunker(cfg.RAG.MaxChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		a.Close()
		return nil, err
	}
	opts := []retrieval.Option{
		retrieval.WithCatalog(a.catalog),
		retrieval.WithDefaults(cfg.RAG.DefaultTopK, cfg.RAG.CandidatePool),
	}
	if a.reranker != nil {
		opts = append(opts, retrieval.WithReranker(a.reranker))
	}
	a.pipeline = retrieval.New(chunker, a.embedder, a.index, opts...)

	a.registry = tools.NewRegistry()
	tools.RegisterDocumentTools(a.registry, a.pipeline)
	return a, nil
}

func (a *app) buildEmbedder(ctx context.Context, async bool) error {
	cfg := a.cfg.Embedding
	var loader models.Loader[processing.EmbeddingBackend]
	switch strings.ToLower(cfg.Provider) {
	case "ollama":
		loader = processing.OllamaLoader(a.cfg.LLM.OllamaBaseURL, cfg.Dimension, nil)
	case "openai":
		loader = processing.OpenAILoader(a.cfg.LLM.OpenAIAPIKey, a.cfg.LLM.OpenAIBaseURL, cfg.Dimension)
	case "hash":
		loader = processing.HashLoader(cfg.Dimension)
	default:
		return fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	a.embedLC = models.NewLifecycle("embedding", cfg.Model, cfg.FallbackModel, loader,
		models.WithLogger(logging.Component("models")))
	a.closers = append(a.closers, func() { a.embedLC.Close() })

	embedOpts := []processing.EmbedderOption{
		processing.WithBatchSize(cfg.BatchSize),
		processing.WithMaxConcurrency(cfg.MaxConcurrency),
		processing.WithTimeout(cfg.Timeout),
	}
	if a.cfg.Redis.URL != "" {
		client, err := processing.NewRedisClient(ctx, a.cfg.Redis.URL, a.cfg.Redis.Password, a.cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Msg("embedding cache disabled")
		} else {
			a.closers = append(a.closers, func() { client.Close() })
			embedOpts = append(embedOpts, processing.WithCache(processing.NewEmbeddingCache(client, cfg.CacheTTL)))
		}
	}
	a.embedder = processing.NewEmbedder(a.embedLC, embedOpts...)

	if async {
		a.embedDone = a.embedLC.LoadAsync(context.Background())
		return nil
	}
	return a.embedLC.Load(ctx)
}

func (a *app) buildIndex(ctx context.Context) error {
	cfg := a.cfg.Vector
	hnsw := storage.HNSWParams{M: cfg.HNSWM, EfConstruction: cfg.HNSWConstruction, EfSearch: cfg.HNSWSearch}
	switch cfg.Backend {
	case "memory":
		a.index = storage.NewMemoryIndex()
	case "qdrant":
		idx, err := storage.NewQdrantIndex(ctx, storage.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.Collection,
			Dimension:  a.cfg.Embedding.Dimension,
			HNSW:       hnsw,
		})
		if err != nil {
			return err
		}
		a.index = idx
	default:
		pool, err := storage.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		idx, err := storage.NewPGVectorIndex(ctx, pool, cfg.Collection, a.cfg.Embedding.Dimension, hnsw)
		if err != nil {
			pool.Close()
			return err
		}
		a.index = idx
	}
	a.closers = append(a.closers, a.index.Close)
	return nil
}

func (a *app) buildCatalog(ctx context.Context) error {
	if a.cfg.RAG.CatalogDatabase == "" {
		a.catalog = storage.NewMemoryCatalog()
		return nil
	}
	c, err := storage.OpenCatalog(ctx, a.cfg.RAG.CatalogDatabase)
	if err != nil {
		return err
	}
	a.catalog = c
	a.closers = append(a.closers, func() { c.Close() })
	return nil
}

func (a *app) buildReranker(ctx context.Context, async bool) error {
	cfg := a.cfg.Reranker
	var loader models.Loader[rerank.Scorer]
	switch strings.ToLower(cfg.Backend) {
	case "none", "":
		return nil
	case "remote":
		a.reranker = rerank.NewClient(cfg.ServiceURL, cfg.Timeout)
		return nil
	case "embedding":
		loader = models.After(a.embedDone, rerank.EmbeddingLoader(a.embedder))
	case "cross-encoder":
		loader = rerank.CrossEncoderLoader(crossEncoderEndpoints(cfg), nil)
	default:
		return fmt.Errorf("unknown reranker backend %q", cfg.Backend)
	}
	a.rerankLC = models.NewLifecycle("reranker", cfg.Model, cfg.FallbackModel, loader,
		models.WithLogger(logging.Component("models")))
	a.closers = append(a.closers, func() { a.rerankLC.Close() })
	a.reranker = rerank.NewService(a.rerankLC, rerank.WithTimeout(cfg.Timeout))

	if async {
		a.rerankLC.LoadAsync(context.Background())
		return nil
	}
	if err := a.rerankLC.Load(ctx); err != nil {
		// Retrieval still works in vector order.
		log.Warn().Err(err).Msg("reranker unavailable")
	}
	return nil
}

func crossEncoderEndpoints(cfg config.RerankerConfig) map[string]string {
	endpoints := map[string]string{cfg.Model: cfg.InferenceURL}
	if cfg.FallbackModel != "" {
		url := cfg.FallbackInferenceURL
		if url == "" {
			url = cfg.InferenceURL
		}
		endpoints[cfg.FallbackModel] = url
	}
	return endpoints
}

// buildAgent adds the generator and agent loop, with MCP gateway tools when enabled.
func (a *app) buildAgent(ctx context.Context) error {
	gen, err := llm.New(ctx, a.cfg.LLM)
	if err != nil {
		return err
	}
	a.generator = gen

	var toolset tools.Toolset = a.registry
	if a.cfg.MCP.Enabled {
		toolset = tools.Chain{a.registry, tools.NewClient(a.cfg.MCP.GatewayURL, a.cfg.MCP.Timeout)}
	}
	a.agent = graph.New(gen,
		graph.WithRetriever(a.pipeline),
		graph.WithTools(toolset),
		graph.WithMaxIterations(a.cfg.Agent.MaxIterations),
		graph.WithMaxFailures(a.cfg.Agent.MaxFailures),
		graph.WithIncludeRAG(a.cfg.Agent.IncludeRAG),
		graph.WithTopK(a.cfg.RAG.DefaultTopK),
	)
	return nil
}

func (a *app) server() *api.Server {
	opts := []api.Option{
		api.WithRegistry(a.registry),
		api.WithUploads(a.cfg.Server.UploadDir, a.cfg.Server.MaxUploadBytes),
		api.WithDefaults(a.cfg.RAG.EnableRerank, a.cfg.Agent.IncludeRAG),
		api.WithProbe("index", api.PingProbe(a.pipeline.Ping)),
		api.WithProbe("embedder", api.LifecycleProbe(a.embedder.Status)),
		api.WithProbe("generator", api.StaticProbe(rerank.StatusHealthy, a.generator.Model())),
	}
	switch r := a.reranker.(type) {
	case *rerank.Service:
		opts = append(opts, api.WithProbe("reranker", api.LifecycleProbe(r.Status)))
	case *rerank.Client:
		opts = append(opts, api.WithProbe("reranker", func(ctx context.Context) api.Component {
			h, err := r.Health(ctx)
			c := api.Component{Status: h.Status, Model: h.ModelName, Tier: h.Tier}
			if err != nil {
				c.Error = err.Error()
			}
			return c
		}))
	}
	return api.NewServer(a.pipeline, a.agent, opts...)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
