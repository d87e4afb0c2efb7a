package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kalambet/lexrag/internal/chunker"
	"github.com/kalambet/lexrag/internal/config"
	"github.com/kalambet/lexrag/internal/engine"
	"github.com/kalambet/lexrag/internal/extract"
	"github.com/kalambet/lexrag/internal/graph"
	"github.com/kalambet/lexrag/internal/index"
	"github.com/kalambet/lexrag/internal/ingest"
	"github.com/kalambet/lexrag/internal/lawdoc"
	"github.com/kalambet/lexrag/internal/ledger"
	"github.com/kalambet/lexrag/internal/metrics"
	"github.com/kalambet/lexrag/internal/reranking"
	"github.com/kalambet/lexrag/internal/retrieval"
	"github.com/kalambet/lexrag/internal/source"
	"github.com/kalambet/lexrag/internal/storage"
	"github.com/kalambet/lexrag/internal/temporal"
)

// app is the fully wired process: storage, ledger, model engine, the
// ingestion orchestrator and the fusion retriever.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     *storage.Store
	ledger    *ledger.Ledger
	engine    engine.Engine
	sources   *source.FSStore
	resolver  *temporal.Resolver
	indexer   *index.Manager
	retriever *retrieval.FusionRetriever
	ingest    *ingest.Orchestrator
}

func openApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	led, err := ledger.Open(ledger.Config{
		Path:       filepath.Join(cfg.Storage.DataDir, "ledger"),
		SyncWrites: true,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	eng, err := engine.Detect(engine.DetectConfig{
		OllamaBaseURL: cfg.Ollama.BaseURL,
		GenerateRPM:   float64(cfg.Limits.GenerateRPM),
		EmbedRPM:      float64(cfg.Limits.EmbedRPM),
		Burst:         cfg.Limits.Burst,
	}, engine.WithMetrics(m), engine.WithLogger(logger))
	if err != nil {
		led.Close()
		store.Close()
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}

	spec := lawdoc.DefaultSpec()
	sources := source.NewFSStore(cfg.Storage.CollectionsDir)
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	vectors := retrieval.NewSQLiteStore(store.DB(), cfg.Ollama.EmbedModel)
	graphStore := graph.NewSQLiteStore(store.DB())
	resolver := temporal.NewResolver(store, logger)

	indexer := index.NewManager(store, vectors, embedder, graphStore,
		graph.NewLLMExtractor(eng, cfg.Ollama.ChatModel, logger),
		index.NewSummarizer(eng, cfg.Ollama.ChatModel, cfg.Graph.SummaryTokenBudget, cfg.Graph.SummaryContextTokens, logger),
		index.WithConcurrency(cfg.Ingest.ChunkConcurrency),
		index.WithMetrics(m),
		index.WithLogger(logger),
	)

	chunks := chunker.New(
		chunker.WithBoundaryDetector(chunker.NewLLMBoundaryDetector(eng, cfg.Ollama.ChatModel)),
		chunker.WithLogger(logger),
	)

	orch := ingest.New(store, led, sources, extract.New(spec), chunks, resolver, indexer,
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithMaxAttempts(cfg.Ingest.MaxAttempts),
		ingest.WithMaxChunkSize(cfg.Ingest.MaxChunkChars),
		ingest.WithPollInterval(cfg.Ingest.PollInterval),
		ingest.WithHierarchySpec(spec),
		ingest.WithMetrics(m),
		ingest.WithLogger(logger),
	)

	opts := []retrieval.Option{
		retrieval.WithConfig(retrieval.Config{
			K:          cfg.Retrieval.TopK,
			ChannelK:   cfg.Retrieval.ChannelK,
			GraphDepth: cfg.Retrieval.GraphDepth,
			Timeout:    cfg.Retrieval.SubqueryTimeout,
			RRFK:       cfg.Retrieval.RRFK,
		}),
		retrieval.WithReranker(reranking.NewReranker(eng, cfg.Ollama.RerankModel,
			cfg.Rerank.Enabled, cfg.Rerank.Timeout, cfg.Rerank.Threshold)),
		retrieval.WithMetrics(m),
		retrieval.WithLogger(logger),
	}
	if cfg.Retrieval.ExpandQuery {
		opts = append(opts, retrieval.WithExpander(retrieval.NewLLMExpander(eng, cfg.Ollama.ChatModel, logger)))
	}
	retriever := retrieval.NewFusionRetriever(store, vectors, embedder, graphStore, resolver, opts...)

	return &app{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		metrics:   m,
		store:     store,
		ledger:    led,
		engine:    eng,
		sources:   sources,
		resolver:  resolver,
		indexer:   indexer,
		retriever: retriever,
		ingest:    orch,
	}, nil
}

// models lists every model the configuration refers to, without duplicates.
func (a *app) models() []string {
	seen := map[string]bool{}
	var out []string
	names := []string{a.cfg.Ollama.ChatModel, a.cfg.Ollama.EmbedModel}
	if a.cfg.Rerank.Enabled {
		names = append(names, a.cfg.Ollama.RerankModel)
	}
	for _, m := range names {
		if m != "" && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func (a *app) Close() error {
	return errors.Join(a.ledger.Close(), a.store.Close())
}
