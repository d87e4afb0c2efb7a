package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "LEXRAG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_stdio", typ: kBool, env: "LEXRAG_SERVER_MCP_STDIO",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPStdio = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPStdio },
	},
	{
		key: "ollama.base_url", typ: kString, env: "LEXRAG_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "LEXRAG_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "LEXRAG_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.rerank_model", typ: kString, env: "LEXRAG_OLLAMA_RERANK_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.RerankModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.RerankModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LEXRAG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.collections_dir", typ: kString, env: "LEXRAG_STORAGE_COLLECTIONS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.CollectionsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.CollectionsDir },
	},
	{
		key: "ingest.workers", typ: kInt, env: "LEXRAG_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.max_chunk_chars", typ: kInt, env: "LEXRAG_INGEST_MAX_CHUNK_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxChunkChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxChunkChars },
	},
	{
		key: "ingest.chunk_concurrency", typ: kInt, env: "LEXRAG_INGEST_CHUNK_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkConcurrency },
	},
	{
		key: "ingest.max_attempts", typ: kInt, env: "LEXRAG_INGEST_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxAttempts },
	},
	{
		key: "ingest.poll_interval", typ: kDuration, env: "LEXRAG_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "limits.generate_rpm", typ: kInt, env: "LEXRAG_LIMITS_GENERATE_RPM",
		apply:   func(cfg *Config, v any) { cfg.Limits.GenerateRPM = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.GenerateRPM },
	},
	{
		key: "limits.embed_rpm", typ: kInt, env: "LEXRAG_LIMITS_EMBED_RPM",
		apply:   func(cfg *Config, v any) { cfg.Limits.EmbedRPM = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.EmbedRPM },
	},
	{
		key: "limits.burst", typ: kInt, env: "LEXRAG_LIMITS_BURST",
		apply:   func(cfg *Config, v any) { cfg.Limits.Burst = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.Burst },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "LEXRAG_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.channel_k", typ: kInt, env: "LEXRAG_RETRIEVAL_CHANNEL_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChannelK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChannelK },
	},
	{
		key: "retrieval.graph_depth", typ: kInt, env: "LEXRAG_RETRIEVAL_GRAPH_DEPTH",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.GraphDepth = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.GraphDepth },
	},
	{
		key: "retrieval.subquery_timeout", typ: kDuration, env: "LEXRAG_RETRIEVAL_SUBQUERY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SubqueryTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.SubqueryTimeout },
	},
	{
		key: "retrieval.rrf_k", typ: kInt, env: "LEXRAG_RETRIEVAL_RRF_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RRFK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.RRFK },
	},
	{
		key: "retrieval.expand_query", typ: kBool, env: "LEXRAG_RETRIEVAL_EXPAND_QUERY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ExpandQuery = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.ExpandQuery },
	},
	{
		key: "rerank.enabled", typ: kBool, env: "LEXRAG_RERANK_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Rerank.Enabled },
	},
	{
		key: "rerank.timeout", typ: kDuration, env: "LEXRAG_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Rerank.Timeout },
	},
	{
		key: "rerank.threshold", typ: kFloat, env: "LEXRAG_RERANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Rerank.Threshold },
	},
	{
		key: "graph.summary_token_budget", typ: kInt, env: "LEXRAG_GRAPH_SUMMARY_TOKEN_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Graph.SummaryTokenBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Graph.SummaryTokenBudget },
	},
	{
		key: "graph.summary_context_tokens", typ: kInt, env: "LEXRAG_GRAPH_SUMMARY_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Graph.SummaryContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Graph.SummaryContextTokens },
	},
	{
		key: "log.level", typ: kString, env: "LEXRAG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "LEXRAG_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "server.api_token", typ: kString, env: "LEXRAG_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
}

// parse converts raw text to the Go type of the key.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
