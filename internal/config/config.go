// Package config loads lexrag settings. Values are layered: built-in defaults,
// then the YAML file at $XDG_CONFIG_HOME/lexrag/config.yaml, then .env files,
// then LEXRAG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Ingest    IngestConfig
	Limits    LimitsConfig
	Retrieval RetrievalConfig
	Rerank    RerankConfig
	Graph     GraphConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MCPStdio bool
	APIToken string
}

type OllamaConfig struct {
	BaseURL     string
	ChatModel   string
	EmbedModel  string
	RerankModel string
}

type StorageConfig struct {
	DataDir        string
	CollectionsDir string
}

type IngestConfig struct {
	Workers          int
	MaxChunkChars    int
	ChunkConcurrency int
	MaxAttempts      int
	PollInterval     time.Duration
}

// LimitsConfig bounds calls to the model server. Rates are per minute.
type LimitsConfig struct {
	GenerateRPM int
	EmbedRPM    int
	Burst       int
}

type RetrievalConfig struct {
	TopK            int
	ChannelK        int
	GraphDepth      int
	SubqueryTimeout time.Duration
	RRFK            int
	ExpandQuery     bool
}

type RerankConfig struct {
	Enabled   bool
	Timeout   time.Duration
	Threshold float64
}

type GraphConfig struct {
	SummaryTokenBudget   int
	SummaryContextTokens int
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			ChatModel:   "qwen2.5:7b",
			EmbedModel:  "bge-m3",
			RerankModel: "qwen2.5:7b",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Ingest: IngestConfig{
			Workers:          4,
			MaxChunkChars:    800,
			ChunkConcurrency: 4,
			MaxAttempts:      3,
			PollInterval:     500 * time.Millisecond,
		},
		Limits: LimitsConfig{
			GenerateRPM: 60,
			EmbedRPM:    1500,
			Burst:       4,
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			ChannelK:        10,
			GraphDepth:      1,
			SubqueryTimeout: 10 * time.Second,
			RRFK:            60,
			ExpandQuery:     true,
		},
		Rerank: RerankConfig{
			Enabled:   true,
			Timeout:   20 * time.Second,
			Threshold: 0,
		},
		Graph: GraphConfig{
			SummaryTokenBudget:   500,
			SummaryContextTokens: 4000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration. An API token is generated and stored in the
// secrets file under the data dir the first time none is configured.
func Load() (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return loadWith(newFileBackend(FilePath()), cwd)
}

func loadWith(b ConfigBackend, cwd string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if err := loadDotenv(filepath.Join(cwd, ".env"), filepath.Join(cfg.Storage.DataDir, ".env")); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	if cfg.Storage.CollectionsDir == "" {
		cfg.Storage.CollectionsDir = filepath.Join(cfg.Storage.DataDir, "collections")
	}

	if cfg.Server.APIToken == "" {
		token, err := ensureToken(secretsFilePath(cfg.Storage.DataDir))
		if err != nil {
			return Config{}, fmt.Errorf("preparing API token: %w", err)
		}
		cfg.Server.APIToken = token
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotenv loads every existing file. Variables already present in the
// environment keep their values.
func loadDotenv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

func (c Config) validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, errors.New("ingest.workers must be at least 1"))
	}
	if c.Ingest.MaxChunkChars < 100 {
		errs = append(errs, errors.New("ingest.max_chunk_chars must be at least 100"))
	}
	if c.Ingest.MaxAttempts < 1 {
		errs = append(errs, errors.New("ingest.max_attempts must be at least 1"))
	}
	if c.Retrieval.TopK < 1 || c.Retrieval.ChannelK < 1 {
		errs = append(errs, errors.New("retrieval.top_k and retrieval.channel_k must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "lexrag-data"
		}
	}
	return filepath.Join(dir, "lexrag")
}

// FilePath is the location of the YAML config file.
func FilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "lexrag", "config.yaml")
}

func newToken() string {
	return uuid.NewString()
}
