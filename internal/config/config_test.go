package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes a config.yaml whose data dir points into a temp dir
// and returns a backend for it together with that data dir.
func writeTempConfig(t *testing.T, content string) (*fileBackend, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	path := filepath.Join(dir, "config.yaml")
	body := "storage:\n  data_dir: " + dataDir + "\n" + content
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path), dataDir
}

func TestDefaults(t *testing.T) {
	b, dataDir := writeTempConfig(t, "")

	cfg, err := loadWith(b, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ingest.MaxChunkChars != 800 {
		t.Errorf("Ingest.MaxChunkChars = %d, want 800", cfg.Ingest.MaxChunkChars)
	}
	if cfg.Retrieval.ChannelK != 10 || cfg.Retrieval.TopK != 5 {
		t.Errorf("Retrieval k = %d/%d, want 10/5", cfg.Retrieval.ChannelK, cfg.Retrieval.TopK)
	}
	if cfg.Limits.GenerateRPM != 60 || cfg.Limits.EmbedRPM != 1500 {
		t.Errorf("Limits = %+v", cfg.Limits)
	}
	if cfg.Ingest.PollInterval != 500*time.Millisecond {
		t.Errorf("Ingest.PollInterval = %v", cfg.Ingest.PollInterval)
	}
	if want := filepath.Join(dataDir, "collections"); cfg.Storage.CollectionsDir != want {
		t.Errorf("Storage.CollectionsDir = %q, want %q", cfg.Storage.CollectionsDir, want)
	}
}

func TestAPITokenGeneratedOnce(t *testing.T) {
	b, dataDir := writeTempConfig(t, "")

	first, err := loadWith(b, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if first.Server.APIToken == "" {
		t.Fatal("expected a generated API token")
	}
	if _, err := os.Stat(filepath.Join(dataDir, "secrets.yaml")); err != nil {
		t.Fatalf("secrets file: %v", err)
	}

	second, err := loadWith(b, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if second.Server.APIToken != first.Server.APIToken {
		t.Errorf("token changed between loads: %q vs %q", first.Server.APIToken, second.Server.APIToken)
	}
}

func TestAPITokenFromEnv(t *testing.T) {
	b, dataDir := writeTempConfig(t, "")
	t.Setenv("LEXRAG_API_TOKEN", "env-token")

	cfg, err := loadWith(b, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.APIToken != "env-token" {
		t.Errorf("APIToken = %q, want env-token", cfg.Server.APIToken)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "secrets.yaml")); !os.IsNotExist(err) {
		t.Errorf("secrets file should not be written, stat err = %v", err)
	}
}

func TestYAMLNestedKeys(t *testing.T) {
	b, _ := writeTempConfig(t, `ollama:
  chat_model: typhoon2
ingest:
  workers: 8
  poll_interval: 2s
retrieval:
  expand_query: false
rerank:
  threshold: 0.25
log:
  format: json
`)

	cfg, err := loadWith(b, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ollama.ChatModel != "typhoon2" {
		t.Errorf("ChatModel = %q", cfg.Ollama.ChatModel)
	}
	if cfg.Ingest.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Ingest.Workers)
	}
	if cfg.Ingest.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.Ingest.PollInterval)
	}
	if cfg.Retrieval.ExpandQuery {
		t.Error("ExpandQuery should be false")
	}
	if cfg.Rerank.Threshold != 0.25 {
		t.Errorf("Threshold = %v, want 0.25", cfg.Rerank.Threshold)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}
}

func TestEnvOverride(t *testing.T) {
	b, _ := writeTempConfig(t, "ingest:\n  workers: 8\n")
	t.Setenv("LEXRAG_INGEST_WORKERS", "2")
	t.Setenv("LEXRAG_RERANK_TIMEOUT", "3s")

	cfg, err := loadWith(b, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Ingest.Workers)
	}
	if cfg.Rerank.Timeout != 3*time.Second {
		t.Errorf("Rerank.Timeout = %v, want 3s", cfg.Rerank.Timeout)
	}
}

func TestDotenvDoesNotOverrideEnv(t *testing.T) {
	b, _ := writeTempConfig(t, "")
	cwd := t.TempDir()
	dotenv := "LEXRAG_RETRIEVAL_GRAPH_DEPTH=3\nLEXRAG_INGEST_MAX_ATTEMPTS=9\n"
	if err := os.WriteFile(filepath.Join(cwd, ".env"), []byte(dotenv), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEXRAG_INGEST_MAX_ATTEMPTS", "5")
	t.Cleanup(func() { os.Unsetenv("LEXRAG_RETRIEVAL_GRAPH_DEPTH") })

	cfg, err := loadWith(b, cwd)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retrieval.GraphDepth != 3 {
		t.Errorf("GraphDepth = %d, want 3 from .env", cfg.Retrieval.GraphDepth)
	}
	if cfg.Ingest.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5 from the environment", cfg.Ingest.MaxAttempts)
	}
}

func TestUnparseableValueKeepsDefault(t *testing.T) {
	b, _ := writeTempConfig(t, "ingest:\n  poll_interval: soon\n")

	cfg, err := loadWith(b, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want default", cfg.Ingest.PollInterval)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	b, _ := writeTempConfig(t, "log:\n  format: xml\ningest:\n  workers: 0\n")

	_, err := loadWith(b, t.TempDir())
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log.format", "ingest.workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestSetKey(t *testing.T) {
	b, _ := writeTempConfig(t, "")

	if err := setKey(b, "ingest.workers", "6"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(b, "rerank.timeout", "5s"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(b, "ingest.workers", "many"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKey(b, "server.api_token", "x"); err == nil {
		t.Error("expected error when setting a secret")
	}
	if err := setKey(b, "nope.key", "1"); err == nil {
		t.Error("expected error for unknown key")
	}

	reloaded := newFileBackend(b.path)
	cfg, err := loadWith(reloaded, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingest.Workers != 6 {
		t.Errorf("Workers = %d, want 6", cfg.Ingest.Workers)
	}
	if cfg.Rerank.Timeout != 5*time.Second {
		t.Errorf("Rerank.Timeout = %v, want 5s", cfg.Rerank.Timeout)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "hidden"
	for _, k := range ShowAll(cfg) {
		if k.Key == "server.api_token" || k.Value == "hidden" {
			t.Fatalf("secret leaked: %+v", k)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Errorf("ShowAll and ValidKeys disagree")
	}
}
