package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/lexrag/internal/api"
	"github.com/kalambet/lexrag/internal/config"
	"github.com/kalambet/lexrag/internal/engine"
	"github.com/kalambet/lexrag/internal/source"
)

const ledgerGCInterval = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion workers and the HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		skipModelCheck, _ := cmd.Flags().GetBool("skip-model-check")
		return runServer(cmd.Context(), serveOptions{watch: watch, mcpStdio: mcpStdio, skipModelCheck: skipModelCheck})
	},
}

func init() {
	serveCmd.Flags().Bool("watch", false, "ingest files dropped into collection directories")
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools on stdin/stdout (overrides server.mcp_stdio)")
	serveCmd.Flags().Bool("skip-model-check", false, "start without checking that the model server has the configured models")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lexrag server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lexrag system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

type serveOptions struct {
	watch          bool
	mcpStdio       bool
	skipModelCheck bool
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lexrag.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(ctx context.Context, opts serveOptions) error {
	fmt.Fprintf(os.Stderr, "lexrag version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("lexrag is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("lexrag is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if !opts.skipModelCheck {
		if err := engine.EnsureReady(ctx, a.engine, os.Stderr, a.models()...); err != nil {
			return err
		}
	}

	handler := api.NewAppHandler(api.AppDeps{
		Ingest:   a.ingest,
		Retrieve: a.retriever,
		Concepts: a.resolver,
		Ledger:   a.ledger,
		Repair:   a.indexer,
		Stats:    a.store,
		Token:    cfg.Server.APIToken,
		Gatherer: a.registry,
		Logger:   logger,
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.ingest.Run(gctx); err != nil {
			return fmt.Errorf("ingest workers stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.ledger.RunGC(gctx, ledgerGCInterval)
		return nil
	})

	if opts.watch {
		w := source.NewWatcher(a.sources, a.ingest.OnArrival, time.Second, logger)
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("collection watcher: %w", err)
			}
			return nil
		})
		logger.Info("watching collections", "dir", cfg.Storage.CollectionsDir)
	}

	if opts.mcpStdio || cfg.Server.MCPStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Ingest:   a.ingest,
			Retrieve: a.retriever,
			Concepts: a.resolver,
			Version:  version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "lexrag listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	<-gctx.Done()
	fmt.Fprintln(os.Stderr, "shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("lexrag is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lexrag (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lexrag (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)

	running := false
	if resp, err := client.Get(serverURL + "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if resp, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
		printStatus("Ollama", "not running")
	} else {
		resp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	if cfg.Rerank.Enabled {
		printStatus("Rerank model", "%s", cfg.Ollama.RerankModel)
	}

	if running {
		c := &apiClient{baseURL: serverURL, token: cfg.Server.APIToken, httpClient: client}
		if stats, err := fetchStats(ctx, c); err == nil {
			printCorpusStats(stats)
		} else {
			printWarning("could not read server stats: %v", err)
		}
	}

	printStatus("Collections", "%s", cfg.Storage.CollectionsDir)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config file", "%s", config.FilePath())
	return nil
}
