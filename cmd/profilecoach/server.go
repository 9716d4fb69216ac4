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

	"github.com/kalambet/profilecoach/internal/api"
	"github.com/kalambet/profilecoach/internal/coach"
	"github.com/kalambet/profilecoach/internal/composer"
	"github.com/kalambet/profilecoach/internal/config"
	"github.com/kalambet/profilecoach/internal/ingest"
	"github.com/kalambet/profilecoach/internal/profile"
	"github.com/kalambet/profilecoach/internal/proxy"
	"github.com/kalambet/profilecoach/internal/storage"
)

const (
	shutdownTimeout = 5 * time.Second
	ingestPoll      = 500 * time.Millisecond
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the profilecoach server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running profilecoach server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show profilecoach status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runMCP(ctx)
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "profilecoach.pid")
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

// parseLevel maps the log.level setting to a slog level, defaulting to info.
func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// setupLogging installs a text handler on stderr. stdout stays free for
// command output and the MCP stdio transport.
func setupLogging(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})))
}

func healthURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", port)
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	slog.Info("starting profilecoach", "version", version)

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL(cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	profiles := profile.NewManager(store)
	proxyClient := proxy.NewClient(cfg.Proxy.OpenRouterAPIKey)
	hub := coach.NewHub(coach.Config{
		Chat:         proxyClient,
		Profile:      profiles,
		Composer:     composer.New(cfg.Proxy.DefaultModel, cfg.Coach.FootprintTokens, cfg.Coach.HistoryTurns),
		Turns:        store,
		Footprint:    store,
		MaxTurnBytes: cfg.Coach.MaxTurnChars,
		IdleTimeout:  cfg.Coach.StreamIdleTimeout,
		Logger:       slog.Default().With("component", "coach"),
	})

	handler := api.NewHandler(api.Deps{
		Store:   store,
		Profile: profiles,
		Coach:   hub,
		Models:  proxyClient,
		Token:   apiToken,
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
		ingest.NewWorker(store, ingestPoll).Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("listening", "addr", addr, "model", cfg.Proxy.DefaultModel)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMCP(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Footprint: store,
		Profile:   profile.NewManager(store),
	})
	slog.Info("MCP server started (stdio transport)")

	// Footprint queued here is extracted by the HTTP server's worker.
	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("profilecoach is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop profilecoach (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to profilecoach (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	running := false
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(healthURL(cfg.Server.Port))
	if err != nil {
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

	if cfg.Proxy.OpenRouterAPIKey == "" {
		printStatus("OpenRouter key", "missing")
	} else {
		printStatus("OpenRouter key", "set")
	}
	printStatus("Model", "%s", cfg.Proxy.DefaultModel)

	if running {
		if c, err := newAPIClient(); err == nil {
			var docs []struct {
				Status string `json:"status"`
			}
			if c.getJSON(ctx, "/footprint?limit=100", &docs) == nil {
				printStatus("Footprint docs", "%s", countLabel(len(docs), 100))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return strconv.Itoa(count)
}
