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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/caseline/internal/api"
	"github.com/kalambet/caseline/internal/config"
	"github.com/kalambet/caseline/internal/coordinator"
	"github.com/kalambet/caseline/internal/ingest"
	"github.com/kalambet/caseline/internal/intel"
	"github.com/kalambet/caseline/internal/investigation"
	"github.com/kalambet/caseline/internal/observability"
	"github.com/kalambet/caseline/internal/polling"
	"github.com/kalambet/caseline/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the caseline server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running caseline server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show caseline system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "caseline.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "caseline version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure API token exists in platform secret store.
	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("caseline is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("caseline is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	svc := investigation.NewService(store)
	metrics := observability.New(prometheus.DefaultRegisterer)

	// Status cache with background expiry sweeper.
	cache := polling.NewStatusCache(cfg.CacheTTLDuration())
	go cache.Run(ctx)

	// External intelligence client; degrades to a MINIMAL signal when unreachable.
	intelClient := intel.NewClient(cfg.Intel.BaseURL, cfg.Intel.APIKey)

	// Domain analyzers from configuration: one remote analyzer per endpoint.
	endpoints, err := cfg.AnalyzerEndpoints()
	if err != nil {
		return fmt.Errorf("parsing analyzer endpoints: %w", err)
	}
	analyzers := make([]coordinator.Analyzer, 0, len(endpoints))
	for domain, baseURL := range endpoints {
		analyzers = append(analyzers, coordinator.NewRemoteAnalyzer(domain, baseURL, cfg.Coordinator.AnalyzerAPIKey))
		slog.Info("registered analyzer", "domain", domain, "url", baseURL)
	}
	if len(analyzers) == 0 {
		slog.Warn("no analyzers configured; investigations will complete on intel alone")
	}

	coord := coordinator.New(svc, intelClient, metrics, slog.Default(), coordinator.Config{
		MaxConcurrent:   cfg.Coordinator.MaxConcurrent,
		AnalyzerTimeout: cfg.AnalyzerTimeoutDuration(),
	}, analyzers...)

	appHandler := api.NewAppHandler(api.AppDeps{
		Service: svc,
		Store:   store,
		Cache:   cache,
		Metrics: metrics,
		Token:   apiToken,
		Runner:  coord,
		Logger:  slog.Default(),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Start evidence extraction worker.
	worker := ingest.NewWorker(store, svc, 500*time.Millisecond)
	go worker.Run(ctx)

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Service: svc,
		Store:   store,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine, capping concurrent connections.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "caseline listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("caseline is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop caseline (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to caseline (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Intel.BaseURL != "" {
		printStatus("Intel service", "%s", cfg.Intel.BaseURL)
	} else {
		printStatus("Intel service", "not configured (signals degrade to MINIMAL)")
	}

	if endpoints, err := cfg.AnalyzerEndpoints(); err != nil {
		printStatus("Analyzers", "misconfigured: %v", err)
	} else if len(endpoints) == 0 {
		printStatus("Analyzers", "none configured")
	} else {
		for domain, baseURL := range endpoints {
			printStatus("Analyzer "+domain, "%s", baseURL)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
