package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
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
	_ "modernc.org/sqlite"

	"github.com/ojeda/avisod/internal/api"
	"github.com/ojeda/avisod/internal/config"
	"github.com/ojeda/avisod/internal/downstream"
	"github.com/ojeda/avisod/internal/reconcile"
	"github.com/ojeda/avisod/internal/source"
	"github.com/ojeda/avisod/internal/staging"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the avisod server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running avisod server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show avisod system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a single reconciliation pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "avisod.pid")
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

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// buildReconciler wires portal, resolver and staging store into a
// ready Reconciler. The returned cleanup closes both databases.
func buildReconciler(cfg config.Config) (*reconcile.Reconciler, *staging.Store, *sql.DB, func(), error) {
	store, err := staging.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("opening staging store: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Downstream.DBPath)
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, fmt.Errorf("opening back-office db: %w", err)
	}
	db.SetMaxOpenConns(1)

	cleanup := func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing back-office db: %v\n", err)
		}
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing staging store: %v\n", err)
		}
	}

	portal, err := source.NewPortal(source.PortalConfig{
		BaseURL: cfg.Portal.BaseURL,
		User:    cfg.Portal.User,
		Pass:    cfg.Portal.Pass,
		Timeout: time.Duration(cfg.Portal.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, fmt.Errorf("creating portal client: %w", err)
	}

	resolver := downstream.NewResolver(db, downstream.DefaultStores(), cfg.Downstream.BatchSize)
	rec := reconcile.New(portal, resolver, store, cfg.Portal.Provider)
	return rec, store, db, cleanup, nil
}

func runOnce() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	rec, _, _, cleanup, err := buildReconciler(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := rec.Run(ctx)
	if err != nil {
		return err
	}

	printStatus("Run", "%s (%s)", sum.RunID, sum.Status)
	printStatus("Snapshot", "%d", sum.Snapshot)
	printStatus("Created", "%d", sum.Created)
	printStatus("Updated", "%d", sum.Updated)
	printStatus("Archived", "%d", sum.Archived)
	printStatus("Blocked", "%d", sum.Blocked)
	printStatus("Missing", "%d", sum.Missing)
	printStatus("Skipped", "%d", sum.Skipped)
	printStatus("Unchanged", "%d", sum.Unchanged)
	if sum.Errors > 0 {
		printWarning("%d identifier-scoped errors, see log", sum.Errors)
	}
	return nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "avisod version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to double-start: probe the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("avisod is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("avisod is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec, store, db, cleanup, err := buildReconciler(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	promoter := downstream.NewPromoter(store, db, downstream.DefaultStores()[0])

	handler := api.NewAdminHandler(api.AdminDeps{
		Store:    store,
		Promoter: promoter,
		Token:    apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Periodic reconciliation in its own goroutine; one pass at a time.
	runner := reconcile.NewRunner(rec, time.Duration(cfg.Reconcile.IntervalMinutes)*time.Minute)
	go runner.Run(ctx)

	// MCP server on stdio transport.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Promoter: promoter,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "avisod listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

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
		printError("avisod is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop avisod (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to avisod (PID %d)", pid)
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

	printStatus("Portal", "%s", cfg.Portal.BaseURL)
	printStatus("Provider", "%s", cfg.Portal.Provider)
	printStatus("Interval", "%dm", cfg.Reconcile.IntervalMinutes)

	// Show queue depth and last run if the server is up.
	apiToken, tokenErr := config.GetAPIToken(cfg.Storage.DataDir)
	if tokenErr == nil && resp != nil && resp.StatusCode == 200 {
		recResp, err := apiGet(client, serverURL+"/records?limit=500", apiToken)
		if err == nil {
			var records []json.RawMessage
			if json.NewDecoder(recResp.Body).Decode(&records) == nil {
				printStatus("Pending records", "%s", countLabel(len(records), 500))
			}
			recResp.Body.Close()
		}
		runsResp, err2 := apiGet(client, serverURL+"/runs?limit=1", apiToken)
		if err2 == nil {
			var runs []struct {
				FinishedAt time.Time
				Status     string
			}
			if json.NewDecoder(runsResp.Body).Decode(&runs) == nil && len(runs) > 0 {
				printStatus("Last run", "%s at %s", runs[0].Status, runs[0].FinishedAt.Format(time.RFC3339))
			}
			runsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
