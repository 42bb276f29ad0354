package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/vigil/internal/api"
	"github.com/hyperengineering/vigil/internal/changefeed"
	"github.com/hyperengineering/vigil/internal/config"
	"github.com/hyperengineering/vigil/internal/snapshot"
	"github.com/hyperengineering/vigil/internal/store"
	"github.com/hyperengineering/vigil/internal/telemetry"
	"github.com/hyperengineering/vigil/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "vigil",
	Short:        "Vigil - prayer inbox server and live feed tools",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vigil API server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Metrics and change feed hub
	reg := telemetry.NewRegistry()
	metrics := telemetry.NewServerMetrics(reg)
	hub := changefeed.NewHub(cfg.Server.FeedBuffer, metrics)

	// 5. Initialize store (migrations, WAL mode)
	hostname, _ := os.Hostname()
	db, err := store.NewSQLiteStore(cfg.Database.Path,
		store.WithSourceID(hostname),
		store.WithChangeNotifier(hub.Publish),
	)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 6. Snapshot uploader
	uploader, err := snapshot.NewUploader(cfg.SnapshotStorage)
	if err != nil {
		db.Close()
		return fmt.Errorf("snapshot uploader: %w", err)
	}

	// 7. Initialize HTTP router
	handler := api.NewHandler(db, hub, metrics, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler, telemetry.Handler(reg), cfg.DevMode)
	slog.Info("router initialized", "dev_mode", cfg.DevMode)

	// 8. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 9. Workers
	g, gctx := errgroup.WithContext(ctx)
	snapshots := worker.NewSnapshotCoordinator(db,
		time.Duration(cfg.Worker.SnapshotInterval), uploader, snapshot.DefaultNamespace)
	compaction := worker.NewCompactionCoordinator(db, cfg.Worker.AuditDir,
		time.Duration(cfg.Worker.CompactionInterval), time.Duration(cfg.Worker.CompactionRetention))
	startWorker(gctx, g, "snapshot", snapshots.Run)
	startWorker(gctx, g, "compaction", compaction.Run)

	// 10. Start HTTP server
	g.Go(func() error {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// 11. Block until signal received or the server fails
	<-gctx.Done()
	slog.Info("shutdown initiated")

	// 12. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 12a. Close live feeds so websocket handlers return, then drain HTTP
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 12b. Wait for workers and the server goroutine
	runErr := g.Wait()
	if runErr != nil {
		slog.Error("server error", "error", runErr)
	}

	// 12c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return runErr
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker in g. The worker stops when ctx
// is cancelled; it never fails the group.
func startWorker(ctx context.Context, g *errgroup.Group, name string, fn func(ctx context.Context)) {
	g.Go(func() error {
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
		return nil
	})
}
