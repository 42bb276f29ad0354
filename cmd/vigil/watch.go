package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/vigil/internal/config"
	"github.com/hyperengineering/vigil/internal/connectivity"
	"github.com/hyperengineering/vigil/internal/feed"
	"github.com/hyperengineering/vigil/internal/telemetry"
	"github.com/hyperengineering/vigil/internal/types"
)

var watchFlags struct {
	user        string
	json        bool
	metricsAddr string
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a user's inbox live",
	Long: `Subscribes to a user's inbox through a feed coordinator and prints every
delivered list. SIGUSR1 forces an immediate refetch.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchFlags.user, "user", "", "user whose inbox to follow (required)")
	watchCmd.Flags().BoolVar(&watchFlags.json, "json", false, "print each delivery as a JSON line")
	watchCmd.Flags().StringVar(&watchFlags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	watchCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}
	opener, err := broadcastOpener(cfg.Broadcast)
	if err != nil {
		return err
	}

	reg := telemetry.NewRegistry()
	coord := feed.New(client, client,
		feed.WithOptions(feedOptions(cfg)),
		feed.WithOwnershipLoader(client),
		feed.WithBroadcast(opener),
		feed.WithLogger(logger),
		feed.WithMetrics(telemetry.NewFeedMetrics(reg)),
	)
	logger.Info("feed coordinator started",
		"component", "watch",
		"instance_id", coord.InstanceID(),
		"user", watchFlags.user,
	)

	monitor := connectivity.NewMonitor(connectivity.PingerFunc(client.Ping),
		time.Duration(cfg.Connectivity.Interval), time.Duration(cfg.Connectivity.Timeout))
	monitor.OnChange(coord.SetNetworkOnline)

	printer := &inboxPrinter{w: cmd.OutOrStdout(), subject: watchFlags.user, json: watchFlags.json}
	cancelSub, err := coord.Subscribe(watchFlags.user, printer.print, func(err error) {
		logger.Warn("inbox refresh failed", "component", "watch", "user", watchFlags.user, "error", err)
	})
	if err != nil {
		coord.Shutdown()
		return err
	}
	defer cancelSub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		forceOnSignal(gctx, coord, watchFlags.user, logger)
		return nil
	})
	if watchFlags.metricsAddr != "" {
		srv := &http.Server{Addr: watchFlags.metricsAddr, Handler: telemetry.Handler(reg)}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	if err := coord.Shutdown(); err != nil {
		logger.Warn("coordinator shutdown", "component", "watch", "error", err)
	}
	return runErr
}

// forceOnSignal forces a refetch of subject on every SIGUSR1 until ctx ends.
func forceOnSignal(ctx context.Context, coord *feed.Coordinator, subject string, logger *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := coord.ForceRefresh(ctx, subject); err != nil {
				logger.Warn("forced refresh failed", "component", "watch", "user", subject, "error", err)
			}
		}
	}
}

// inboxPrinter writes deliveries to w. Callbacks may arrive from several
// goroutines, so writes are serialized.
type inboxPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	subject string
	json    bool
}

func (p *inboxPrinter) print(items []types.Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		json.NewEncoder(p.w).Encode(types.InboxResponse{UserID: p.subject, Items: items})
		return
	}

	fmt.Fprintf(p.w, "inbox %s: %d item(s)\n", p.subject, len(items))
	for _, e := range items {
		fmt.Fprintf(p.w, "  %s  %s%s\n", e.CreatedAt.Format(time.RFC3339), e.ID, describe(e))
	}
}

// describe renders the interesting fields of a response payload.
func describe(e types.Entity) string {
	var r types.PrayerResponse
	if len(e.Payload) == 0 || json.Unmarshal(e.Payload, &r) != nil || r.Kind == "" {
		return ""
	}
	if r.Message != "" {
		return fmt.Sprintf("  %s by %s: %s", r.Kind, r.AuthorID, r.Message)
	}
	return fmt.Sprintf("  %s by %s", r.Kind, r.AuthorID)
}
