package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/enrolgate/internal/api"
	"github.com/alecgard/enrolgate/internal/auth"
	"github.com/alecgard/enrolgate/internal/config"
	"github.com/alecgard/enrolgate/internal/db"
	"github.com/alecgard/enrolgate/internal/metrics"
	"github.com/alecgard/enrolgate/internal/ratelimit"
	"github.com/alecgard/enrolgate/internal/user"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enrolgate HTTP server and expiry sweep",
	RunE:  runServe,
}

var serveNoSweep bool

func init() {
	serveCmd.Flags().BoolVar(&serveNoSweep, "no-sweep", false, "do not run the scheduled expiry sweep in this process")
	rootCmd.AddCommand(serveCmd)
}

// housekeepingInterval is how often idle rate-limit buckets and expired
// sessions are cleared.
const housekeepingInterval = 10 * time.Minute

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Auth.FormSecret == "" {
		slog.Warn("auth.form_secret is empty, form tokens will not survive a restart")
	}
	formTokens, err := auth.NewFormTokens(cfg.Auth.FormSecret, cfg.Auth.FormTokenTTL)
	if err != nil {
		return err
	}

	m := metrics.New()
	m.RegisterDBPoolCollector(db.PoolStats(a.pool))
	m.RegisterSeatCollector(func(ctx context.Context) (int, int, error) {
		n, err := a.svc.CountActive(ctx, "")
		return n, cfg.Membership.SeatCap, err
	})
	a.svc.SetMetrics(m)
	a.dispatcher.SetMetrics(m)

	go a.dispatcher.Start(ctx)

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	worker := a.sweepWorker()
	if !serveNoSweep {
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("sweep worker stopped", "error", err)
			}
		}()
	}
	go housekeeping(ctx, limiter, a.users)

	router := api.NewRouter(api.RouterDeps{
		Membership:     a.svc,
		Sessions:       a.users,
		SessionLookup:  user.NewAuthAdapter(a.users),
		FormTokens:     formTokens,
		Sweeper:        worker,
		Limiter:        limiter,
		Metrics:        m,
		DB:             a.store,
		Redirects:      cfg.Redirects,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-sigCh:
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("server error", "error", err)
		cancel()
		a.dispatcher.Stop()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	cancel()
	a.dispatcher.Stop()
	return err
}

// housekeeping prunes refilled rate-limit buckets and expired sessions until
// ctx is cancelled.
func housekeeping(ctx context.Context, limiter *ratelimit.Limiter, users *user.Store) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := limiter.Prune()
			n, err := users.CleanExpiredSessions(ctx)
			if err != nil {
				slog.Warn("cleaning expired sessions", "error", err)
			}
			slog.Debug("housekeeping", "buckets_pruned", pruned, "sessions_removed", n)
		}
	}
}
