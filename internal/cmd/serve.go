package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/api"
	"github.com/Richard1990h/KING-V3-sub001/internal/auth"
	"github.com/Richard1990h/KING-V3-sub001/internal/queue"
)

var (
	serveAddr     string
	shutdownGrace time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the job workers",
	Long: `Start the HTTP API together with the workers that run queued jobs.

With pipeline.queue_backend=asynq the workers consume an asynq queue, so
several serve processes can share the load.

Examples:
  forge serve
  forge serve --addr :9090
  PIPELINE_QUEUE_BACKEND=asynq REDIS_URL=redis://localhost:6379/0 forge serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default :<server.port>)")
	serveCmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 10*time.Second, "time allowed for in-flight requests on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	dispatcher, err := newDispatcher(a)
	if err != nil {
		return err
	}
	// a live pipeline run finishes within its timeout
	q := queue.New(a.jobs, a.orch, dispatcher, logger, queue.WithStaleAfter(settings.Pipeline.Timeout+time.Minute))
	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	if n, err := q.Recover(ctx); err != nil {
		logger.Error("recover interrupted jobs", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered interrupted jobs", zap.Int("count", n))
	}

	server := api.NewServer(api.Deps{
		Orchestrator: a.orch,
		Queue:        q,
		Events:       a.events,
		Ledger:       a.ledger,
		Limiter:      a.limiter,
		Sandbox:      a.sandbox,
		Tokens:       auth.NewJWTService(settings.Server.JWTSecret, "forge", 24*time.Hour),
		Identities:   a.identities,
		DB:           a.db,
		Settings:     settings,
		Logger:       logger,
	})

	addr := serveAddr
	if addr == "" {
		addr = ":" + settings.Server.Port
	}
	srv := &http.Server{
		Addr:        addr,
		Handler:     server.Router(),
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: event streams stay open for the life of a job
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", addr),
			zap.String("environment", settings.Server.Environment),
			zap.String("queue_backend", settings.Pipeline.QueueBackend),
			zap.String("sandbox_backend", settings.Sandbox.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = q.Stop(stopCtx)
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		// open event streams outlive the grace period
		logger.Warn("closing remaining connections", zap.Error(err))
		_ = srv.Close()
	}

	queueCtx, cancelQueue := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelQueue()
	if err := q.Stop(queueCtx); err != nil {
		return fmt.Errorf("stop workers: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// newDispatcher picks the in-process pool or the asynq queue
func newDispatcher(a *app) (queue.Dispatcher, error) {
	workers := settings.Pipeline.Workers
	switch settings.Pipeline.QueueBackend {
	case "", "memory":
		return queue.NewPool(a.orch, workers, workers*16, logger), nil
	case "asynq", "redis":
		if settings.Redis.URL == "" {
			return nil, errors.New("redis.url is required for the asynq queue backend")
		}
		return queue.NewAsynqDispatcher(settings.Redis.URL, workers, a.orch, logger)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", settings.Pipeline.QueueBackend)
	}
}
