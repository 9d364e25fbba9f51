package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amelia-dev/amelia/internal/agent"
	"github.com/amelia-dev/amelia/internal/bus"
	"github.com/amelia-dev/amelia/internal/engine"
	"github.com/amelia-dev/amelia/internal/lifecycle"
	"github.com/amelia-dev/amelia/internal/log"
	"github.com/amelia-dev/amelia/internal/profile"
	"github.com/amelia-dev/amelia/internal/retention"
	"github.com/amelia-dev/amelia/internal/server"
	"github.com/amelia-dev/amelia/internal/store"
	"github.com/amelia-dev/amelia/internal/tracing"

	// Register agent backends.
	_ "github.com/amelia-dev/amelia/internal/agent/providers/loopback"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration server",
	Long: `Run the orchestration server: REST API, WebSocket event stream,
and the workflow engine. Workflows interrupted by a previous shutdown
are recovered on start.

Example:
  amelia serve
  amelia serve --config /etc/amelia/config.yaml
  AMELIA_PORT=9000 amelia serve`,
	RunE: runServe,
}

var debugFlag bool

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

func runServe(_ *cobra.Command, _ []string) error {
	log.InitWriter(os.Stderr)
	if debugFlag || os.Getenv("AMELIA_DEBUG") != "" {
		log.SetMinLevel(log.LevelDebug)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log.Info(log.CatConfig, "amelia starting",
		"addr", cfg.ListenAddr(), "database", cfg.DatabasePath, "provider", cfg.DriverProvider)

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	db, err := store.NewDB(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	st := store.NewStore(db, cfg.MaxConcurrent)

	eventBus := bus.New()
	defer eventBus.Close()
	st.SetPublisher(eventBus)

	profiles, err := profile.NewRegistry(cfg.ProfilesPath)
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	profileWatcher, err := profile.Watch(profiles)
	if err != nil {
		return fmt.Errorf("watching profiles: %w", err)
	}

	backend, err := agent.NewProvider(cfg.DriverProvider)
	if err != nil {
		return err
	}

	pipeline := &engine.Pipeline{
		Planner:  agent.NewPlanner(backend.Driver),
		Executor: agent.NewExecutor(backend.Driver),
		Reviewer: agent.NewReviewer(backend.Driver),
		Tracker:  agent.NewCachingTracker(backend.Tracker),
		Profiles: profiles,
		Config: engine.PipelineConfig{
			MaxReviewIterations:     cfg.MaxReviewIterations,
			MaxTaskReviewIterations: cfg.MaxTaskReviewIterations,
		},
	}

	svc, err := lifecycle.NewService(lifecycle.Options{
		Store:    st,
		Pipeline: pipeline,
		Profiles: profiles,
		Tracer:   tracer.Tracer(),
		Retry: engine.RetryPolicy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
		},
		StartTimeout: cfg.WorkflowStartTimeout(),
	})
	if err != nil {
		return fmt.Errorf("creating lifecycle service: %w", err)
	}

	if err := svc.Recover(context.Background()); err != nil {
		return fmt.Errorf("recovering workflows: %w", err)
	}

	retainer := retention.New(st, cfg.LogRetentionDays, cfg.LogRetentionMaxEvents)
	retainer.Start()

	// Readiness flips off first on shutdown so load balancers drain
	// before in-flight workflows are interrupted.
	var accepting atomic.Bool
	accepting.Store(true)
	handler := server.NewHandler(server.HandlerOptions{
		Store:                st,
		Lifecycle:            svc,
		Bus:                  eventBus,
		Tracer:               tracer.Tracer(),
		WebsocketIdleTimeout: cfg.WebsocketIdleTimeout(),
		Ready:                accepting.Load,
	})
	srv := server.New(cfg.ListenAddr(), handler.Router())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("amelia listening on %s\n", cfg.ListenAddr())

	select {
	case sig := <-sigCh:
		log.Info(log.CatConfig, "shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	accepting.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop taking new requests, then drain runners, then flush the rest.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatHTTP, "error stopping HTTP server", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatLifecycle, "error draining workflows", err)
	}
	retainer.Stop(shutdownCtx)
	if profileWatcher != nil {
		_ = profileWatcher.Stop()
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "error shutting down tracing", err)
	}

	log.Info(log.CatConfig, "amelia stopped")
	return nil
}
