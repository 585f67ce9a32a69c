package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"threatflow/internal/actions"
	"threatflow/internal/audit"
	"threatflow/internal/config"
	"threatflow/internal/correlation"
	"threatflow/internal/db"
	"threatflow/internal/defs"
	"threatflow/internal/events"
	"threatflow/internal/logging"
	"threatflow/internal/metrics"
	"threatflow/internal/triage"
	"threatflow/internal/web"
	"threatflow/internal/workflows"
	"go.temporal.io/sdk/client"
)

func main() {
	logging.Init("gateway", nil)
	if err := run(os.Args[1:], serveHTTP); err != nil {
		fatalf("gateway: %v", err)
	}
}

var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }
var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var newDB = db.NewDB
var newServer = web.NewServer
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	opts := client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace}
	return client.Dial(opts)
}

var startScheduler = func(ctx context.Context, wg *sync.WaitGroup, gt *web.GoroutineTracker, s *web.Scheduler) {
	if s == nil {
		return
	}
	if gt == nil {
		gt = web.NewGoroutineTracker()
	}
	gt.Go(ctx, wg, "scheduler", func(ctx context.Context) error { return s.Run(ctx) })
}

func run(args []string, serve func(*http.Server) error) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	addr := ":8080"
	var cfg config.Config
	var database *db.DB
	var temporalClient client.Client
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if cfg.Server.HTTPAddr != "" {
			addr = cfg.Server.HTTPAddr
		}
		if cfg.Storage.PostgresDSN != "" {
			database, err = newDB(cfg.Storage.PostgresDSN)
			if err != nil {
				return err
			}
			defer database.Close()
		}
		if cfg.Orchestrator.TemporalAddr != "" {
			tc, err := newTemporalClient(cfg.Orchestrator)
			if err != nil {
				slog.Warn("temporal client connection failed, durable runs disabled", "error", err)
			} else if tc != nil {
				temporalClient = tc
				defer temporalClient.Close()
			}
		}
	}

	bus := events.NewBus(cfg.Engine.EventBuffer)

	registry := workflows.NewRegistry()
	if err := actions.Register(registry, actions.Options{
		NotifyWebhookURL: cfg.Notify.SlackWebhookURL,
		NotifyChannel:    cfg.Notify.DefaultChannel,
	}); err != nil {
		return err
	}

	engine := workflows.NewEngine(registry)
	engine.Bus = bus
	if cfg.Engine.MaxConcurrentExecutions > 0 {
		engine.MaxConcurrent = cfg.Engine.MaxConcurrentExecutions
	}
	if cfg.Engine.DefaultActionTimeoutSecs > 0 {
		engine.DefaultActionTimeout = cfg.Engine.DefaultActionTimeout()
	}

	triageEngine := triage.NewEngine()
	triageEngine.Bus = bus
	triageEngine.Starter = engine
	if cfg.Triage.DuplicateWindowMins > 0 {
		triageEngine.DuplicateWindow = cfg.Triage.DuplicateWindow()
	}
	triageEngine.DedupeEnabled = cfg.Triage.DedupeEnabled()
	triageEngine.FalsePositiveCheck = cfg.Triage.FalsePositiveEnabled()
	if cfg.Triage.Thresholds != (config.Thresholds{}) {
		triageEngine.Thresholds = triage.Thresholds{
			Critical: cfg.Triage.Thresholds.Critical,
			High:     cfg.Triage.Thresholds.High,
			Medium:   cfg.Triage.Thresholds.Medium,
			Low:      cfg.Triage.Thresholds.Low,
		}
	}
	if cfg.Triage.BatchConcurrency > 0 {
		triageEngine.BatchConcurrency = cfg.Triage.BatchConcurrency
	}

	var correlator *correlation.Correlator
	if cfg.Correlation.Enabled {
		weights := correlation.DefaultWeights
		if cfg.Correlation.WindowHours > 0 {
			weights.Window = cfg.Correlation.Window()
		}
		correlator = correlation.NewCorrelator(cfg.Correlation.Threshold, weights)
		triageEngine.Observer = correlator
	}

	srv := newServer(triageEngine, engine)
	srv.Bus = bus
	srv.Correlator = correlator
	srv.Goroutines = web.NewGoroutineTracker()
	srv.TemporalHealth = func(ctx context.Context) error {
		if temporalClient == nil {
			return nil
		}
		_, err := temporalClient.CheckHealth(ctx, nil)
		return err
	}
	if cfg.Server.RateLimitRPS > 0 {
		srv.RateLimiter = web.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}

	var wg sync.WaitGroup

	if database != nil {
		srv.Archive = database
		srv.Audit = &audit.Trail{Sink: database}
		recorder := &db.Recorder{DB: database, Bus: bus}
		srv.Goroutines.Go(ctx, &wg, "recorder", func(ctx context.Context) error {
			recorder.Run(ctx)
			return nil
		})
	}
	if temporalClient != nil {
		srv.Durable = &workflows.TemporalStarter{
			Client:    temporalClient,
			TaskQueue: cfg.Orchestrator.TaskQueue,
		}
	}

	if cfg.Definitions.Dir != "" {
		loader := &defs.Loader{Dir: cfg.Definitions.Dir, Workflows: engine, Triage: triageEngine}
		if err := loader.Load(); err != nil {
			slog.Warn("definition load incomplete", "error", err)
		}
		if cfg.Definitions.Watch {
			srv.Goroutines.Go(ctx, &wg, "defs-watcher", func(ctx context.Context) error { return loader.Watch(ctx) })
		}
	}

	if cfg.Scheduler.Enabled {
		scheduler := web.NewScheduler(engine)
		scheduler.PollInterval = cfg.Scheduler.PollInterval()
		startScheduler(ctx, &wg, srv.Goroutines, scheduler)
	}

	mainSrv := &http.Server{Addr: addr, Handler: metrics.Middleware(srv.Mux)}
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- serve(mainSrv)
	}()

	slog.Info("gateway listening", "addr", addr)
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	forceExit := time.AfterFunc(30*time.Second, func() { os.Exit(1) })
	defer forceExit.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = mainSrv.Shutdown(shutdownCtx)
	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Warn("engine shutdown incomplete", "error", err)
	}
	wg.Wait()
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	default:
		return nil
	}
}
