package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"threatflow/internal/actions"
	"threatflow/internal/config"
	"threatflow/internal/db"
	"threatflow/internal/logging"
	"threatflow/internal/metrics"
	"threatflow/internal/workflows"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

func main() {
	logging.Init("orchestrator", nil)
	if err := run(os.Args[1:]); err != nil {
		fatalf("orchestrator: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadConfig = config.LoadConfig
var newDB = db.NewDB
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	opts := client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace}
	return client.Dial(opts)
}

var temporalHealthClient client.Client
var setTemporalHealthClient = func(c client.Client) { temporalHealthClient = c }

type closeFunc func() error

func (c closeFunc) Close() error {
	return c()
}

var newWorker = func(cfg config.OrchestratorConfig) (worker.Worker, io.Closer, error) {
	c, err := newTemporalClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	setTemporalHealthClient(c)
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	return w, closeFunc(func() error { c.Close(); return nil }), nil
}
var runWorker = func(w worker.Worker) error { return w.Run(worker.InterruptCh()) }
var startWorker = func(registry *workflows.Registry, store workflows.ExecutionStore, cfg config.Config) error {
	if cfg.Orchestrator.TemporalAddr == "" {
		return errors.New("orchestrator.temporal_addr required")
	}
	w, closer, err := newWorker(cfg.Orchestrator)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	acts := &workflows.Activities{Registry: registry, Store: store}
	w.RegisterWorkflow(workflows.RemediationWorkflow)
	w.RegisterActivity(acts)
	slog.Info("orchestrator ready", "temporal_addr", cfg.Orchestrator.TemporalAddr, "task_queue", cfg.Orchestrator.TaskQueue)
	return runWorker(w)
}

func run(args []string) error {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("config required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		time.AfterFunc(30*time.Second, func() { os.Exit(1) })
	}()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	var database *db.DB
	var store workflows.ExecutionStore
	if cfg.Storage.PostgresDSN != "" {
		database, err = newDB(cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		defer database.Close()
		store = database
	}

	if cfg.Orchestrator.HealthAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			ok := true

			if database != nil {
				pctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				defer cancel()
				if err := database.Ping(pctx); err != nil {
					ok = false
				}
			}

			if temporalHealthClient != nil {
				tctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				defer cancel()
				if _, err := temporalHealthClient.CheckHealth(tctx, nil); err != nil {
					ok = false
				}
			} else if cfg.Orchestrator.TemporalAddr != "" {
				ok = false
			}

			if ok {
				_, _ = w.Write([]byte(`{"status":"ok"}`))
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		})

		healthSrv := &http.Server{Addr: cfg.Orchestrator.HealthAddr, Handler: mux}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = healthSrv.Shutdown(sctx)
		}()
	}

	registry := workflows.NewRegistry()
	if err := actions.Register(registry, actions.Options{
		NotifyWebhookURL: cfg.Notify.SlackWebhookURL,
		NotifyChannel:    cfg.Notify.DefaultChannel,
	}); err != nil {
		return err
	}
	return startWorker(registry, store, cfg)
}
