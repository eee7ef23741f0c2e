// Command memoryd is the composition root for the job orchestration core:
// it wires the TaskQueue Repository, Event Bus, Worker Hub, Federation
// Handler, Hub Registry, Task Dispatcher, and Task Service together and
// serves the worker and hub websocket endpoints until a shutdown signal
// arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/memoryd/memoryd/internal/bus"
	"github.com/memoryd/memoryd/internal/config"
	"github.com/memoryd/memoryd/internal/cron"
	"github.com/memoryd/memoryd/internal/dispatcher"
	"github.com/memoryd/memoryd/internal/federation"
	"github.com/memoryd/memoryd/internal/hub"
	"github.com/memoryd/memoryd/internal/hubregistry"
	otelPkg "github.com/memoryd/memoryd/internal/otel"
	"github.com/memoryd/memoryd/internal/queue"
	"github.com/memoryd/memoryd/internal/taskservice"
	"github.com/memoryd/memoryd/internal/telemetry"
	"github.com/memoryd/memoryd/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Start the orchestration core (hub, federation, dispatcher)

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MEMORYD_HOME                     Data directory (default: ~/.memoryd)
  MEMORYD_HUB_BIND_ADDR            Worker Hub listen address
  MEMORYD_FEDERATION_BIND_ADDR     Federation Handler listen address
  MEMORYD_AUTH_TOKEN               Worker Hub auth token
  MEMORYD_FEDERATION_AUTH_TOKEN    Federation Handler auth token
  MEMORYD_MAX_QUEUE_DEPTH          Backpressure cap override
  MEMORYD_TASK_TIMEOUT_MS          Processing-timeout override
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	otelMetrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	eventBus := bus.NewWithLogger(logger)

	dbPath := filepath.Join(cfg.HomeDir, "memoryd.db")
	store, err := queue.Open(dbPath, eventBus, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "path", dbPath)

	registry, err := hubregistry.Open(store.DB())
	if err != nil {
		fatalStartup(logger, "E_HUB_REGISTRY_OPEN", err)
	}

	// The Worker Hub and Federation Handler both report task lifecycle
	// events to the Task Dispatcher, but the Dispatcher also needs both of
	// them (as LocalTransport/FederatedTransport) to send assignments.
	// sinkProxy breaks the construction cycle: the hub and handler are
	// built against the proxy, and the proxy's dispatcher pointer is filled
	// in once the dispatcher itself is constructed from them.
	sink := &sinkProxy{}

	workerHub := hub.New(hub.Config{
		AuthToken:           cfg.AuthToken,
		AllowOrigins:        cfg.AllowOrigins,
		AuthTimeout:         time.Duration(cfg.AuthTimeoutSeconds) * time.Second,
		HeartbeatInterval:   time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		Bus:                 eventBus,
		Sink:                sink,
		Logger:              logger,
		Tracer:              otelProvider.Tracer,
		Metrics:             otelMetrics,
	})

	federationHandler := federation.New(federation.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AuthToken:        cfg.FederationAuthToken,
		AuthTimeout:      time.Duration(cfg.AuthTimeoutSeconds) * time.Second,
		HealthInterval:   time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second,
		MaxMissedReports: cfg.MaxMissedHeartbeats,
		Registry:         registry,
		Bus:              eventBus,
		Sink:             sink,
		Logger:           logger,
		Tracer:           otelProvider.Tracer,
		Metrics:          otelMetrics,
	})

	taskDispatcher := dispatcher.New(dispatcher.Config{
		Queue:         store,
		Registry:      registry,
		Local:         workerHub,
		Federated:     federationHandler,
		TickEvery:     time.Duration(cfg.DispatchIntervalMs) * time.Millisecond,
		TaskTimeoutMs: int64(cfg.TaskTimeoutMs),
		Logger:        logger,
		Tracer:        otelProvider.Tracer,
		Metrics:       otelMetrics,
	})
	sink.set(taskDispatcher)
	taskDispatcher.Start(ctx)
	defer taskDispatcher.Stop()
	logger.Info("startup phase", "phase", "dispatcher_started")

	// The Task Service is the typed public API hook-client collaborators
	// enqueue work through. Its ObservationReader/SessionReader/SummaryReader
	// collaborators live outside this core; until that layer exists, the
	// no-op readers below keep the service constructible and exercised by
	// its own test suite without pulling in out-of-scope persistence.
	taskSvc, err := taskservice.New(taskservice.Config{
		Queue:           store,
		Capabilities:    cfg.Capabilities,
		MaxPendingTasks: cfg.MaxQueueDepth,
		Observations:    noopObservationReader{},
		Sessions:        noopSessionReader{},
		Summaries:       noopSummaryReader{},
		Logger:          logger,
	})
	if err != nil {
		fatalStartup(logger, "E_TASK_SERVICE_INIT", err)
	}
	_ = taskSvc // held for the lifetime of the process; no in-repo caller yet (HTTP route layer is out of scope)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(ctx, confWatcher, logger)

	cleanupSched := cron.NewScheduler(cron.Config{
		Logger:   logger,
		CronExpr: cfg.CleanupCronExpr,
		Fire: func(fireCtx context.Context, _ time.Time) {
			n, err := store.Cleanup(fireCtx, cfg.CleanupOlderThanMs)
			if err != nil {
				logger.Error("cleanup sweep failed", "error", err)
				return
			}
			if n > 0 {
				logger.Info("cleanup sweep completed", "purged", n)
			}
		},
	})
	cleanupSched.Start(ctx)
	defer cleanupSched.Stop()

	hubServer, hubErrCh := serveListener(ctx, logger, "hub", cfg.HubBindAddr, workerHub.Handler())
	defer shutdownServer(hubServer)

	fedServer, fedErrCh := serveListener(ctx, logger, "federation", cfg.FederationBindAddr, federationHandler.HTTPHandler())
	defer shutdownServer(fedServer)

	logger.Info("startup phase", "phase", "ready",
		"hub_bind_addr", cfg.HubBindAddr, "federation_bind_addr", cfg.FederationBindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-hubErrCh:
		logger.Error("worker hub server error", "error", err)
	case err := <-fedErrCh:
		logger.Error("federation handler server error", "error", err)
	}

	workerHub.Shutdown()
	federationHandler.Shutdown()
	logger.Info("shutdown complete")
}

// sinkProxy implements both hub.TaskEventsSink and federation.TaskEventsSink
// by forwarding to a *dispatcher.Dispatcher set after all three are
// constructed, letting the hub and federation handler be built before the
// dispatcher that depends on them exists.
type sinkProxy struct {
	mu sync.RWMutex
	d  *dispatcher.Dispatcher
}

func (p *sinkProxy) set(d *dispatcher.Dispatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.d = d
}

func (p *sinkProxy) get() *dispatcher.Dispatcher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.d
}

func (p *sinkProxy) OnWorkerConnected(w *worker.Worker) {
	if d := p.get(); d != nil {
		d.OnWorkerConnected(w)
	}
}

func (p *sinkProxy) OnWorkerDisconnected(workerID string) {
	if d := p.get(); d != nil {
		d.OnWorkerDisconnected(workerID)
	}
}

func (p *sinkProxy) OnTaskComplete(sourceID, taskID, result string, processingTimeMs int64) {
	if d := p.get(); d != nil {
		d.OnTaskComplete(sourceID, taskID, result, processingTimeMs)
	}
}

func (p *sinkProxy) OnTaskError(sourceID, taskID, errMsg string, retryable bool) {
	if d := p.get(); d != nil {
		d.OnTaskError(sourceID, taskID, errMsg, retryable)
	}
}

func (p *sinkProxy) OnTaskProgress(sourceID, taskID string, progress float64, message string) {
	if d := p.get(); d != nil {
		d.OnTaskProgress(sourceID, taskID, progress, message)
	}
}

// noopObservationReader, noopSessionReader, and noopSummaryReader satisfy
// the Task Service's narrow prefetch collaborators with empty results. The
// real observation/session/summary store lives outside this core's scope.
type noopObservationReader struct{}

func (noopObservationReader) ListByProject(ctx context.Context, project, cwdPrefix string, limit int) ([]taskservice.Observation, error) {
	return nil, nil
}

func (noopObservationReader) ListByIDs(ctx context.Context, ids []string) ([]taskservice.Observation, error) {
	return nil, nil
}

type noopSessionReader struct{}

func (noopSessionReader) UserPrompt(ctx context.Context, sessionID string) (string, error) {
	return "", nil
}

type noopSummaryReader struct{}

func (noopSummaryReader) ListRecent(ctx context.Context, project string, limit int) ([]taskservice.Summary, error) {
	return nil, nil
}

func watchConfig(ctx context.Context, w *config.Watcher, logger *slog.Logger) {
	for ev := range w.Events() {
		logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
		if filepath.Base(ev.Path) != "config.yaml" {
			continue
		}
		if _, err := config.Load(); err != nil {
			logger.Error("config.yaml reload failed", "error", err)
			continue
		}
		logger.Info("config.yaml hot-reloaded")
	}
}

// serveListener binds addr and serves handler in the background, returning
// the server (for graceful shutdown) and a channel that receives a fatal
// Serve error, if any.
func serveListener(ctx context.Context, logger *slog.Logger, name, addr string, handler http.Handler) (*http.Server, <-chan error) {
	server := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%s: %w", name, err))
	}
	logger.Info(name+" listening", "addr", addr)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return server, errCh
}

func shutdownServer(server *http.Server) {
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}
