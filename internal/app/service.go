package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"alertflow/internal/api"
	"alertflow/internal/clock"
	"alertflow/internal/config"
	"alertflow/internal/escalation"
	"alertflow/internal/ingest"
	"alertflow/internal/lifecycle"
	"alertflow/internal/logging"
	"alertflow/internal/maintenance"
	"alertflow/internal/metrics"
	"alertflow/internal/notify"
	"alertflow/internal/notifyqueue"
	"alertflow/internal/realtime"
	"alertflow/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable alerting engine.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func()
	store      *state.GormStore
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	notifier   *realtime.Notifier
	hub        *realtime.Hub
	controller *lifecycle.Controller
	processor  *Processor
	httpSrv    *http.Server
	natsSub    interface{ Close() error }
	dispatcher *notifyqueue.Dispatcher
	producer   notifyqueue.Producer
	worker     interface{ Close() error }
	readyFlag  atomic.Bool
	clock      clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(ctx context.Context, source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	return NewServiceFromConfig(ctx, cfg, clk)
}

// NewServiceFromConfig builds service instance from an already loaded snapshot.
func NewServiceFromConfig(ctx context.Context, cfg config.Config, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
		registry: prometheus.NewRegistry(),
	}
	service.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	service.metrics = metrics.New(service.registry)

	steps := []func(context.Context) error{
		service.buildStore,
		service.seedStore,
		service.buildRealtime,
		service.buildPipeline,
		service.buildDispatch,
		service.buildHTTPServer,
		service.buildNATSSubscriber,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	return service, nil
}

// Processor exposes the batch processor for embedding and tests.
func (s *Service) Processor() *Processor {
	return s.processor
}

// Handler exposes the HTTP router.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var background sync.WaitGroup
	if s.dispatcher != nil {
		interval := time.Duration(s.cfg.Dispatch.IntervalSec) * time.Second
		background.Add(1)
		go func() {
			defer background.Done()
			s.logger.Info("notification dispatcher starting", "interval", interval.String(), "subject", s.cfg.Dispatch.Subject)
			if err := s.dispatcher.Run(runCtx, interval); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("notification dispatcher stopped", "error", err.Error())
			}
		}()
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errChan:
		runErr = fmt.Errorf("http server failed: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}

	cancel()
	background.Wait()
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Ready reports whether the service accepts traffic and the store answers.
func (s *Service) Ready(ctx context.Context) error {
	if !s.readyFlag.Load() {
		return errors.New("not ready")
	}
	return s.store.Ping(ctx)
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.Service.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(name string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(name+" close failed", "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s close: %w", name, err)
		}
	}

	markErr("http server", s.httpSrv.Shutdown(ctx))
	if s.natsSub != nil {
		markErr("nats subscriber", s.natsSub.Close())
	}
	if s.worker != nil {
		markErr("delivery worker", s.worker.Close())
	}
	if s.producer != nil {
		markErr("dispatch producer", s.producer.Close())
	}
	markErr("realtime notifier", s.notifier.Close())
	markErr("store", s.store.Close())
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.worker != nil {
		_ = s.worker.Close()
		s.worker = nil
	}
	if s.producer != nil {
		_ = s.producer.Close()
		s.producer = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.notifier != nil {
		_ = s.notifier.Close()
		s.notifier = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

func (s *Service) buildStore(context.Context) error {
	store, err := state.NewGormStore(s.cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = store
	return nil
}

// seedStore upserts rules, policies, and maintenance windows from config.
// Policies go first so rules can reference them.
func (s *Service) seedStore(ctx context.Context) error {
	for _, policyCfg := range s.cfg.Policy {
		policy, err := policyCfg.ToDomain()
		if err != nil {
			return fmt.Errorf("policy %q: %w", policyCfg.ID, err)
		}
		if err := s.store.UpsertPolicy(ctx, policy); err != nil {
			return fmt.Errorf("seed policy %q: %w", policyCfg.ID, err)
		}
	}
	for _, ruleCfg := range s.cfg.Rule {
		rule, err := ruleCfg.ToDomain()
		if err != nil {
			return fmt.Errorf("rule %q: %w", ruleCfg.ID, err)
		}
		if err := s.store.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %q: %w", ruleCfg.ID, err)
		}
	}
	for _, windowCfg := range s.cfg.Maintenance {
		if err := s.store.UpsertMaintenanceWindow(ctx, windowCfg.ToDomain()); err != nil {
			return fmt.Errorf("seed maintenance %q: %w", windowCfg.ID, err)
		}
	}
	s.logger.Info("configuration seeded",
		"rules", len(s.cfg.Rule),
		"policies", len(s.cfg.Policy),
		"maintenance_windows", len(s.cfg.Maintenance),
	)
	return nil
}

func (s *Service) buildRealtime(ctx context.Context) error {
	realtimeCfg := s.cfg.Realtime
	var sinks []realtime.Sink
	if realtimeCfg.NATS.Enabled {
		sink, err := realtime.NewNATSSink(realtimeCfg.NATS)
		if err != nil {
			closeSinks(sinks)
			return err
		}
		sinks = append(sinks, sink)
	}
	if realtimeCfg.Redis.Enabled {
		sink, err := realtime.NewRedisSink(ctx, realtimeCfg.Redis)
		if err != nil {
			closeSinks(sinks)
			return err
		}
		sinks = append(sinks, sink)
	}
	if realtimeCfg.WS.Enabled {
		s.hub = realtime.NewHub(s.logger, realtimeCfg.WS.AllowedOrigins)
		sinks = append(sinks, s.hub)
	}
	s.notifier = realtime.NewNotifier(sinks, realtime.Options{
		Timeout: time.Duration(realtimeCfg.PublishTimeoutMS) * time.Millisecond,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	return nil
}

func closeSinks(sinks []realtime.Sink) {
	for _, sink := range sinks {
		_ = sink.Close()
	}
}

func (s *Service) buildPipeline(context.Context) error {
	s.controller = lifecycle.NewController(s.store, lifecycle.Options{
		Escalator: escalation.NewMaterializer(s.store, s.metrics),
		Publisher: s.notifier,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Clock:     s.clock,
	})
	s.processor = NewProcessor(s.store, s.controller, ProcessorOptions{
		Workers:      s.cfg.Service.Workers,
		BatchTimeout: time.Duration(s.cfg.Service.BatchTimeoutSec) * time.Second,
		Maintenance:  maintenance.NewChecker(s.store),
		Clock:        s.clock,
		Logger:       s.logger,
		Metrics:      s.metrics,
	})
	return nil
}

// buildDispatch wires the due-notification dispatcher and optional delivery worker.
func (s *Service) buildDispatch(context.Context) error {
	dispatchCfg := s.cfg.Dispatch
	if !dispatchCfg.Enabled {
		return nil
	}
	producer, err := notifyqueue.NewNATSProducer(dispatchCfg)
	if err != nil {
		return err
	}
	s.producer = producer
	s.dispatcher = notifyqueue.NewDispatcher(s.store, producer, notifyqueue.DispatcherOptions{
		BatchSize: dispatchCfg.BatchSize,
		Lease:     time.Duration(dispatchCfg.LeaseSec) * time.Second,
		Clock:     s.clock,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})

	if !dispatchCfg.Worker.Enabled {
		return nil
	}
	deliverers, err := notify.Deliverers(dispatchCfg.Worker, s.clock, s.logger)
	if err != nil {
		return err
	}
	handler := notifyqueue.NewDeliveryHandler(s.store, deliverers, notifyqueue.DeliveryOptions{
		MaxAttempts: dispatchCfg.MaxAttempts,
		Clock:       s.clock,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	worker, err := notifyqueue.NewNATSWorker(dispatchCfg, s.logger, handler)
	if err != nil {
		return err
	}
	s.worker = worker
	return nil
}

// buildHTTPServer wires router with ingest, operator, realtime, and health endpoints.
func (s *Service) buildHTTPServer(context.Context) error {
	httpCfg := s.cfg.Ingest.HTTP
	routes := api.Routes{
		Metrics:  promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}),
		Operator: s.controller,
		Reader:   s.store,
		Ready:    s.Ready,
		Logger:   s.logger,
	}
	if httpCfg.Enabled {
		routes.Ingest = ingest.NewHTTPHandler(s.processor, httpCfg.MaxBodyBytes, s.logger)
	}
	if s.hub != nil {
		routes.Realtime = s.hub
	}

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           api.NewRouter(httpCfg, s.cfg.Realtime.WS.Path, routes),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
func (s *Service) buildNATSSubscriber(context.Context) error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	timeout := time.Duration(s.cfg.Service.BatchTimeoutSec) * time.Second
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.processor, timeout, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}
