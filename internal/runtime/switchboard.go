// Package runtime assembles the switchboard control plane from configuration
// and manages its lifecycle.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/switchboard/internal/adapters/config/file"
	"github.com/tjfontaine/switchboard/internal/adapters/events/direct"
	"github.com/tjfontaine/switchboard/internal/buffer"
	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/dispatch"
	"github.com/tjfontaine/switchboard/internal/fanout"
	"github.com/tjfontaine/switchboard/internal/ingress"
	"github.com/tjfontaine/switchboard/internal/pkg/config"
	"github.com/tjfontaine/switchboard/internal/registry"
	"github.com/tjfontaine/switchboard/internal/routing"
	"github.com/tjfontaine/switchboard/internal/server"
	"github.com/tjfontaine/switchboard/internal/storage"
	"github.com/tjfontaine/switchboard/internal/target"
	"github.com/tjfontaine/switchboard/internal/telemetry"
	"github.com/tjfontaine/switchboard/internal/tokens"
)

const shutdownGrace = 10 * time.Second

// Switchboard is the control plane: ingress, buffering, routing, fan-out and
// the target registry, wired together and run as one component graph.
// It can be embedded in a larger program or run standalone.
type Switchboard struct {
	// Dependencies (injected via options)
	configPath      string
	config          ports.ConfigProvider
	store           ports.Store
	events          ports.EventPublisher
	notifier        ports.SignalNotifier
	collaborator    ports.Collaborator
	collaboratorSet bool
	httpTransport   ports.Transport
	local           *target.LocalTransport
	recorder        telemetry.Recorder
	logger          *slog.Logger

	// Built on Start
	cfg      *config.Config
	buffer   *buffer.Buffer
	assigner *ingress.Assigner
	registry *registry.Registry
	ingestor *registry.Ingestor
	executor *fanout.Executor
	router   *routing.Wrapper
	scanner  *buffer.Scanner
	pool     *dispatch.Pool
	server   *server.Server
	graph    *Graph

	mu      sync.Mutex
	started bool
}

// New creates a Switchboard with the given options. A config source is
// required; storage defaults to what the config names.
func New(opts ...Option) (*Switchboard, error) {
	s := &Switchboard{
		logger: slog.Default(),
		local:  target.NewLocalTransport(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if s.config == nil && s.configPath != "" {
		provider, err := file.NewProvider(s.configPath, s.logger)
		if err != nil {
			return nil, fmt.Errorf("create file config provider: %w", err)
		}
		s.config = provider
	}
	if s.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfig)")
	}
	if s.recorder == nil {
		s.recorder = telemetry.NewRecorder(nil)
	}
	return s, nil
}

// Start builds every component from the loaded configuration and starts
// them. It returns once the control plane is accepting work.
func (s *Switchboard) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("switchboard already started")
	}

	cfg, err := s.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.cfg = cfg

	if err := s.build(cfg); err != nil {
		return err
	}
	if err := s.graph.Start(ctx); err != nil {
		return err
	}
	s.started = true

	s.logger.Info("switchboard started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("workers", cfg.Workers.Count),
		slog.Int("targets", len(s.registry.List())),
		slog.String("collaborator", cfg.Collaborator.Type),
	)
	return nil
}

// Shutdown stops intake first, lets workers finish what they hold, then
// closes storage. Records still queued stay accepted and are recovered on
// the next start.
func (s *Switchboard) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.logger.Info("shutting down switchboard")
	err := s.graph.Stop(ctx)
	s.started = false
	if err != nil {
		s.logger.Error("shutdown incomplete", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("switchboard shutdown complete")
	return nil
}

func (s *Switchboard) build(cfg *config.Config) error {
	if s.store == nil {
		store, err := storage.Open(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		s.store = store
	}
	if s.events == nil {
		publisher, err := direct.NewPublisher(s.store, s.logger)
		if err != nil {
			return fmt.Errorf("create default event publisher: %w", err)
		}
		s.events = publisher
	}
	if !s.collaboratorSet {
		c, err := newCollaborator(cfg.Collaborator)
		if err != nil {
			return fmt.Errorf("create collaborator: %w", err)
		}
		s.collaborator = c
	}
	if s.httpTransport == nil {
		s.httpTransport = target.NewHTTPTransport(nil)
	}

	s.buffer = buffer.New(buffer.Capacities{
		domain.TierHighPriority: cfg.Buffer.Capacity.HighPriority,
		domain.TierInteractive:  cfg.Buffer.Capacity.Interactive,
		domain.TierDefault:      cfg.Buffer.Capacity.Default,
	}, buffer.WithLogger(s.logger), buffer.WithRecorder(s.recorder))

	s.registry = registry.New(s.store, cfg.Liveness,
		registry.WithLogger(s.logger), registry.WithRecorder(s.recorder))
	s.ingestor = registry.NewIngestor(s.registry, cfg.Liveness.HeartbeatBuffer, s.logger)

	s.assigner = ingress.NewAssigner(s.store, s.buffer, ingress.Options{
		DedupWindow: cfg.Ingress.DedupWindow,
		CacheSize:   cfg.Ingress.DedupCacheSize,
		CacheTTL:    cfg.Ingress.DedupCacheTTL,
		Logger:      s.logger,
		Recorder:    s.recorder,
		Publisher:   s.events,
	})

	s.executor = fanout.New(target.NewMux(s.httpTransport, s.local), s.registry,
		fanout.ConfigFrom(cfg.Dispatch),
		fanout.WithLogger(s.logger), fanout.WithRecorder(s.recorder))

	s.router = routing.New(s.collaborator, s.registry, s.store, cfg.Routing,
		routing.WithLogger(s.logger),
		routing.WithRecorder(s.recorder),
		routing.WithCounter(tokens.Default(s.logger)))

	s.scanner = buffer.NewScanner(s.store, s.buffer, buffer.ScannerConfig{
		Interval:        cfg.Scanner.Interval,
		GracePeriod:     cfg.Scanner.GracePeriod,
		BatchSize:       cfg.Scanner.BatchSize,
		ProcessingLease: cfg.Scanner.ProcessingLease,
		Retention:       cfg.Storage.Retention,
	}, s.events, s.logger)

	processor := dispatch.NewProcessor(s.store, s.router, s.executor, s.buffer,
		dispatch.WithPublisher(s.events),
		dispatch.WithNotifier(s.notifier),
		dispatch.WithLogger(s.logger))
	s.pool = dispatch.NewPool(s.buffer, processor, cfg.Workers.Count, cfg.Buffer.MaxConsecutiveSameTier, s.logger)

	s.server = server.New(cfg.Server, s.logger)
	api := &server.API{
		Acceptor:     s.assigner,
		Requests:     s.store,
		Targets:      s.registry,
		Heartbeats:   s.ingestor,
		Buffer:       s.buffer,
		Breakers:     s.executor,
		IngressRate:  cfg.Server.IngressRate,
		IngressBurst: cfg.Server.IngressBurst,
	}
	api.Routes(s.server.Router)

	return s.components(cfg)
}

// components declares the lifecycle graph. Stop runs in reverse, so the HTTP
// listener closes before workers drain and storage closes last.
func (s *Switchboard) components(cfg *config.Config) error {
	g := NewGraph(s.logger)
	comps := []Component{
		{
			Name: "store",
			Stop: func(context.Context) error { return s.store.Close() },
		},
		{
			Name:      "events",
			DependsOn: []string{"store"},
			Stop:      func(context.Context) error { return s.events.Close() },
		},
		{
			Name:      "registry",
			DependsOn: []string{"store", "events"},
			Start:     func(ctx context.Context) error { return s.loadTargets(ctx, cfg) },
			Run: func(ctx context.Context) error {
				return s.registry.RunSweeper(ctx, cfg.Liveness.SweepInterval)
			},
		},
		{
			Name:      "heartbeats",
			DependsOn: []string{"registry"},
			Run:       s.ingestor.Run,
		},
		{
			Name:      "scanner",
			DependsOn: []string{"store", "events"},
			Run:       s.scanner.Run,
		},
		{
			Name:      "workers",
			DependsOn: []string{"registry", "scanner"},
			Run:       s.pool.Run,
		},
		{
			Name:      "config-watch",
			DependsOn: []string{"registry", "workers"},
			Run: func(ctx context.Context) error {
				if err := s.config.Watch(ctx, s.reload); err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			},
			Stop: func(context.Context) error { return s.config.Close() },
		},
		{
			Name:      "http",
			DependsOn: []string{"workers", "heartbeats"},
			Run:       s.serve,
		},
	}
	for _, c := range comps {
		if err := g.Add(c); err != nil {
			return err
		}
	}
	if _, err := g.Order(); err != nil {
		return err
	}
	s.graph = g
	return nil
}

func (s *Switchboard) serve(ctx context.Context) error {
	if s.server.Port == 0 {
		// Embedded use: the caller mounts Handler() itself.
		<-ctx.Done()
		return nil
	}
	errc := make(chan error, 1)
	go func() { errc <- s.server.Start() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return <-errc
	}
}

// loadTargets restores persisted targets and registers the configured ones.
func (s *Switchboard) loadTargets(ctx context.Context, cfg *config.Config) error {
	if err := s.registry.Load(ctx); err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	if err := s.registerConfigured(ctx, cfg.Targets); err != nil {
		return err
	}
	if _, ok := s.registry.Get(cfg.Routing.CatchAllTarget); !ok {
		s.logger.Warn("catch-all target is not registered; fallbacks will fail until it heartbeats",
			slog.String("target", cfg.Routing.CatchAllTarget))
	}
	return nil
}

func (s *Switchboard) registerConfigured(ctx context.Context, targets []config.TargetConfig) error {
	for _, t := range targets {
		kind := domain.TargetKind(t.Kind)
		if kind == domain.TargetKindLocal && !s.local.Has(t.Name) {
			s.logger.Warn("local target has no handler", slog.String("target", t.Name))
		}
		if _, err := s.registry.Register(ctx, registry.RegisterInput{
			Name:         t.Name,
			Kind:         kind,
			Endpoint:     t.Endpoint,
			Capabilities: t.Capabilities,
		}, domain.ReasonConfigured); err != nil {
			return fmt.Errorf("register target %s: %w", t.Name, err)
		}
	}
	return nil
}

// reload applies the hot-reloadable parts of a new configuration: liveness
// thresholds, routing parameters and the configured target set. Everything
// else takes effect on restart.
func (s *Switchboard) reload(cfg *config.Config) {
	s.registry.SetLiveness(cfg.Liveness)
	s.router.Reconfigure(cfg.Routing)
	if err := s.registerConfigured(context.Background(), cfg.Targets); err != nil {
		s.logger.Error("failed to apply configured targets", slog.String("error", err.Error()))
	}
	s.logger.Info("reload complete",
		slog.Duration("liveness_unit", cfg.Liveness.Unit),
		slog.Float64("confidence_threshold", cfg.Routing.ConfidenceThreshold),
		slog.Int("targets", len(cfg.Targets)),
	)
}

// Handler returns the HTTP surface. Valid after Start.
func (s *Switchboard) Handler() http.Handler {
	return s.server.Router
}

// Accept admits an inbound event directly, bypassing HTTP.
func (s *Switchboard) Accept(ctx context.Context, ev *domain.InboundEvent) (*ingress.AcceptResult, error) {
	return s.assigner.Accept(ctx, ev)
}

// Request returns the durable record for a request id.
func (s *Switchboard) Request(ctx context.Context, requestID string) (*domain.IngressRecord, error) {
	return s.store.GetRequest(ctx, requestID)
}

// Registry exposes the target registry. Valid after Start.
func (s *Switchboard) Registry() *registry.Registry {
	return s.registry
}
