package lakecommit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"pkt.systems/lakecommit/internal/channel"
	"pkt.systems/lakecommit/internal/channel/kafka"
	"pkt.systems/lakecommit/internal/channel/objlog"
	"pkt.systems/lakecommit/internal/clock"
	"pkt.systems/lakecommit/internal/coordinator"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/storage"
	loggingbackend "pkt.systems/lakecommit/internal/storage/logging"
	"pkt.systems/lakecommit/internal/storage/retry"
	"pkt.systems/lakecommit/internal/table"
	"pkt.systems/lakecommit/internal/version"
	"pkt.systems/pslog"
)

// Server wires the storage backend, table catalog, control channel and
// commit coordinator of one lakecommit process.
type Server struct {
	cfg       Config
	base      pslog.Logger
	logger    pslog.Logger
	clock     clock.Clock
	backend   storage.Backend
	catalog   *table.Catalog
	transport channel.Transport
	channel   *channel.Channel
	telemetry *telemetryBundle

	mu     sync.Mutex
	coord  *coordinator.Coordinator
	closed bool
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Backend   storage.Backend
	Transport channel.Transport
	Clock     clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests). The server
// closes it on Close.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithTransport injects a pre-built control transport.
func WithTransport(t channel.Transport) Option {
	return func(o *options) {
		o.Transport = t
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs a coordinator process according to cfg. Nothing is
// read from the control channel until Start.
// Example:
//
//	cfg := lakecommit.Config{Store: "disk:///var/lib/lakecommit", Channel: "kafka", Brokers: []string{"localhost:9092"}}
//	srv, err := lakecommit.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := clock.OrReal(o.Clock)

	telemetry, err := setupTelemetry(context.Background(), cfg, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(shutdownCtx)
			cancel()
		}
	}

	backend := o.Backend
	if backend == nil {
		backend, err = openBackend(cfg)
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	backend = wrapBackend(backend, cfg, logger, serverClock, telemetry.TracerProvider())

	transport := o.Transport
	if transport == nil {
		transport, err = openTransport(context.Background(), cfg, backend, logger, serverClock)
		if err != nil {
			_ = backend.Close()
			cleanup()
			return nil, err
		}
	}

	catalog := table.NewCatalog(backend, cfg.Warehouse, table.WithLogger(logger), table.WithClock(serverClock))
	ch := channel.New(transport, cfg.ControlGroupID, logger)

	logger.Info("server.configured",
		"version", version.Current(),
		"store", cfg.Store,
		"warehouse", cfg.Warehouse,
		"channel", cfg.Channel,
		"control_topic", cfg.ControlTopic,
		"consumer_group", cfg.CoordinatorGroup(),
	)
	return &Server{
		cfg:       cfg,
		base:      logger,
		logger:    loggingutil.WithSubsystem(logger, "server"),
		clock:     serverClock,
		backend:   backend,
		catalog:   catalog,
		transport: transport,
		channel:   ch,
		telemetry: telemetry,
	}, nil
}

func wrapBackend(backend storage.Backend, cfg Config, logger pslog.Logger, clk clock.Clock, tp trace.TracerProvider) storage.Backend {
	storageLogger := loggingutil.WithSubsystem(logger, "storage")
	backend = loggingbackend.Wrap(backend, storageLogger, "storage.backend", loggingbackend.WithTracerProvider(tp))
	return retry.Wrap(backend, loggingutil.WithSubsystem(storageLogger, "retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
}

// OpenCatalog opens the configured store and returns a table catalog over
// its warehouse. Channel settings are ignored. The returned function closes
// the backend.
func OpenCatalog(cfg Config, logger pslog.Logger) (*table.Catalog, func() error, error) {
	if err := cfg.validateStorage(); err != nil {
		return nil, nil, err
	}
	logger = loggingutil.EnsureLogger(logger)
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, nil, err
	}
	clk := clock.Real{}
	backend = wrapBackend(backend, cfg, logger, clk, nil)
	return table.NewCatalog(backend, cfg.Warehouse, table.WithLogger(logger), table.WithClock(clk)), backend.Close, nil
}

func openTransport(ctx context.Context, cfg Config, backend storage.Backend, logger pslog.Logger, clk clock.Clock) (channel.Transport, error) {
	switch cfg.Channel {
	case ChannelKafka:
		return kafka.New(kafka.Config{
			Brokers:       cfg.Brokers,
			Topic:         cfg.ControlTopic,
			ConsumerGroup: cfg.CoordinatorGroup(),
			ClientID:      cfg.ClientID,
			PollTimeout:   cfg.PollTimeout,
			Logger:        logger,
		})
	case ChannelObjlog:
		if err := objlog.CreateTopic(ctx, backend, objlog.DefaultNamespace, cfg.ControlTopic, cfg.ControlPartitions); err != nil {
			return nil, err
		}
		return objlog.New(objlog.Config{
			Backend:       backend,
			Topic:         cfg.ControlTopic,
			ConsumerGroup: cfg.CoordinatorGroup(),
			PollTimeout:   cfg.PollTimeout,
			Logger:        logger,
			Clock:         clk,
		})
	default:
		return nil, fmt.Errorf("config: unknown channel %q", cfg.Channel)
	}
}

// Config returns the validated configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Catalog exposes the table catalog.
func (s *Server) Catalog() *table.Catalog {
	return s.catalog
}

// Channel exposes the control channel.
func (s *Server) Channel() *channel.Channel {
	return s.channel
}

// Coordinator returns the coordinator built by Start, or nil.
func (s *Server) Coordinator() *coordinator.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coord
}

// Start captures the quorum denominator and builds the coordinator. A
// failure to read partition metadata is fatal.
func (s *Server) Start(ctx context.Context) (*coordinator.Coordinator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("server: closed")
	}
	if s.coord != nil {
		return s.coord, nil
	}
	topics := s.cfg.QuorumTopics()
	total, err := s.transport.Partitions(ctx, topics...)
	if err != nil {
		return nil, fmt.Errorf("server: read partition count of %v: %w", topics, err)
	}
	coord, err := coordinator.New(coordinator.Config{
		Channel:         s.channel,
		Tables:          s.catalog,
		ControlTopic:    s.cfg.ControlTopic,
		TotalPartitions: total,
		CommitInterval:  s.cfg.CommitInterval,
		CommitTimeout:   s.cfg.CommitTimeout,
		TickInterval:    s.cfg.TickInterval,
		CommitThreads:   s.cfg.CommitThreads,
		Clock:           s.clock,
		Logger:          s.base,
		MeterProvider:   s.telemetry.MeterProvider(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("server.started", "quorum_topics", topics, "total_partitions", total)
	s.coord = coord
	return coord, nil
}

// Run starts the coordinator if needed and drives it until ctx is
// cancelled or it fails.
func (s *Server) Run(ctx context.Context) error {
	coord, err := s.Start(ctx)
	if err != nil {
		return err
	}
	return coord.Run(ctx)
}

// Close releases the transport, the backend and telemetry.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("server.closed")
	return errors.Join(errs...)
}
