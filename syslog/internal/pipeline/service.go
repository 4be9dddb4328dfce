package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	natsclient "github.com/telhawk-systems/telhawk-syslog/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/admission"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/alerts"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/archive"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/bootstrap"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/config"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/dlq"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/filter"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/forwarder"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/listener"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/parser"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/redact"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/repository"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/retention"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/server"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/sources"
)

// Service owns every component of a running syslog instance.
type Service struct {
	cfg    *config.Config
	logger *logging.Logger

	repo       repository.Store
	metrics    *metrics.Tracker
	guard      *admission.Guard
	engine     *filter.Engine
	forwarder  *forwarder.Forwarder
	dispatcher *forwarder.Dispatcher
	store      *retention.Store
	evictor    *retention.Evictor
	sources    *sources.Tracker
	alerts     *alerts.Publisher
	archive    *archive.Client
	nats       *natsclient.JetStreamClient
	redis      *redis.Client
	pipeline   *Pipeline
	listener   *listener.Server
	api        *server.Server
	apiLn      net.Listener
}

// NewService builds and connects every component and binds the listening
// sockets. Nothing is served until Run.
func NewService(ctx context.Context, cfg *config.Config, logger *logging.Logger) (svc *Service, err error) {
	logger = logging.OrNop(logger)
	s := &Service{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.closeClients()
		}
	}()

	s.metrics = metrics.NewTracker(cfg.Metrics.Interval, logger)

	if err := s.openRepository(ctx); err != nil {
		return nil, err
	}

	defaults := models.BufferSettings{
		MaxSizeGB:               cfg.Retention.MaxSizeGB,
		RetentionDays:           cfg.Retention.RetentionDays,
		CleanupThresholdPercent: cfg.Retention.CleanupThresholdPercent,
	}
	if _, err := repository.EnsureBufferSettings(ctx, s.repo, defaults); err != nil {
		return nil, fmt.Errorf("failed to initialize buffer settings: %w", err)
	}

	if cfg.BootstrapFile != "" {
		file, err := bootstrap.Load(cfg.BootstrapFile)
		if err != nil {
			return nil, err
		}
		sum, err := bootstrap.Apply(ctx, s.repo, file)
		if err != nil {
			return nil, err
		}
		logger.Info("applied bootstrap file",
			slog.String("path", cfg.BootstrapFile),
			slog.Int("sources", sum.Sources),
			slog.Int("filters", sum.Filters),
			slog.Int("targets", sum.Targets))
	}

	if cfg.Redis.Enabled {
		if err := s.connectRedis(ctx); err != nil {
			if cfg.Admission.Limiter == "redis" {
				return nil, err
			}
			logger.Warn("redis unavailable, shared source stats disabled", logging.Error(err))
		}
	}

	if err := s.buildGuard(); err != nil {
		return nil, err
	}

	s.engine = filter.NewEngine(s.repo, s.metrics, logger)
	if err := s.engine.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to load filters: %w", err)
	}

	if cfg.NATS.Enabled {
		if err := s.connectNATS(); err != nil {
			return nil, err
		}
	}

	if err := s.buildForwarder(ctx); err != nil {
		return nil, err
	}

	var mirror *sources.RedisMirror
	if s.redis != nil {
		mirror = sources.NewRedisMirror(s.redis, instanceID())
	}
	s.sources = sources.NewTracker(s.repo, mirror, cfg.Sources.FlushInterval, logger)

	opts := []retention.Option{
		retention.WithEvaluator(s.engine),
		retention.WithForwarder(s.dispatcher),
		retention.WithTracker(s.metrics),
		retention.WithLogger(logger),
		retention.WithObserver(s.sources),
	}
	if s.nats != nil {
		s.alerts = alerts.NewPublisher(s.nats, alerts.Config{
			EventsSubject: cfg.NATS.EventsSubject,
			PublishEvents: cfg.NATS.PublishEvents,
			AlertsPrefix:  cfg.NATS.AlertsPrefix,
		}, logger)
		opts = append(opts, retention.WithObserver(s.alerts))
	}
	if cfg.OpenSearch.Enabled {
		if err := s.connectArchive(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, retention.WithObserver(s.archive))
	}

	s.store = retention.NewStore(s.repo, retention.Config{
		MaxBufferSize: cfg.Retention.MaxBufferSize,
		BatchSize:     cfg.Retention.BatchSize,
		FlushInterval: cfg.Retention.FlushInterval,
		ShutdownGrace: cfg.Retention.ShutdownGrace,
	}, opts...)
	if err := s.store.Calibrate(ctx); err != nil {
		return nil, err
	}
	s.evictor = retention.NewEvictor(s.repo, s.repo, defaults, s.store, cfg.Retention.EvictionBatch)

	redactor, err := redact.New(cfg.Redaction.Patterns, cfg.Redaction.Placeholder, cfg.Redaction.MaxStoredPayload, cfg.Redaction.TruncationMarker)
	if err != nil {
		return nil, err
	}
	s.pipeline = New(s.guard, parser.New(), redactor, s.store, s.metrics, logger)

	s.listener = listener.New(listener.Config{
		UDPAddr:        cfg.Server.UDPAddr,
		TCPAddr:        cfg.Server.TCPAddr,
		UDPWorkers:     cfg.Server.UDPWorkers,
		MaxConnections: cfg.Server.MaxConnections,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxMessageSize: cfg.Admission.MaxMessageSize,
	}, s.pipeline, logger)
	if err := s.listener.Listen(); err != nil {
		return nil, err
	}

	if cfg.API.Addr != "" {
		ln, err := net.Listen("tcp", cfg.API.Addr)
		if err != nil {
			s.listener.Close()
			return nil, fmt.Errorf("failed to listen on api address: %w", err)
		}
		s.apiLn = ln
		s.api = server.New(server.Config{
			Addr:         cfg.API.Addr,
			CORSOrigins:  cfg.API.CORSOrigins,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		}, server.NewHandlers(server.Deps{
			Events:  s.store,
			Store:   s.repo,
			Sources: s.sources,
			Buffer:  s.evictor,
			Targets: s.dispatcher,
			Queue:   s.store,
			Metrics: s.metrics,
		}, logger), logger)
	}

	logger.Info("syslog service initialized", s.guard.Describe()...)
	return s, nil
}

func (s *Service) openRepository(ctx context.Context) error {
	switch s.cfg.Storage.Driver {
	case "memory":
		s.logger.Warn("using in-memory storage, events are lost on restart")
		s.repo = repository.NewMemoryRepository()
		return nil
	default:
		pg := s.cfg.Database.Postgres
		if pg.RunMigrations {
			res, err := repository.MigrateUp(pg.ConnString())
			if err != nil {
				return err
			}
			s.logger.Info("database migrations applied",
				slog.Uint64("version", uint64(res.Version)),
				slog.Bool("changed", res.Changed))
		}
		repo, err := repository.NewPostgresRepository(ctx, pg.ConnString(), pg.MaxConns)
		if err != nil {
			return err
		}
		s.repo = repo
		return nil
	}
}

func (s *Service) connectRedis(ctx context.Context) error {
	opts, err := redis.ParseURL(s.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if s.cfg.Redis.MaxRetries > 0 {
		opts.MaxRetries = s.cfg.Redis.MaxRetries
	}
	if s.cfg.Redis.PoolSize > 0 {
		opts.PoolSize = s.cfg.Redis.PoolSize
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	return nil
}

func (s *Service) buildGuard() error {
	adm := s.cfg.Admission
	allow, err := admission.NewAllowlist(adm.AllowedSources)
	if err != nil {
		return err
	}
	gcfg := admission.Config{MaxMessageSize: adm.MaxMessageSize, Allowlist: allow}
	if adm.Limiter == "redis" {
		gcfg.Global = admission.NewRedisLimiterFromClient(s.redis, "global", adm.MaxMessagesPerSecond)
		gcfg.PerSource = admission.NewRedisLimiterFromClient(s.redis, "source", adm.MaxPerSourcePerSecond)
	} else {
		if adm.MaxMessagesPerSecond > 0 {
			gcfg.Global = admission.NewWindowLimiter(adm.MaxMessagesPerSecond)
		}
		if adm.MaxPerSourcePerSecond > 0 {
			gcfg.PerSource = admission.NewWindowLimiter(adm.MaxPerSourcePerSecond)
		}
	}
	s.guard = admission.NewGuard(gcfg, s.metrics, s.logger)
	return nil
}

func (s *Service) connectNATS() error {
	ncfg := natsclient.DefaultConfig()
	ncfg.URL = s.cfg.NATS.URL
	ncfg.MaxReconnects = s.cfg.NATS.MaxReconnects
	if s.cfg.NATS.ReconnectWait > 0 {
		ncfg.ReconnectWait = s.cfg.NATS.ReconnectWait
	}
	client, err := natsclient.NewJetStreamClient(ncfg, s.logger)
	if err != nil {
		return err
	}
	s.nats = client
	s.logger.Info("connected to nats", logging.Addr(s.cfg.NATS.URL))
	return nil
}

func (s *Service) buildForwarder(ctx context.Context) error {
	fcfg := s.cfg.Forwarder
	pool, err := forwarder.LoadCAPool(fcfg.CACertPath)
	if err != nil {
		return err
	}
	s.forwarder = forwarder.New(forwarder.Config{
		TLSDefault:   fcfg.TLSDefault,
		CAPool:       pool,
		DialTimeout:  fcfg.DialTimeout,
		WriteTimeout: fcfg.WriteTimeout,
	}, s.logger)

	var deadLetter forwarder.DeadLetter
	if s.nats != nil && s.cfg.NATS.DLQEnabled {
		q, err := dlq.NewJetStreamQueue(ctx, s.nats, s.logger)
		if err != nil {
			return err
		}
		deadLetter = q
	}

	s.dispatcher = forwarder.NewDispatcher(s.forwarder, s.repo, forwarder.DispatcherConfig{
		QueueSize:     fcfg.QueueSize,
		DegradedAfter: fcfg.DegradedAfter,
		FailedAfter:   fcfg.FailedAfter,
	}, deadLetter, s.metrics, s.logger)
	if err := s.dispatcher.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load forward targets: %w", err)
	}
	return nil
}

func (s *Service) connectArchive(ctx context.Context) error {
	oc := s.cfg.OpenSearch
	client, err := archive.NewClient(archive.Config{
		URL:           oc.URL,
		Username:      oc.Username,
		Password:      oc.Password,
		TLSSkipVerify: oc.TLSSkipVerify,
		IndexPrefix:   oc.IndexPrefix,
		FlushInterval: oc.FlushInterval,
	}, s.logger)
	if err != nil {
		return err
	}
	if err := client.Initialize(ctx); err != nil {
		return err
	}
	s.archive = client
	return nil
}

// Run serves until ctx is cancelled or a server fails, then shuts down in
// dependency order: listeners, retention store, forwarder, trackers.
func (s *Service) Run(ctx context.Context) error {
	s.store.Start()
	s.sources.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.listener.Serve(gctx) })
	if s.api != nil {
		g.Go(func() error { return s.api.Serve(gctx, s.apiLn) })
	}
	g.Go(func() error { s.metrics.Run(gctx); return nil })
	g.Go(func() error {
		s.engine.Run(gctx, s.cfg.Filters.ReloadInterval, s.cfg.Filters.CountFlushInterval)
		return nil
	})
	g.Go(func() error { s.dispatcher.Run(gctx, s.cfg.Forwarder.ReloadInterval); return nil })
	g.Go(func() error { s.evictor.Run(gctx, s.cfg.Retention.EvictionInterval); return nil })

	s.logger.Info("syslog service started",
		slog.String("udp_addr", addrString(s.listener.UDPAddr())),
		slog.String("tcp_addr", addrString(s.listener.TCPAddr())),
		slog.String("api_addr", s.APIAddr()))

	err := g.Wait()
	s.shutdown()
	return err
}

func (s *Service) shutdown() {
	s.logger.Info("shutting down syslog service")
	s.listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Retention.ShutdownGrace+10*time.Second)
	defer cancel()

	s.store.Stop(ctx)
	s.dispatcher.Stop(ctx)
	s.sources.Stop()
	if err := s.engine.FlushCounts(ctx); err != nil {
		s.logger.Warn("final filter count flush failed", logging.Error(err))
	}
	if s.archive != nil {
		if err := s.archive.Close(ctx); err != nil {
			s.logger.Warn("archive close failed", logging.Error(err))
		}
	}
	s.metrics.Emit()
	s.closeClients()
	s.logger.Info("syslog service stopped")
}

func (s *Service) closeClients() {
	if s.forwarder != nil {
		s.forwarder.Close()
	}
	if s.guard != nil {
		s.guard.Close()
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.repo != nil {
		s.repo.Close()
	}
}

// UDPAddr is the bound syslog UDP address, or nil.
func (s *Service) UDPAddr() net.Addr { return s.listener.UDPAddr() }

// TCPAddr is the bound syslog TCP address, or nil.
func (s *Service) TCPAddr() net.Addr { return s.listener.TCPAddr() }

// APIAddr is the bound API address, or "".
func (s *Service) APIAddr() string {
	if s.apiLn == nil {
		return ""
	}
	return s.apiLn.Addr().String()
}

// Repository exposes the backing store.
func (s *Service) Repository() repository.Store { return s.repo }

// Metrics exposes the instance counters.
func (s *Service) Metrics() *metrics.Tracker { return s.metrics }

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func instanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
