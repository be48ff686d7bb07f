package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"monitorhub/internal/auth"
	"monitorhub/internal/clientip"
	"monitorhub/internal/config"
	"monitorhub/internal/directory"
	"monitorhub/internal/journal"
	"monitorhub/internal/monitor"
	"monitorhub/internal/observability/logging"
	"monitorhub/internal/observability/metrics"
	"monitorhub/internal/outbound"
	"monitorhub/internal/realtime"
	"monitorhub/internal/settings"
	"monitorhub/internal/storage"
)

// ErrShellMissing reports a shell document that could not be read outside
// development mode.
var ErrShellMissing = errors.New("server: shell document missing")

// Options carries the resolved configuration plus optional collaborators.
// Nil collaborators are built from Config.
type Options struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Store    storage.Store
	Relay    realtime.Relay
	Monitors *monitor.Registry
	// JournalEcho receives echoed journal records. Defaults to os.Stderr.
	JournalEcho     io.Writer
	ShutdownTimeout time.Duration
	Security        SecurityConfig
}

// Server is the process-wide context: configuration, transport, cached shell
// markup and the realtime hub. Obtain it through Lifecycle.
type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Recorder
	journal   *journal.Journal
	transport *Transport
	shell     []byte
	dns       *outbound.DNSCache
	store     storage.Store
	ownsStore bool
	relay     realtime.Relay
	ownsRelay bool
	monitors  *monitor.Registry
	resolver  *clientip.Resolver
	auth      *auth.Authenticator
	hub       *realtime.Hub
	limiter   *upgradeLimiter
	handler   http.Handler

	shutdownTimeout time.Duration
	closeOnce       sync.Once
	closeErr        error
}

// newServer builds the server context. Every failure here is a fatal startup
// error.
func newServer(ctx context.Context, opts Options) (*Server, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	s := &Server{
		cfg:             cfg,
		logger:          logging.WithComponent(logger, "server"),
		metrics:         recorder,
		monitors:        opts.Monitors,
		shutdownTimeout: opts.ShutdownTimeout,
	}
	if s.monitors == nil {
		s.monitors = monitor.NewRegistry()
	}
	s.journal = journal.New(journal.Config{
		Path:     cfg.ErrorLogPath(),
		Echo:     opts.JournalEcho,
		Logger:   logging.WithComponent(logger, "journal"),
		Observer: recorder,
	})

	transport, err := NewTransport(cfg.TLS)
	if err != nil {
		return nil, err
	}
	s.transport = transport

	shell, err := loadShell(cfg.ShellPath)
	if err != nil {
		if !cfg.Mode.IsDevelopment() {
			return nil, fmt.Errorf("%w: %s: %v", ErrShellMissing, cfg.ShellPath, err)
		}
		s.logger.Warn("shell document not found; serving development placeholder", "path", cfg.ShellPath, "error", err)
	}
	s.shell = shell

	s.dns = outbound.Install(outbound.Config{
		TTL:    cfg.Outbound.DNSCacheTTL,
		Logger: logging.WithComponent(logger, "outbound"),
	})

	if err := s.openBackends(ctx, opts, logger); err != nil {
		return nil, err
	}

	s.resolver = clientip.NewResolver(settings.NewStore(s.store), logging.WithComponent(logger, "clientip"))
	s.auth = auth.NewAuthenticator(s.store)
	s.hub = realtime.NewHub(realtime.HubConfig{
		Directory:         directory.NewQuery(s.store, recorder),
		Authenticator:     s.auth,
		Resolver:          s.resolver,
		Relay:             s.relay,
		Journal:           s.journal,
		Metrics:           recorder,
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	s.limiter = newUpgradeLimiter(cfg.UpgradeRate, cfg.UpgradeBurst)
	s.handler = s.routes(opts.Security)

	s.logger.Info("server constructed",
		"addr", cfg.Addr,
		"scheme", transport.Scheme(),
		"mode", cfg.Mode,
		"storage", cfg.Storage.Driver,
		"relay", cfg.Relay.Driver,
		"shell_cached", len(shell) > 0)
	return s, nil
}

func (s *Server) openBackends(ctx context.Context, opts Options, logger *slog.Logger) error {
	s.store = opts.Store
	if s.store == nil {
		store, err := storage.Open(ctx, s.cfg.Storage)
		if err != nil {
			return fmt.Errorf("open %s storage: %w", s.cfg.Storage.Driver, err)
		}
		s.store = store
		s.ownsStore = true
	}

	s.relay = opts.Relay
	if s.relay != nil {
		return nil
	}
	switch s.cfg.Relay.Driver {
	case config.RelayRedis:
		redisCfg := s.cfg.Relay.Redis
		relay, err := realtime.NewRedisRelay(ctx, realtime.RedisRelayConfig{
			Addr:       redisCfg.Addr,
			Addrs:      redisCfg.Addrs,
			Username:   redisCfg.Username,
			Password:   redisCfg.Password,
			MasterName: redisCfg.MasterName,
			Stream:     redisCfg.Stream,
			PoolSize:   redisCfg.PoolSize,
			Logger:     logging.WithComponent(logger, "relay"),
		})
		if err != nil {
			_ = s.closeStore(ctx)
			return fmt.Errorf("connect redis relay: %w", err)
		}
		s.relay = relay
	default:
		s.relay = realtime.NewMemoryRelay(0)
	}
	s.ownsRelay = true
	return nil
}

func loadShell(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (s *Server) Config() config.Config { return s.cfg }

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Hub() *realtime.Hub { return s.hub }

func (s *Server) Journal() *journal.Journal { return s.journal }

func (s *Server) Monitors() *monitor.Registry { return s.monitors }

func (s *Server) Transport() *Transport { return s.transport }

func (s *Server) Store() storage.Store { return s.store }

func (s *Server) Resolver() *clientip.Resolver { return s.resolver }

func (s *Server) DNSCache() *outbound.DNSCache { return s.dns }

// Shell returns the cached shell markup; nil when none was loaded.
func (s *Server) Shell() []byte { return s.shell }

// Run listens on the configured address until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.transport.Listen(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln, nil)
}

// Serve runs the HTTP server and the relay consumer on ln until ctx ends or
// one of them fails, then releases every backend.
func (s *Server) Serve(ctx context.Context, ln net.Listener, ready chan<- struct{}) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serve(groupCtx, httpServer, ln, s.shutdownTimeout, ready)
	})
	group.Go(func() error {
		return s.hub.Run(groupCtx)
	})
	s.logger.Info("listening", "addr", ln.Addr().String(), "scheme", s.transport.Scheme())

	err := group.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), s.timeout())
	defer cancel()
	if closeErr := s.Close(closeCtx); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Close disconnects sessions and releases the relay and store it opened.
// Later calls return the first result.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.hub.Close()
		var errs []error
		if s.ownsRelay && s.relay != nil {
			if err := s.relay.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close relay: %w", err))
			}
		}
		if err := s.closeStore(ctx); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Server) closeStore(ctx context.Context) error {
	if !s.ownsStore || s.store == nil {
		return nil
	}
	if err := s.store.Close(ctx); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

func (s *Server) timeout() time.Duration {
	if s.shutdownTimeout > 0 {
		return s.shutdownTimeout
	}
	return DefaultShutdownTimeout
}
