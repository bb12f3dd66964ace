package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/zurustar/callcore/internal/config"
	"github.com/zurustar/callcore/internal/contacts"
	"github.com/zurustar/callcore/internal/engine"
	"github.com/zurustar/callcore/internal/history"
	"github.com/zurustar/callcore/internal/logging"
	"github.com/zurustar/callcore/internal/loop"
	"github.com/zurustar/callcore/internal/media"
	"github.com/zurustar/callcore/internal/metrics"
	"github.com/zurustar/callcore/internal/registry"
	"github.com/zurustar/callcore/internal/routing"
	"github.com/zurustar/callcore/internal/webadmin"
)

const shutdownTimeout = 5 * time.Second

// CallServer implements the Server interface
type CallServer struct {
	path    string
	manager *config.Manager
	config  atomic.Pointer[config.Config]
	logger  logging.Logger
	zap     *logging.ZapLogger

	loop     *loop.Loop
	engine   engine.Engine
	factory  *media.Factory
	contacts *contacts.Directory
	store    *history.SQLiteStore
	registry *registry.Registry
	metrics  *metrics.Collector
	gatherer *prometheus.Registry
	hub      *webadmin.Hub
	admin    *webadmin.Server
	watcher  *config.Watcher
}

// New loads the configuration and builds every component. Nothing runs
// until Run is called.
func New(opts Options) (*CallServer, error) {
	s := &CallServer{path: opts.ConfigPath, manager: config.NewManager()}

	cfg, err := s.manager.Load(opts.ConfigPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	s.config.Store(cfg)

	if err := s.initializeLogger(cfg, opts.Logger); err != nil {
		return nil, err
	}
	if err := s.initializeComponents(cfg, opts); err != nil {
		s.cleanup()
		return nil, errors.Wrap(err, "failed to initialize components")
	}
	return s, nil
}

func (s *CallServer) initializeLogger(cfg *config.Config, override logging.Logger) error {
	if override != nil {
		s.logger = override
		return nil
	}
	level, err := logging.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	s.zap, err = logging.NewZapLogger(logging.Options{
		Level:      level,
		Console:    true,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	s.logger = s.zap
	return nil
}

// initializeComponents builds the components in dependency order
func (s *CallServer) initializeComponents(cfg *config.Config, opts Options) error {
	var err error

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s.loop, err = loop.New(clock, cfg.Sessions.Workers, s.logger)
	if err != nil {
		return err
	}

	if cfg.History.Path != "" {
		s.store, err = history.OpenSQLite(cfg.History.Path, s.logger)
		if err != nil {
			return err
		}
	}

	resolver, err := routing.NewDNSResolver(cfg.DNS, s.logger)
	if err != nil {
		return errors.Wrap(err, "failed to initialize route resolver")
	}

	s.engine = opts.Engine
	if s.engine == nil {
		s.logger.Warn("No signaling engine attached, outgoing calls will fail")
		s.engine = engine.NewOffline()
	}

	s.factory = media.NewFactory(cfg, s.logger)
	s.contacts = contacts.NewDirectory(cfg.Contacts, s.logger)

	s.metrics = metrics.New("")
	s.gatherer = prometheus.NewRegistry()
	s.gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := s.metrics.Register(s.gatherer); err != nil {
		return errors.Wrap(err, "failed to register metrics")
	}
	s.hub = webadmin.NewHub(s.logger)

	// a typed nil would defeat the nil checks downstream
	var store history.Store
	if s.store != nil {
		store = s.store
	}

	s.registry = registry.New(registry.Options{
		Loop:     s.loop,
		Config:   s.Config,
		Engine:   s.engine,
		Factory:  s.factory,
		Resolver: resolver,
		Contacts: s.contacts,
		History:  store,
		Music:    opts.Music,
		Prompter: opts.Prompter,
		LocalIP:  s.localIP,
		Listener: s.publish,
		Logger:   s.logger,
	})
	s.admin = webadmin.NewServer(webadmin.NewRegistryBackend(s.loop, s.registry, store), s.hub, s.gatherer, s.logger)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.registry.Start(ctx)

	s.logger.Info("Call core initialized",
		logging.IntField("accounts", len(cfg.Accounts)),
		logging.IntField("contacts", len(cfg.Contacts)))
	return nil
}

// Config returns the configuration currently in effect.
func (s *CallServer) Config() *config.Config {
	return s.config.Load()
}

// Handler returns the web admin handler, for embedding or tests.
func (s *CallServer) Handler() http.Handler {
	return s.admin.Handler()
}

// publish fans registry events out to metrics and feed clients. It runs on
// the loop.
func (s *CallServer) publish(ev registry.Event) {
	s.metrics.Observe(ev)
	s.hub.Publish(ev)
}

// applyConfig swaps in a reloaded configuration.
func (s *CallServer) applyConfig(cfg *config.Config) {
	old := s.config.Swap(cfg)
	s.contacts.Load(cfg.Contacts)
	if s.zap != nil {
		if level, err := logging.ParseLogLevel(cfg.Logging.Level); err == nil {
			s.zap.SetLevel(level)
		}
	}
	s.loop.Post(func() { s.registry.Reconfigure(old, cfg) })
}

// localIP is the configured local address, or the first non-loopback IPv4
// address. Empty means offline.
func (s *CallServer) localIP() string {
	if addr := s.Config().Sessions.LocalAddress; addr != "" {
		return addr
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip := ipnet.IP.To4(); ip != nil {
			return ip.String()
		}
	}
	return ""
}

// Run starts the loop, the event feed, the web admin surface and the config
// watcher, and blocks until ctx is cancelled or one of them fails. Live
// sessions are ended before the loop stops.
func (s *CallServer) Run(ctx context.Context) error {
	defer s.cleanup()

	cfg := s.Config()
	watcher, err := config.NewWatcher(s.manager, s.path, s.applyConfig, s.logger)
	if err != nil {
		s.logger.Warn("Config hot reload disabled", logging.ErrorField(err))
	} else {
		s.watcher = watcher
	}

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g.Go(func() error { return s.loop.Run(loopCtx) })
	g.Go(func() error { return s.hub.Run(gctx) })
	if cfg.WebAdmin.Enabled {
		g.Go(func() error { return s.admin.Run(gctx, cfg.WebAdmin.Port) })
	}
	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		stopLoop()
		return nil
	})

	s.logger.Info("Call core started",
		logging.StringField("config", s.path),
		logging.IntField("web_admin_port", cfg.WebAdmin.Port))

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown ends every live session while the loop is still running.
func (s *CallServer) shutdown() {
	s.logger.Info("Initiating call core shutdown...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.loop.Call(ctx, s.registry.EndAll); err != nil {
		s.logger.Warn("Failed to end live sessions", logging.ErrorField(err))
	}
}

// cleanup performs resource cleanup
func (s *CallServer) cleanup() {
	if s.loop != nil {
		s.loop.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Error closing history store", logging.ErrorField(err))
		}
	}
	s.logger.Info("Call core shutdown completed")
	if s.zap != nil {
		_ = s.zap.Close()
	}
}

// RunWithSignalHandling runs the server until SIGINT or SIGTERM.
func (s *CallServer) RunWithSignalHandling() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := s.Run(ctx)
	if ctx.Err() != nil {
		s.logger.Info("Received shutdown signal")
	}
	return err
}

var _ Server = (*CallServer)(nil)
