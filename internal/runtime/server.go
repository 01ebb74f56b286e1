// Package runtime assembles the Pipelex API server: configuration, storage,
// the pipe registry, the engine, the lifecycle orchestrator and the HTTP
// router.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Pipelex/pipelex-api/internal/adapters/auth/apikey"
	"github.com/Pipelex/pipelex-api/internal/adapters/auth/jwtauth"
	"github.com/Pipelex/pipelex-api/internal/adapters/events/direct"
	"github.com/Pipelex/pipelex-api/internal/adapters/storage/memory"
	"github.com/Pipelex/pipelex-api/internal/adapters/storage/redis"
	"github.com/Pipelex/pipelex-api/internal/adapters/storage/sqlite"
	"github.com/Pipelex/pipelex-api/internal/api/controlplane"
	apimw "github.com/Pipelex/pipelex-api/internal/api/middleware"
	"github.com/Pipelex/pipelex-api/internal/api/pipelex"
	"github.com/Pipelex/pipelex-api/internal/builder"
	"github.com/Pipelex/pipelex-api/internal/builder/openai"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
	"github.com/Pipelex/pipelex-api/internal/engine"
	"github.com/Pipelex/pipelex-api/internal/lifecycle"
	"github.com/Pipelex/pipelex-api/internal/pkg/config"
	"github.com/Pipelex/pipelex-api/internal/pkg/safehttp"
	"github.com/Pipelex/pipelex-api/internal/plx"
	"github.com/Pipelex/pipelex-api/internal/registry"
	"github.com/Pipelex/pipelex-api/internal/runner"
)

// builderHTTPTimeout bounds one chat completion call of the pipe builder.
const builderHTTPTimeout = 2 * time.Minute

// Server is the Pipelex API process. It owns every component and the HTTP
// server lifecycle, and can be embedded in larger applications.
type Server struct {
	// Dependencies (injected via options or built from config)
	config  ports.ConfigProvider
	auth    ports.AuthProvider
	storage ports.StorageProvider
	events  ports.EventPublisher
	builder ports.Builder

	cfg          *config.Config
	registry     *registry.Registry
	dispatcher   *engine.Dispatcher
	orchestrator *lifecycle.Orchestrator
	handler      http.Handler
	server       *http.Server
	logger       *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New loads the configuration and builds every component. The auth
// strategy is fixed here; later config reloads only refresh secrets.
func New(opts ...Option) (*Server, error) {
	s := &Server{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if s.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	cfg, err := s.config.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	s.cfg = cfg

	if s.storage == nil {
		if s.storage, err = newStorage(cfg.Storage); err != nil {
			return nil, err
		}
		s.logger.Info("storage initialized", slog.String("type", cfg.Storage.Type))
	}
	if s.events == nil {
		publisher, err := direct.NewPublisher(s.storage)
		if err != nil {
			return nil, fmt.Errorf("create default event publisher: %w", err)
		}
		s.events = publisher
	}
	if s.auth == nil {
		s.auth = newAuthProvider(cfg.Auth, s.logger)
	}
	s.logger.Info("authentication strategy selected", slog.String("scheme", string(s.auth.Scheme())))

	if err := s.initEngine(cfg); err != nil {
		return nil, err
	}
	s.handler = s.routes()
	return s, nil
}

func newStorage(cfg config.StorageConfig) (ports.StorageProvider, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.NewProvider(cfg.RunTTL), nil
	case "sqlite":
		store, err := sqlite.NewProvider(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("create sqlite storage: %w", err)
		}
		return store, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := redis.NewProvider(ctx, cfg.Redis.URL, cfg.RunTTL)
		if err != nil {
			return nil, fmt.Errorf("create redis storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func newAuthProvider(cfg config.AuthConfig, logger *slog.Logger) ports.AuthProvider {
	if cfg.UseJWT {
		return jwtauth.NewProvider(cfg, logger)
	}
	return apikey.NewProvider(cfg, logger)
}

func (s *Server) initEngine(cfg *config.Config) error {
	s.registry = registry.New(
		registry.WithMaxSessions(cfg.Registry.MaxSessions),
		registry.WithClosedRetention(cfg.Registry.ClosedRetention),
		registry.WithLogger(s.logger),
	)

	executor := engine.NewExecutor(engine.DefaultFuncs())
	dispatcher, err := engine.NewDispatcher(executor, s.registry, s.storage,
		engine.WithEvents(s.events),
		engine.WithRunTimeout(cfg.Engine.RunTimeout),
		engine.WithMaxMultiplicity(cfg.Engine.MaxOutputMultiplicity),
		engine.WithDispatcherLogger(s.logger),
	)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	s.dispatcher = dispatcher

	if s.builder == nil && cfg.Builder.Enabled() {
		b, err := newBuilder(cfg.Builder, executor.Funcs().Names(), s.logger)
		if err != nil {
			return err
		}
		s.builder = b
	}

	orcOpts := []lifecycle.Option{
		lifecycle.WithEvents(s.events),
		lifecycle.WithLogger(s.logger),
		lifecycle.WithRunnerOptions(runner.Options{
			BaseURL:  cfg.Runner.BaseURL,
			TokenEnv: cfg.Runner.TokenEnv,
		}),
	}
	if s.builder != nil {
		orcOpts = append(orcOpts, lifecycle.WithBuilder(s.builder))
	}
	orc, err := lifecycle.New(s.registry, engine.NewValidator(s.registry, executor), dispatcher, orcOpts...)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	s.orchestrator = orc

	if len(cfg.Library.Paths) > 0 {
		bps, err := plx.ReadLibrary(cfg.Library.Paths)
		if err != nil {
			return fmt.Errorf("read pipe library: %w", err)
		}
		if _, err := orc.LoadLibrary(context.Background(), bps); err != nil {
			return fmt.Errorf("load pipe library: %w", err)
		}
	}
	return nil
}

func newBuilder(cfg config.BuilderConfig, functions []string, logger *slog.Logger) (*builder.Builder, error) {
	httpClient := &http.Client{Timeout: builderHTTPTimeout}
	if cfg.BlockPrivateNetworks {
		httpClient = safehttp.NewClient(builderHTTPTimeout)
	}
	clientOpts := []openai.ClientOption{openai.WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(cfg.BaseURL))
	}

	b, err := builder.New(openai.NewClient(cfg.APIKey, clientOpts...),
		builder.WithModel(cfg.Model),
		builder.WithMaxAttempts(cfg.MaxAttempts),
		builder.WithMaxBriefTokens(cfg.MaxBriefTokens),
		builder.WithFunctions(functions),
		builder.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create pipe builder: %w", err)
	}
	logger.Info("pipe builder enabled", slog.String("model", cfg.Model))
	return b, nil
}

// routes builds the router: public health routes, the authenticated /api/v1 and
// /admin trees, and the shared middleware chain.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(apimw.RequestID)
	r.Use(apimw.Logging(s.logger))
	r.Use(apimw.CORS())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"message": "Pipelex API"})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})

	api := pipelex.NewHandler(s.orchestrator, s.logger)
	cp := controlplane.NewServer(s.cfg, s.registry, s.storage)

	r.Group(func(r chi.Router) {
		r.Use(apimw.Auth(s.auth, s.logger))
		r.Use(apimw.Timeout(s.cfg.Server.RequestTimeout))
		r.Use(chimw.Recoverer)

		r.Route("/api/v1", api.Routes)
		r.Mount("/admin", cp)
	})

	return otelhttp.NewHandler(r, "pipelex-api")
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Orchestrator returns the lifecycle orchestrator.
func (s *Server) Orchestrator() *lifecycle.Orchestrator {
	return s.orchestrator
}

// Registry returns the pipe registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Config returns the configuration loaded at startup or by the last reload.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start listens on the configured port and watches the config for changes.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	go s.watchConfig()

	s.logger.Info("pipelex api started",
		slog.Int("port", s.cfg.Server.Port),
		slog.String("auth", string(s.auth.Scheme())),
		slog.String("storage", s.cfg.Storage.Type),
		slog.Bool("builder", s.builder != nil))
	return nil
}

// Shutdown stops accepting requests, waits for started runs, then closes
// resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("shutting down pipelex api")

	if s.cancel != nil {
		s.cancel()
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			return err
		}
	}

	if err := s.dispatcher.Wait(ctx); err != nil {
		s.logger.Warn("pipeline runs still in flight at shutdown", slog.String("error", err.Error()))
	}

	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}

	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			s.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if s.config != nil {
		if err := s.config.Close(); err != nil {
			s.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("pipelex api shutdown complete")
	return nil
}

// watchConfig watches for config changes and reloads.
func (s *Server) watchConfig() {
	onChange := func(newCfg *config.Config) {
		s.logger.Info("config changed, reloading")
		s.reload(newCfg)
	}

	if err := s.config.Watch(s.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload refreshes auth secrets from cfg. Switching between JWT and API key
// needs a restart.
func (s *Server) reload(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Auth.UseJWT != s.cfg.Auth.UseJWT {
		s.logger.Warn("auth.use_jwt changed; restart to switch authentication strategy",
			slog.String("active", string(s.auth.Scheme())))
	}

	if reloader, ok := s.auth.(interface{ ReloadFromConfig(*config.Config) error }); ok {
		if err := reloader.ReloadFromConfig(cfg); err != nil {
			s.logger.Warn("failed to reload auth provider", slog.String("error", err.Error()))
		}
	}

	s.cfg = cfg
	s.logger.Info("reload complete", slog.String("auth", string(s.auth.Scheme())))
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
