// Package app wires all voxrelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithNotifier, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/history"
	"github.com/MrWong99/voxrelay/internal/notify"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/internal/token"
	"github.com/MrWong99/voxrelay/internal/transport/wsroom"
)

// ServiceName is reported by /health and in telemetry.
const ServiceName = "voxrelay"

const defaultShutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	log   *slog.Logger
	level *slog.LevelVar

	mu  sync.Mutex
	cfg *config.Config

	reg       *config.Registry
	resolver  *config.Resolver
	store     history.Store
	notifier  notify.Notifier
	publisher *notify.Publisher
	issuer    *token.Issuer
	metrics   *observe.Metrics
	manager   *session.Manager
	rooms     *wsroom.Server
	handler   http.Handler
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of opening the configured
// backend. The caller keeps ownership of the store.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithNotifier injects a notifier instead of the log and NATS notifiers.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithLogger sets the logger and the level variable adjusted on config
// reloads.
func WithLogger(l *slog.Logger, level *slog.LevelVar) Option {
	return func(a *App) {
		a.log = l
		a.level = level
	}
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App from cfg. Providers are created through reg; New
// builds them once so that misconfigured providers fail startup rather than
// the first join.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(SlogLevel(cfg.Server.LogLevel))
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Notifications ─────────────────────────────────────────────────
	if err := a.initNotify(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init notify: %w", err)
	}

	// ── 3. Providers ─────────────────────────────────────────────────────
	reg.OnBreakerChange(func(name string, _, to resilience.State) {
		a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
	})
	a.resolver = config.NewResolver(reg, cfg.Providers, a.log)
	if _, err := a.resolver.Resolve(ctx, "", ""); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 4. Token issuer ──────────────────────────────────────────────────
	issuer, err := token.NewIssuer(token.Config{
		APIKey:    cfg.Token.APIKey,
		APISecret: cfg.Token.APISecret,
		URL:       cfg.Token.URL,
		TTL:       cfg.Token.TTL,
	})
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.issuer = issuer

	// ── 5. Sessions and transport ────────────────────────────────────────
	a.manager = session.NewManager(session.ManagerConfig{
		Config:    cfg.SessionConfig(),
		Resolver:  a.resolver,
		History:   a.store,
		Notifier:  a.notifier,
		Summarise: cfg.Pipeline.Summarise,
		Metrics:   a.metrics,
		Logger:    a.log,
	})
	a.rooms = wsroom.New(issuer, a.manager, wsroom.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SampleRate:     cfg.Pipeline.VAD.SampleRate,
		Logger:         a.log,
	})

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.routes()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return a, nil
}

func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	h := a.cfg.History
	switch h.Backend {
	case config.HistorySQLite:
		s, err := history.OpenSQLite(ctx, h.Path)
		if err != nil {
			return err
		}
		a.store = s
		a.log.Info("history store opened", "backend", "sqlite", "path", h.Path)
	case config.HistoryPostgres:
		s, err := history.OpenPostgres(ctx, h.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = s
		a.log.Info("history store opened", "backend", "postgres")
	default:
		a.store = history.NewMemStore()
		a.log.Info("history store opened", "backend", "memory")
	}
	a.closers = append(a.closers, a.store.Close)
	return nil
}

func (a *App) initNotify() error {
	if a.notifier != nil {
		return nil
	}
	notifiers := notify.Multi{notify.LogNotifier{Logger: a.log}}
	if url := a.cfg.Notify.NATSURL; url != "" {
		pub, err := notify.ConnectNATS(notify.NATSConfig{
			Servers:       []string{url},
			SubjectPrefix: a.cfg.Notify.SubjectPrefix,
		}, a.log)
		if err != nil {
			return err
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
		notifiers = append(notifiers, pub)
	}
	a.notifier = notifiers
	return nil
}

// routes builds the HTTP surface.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	checkers := []health.Checker{
		{Name: "history", Check: a.store.Ping},
		{Name: "providers", Check: func(ctx context.Context) error {
			_, err := a.resolver.Resolve(ctx, "", "")
			return err
		}},
	}
	checkers = append(checkers, health.Checker{Name: "breakers", Check: func(context.Context) error {
		if down := a.resolver.Unavailable(); len(down) > 0 {
			return fmt.Errorf("no healthy backend for %s", strings.Join(down, ", "))
		}
		return nil
	}})
	if a.publisher != nil {
		checkers = append(checkers, health.Checker{Name: "nats", Optional: true, Check: func(context.Context) error {
			if !a.publisher.Healthy() {
				return errors.New("nats disconnected")
			}
			return nil
		}})
	}
	health.New(ServiceName, checkers...).Register(mux)

	token.NewHandler(a.issuer, token.HandlerConfig{
		RateLimit:      rate.Limit(a.cfg.Token.RateLimit),
		Burst:          a.cfg.Token.Burst,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Metrics:        a.metrics,
		Logger:         a.log,
	}).Register(mux)

	mux.Handle("GET /metrics", observe.MetricsHandler())
	mux.Handle("GET /sessions", sessionsHandler{issuer: a.issuer, manager: a.manager})
	a.rooms.Register(mux)

	return observe.Middleware(a.metrics,
		observe.WithMiddlewareLogger(a.log),
		observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
	)(mux)
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.manager }

// Issuer returns the room token issuer.
func (a *App) Issuer() *token.Issuer { return a.issuer }

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled or the server fails. When
// ctx is done, Serve returns ctx.Err(); call Shutdown afterwards.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errc <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errc <- a.server.Serve(ln)
	}()
	a.log.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig applies a reloaded configuration. Log level, session settings
// and providers change in place; other sections are reported and keep their
// old values until restart.
func (a *App) ApplyConfig(next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.manager.SetConfig(next.SessionConfig())
		a.log.Info("session settings reloaded; new sessions use them")
	}
	if d.ProvidersChanged {
		a.resolver.SetProviders(next.Providers)
		a.log.Info("provider settings reloaded; new sessions use them")
	}
	for _, section := range d.RestartRequired {
		a.log.Warn("config change requires a restart to take effect", "section", section)
	}
}

// ShutdownTimeout returns the configured grace period for Shutdown.
func (a *App) ShutdownTimeout() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d := a.cfg.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return defaultShutdownTimeout
}

// Shutdown stops accepting requests, ends every session and releases the
// stores. It respects the context deadline: if ctx expires, remaining steps
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.manager.Len(), "connections", a.rooms.Len())

		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}
		if err := a.manager.Shutdown(ctx); err != nil {
			shutdownErr = err
		}
		a.rooms.Close()

		if ctx.Err() != nil {
			a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers))
			shutdownErr = ctx.Err()
			return
		}
		a.closeAll()
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// SlogLevel converts a configured log level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
