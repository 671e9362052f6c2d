// Command duologd is the main entry point for the duolog conversation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jvdbroek/duolog/internal/app"
	"github.com/jvdbroek/duolog/internal/config"
	"github.com/jvdbroek/duolog/internal/feed"
	"github.com/jvdbroek/duolog/internal/gateway"
	"github.com/jvdbroek/duolog/internal/health"
	"github.com/jvdbroek/duolog/internal/identity"
	"github.com/jvdbroek/duolog/internal/observe"
	"github.com/jvdbroek/duolog/internal/store"
	"github.com/jvdbroek/duolog/internal/turnlog"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger: the level is adjustable at runtime via the config watcher ─────
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, *configPath, level); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duologd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			slog.Error("fatal", "err", err)
		}
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// serve wires all subsystems and runs until ctx is cancelled.
func serve(ctx context.Context, configPath string, level *slog.LevelVar) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level.Set(logLevel(cfg.Server.LogLevel))

	slog.Info("duologd starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"staff_language", cfg.Languages.Staff,
	)

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "duolog",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Durable store (optional) ──────────────────────────────────────────────
	var (
		users    identity.UserStore
		recorder gateway.Recorder
		lister   app.TranscriptLister
		checkers []health.Checker
	)
	if dsn := cfg.Store.PostgresDSN; dsn != "" {
		st, pool, err := store.Connect(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		defer pool.Close()
		users = st
		recorder = st
		lister = st
		checkers = append(checkers, health.Database(pool.Ping))
		slog.Info("store connected")
	} else {
		unavailable := storeUnavailable{}
		users = unavailable
		recorder = unavailable
	}

	// ── Core wiring ───────────────────────────────────────────────────────────
	var gwOpts []gateway.Option
	if s := cfg.Store.PersistTimeoutSeconds; s > 0 {
		gwOpts = append(gwOpts, gateway.WithPersistTimeout(time.Duration(s)*time.Second))
	}
	gw := gateway.New(recorder, metrics, gwOpts...)

	state := app.NewState(cfg.Languages.Staff, cfg.Languages.Visitor, cfg.Languages.Available)
	log := turnlog.New()

	// Watch the config file so the language catalogue and log level can be
	// changed without a restart.
	watcher, err := config.NewWatcher(configPath, func(old, cur *config.Config) {
		d := config.Diff(old, cur)
		if d.LogLevelChanged {
			level.Set(logLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.AvailableChanged {
			state.SetAvailableLanguages(d.NewAvailable)
			slog.Info("language catalogue reloaded", "count", len(d.NewAvailable))
		}
		if d.VisitorChanged {
			if err := state.SetVisitorLanguage(d.NewVisitor); err != nil {
				slog.Warn("reloaded visitor language rejected", "err", err)
			}
		}
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()

	application, err := app.New(app.Config{
		State:    state,
		Log:      log,
		Identity: identity.NewManager(users),
		Gateway:  gw,
		Lister:   lister,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	feedServer := feed.NewServer(application, log, metrics)

	// ── HTTP routes ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /feed", feedServer.HandleIngest)
	mux.HandleFunc("GET /view", feedServer.HandleView)
	registerAPI(mux, application)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := feedServer.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		// Let in-flight message writes finish before the pool closes.
		if err := gw.Drain(sctx); err != nil {
			slog.Warn("persistence drain error", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// storeUnavailable stands in for the durable store when no DSN is configured.
// Logins fail with a persistence error and message writes are rejected; the
// live view keeps working.
type storeUnavailable struct{}

var errNoStore = errors.New("duologd: persistence is not configured")

func (storeUnavailable) GetUser(context.Context, string) (*store.StaffUser, error) {
	return nil, errNoStore
}

func (storeUnavailable) CreateUser(context.Context, string) (*store.StaffUser, error) {
	return nil, errNoStore
}

func (storeUnavailable) CreateSession(context.Context, string, string, string) (string, error) {
	return "", errNoStore
}

func (storeUnavailable) InsertMessage(context.Context, store.Message) error {
	return errNoStore
}

// logLevel converts a config log level to the slog level.
func logLevel(level config.LogLevel) slog.Level {
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
