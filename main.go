// Command backend is the main entrypoint for the outer chat API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres (or sqlite) and runs idempotent migrations.
//   - Wires the Google sign-in flow, the session layer and the RPC surface.
//   - Exposes the HTTP server with /auth, /rpc, /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM; open message streams are ended first.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/api/chat/v1"

	"github.com/onnwee/outer/backend/config"
	"github.com/onnwee/outer/backend/db"
	"github.com/onnwee/outer/backend/events"
	"github.com/onnwee/outer/backend/googlechat"
	"github.com/onnwee/outer/backend/oauth"
	"github.com/onnwee/outer/backend/rpc"
	"github.com/onnwee/outer/backend/server"
	"github.com/onnwee/outer/backend/session"
	"github.com/onnwee/outer/backend/telemetry"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env", ".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is a no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set
	shutdownTracing, err := telemetry.InitTracing(cfg.OTelEndpoint, "outer", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server exited with error", slog.Any("err", err))
		stop()
		shutdownTracing()
		os.Exit(1)
	}
	slog.Info("shut down")
}

func run(ctx context.Context, cfg *config.Config) error {
	database, dialect, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"), slog.String("dialect", string(dialect)))
	if err := db.Prepare(ctx, database, dialect); err != nil {
		return err
	}

	keys, err := cfg.Keyring()
	if err != nil {
		return err
	}
	if keys == nil {
		slog.Warn("ENCRYPTION_KEY not set, oauth tokens are stored as plaintext")
	}
	store := db.NewStore(database, dialect, keys)

	secret := cfg.SessionSecret
	if err := cfg.ValidateSessionReady(); err != nil {
		if !cfg.DevMode() {
			return err
		}
		// Sessions will not survive a restart.
		if secret, err = oauth.RandomString(32); err != nil {
			return err
		}
		slog.Warn("SESSION_SECRET not set, using an ephemeral secret (dev mode)")
	}
	sessions, err := session.NewManager(session.Options{
		Secret:     secret,
		CookieName: cfg.SessionCookie,
		TTL:        cfg.SessionTTL,
		Secure:     cfg.CookieSecure,
	})
	if err != nil {
		return err
	}

	bus := events.New[*chat.Message](
		events.WithBufferSize(cfg.BusBufferSize),
		events.WithObserver(telemetry.BusObserver{}),
	)
	factory := googlechat.NewFactory(googlechat.Options{Timeout: cfg.RemoteTimeout})
	svc := rpc.NewService(rpc.Options{
		Store: store,
		Clients: func(ctx context.Context, cred db.Credential) (rpc.ChatClient, error) {
			return factory.NewClient(ctx, cred)
		},
		Bus:       bus,
		KeepAlive: cfg.StreamKeepAlive,
	})

	deps := server.Deps{Config: cfg, Store: store, Sessions: sessions, RPC: svc}
	if err := cfg.ValidateGoogleReady(); err != nil {
		slog.Warn("google sign-in disabled", slog.Any("err", err))
	} else {
		deps.Google = oauth.NewGoogle(oauth.Options{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURI,
			Scopes:       cfg.GoogleScopes,
		})
	}

	if cfg.EnablePprof {
		go servePprof(cfg.PprofAddr)
	}

	return server.Start(ctx, server.NewMux(ctx, deps), cfg.HTTPAddr, bus.Close)
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func servePprof(addr string) {
	slog.Info("pprof profiling enabled", slog.String("addr", addr))
	// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil, // default mux exposes /debug/pprof
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("pprof server error", slog.Any("err", err))
	}
}
