// Package server exposes the HTTP API: Google sign-in, the RPC surface the frontend
// calls, health and metrics. It resolves the session cookie on every request and
// injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/outer/backend/config"
	"github.com/onnwee/outer/backend/rpc"
	"github.com/onnwee/outer/backend/session"
)

// Deps are the collaborators NewMux wires into routes.
type Deps struct {
	Config   *config.Config
	Store    AccountStore
	Sessions *session.Manager
	// Google is nil when sign-in is not configured.
	Google SignIn
	RPC    *rpc.Service
}

// NewMux returns the HTTP handler with all routes.
// The provided context is used for rate limiter cleanup goroutines lifecycle.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	limits := rateLimiterConfigFrom(deps.Config)
	authLimiter := newIPRateLimiter(ctx, limits)
	sendLimiter := newIPRateLimiter(ctx, limits)
	slog.Info("initializing in-memory rate limiter",
		slog.Bool("enabled", deps.Config.RateLimitEnabled),
		slog.Int("requests_per_ip", deps.Config.RateLimitRequestsPerIP),
		slog.Duration("window", deps.Config.RateLimitWindow))

	h := NewHandlers(deps.Config, deps.Store, deps.Sessions, deps.Google)

	r := chi.NewRouter()
	if deps.Config.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(withObservability)
	r.Use(middleware.Recoverer)
	r.Use(withCORS(corsConfigFrom(deps.Config)))
	r.Use(deps.Sessions.Middleware)

	r.Get("/", h.HandleRoot)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)

	r.Route("/auth", func(r chi.Router) {
		r.Use(rateLimitMiddleware(authLimiter, "auth", rejectPlain))
		r.Get("/google/start", h.HandleGoogleStart)
		r.Get("/google/callback", h.HandleGoogleCallback)
		r.Post("/sign-out", h.HandleSignOut)
		r.Get("/session", h.HandleSession)
	})

	sendLimit := rateLimitMiddleware(sendLimiter, "send", func(w http.ResponseWriter, r *http.Request) {
		rpc.WriteError(w, r, rpc.NewError(rpc.CodeTooManyRequests, "rate limit exceeded"))
	})
	r.Route("/rpc", func(r chi.Router) {
		r.Use(onlyPath(sendMessagePath, sendLimit))
		r.Mount("/", deps.RPC.Routes())
	})

	return r
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// onShutdown runs as soon as shutdown begins, before waiting on open connections, so
// long-lived streams can be told to end.
func Start(ctx context.Context, handler http.Handler, addr string, onShutdown func()) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, handler, ln, onShutdown)
}

// Serve is Start on an existing listener.
func Serve(ctx context.Context, handler http.Handler, ln net.Listener, onShutdown func()) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Streams clear their own write deadline.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if onShutdown != nil {
		srv.RegisterOnShutdown(onShutdown)
	}

	// Shutdown goroutine
	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
