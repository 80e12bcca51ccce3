package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"golang.org/x/time/rate"

	"opencloud-proxy-go/internal/auth"
	"opencloud-proxy-go/internal/client"
	"opencloud-proxy-go/internal/config"
	"opencloud-proxy-go/internal/handler"
	"opencloud-proxy-go/internal/metrics"
	"opencloud-proxy-go/internal/middleware"
	"opencloud-proxy-go/internal/policy"
	"opencloud-proxy-go/internal/rewrite"
	"opencloud-proxy-go/internal/service"
	"opencloud-proxy-go/internal/target"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("opencloud-proxy"),
		kong.Description("Authenticated forwarding gateway for the Roblox Open Cloud API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newVerifier,
			newResolver,
			newAllowList,
			newRewriter,
			client.NewUpstreamClient,
			service.NewGatewayService,
			handler.NewGatewayHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnStartup, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Streamed upstream bodies may run long; the upstream client timeout bounds them.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Server.RateLimit.RequestsPerSecond))
		e.Use(echomw.RateLimiter(store))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newVerifier(cfg *config.Config) *auth.Verifier {
	return auth.NewVerifier([]byte(cfg.Auth.AccessKey))
}

func newResolver(cfg *config.Config) (*target.Resolver, error) {
	return target.NewResolver(cfg.Upstream.BaseURL)
}

func newAllowList(cfg *config.Config) *policy.AllowList {
	return policy.NewAllowList(cfg.AllowList.Enabled, cfg.AllowList.Hosts)
}

func newRewriter(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *rewrite.Rewriter {
	return rewrite.New(cfg.RewritePolicy(), rewrite.GzipCompressor{}, m, logger)
}

func warnStartup(cfg *config.Config, a *policy.AllowList, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
	cfg.WarnInsecure(logger)
	a.WarnIfEmpty(logger)

	logger.Info("gateway configured",
		"upstream", cfg.Upstream.BaseURL,
		"allowlist_enforced", a.Enforced(),
		"allowed_hosts", a.Hosts(),
		"override_status", cfg.Rewrite.OverrideStatus,
		"append_head", cfg.Rewrite.AppendHead,
		"rewrite_accept_encoding", cfg.Rewrite.RewriteAcceptEncoding,
		"gzip_method", cfg.Rewrite.GzipMethod,
	)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
