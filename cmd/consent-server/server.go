package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/consent-engine/internal/config"
	"github.com/ehr/consent-engine/internal/domain/consent"
	"github.com/ehr/consent-engine/internal/domain/labeling"
	"github.com/ehr/consent-engine/internal/platform/auth"
	"github.com/ehr/consent-engine/internal/platform/db"
	"github.com/ehr/consent-engine/internal/platform/fhir"
	"github.com/ehr/consent-engine/internal/platform/middleware"
	"github.com/ehr/consent-engine/internal/platform/telemetry"
)

const (
	requestBodyLimit = "4M"
	requestTimeout   = 60 * time.Second
	shutdownTimeout  = 10 * time.Second
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	var auditDB db.Pinger
	var pgSink consent.AuditSink
	if cfg.AuditDatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.AuditDatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to audit database")
		}
		defer pool.Close()
		auditDB = pool
		pgSink = consent.NewPGAuditSink(pool)
		logger.Info().Msg("connected to audit database")
	}

	e, err := newServer(cfg, logger, serverDeps{auditDB: auditDB, pgSink: pgSink})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Strs("consent_servers", cfg.ConsentFHIRServers).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// serverDeps carries the optional external resources of the server.
type serverDeps struct {
	auditDB db.Pinger
	pgSink  consent.AuditSink
	// transport overrides the FHIR client round tripper.
	transport http.RoundTripper
}

// newServer wires the decision, labeling and operational routes.
func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	metrics := telemetry.NewProvider()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(requestBodyLimit))
	e.Use(middleware.RequestTimeout(requestTimeout))

	var protected []echo.MiddlewareFunc
	if cfg.AuthEnabled() {
		protected = append(protected, auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	} else {
		logger.Warn().Msg("inbound authentication disabled")
	}
	protected = append(protected, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		KeyFunc:           rateLimitKey,
	}))

	clientCfg := fhir.ClientConfig{Timeout: cfg.FHIRClientTimeout, Transport: deps.transport}
	if cfg.UpstreamAuthEnabled() {
		ts, err := auth.NewServiceAccountTokenSource(auth.ServiceAccountConfig{
			ClientEmail:   cfg.UpstreamAuthClientEmail,
			PrivateKeyPEM: cfg.UpstreamAuthPrivateKey,
			TokenURL:      cfg.UpstreamAuthTokenURL,
			Scope:         cfg.UpstreamAuthScope,
		})
		if err != nil {
			return nil, fmt.Errorf("upstream auth: %w", err)
		}
		clientCfg.TokenSource = ts
	}
	client := fhir.NewClient(clientCfg)

	sinks := consent.AuditSinks{consent.NewFHIRAuditSink(client, cfg.ConsentFHIRServers, cfg.OrgName)}
	if deps.pgSink != nil {
		sinks = append(sinks, deps.pgSink)
	}

	repo := consent.NewFHIRRepository(client)
	labeler := labeling.NewLabeler(loadRules(cfg, logger), metrics)
	discovery := consent.NewDiscovery(repo, cfg.ConsentFHIRServers, metrics, logger)
	processor := consent.NewProcessor(repo, sinks, logger, consent.WithObserver(metrics))
	svc := consent.NewService(discovery, processor, labeler, logger)

	hooks := fhir.NewCDSHooksHandler()
	consentHandler := consent.NewHandler(svc, consent.Source{Name: cfg.OrgName, URL: cfg.OrgURL})
	labelHandler := labeling.NewHandler(labeler)
	consentHandler.RegisterHooks(hooks)
	labelHandler.RegisterHooks(hooks)

	hooks.RegisterRoutes(e, protected...)
	consentHandler.RegisterRoutes(e, protected...)
	labelHandler.RegisterRoutes(e, protected...)

	e.GET("/ping", ping)
	e.GET("/health", db.HealthHandler(deps.auditDB))
	e.GET("/metrics", metrics.PrometheusHandler())

	return e, nil
}

// rateLimitKey buckets authenticated callers by token subject and anonymous
// callers by address.
func rateLimitKey(c echo.Context) string {
	if sub := auth.SubjectFromContext(c.Request().Context()); sub != "" {
		return "sub:" + sub
	}
	return "ip:" + c.RealIP()
}

// ping answers with an empty body, or with the error named by ?error=.
func ping(c echo.Context) error {
	switch c.QueryParam("error") {
	case fhir.ErrKindBadRequest:
		return fhir.BadRequest("Invalid request.")
	case fhir.ErrKindInternal:
		return fhir.InternalError("Internal server error.")
	}
	return c.NoContent(http.StatusOK)
}
