package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/config"
	"github.com/phimarket/compliance/internal/domain/auditlog"
	"github.com/phimarket/compliance/internal/domain/consent"
	"github.com/phimarket/compliance/internal/platform/auth"
	"github.com/phimarket/compliance/internal/platform/buffer"
	"github.com/phimarket/compliance/internal/platform/db"
	"github.com/phimarket/compliance/internal/platform/deid"
	"github.com/phimarket/compliance/internal/platform/hipaa"
	"github.com/phimarket/compliance/internal/platform/middleware"
	"github.com/phimarket/compliance/internal/platform/notify"
	"github.com/phimarket/compliance/internal/platform/phi"
	"github.com/phimarket/compliance/internal/platform/sanitize"
	"github.com/phimarket/compliance/internal/platform/transport"
	"github.com/phimarket/compliance/pkg/validate"
)

// app holds the wired compliance components.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	buf      buffer.Buffer
	tr       transport.Transport
	crypto   *hipaa.EncryptionService
	fields   phi.FieldTable
	notifier *notify.Manager
	registry *prometheus.Registry
	pipeline *auditlog.Pipeline
	ledger   *consent.Ledger

	closers []io.Closer
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	for _, w := range cfg.Warnings() {
		logger.Warn().Msg(w)
	}
	return cfg, logger, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// buildApp connects storage and wires every component. Close releases
// connections in reverse order.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	fields, err := phi.LoadFieldOverridesFile(cfg.PHIFieldsFile, phi.DefaultFields())
	if err != nil {
		return nil, err
	}
	a.fields = fields

	secret := cfg.ServerSecret
	if cfg.KMSKeyID != "" && secret != "" {
		src, err := hipaa.LoadKMSSecretSource(ctx, cfg.KMSKeyID)
		if err != nil {
			return nil, err
		}
		if secret, err = src.Unwrap(ctx, secret); err != nil {
			return nil, err
		}
		logger.Info().Msg("server secret unwrapped with KMS")
	}
	previous, err := cfg.PreviousKeys()
	if err != nil {
		return nil, err
	}
	a.crypto, err = hipaa.NewEncryptionService(hipaa.ServiceOptions{
		Key:          cfg.HIPAAEncryptionKey,
		KeyVersion:   cfg.HIPAAKeyVersion,
		PreviousKeys: previous,
		Keys:         hipaa.KeyDeriver{ServerSecret: secret, Seed: cfg.InstallationSeed},
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		r, err := buffer.Connect(ctx, cfg.RedisURL, cfg.RedisPrefix, logger)
		if err != nil {
			return nil, err
		}
		a.buf = r
		a.closers = append(a.closers, r)
	} else {
		logger.Warn().Msg("REDIS_URL is not set: audit queues are held in memory")
		a.buf = buffer.NewMemory()
	}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.pool = pool
		a.closers = append(a.closers, closerFunc(func() error { pool.Close(); return nil }))
		logger.Info().Msg("connected to database")
	}
	a.tr = buildTransport(cfg, a.pool, a.crypto, logger)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.notifier = notify.NewManager(notify.LogSink{Logger: logger}, logger, notify.WithWindow(cfg.NotifyWindow))

	a.pipeline = auditlog.NewPipeline(a.buf, a.tr, auditlog.Config{
		BatchSize:       cfg.AuditBatchSize,
		QueueLimit:      cfg.AuditQueueLimit,
		RetryLimit:      cfg.AuditRetryLimit,
		MaxAttempts:     cfg.AuditMaxAttempts,
		DeliveryTimeout: cfg.AuditDeliveryTimeout,
		RetryInterval:   cfg.AuditRetryInterval,
		RetryRPS:        cfg.AuditRetryRPS,
	}, logger,
		auditlog.WithNotifier(a.notifier),
		auditlog.WithMetrics(auditlog.NewMetrics(a.registry)),
	)

	opts := []consent.Option{consent.WithNotifier(a.notifier)}
	if len(cfg.ConsentAutoRequest) > 0 {
		req, err := consent.NewImplicitRequester(cfg.ConsentAutoRequest)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, consent.WithRequester(req))
	}
	a.ledger = consent.NewLedger(a.buf, a.tr, a.pipeline, logger, opts...)
	a.pipeline.Schedule("consent resync", func(ctx context.Context) {
		// failures are logged by the ledger and retried next cycle
		_, _ = a.ledger.Resync(ctx)
	})

	return a, nil
}

// buildTransport picks the sink named by cfg.SinkMode.
func buildTransport(cfg *config.Config, pool *pgxpool.Pool, sealer transport.Sealer, logger zerolog.Logger) transport.Transport {
	switch cfg.SinkMode() {
	case "postgres":
		return transport.NewPGTransport(pool, sealer, logger)
	case "http":
		var opts []transport.HTTPOption
		if cfg.AuditSinkToken != "" {
			opts = append(opts, transport.WithStaticCredential(cfg.AuditSinkToken))
		}
		return transport.NewHTTPTransport(cfg.AuditSinkURL, cfg.AuditSinkSecret, logger, opts...)
	default:
		l := logger.With().Str("component", "transport.log").Logger()
		return transport.Func(func(_ context.Context, path string, _ any) error {
			l.Debug().Str("path", path).Msg("delivery discarded: no sink configured")
			return nil
		})
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Error().Err(err).Msg("close")
		}
	}
	a.closers = nil
}

func (a *app) bufferCheck(ctx context.Context) error {
	_, err := a.buf.Get(ctx, "health")
	if errors.Is(err, buffer.ErrNotFound) {
		return nil
	}
	return err
}

// server builds the HTTP surface. ctx bounds background middleware work.
func (a *app) server(ctx context.Context) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	e.Use(middleware.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled || cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, middleware.BreakGlassHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	// outside actor resolution so rejected tokens are recorded
	e.Use(middleware.Audit(a.pipeline, logger, middleware.DefaultAuditRules()))
	if cfg.AuthSigningKey != "" {
		e.Use(auth.ActorMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.AuthSigningKey),
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			Required:   cfg.AuthRequired,
			Skipper:    auth.AuthSkipper,
			OnFailure:  middleware.RecordAuthFailure,
		}))
	}
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(middleware.BreakGlass(ctx, a.pipeline, logger))

	e.GET("/health", db.HealthHandler(a.pool, db.Check{Name: "buffer", Ping: a.bufferCheck}))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	api := e.Group("/api/v1")
	phi.NewHandler(a.fields).RegisterRoutes(api)
	sanitize.NewHandler(a.fields, logger).RegisterRoutes(api)
	deid.NewHandler(deid.NewVerifier(logger)).RegisterRoutes(api)
	hipaa.NewCryptoHandler(a.crypto, logger).RegisterRoutes(api)
	auditlog.NewHandler(a.pipeline).RegisterRoutes(api)
	consent.NewHandler(a.ledger).RegisterRoutes(api)
	notify.NewHandler(a.notifier).RegisterRoutes(api.Group("/admin", auth.RequireRole(auth.RoleComplianceOfficer)))

	return e
}

// shutdown stops the server, then the pipeline, then makes one last flush
// attempt so queued entries reach the sink when possible.
func (a *app) shutdown(e *echo.Echo, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		a.logger.Error().Err(err).Msg("server shutdown failed")
	}
	a.pipeline.Wait()
	rep := a.pipeline.Flush(ctx)
	a.logger.Info().Int("delivered", rep.Delivered).Int("requeued", rep.Requeued).Msg("final audit flush")
}
