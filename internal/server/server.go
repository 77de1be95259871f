package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	appconfig "github.com/brandlens/brandlens/config"
	"github.com/brandlens/brandlens/internal/diagnosis"
	"github.com/brandlens/brandlens/internal/provider"
	"github.com/brandlens/brandlens/internal/provider/anthropic"
	"github.com/brandlens/brandlens/internal/provider/gemini"
	"github.com/brandlens/brandlens/internal/provider/openai"
	"github.com/brandlens/brandlens/internal/store"
	"github.com/brandlens/brandlens/internal/telemetry"
)

// Run wires the service together and serves the HTTP API.
func Run(cfg *appconfig.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		baseLogger.Printf("migrate: %v", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		metrics = telemetry.New(prometheus.DefaultRegisterer)
	}

	registry := buildProviderRegistry(cfg.Providers)
	if len(registry.Models()) == 0 {
		return fmt.Errorf("no AI providers configured (providers.openai/anthropic/gemini)")
	}

	dlq := diagnosis.NewDeadLetterService(st, metrics)
	stubs := diagnosis.NewStubService(st, metrics)
	timeouts := diagnosis.NewTimeoutManager()
	dispatcher := diagnosis.NewDispatcher(
		cfg.Diagnosis, cfg.Rollout, st, registry, scorerSelector{}, dlq, stubs, timeouts, metrics,
	)

	api := e.Group("/api")

	dh := &DiagnosisHandler{Repo: st, Dispatcher: dispatcher, Registry: registry, Cfg: cfg.Diagnosis}
	dh.Register(api.Group("/diagnoses"))

	dlh := &DeadLettersHandler{DLQ: dlq, Dispatcher: dispatcher}
	dlh.Register(api.Group("/deadletters"))

	// dead-letter sweeper with redis locks so one instance in a fleet sweeps
	if cfg.Storage.Redis.Host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		sweeper := &Sweeper{
			DLQ:        dlq,
			Dispatcher: dispatcher,
			Rdb:        rdb,
			CronSpec:   cfg.Diagnosis.SweepCron,
			Interval:   cfg.Diagnosis.SweepInterval,
			Stop:       make(chan struct{}),
		}
		sweeper.Start()
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10002"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// buildProviderRegistry binds one adapter per configured model. Each
// platform shares one rate limiter across its models so a big matrix cannot
// saturate the upstream API.
func buildProviderRegistry(cfg appconfig.ProvidersConfig) *provider.Registry {
	reg := provider.NewRegistry()

	if pc := cfg.OpenAI; pc.APIKey != "" {
		limiter := newLimiter(pc.RequestsPerSecond)
		for _, model := range pc.Models {
			reg.Register(model, openai.New(pc.APIKey, pc.BaseURL, model, pc.Temperature, pc.MaxTokens, providerTimeout(pc), limiter))
		}
	}
	if pc := cfg.Anthropic; pc.APIKey != "" {
		limiter := newLimiter(pc.RequestsPerSecond)
		for _, model := range pc.Models {
			reg.Register(model, anthropic.New(pc.APIKey, pc.BaseURL, model, pc.MaxTokens, providerTimeout(pc), limiter))
		}
	}
	if pc := cfg.Gemini; pc.APIKey != "" {
		limiter := newLimiter(pc.RequestsPerSecond)
		for _, model := range pc.Models {
			reg.Register(model, gemini.New(pc.APIKey, pc.BaseURL, model, providerTimeout(pc), limiter))
		}
	}
	return reg
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		rps = 2
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

func providerTimeout(pc appconfig.ProviderConfig) time.Duration {
	if pc.Timeout <= 0 {
		return 30 * time.Second
	}
	return pc.Timeout
}
