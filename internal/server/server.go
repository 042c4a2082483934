package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/paperbase/config"
	"github.com/mohammad-safakhou/paperbase/internal/embedding"
	"github.com/mohammad-safakhou/paperbase/internal/extract"
	"github.com/mohammad-safakhou/paperbase/internal/index"
	"github.com/mohammad-safakhou/paperbase/internal/pipeline"
	"github.com/mohammad-safakhou/paperbase/internal/queue/streams"
	"github.com/mohammad-safakhou/paperbase/internal/runtime"
	"github.com/mohammad-safakhou/paperbase/internal/store"
	"github.com/mohammad-safakhou/paperbase/internal/summary"
)

// Run wires every dependency and serves the HTTP API until the listener
// fails. It owns top-level DI: one store, one redis client, one pipeline.
func Run(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
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
		httpLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if cfg.Telemetry.Enabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		httpLogger.Printf("warn: migrations: %v", err)
	}

	ctx := context.Background()
	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}

	registry := streams.NewRegistry()
	if err := streams.RegisterEventSchemas(registry); err != nil {
		return err
	}
	pub := streams.NewPublisher(rdb, registry)
	pipelineCfg := cfg.Pipeline.Normalize()
	ingestPub := streams.NewIngestPublisher(pub, pipelineCfg.IngestStream, pipelineCfg.StreamMaxLen)
	if err := streams.EnsureGroup(ctx, rdb, pipelineCfg.IngestStream, pipelineCfg.ConsumerGroup); err != nil {
		return err
	}

	provider, err := embedding.NewOpenAIProvider(cfg.Embedding)
	if err != nil {
		return err
	}
	embedder, err := embedding.NewEmbedder(provider, cfg.Embedding)
	if err != nil {
		return err
	}

	pl, err := pipeline.New(st, extract.NewExtractor(), embedder, ingestPub, pipelineCfg, cfg.Storage.File, nil)
	if err != nil {
		return err
	}
	ix := index.New(st, embedder, cfg.Search, nil)
	summaries := summary.New(cfg.LLM)

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api/v1")
	api.Use(runtime.AuthMiddleware(secret))

	dh := &DocumentsHandler{Store: st, Pipeline: pl, MaxUpload: cfg.Server.MaxUploadBytes}
	dh.Register(api)
	sh := &SearchHandler{Index: ix, Store: st, Config: cfg.Search}
	sh.Register(api)
	jh := &JobsHandler{Store: st}
	jh.Register(api)
	sumh := &SummariesHandler{Store: st, Service: summaries}
	sumh.Register(api)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
