package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/paperbase/config"
	"github.com/mohammad-safakhou/paperbase/internal/embedding"
	"github.com/mohammad-safakhou/paperbase/internal/extract"
	"github.com/mohammad-safakhou/paperbase/internal/pipeline"
	"github.com/mohammad-safakhou/paperbase/internal/queue/streams"
	"github.com/mohammad-safakhou/paperbase/internal/server"
	"github.com/mohammad-safakhou/paperbase/internal/store"
	"github.com/mohammad-safakhou/paperbase/internal/worker"
)

func main() {
	// optional .env for local development
	_ = godotenv.Load()

	var cfgPath string
	root := &cobra.Command{Use: "paperbase"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.Run(config.LoadConfig(cfgPath))
		},
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the document processing worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(config.LoadConfig(cfgPath))
		},
	}

	var direction string
	var steps int
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return server.Migrate("file://migrations", cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, workerCmd, migrateCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return fmt.Errorf("worker postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("worker redis ping: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	registry := streams.NewRegistry()
	if err := streams.RegisterEventSchemas(registry); err != nil {
		return err
	}
	pipelineCfg := cfg.Pipeline.Normalize()
	if err := streams.EnsureGroup(ctx, rdb, pipelineCfg.IngestStream, pipelineCfg.ConsumerGroup); err != nil {
		return fmt.Errorf("worker ensure group: %w", err)
	}

	provider, err := embedding.NewOpenAIProvider(cfg.Embedding)
	if err != nil {
		return err
	}
	embedder, err := embedding.NewEmbedder(provider, cfg.Embedding)
	if err != nil {
		return err
	}

	pub := streams.NewPublisher(rdb, registry)
	ingestPub := streams.NewIngestPublisher(pub, pipelineCfg.IngestStream, pipelineCfg.StreamMaxLen)
	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)

	pl, err := pipeline.New(st, extract.NewExtractor(), embedder, ingestPub, pipelineCfg, cfg.Storage.File, logger)
	if err != nil {
		return err
	}

	consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	consumer := streams.NewConsumer(rdb, registry, pipelineCfg.ConsumerGroup, consumerName)
	processor := worker.NewProcessor(logger, st, pl, consumer, pipelineCfg)
	return processor.Start(ctx)
}
