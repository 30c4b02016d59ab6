package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"

	"atelier/internal/adapter/repo"
	"atelier/internal/dispatch"
	"atelier/internal/engine"
	"atelier/internal/infra"
	"atelier/internal/providers/imagetool"
	"atelier/internal/providers/render"
	"atelier/internal/schedule"
	"atelier/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()
	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(runner)

	store, err := newArtifactStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: storage configuration failed")
	}

	vendor, err := render.NewClient(render.Options{
		APIKey:        cfg.RenderAPIKey,
		BaseURL:       cfg.RenderBaseURL,
		Logger:        &logger,
		RatePerSecond: cfg.RenderRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: render client configuration failed")
	}
	if cfg.RenderAPIKey == "" {
		logger.Warn().Msg("worker: render api key missing, using synthetic task results")
	}

	engineCfg := engine.Config{
		PollInterval:    cfg.PollInterval,
		MaxRetries:      cfg.MaxRetries,
		MinChildSuccess: cfg.MinChildSuccess,
		SweepLimit:      cfg.SweepLimit,
	}

	var (
		eng     *engine.Engine
		consume func(context.Context) error
	)
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: broker connection failed")
		}
		defer conn.Close()
		rabbit, err := dispatch.NewRabbit(conn, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: broker topology failed")
		}
		defer rabbit.Close()
		eng = engine.New(jobs, rabbit, vendor, imagetool.NewLocal(), store, logger, engineCfg)
		consume = func(ctx context.Context) error { return rabbit.Consume(ctx, eng.Handle) }
	} else {
		logger.Warn().Msg("worker: AMQP_URL not set, running in-process dispatcher")
		local := dispatch.NewLocal()
		eng = engine.New(jobs, local, vendor, imagetool.NewLocal(), store, logger, engineCfg)
		local.SetHandler(eng.Handle)
		consume = func(ctx context.Context) error {
			local.Start(ctx)
			return ctx.Err()
		}
	}

	families := engine.DefaultFamilies(engine.FamilyThresholds{
		Interactive: cfg.StallInteractive,
		Vendor:      cfg.StallVendor,
		Batch:       cfg.StallBatch,
	})
	sched := schedule.New(eng, logger)
	for _, family := range families {
		if err := sched.AddFamily(family); err != nil {
			logger.Fatal().Err(err).Msg("worker: watchdog trigger registration failed")
		}
	}
	sched.Start()
	defer sched.Stop()

	logger.Info().Msg("worker: started")
	if err := consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func newArtifactStore(ctx context.Context, cfg *infra.Config) (storage.Store, error) {
	if cfg.S3Endpoint != "" {
		return storage.NewS3Store(ctx, storage.S3Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
	}
	return storage.NewFileStore(cfg.StoragePath)
}
