package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"

	"atelier/internal/adapter/repo"
	"atelier/internal/dispatch"
	"atelier/internal/engine"
	"atelier/internal/http/handlers"
	httpapi "atelier/internal/http/httpapi"
	"atelier/internal/infra"
	"atelier/internal/providers/imagetool"
	"atelier/internal/providers/render"
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
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()
	runner := infra.NewSQLRunner(pool, logger)
	jobs := repo.NewJobRepository(runner)

	var invoker dispatch.Invoker
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: broker connection failed")
		}
		defer conn.Close()
		rabbit, err := dispatch.NewRabbit(conn, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: broker topology failed")
		}
		defer rabbit.Close()
		invoker = rabbit
	} else {
		// Without a broker the kick-off dispatches are lost; the worker's
		// watchdog picks pending jobs up on its next sweep.
		logger.Warn().Msg("api: AMQP_URL not set, job kick-off relies on watchdog sweeps")
		local := dispatch.NewLocal()
		local.SetDropFilter(func(dispatch.Task) bool { return true })
		invoker = local
	}

	store, err := newArtifactStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: storage configuration failed")
	}

	vendor, err := render.NewClient(render.Options{
		APIKey:        cfg.RenderAPIKey,
		BaseURL:       cfg.RenderBaseURL,
		Logger:        &logger,
		RatePerSecond: cfg.RenderRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: render client configuration failed")
	}

	eng := engine.New(jobs, invoker, vendor, imagetool.NewLocal(), store, logger, engine.Config{
		PollInterval:    cfg.PollInterval,
		MaxRetries:      cfg.MaxRetries,
		MinChildSuccess: cfg.MinChildSuccess,
		SweepLimit:      cfg.SweepLimit,
	})
	families := engine.DefaultFamilies(engine.FamilyThresholds{
		Interactive: cfg.StallInteractive,
		Vendor:      cfg.StallVendor,
		Batch:       cfg.StallBatch,
	})
	app := handlers.NewApp(eng, families, logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		RateLimitPerMin: cfg.RateLimitPerMin,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
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
