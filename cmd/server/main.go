package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/rs/zerolog"

	"github.com/sentinel-analytics/batchcore/internal/config"
	"github.com/sentinel-analytics/batchcore/internal/database"
	"github.com/sentinel-analytics/batchcore/internal/marketdata"
	"github.com/sentinel-analytics/batchcore/internal/orchestrator"
	"github.com/sentinel-analytics/batchcore/internal/portfolio"
	"github.com/sentinel-analytics/batchcore/internal/runhistory"
	"github.com/sentinel-analytics/batchcore/internal/runtracker"
	"github.com/sentinel-analytics/batchcore/internal/scheduler"
	"github.com/sentinel-analytics/batchcore/internal/tradingcalendar"
	"github.com/sentinel-analytics/batchcore/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{Level: os.Getenv("LOG_LEVEL"), Pretty: os.Getenv("LOG_PRETTY") == "true"})
	log.Info().Msg("starting batch orchestration core")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	portfolioDB, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "portfolio.db"), Profile: database.ProfileStandard, Name: "portfolio",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open portfolio database")
	}
	defer portfolioDB.Close()

	marketdataDB, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "marketdata.db"), Profile: database.ProfileCache, Name: "marketdata",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open market data database")
	}
	defer marketdataDB.Close()

	runhistoryDB, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "runhistory.db"), Profile: database.ProfileLedger, Name: "runhistory",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open run history database")
	}
	defer runhistoryDB.Close()

	repo, err := portfolio.NewSQLiteRepository(portfolioDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize portfolio repository")
	}

	cache, err := marketdata.NewCache(marketdataDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize market data cache")
	}

	provider := marketdata.NewYFinanceProvider(cfg.ProviderMaxRetries, cfg.ProviderBackoffBase, log)

	history, err := runhistory.NewSQLiteRepository(runhistoryDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize run history repository")
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if n, err := history.ExpireStaleRunning(bootCtx, cfg.RunTimeout, time.Now().UTC()); err != nil {
		log.Fatal().Err(err).Msg("failed to expire stale running records at startup")
	} else if n > 0 {
		log.Warn().Int("count", n).Msg("expired stale running records left over from an unclean shutdown")
	}
	bootCancel()

	var uploader runhistory.Uploader
	if cfg.ArchiveS3Bucket != "" {
		awsOpts := []func(*awsconfig.LoadOptions) error{}
		if cfg.ArchiveS3AccessKey != "" {
			// A custom endpoint (R2 or another S3-compatible store) needs static
			// credentials: the default provider chain only resolves AWS-hosted
			// accounts.
			awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.ArchiveS3AccessKey, cfg.ArchiveS3SecretKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsOpts...)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load aws configuration for run history archival")
		}
		uploader = runhistory.NewS3Uploader(awsCfg, cfg.ArchiveS3Bucket, cfg.ArchiveS3Endpoint)
	} else {
		log.Warn().Msg("ARCHIVE_S3_BUCKET not set: run history retention will delete without archiving")
	}
	archive := runhistory.NewArchiveService(history, uploader, cfg.RunHistoryRetentionDays, log)

	tracker := runtracker.New(cfg.RunTimeout)
	cal := tradingcalendar.New()

	events := make(chan orchestrator.ProgressEvent, 256)
	go drainProgressEvents(events, log)

	orch := orchestrator.New(repo, cache, provider, cal, tracker, history, orchestrator.Config{
		OuterConcurrency:     cfg.OuterConcurrency,
		InnerConcurrency:     cfg.InnerConcurrency,
		BackfillEarliestDate: cfg.BackfillEarliestDate,
		ProviderRateWindow:   cfg.ProviderRateWindow,
		EngineTimeout:        cfg.EngineTimeout,
	}, events, log)

	// onboarding.New(orch, cfg.OnboardingRetryMaxAttempts, cfg.OnboardingRetryBase, log)
	// is the integration point for portfolio-creation code (the HTTP admin
	// layer, out of scope for this core) to call Onboard once a new
	// portfolio is created; this process has no such caller to wire it to.

	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.SchedulerCron, scheduler.NewUniverseBatchJob(orch)); err != nil {
		log.Fatal().Err(err).Msg("failed to register universe batch job")
	}
	if err := sched.AddJob("0 3 * * *", scheduler.NewArchiveJob(archive, log)); err != nil {
		log.Fatal().Err(err).Msg("failed to register run history archive job")
	}
	sched.Start()
	defer sched.Stop()

	log.Info().Str("cron", cfg.SchedulerCron).Msg("batch orchestration core running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
}

// drainProgressEvents is the default in-process observer of typed
// orchestration progress; a deployment that wants richer observability (a
// metrics sink, a websocket feed) reads from the same channel instead.
func drainProgressEvents(events <-chan orchestrator.ProgressEvent, log zerolog.Logger) {
	for ev := range events {
		log.Debug().
			Str("kind", string(ev.Kind)).
			Str("run_id", ev.RunID).
			Str("portfolio_id", ev.PortfolioID).
			Str("engine", ev.Engine).
			Err(ev.Err).
			Msg("orchestrator progress")
	}
}
