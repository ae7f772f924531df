package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/telemetry/config"
	"example.com/backstage/services/telemetry/internal/cache"
	"example.com/backstage/services/telemetry/internal/database"
	"example.com/backstage/services/telemetry/internal/messaging"
	"example.com/backstage/services/telemetry/internal/repository"
	"example.com/backstage/services/telemetry/internal/service"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background drain worker",
	Long: `Start the background worker that periodically drains the payload
queue: validates queued payloads, updates the latest-value views, appends
reading logs, and records diagnostics.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	defer db.Close()

	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		return errors.Wrap(err, "failed to connect to Redis")
	}
	defer redisClient.Close()

	msgClient, err := messaging.NewServiceBusClient(cfg.ServiceBus, "telemetry-worker")
	if err != nil {
		return errors.Wrap(err, "failed to connect to message broker")
	}
	defer msgClient.Close()

	repo := repository.NewRepository(db)

	svc, err := service.NewService(service.ServiceConfig{
		Repository:      repo,
		Cache:           redisClient,
		MessagingClient: msgClient,
		Logger:          log,
		Ingest:          cfg.Ingest,
	})
	if err != nil {
		return errors.Wrap(err, "failed to initialize service")
	}

	interval := time.Duration(cfg.Ingest.DrainIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	// Start the scheduled drain job
	g.Go(func() error {
		log.WithField("interval", interval).Info("Starting scheduled drain job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(func() {
				summary, err := svc.RunDrain(ctx, service.DrainOptions{
					Tolerant: cfg.Ingest.Tolerant,
				})
				switch {
				case errors.Is(err, service.ErrDrainInProgress):
					log.Debug("Skipping drain; previous cycle still running")
				case err != nil:
					log.WithError(err).Error("Drain cycle failed")
				default:
					log.WithField("processed", summary.Processed).Debug("Drain cycle finished")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("Worker error")
		return err
	}

	log.Info("Worker shutting down gracefully")
	return nil
}
