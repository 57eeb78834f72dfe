package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/eventcore/internal/api"
	"example.com/backstage/eventcore/internal/database"
	"example.com/backstage/eventcore/internal/messaging"
	"example.com/backstage/eventcore/internal/outbox"
	"example.com/backstage/eventcore/internal/tracing"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the outbox relay",
	Long:  `Start the outbox relay: publishes staged messages to Azure Service Bus, reclaims expired leases, purges old entries and serves the admin API`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)
	if err := database.Migrate(db); err != nil {
		return err
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}
	defer tracer.Shutdown(5 * time.Second)

	broker, err := messaging.NewServiceBusBroker(cfg.Azure)
	if err != nil {
		return err
	}
	if closer, ok := broker.(*messaging.ServiceBusBroker); ok {
		defer closer.Close(context.Background())
	}

	store := outbox.NewGormStore(db)
	relay := outbox.NewRelay(store, broker, outbox.RelayConfig{
		Owner:           cfg.Outbox.Owner,
		BatchSize:       cfg.Outbox.BatchSize,
		PublishTimeout:  cfg.Outbox.PublishTimeout,
		Lease:           cfg.Outbox.Lease,
		AckRetention:    cfg.Outbox.AckRetention,
		FailedRetention: cfg.Outbox.FailedRetention,
	})
	scheduler := outbox.NewScheduler(relay, outbox.ScheduleConfig{
		PublishInterval: cfg.Outbox.PublishInterval,
		ReclaimInterval: cfg.Outbox.ReclaimInterval,
		GCInterval:      cfg.Outbox.GCInterval,
	}, tracer.WrapJob)

	server := api.NewServer(cfg.Admin, store, func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}
	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
