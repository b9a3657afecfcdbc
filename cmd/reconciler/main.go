package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jogardn/storefront-orders/internal/config"
	"github.com/jogardn/storefront-orders/internal/delivery"
	"github.com/jogardn/storefront-orders/internal/events"
	"github.com/jogardn/storefront-orders/internal/inventory"
	"github.com/jogardn/storefront-orders/internal/settlement"
)

func main() {
	replayDLQ := flag.Bool("replay-dlq", false, "replay dead-lettered settlement repairs instead of consuming them")
	replayDelay := flag.Duration("replay-delay", events.DefaultReplayConfig().Delay, "wait before each replay")
	maxReplays := flag.Int("max-replays", events.DefaultReplayConfig().MaxReplays, "replays per message before it is parked")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	logger := cfg.NewLogger()

	if cfg.KafkaBrokers == "" {
		logger.Fatal("KAFKA_BROKERS must be set")
	}
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("Reconciler is using an in-memory store; it cannot see orders of other processes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *replayDLQ {
		runReplayer(ctx, cfg, events.ReplayConfig{Delay: *replayDelay, MaxReplays: *maxReplays}, logger)
		return
	}
	runConsumer(ctx, cfg, logger)
}

func runConsumer(ctx context.Context, cfg *config.Config, logger *logrus.Logger) {
	st, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	publisher, closePublisher, err := cfg.NewPublisher(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create event publisher")
	}
	defer closePublisher()

	reconciler := settlement.NewReconciler(settlement.ReconcilerDeps{
		Orders:     st.Orders(),
		Deliveries: st.Deliveries(),
		Gate:       inventory.NewGate(st.Products(), logger),
		Assigner:   delivery.NewAssigner(delivery.AssignerDeps{Deliveries: st.Deliveries(), Logger: logger}),
		Publisher:  publisher,
		Logger:     logger,
	})

	consumer, err := events.NewKafkaConsumerWithRetry(cfg.KafkaBrokers, cfg.ConsumerGroup, reconciler, events.DefaultRetryPolicy(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The metrics loop ends with the consumer.
		defer cancel()
		logger.WithFields(logrus.Fields{
			"topic": events.SettlementIncompleteTopic,
			"group": cfg.ConsumerGroup,
		}).Info("Settlement reconciler started")
		return consumer.Start(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				m := consumer.Metrics()
				logger.WithFields(logrus.Fields{
					"processed":     m.Processed,
					"succeeded":     m.Succeeded,
					"retries":       m.Retries,
					"dead_lettered": m.DeadLettered,
					"failed":        m.Failed,
				}).Info("Reconciler metrics")
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Reconciler stopped with error")
		return
	}
	logger.Info("Reconciler stopped")
}

func runReplayer(ctx context.Context, cfg *config.Config, replay events.ReplayConfig, logger *logrus.Logger) {
	replayer, err := events.NewDLQReplayer(cfg.KafkaBrokers, cfg.ConsumerGroup+"-dlq", replay, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ replayer")
	}
	defer replayer.Close()

	logger.WithFields(logrus.Fields{
		"topic":       events.SettlementIncompleteDLQTopic,
		"delay":       replay.Delay.String(),
		"max_replays": replay.MaxReplays,
	}).Info("DLQ replayer started")

	if err := replayer.Run(ctx); err != nil {
		logger.WithError(err).Error("DLQ replayer stopped with error")
	}

	stats := replayer.Stats()
	logger.WithFields(logrus.Fields{
		"seen":     stats.Seen,
		"replayed": stats.Replayed,
		"parked":   stats.Parked,
		"failed":   stats.Failed,
	}).Info("DLQ replayer stopped")
}
