package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"example.com/laptracker/internal/config"
	"example.com/laptracker/internal/consumer"
	"example.com/laptracker/internal/logging"
	"example.com/laptracker/internal/persistence/postgres"
	"example.com/laptracker/internal/statscache"
	httptransport "example.com/laptracker/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	brokers := cfg.KafkaBrokers()
	if len(brokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required for the consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.PostgresURL, cfg.ConnectTimeout)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.WithError(err).Fatal("schema migration failed")
		}
	}

	handlers := []consumer.Handler{consumer.NewEventLogHandler(pool)}
	if client := statscache.Connect(cfg.RedisAddr, cfg.RedisPassword); client != nil {
		defer client.Close()
		handlers = append(handlers, consumer.NewStatsInvalidationHandler(statscache.New(client, cfg.StatsCacheTTL)))
	} else {
		logger.Info("REDIS_ADDR empty; stats invalidation disabled")
	}
	handler := consumer.Fanout(handlers...)

	metricsSrv := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.MetricsAddress), promhttp.Handler())
	go func() {
		logger.WithField("addr", cfg.MetricsAddress).Info("consumer metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server error")
		}
	}()

	var wg sync.WaitGroup
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for _, topic := range cfg.ConsumerTopics() {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         brokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})

		entry := logger.WithFields(logrus.Fields{"topic": topic, "group": cfg.ConsumerGroupID})
		proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(entry))

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer proc.Close()

			entry.Info("consumer started")
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				entry.WithError(err).Error("consumer stopped with error")
			}
			entry.WithField("lag_seconds", consumer.LagSeconds(topic, time.Now())).Info("consumer stopped")
		}()
	}

	<-stop
	logger.Info("consumer shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics server shutdown error")
	}

	wg.Wait()
}
