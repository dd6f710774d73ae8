package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"example.com/laptracker/internal/api"
	"example.com/laptracker/internal/config"
	"example.com/laptracker/internal/domain"
	"example.com/laptracker/internal/logging"
	"example.com/laptracker/internal/outbox"
	"example.com/laptracker/internal/persistence/memory"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, pool := openRepository(ctx, cfg, logger)
	if pool != nil {
		defer pool.Close()
	}

	opts := []domain.Option{domain.WithLogger(logger.WithField("component", "service"))}
	if client := statscache.Connect(cfg.RedisAddr, cfg.RedisPassword); client != nil {
		defer client.Close()
		opts = append(opts, domain.WithStatsCache(statscache.New(client, cfg.StatsCacheTTL)))
		logger.WithField("addr", cfg.RedisAddr).Info("stats cache enabled")
	}
	service := domain.NewService(repo, opts...)

	var dispatcher *outbox.Dispatcher
	if brokers := cfg.KafkaBrokers(); len(brokers) > 0 && pool != nil {
		producer := outbox.NewKafkaProducer(brokers, logger.WithField("component", "kafka"))
		defer producer.Close()

		dispatcher = outbox.NewDispatcher(pool, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger.WithField("component", "outbox"))
		go dispatcher.Start(ctx)
	} else {
		logger.Info("outbox dispatcher disabled")
	}

	handler := api.NewHandler(service, logger.WithField("component", "api"))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), httptransport.Chain(mux,
		httptransport.RequestLogger(logger.WithField("component", "http")),
		httptransport.Recover(logger),
		httptransport.CORS(cfg.CORSAllowedOrigin),
	))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":    cfg.HTTPAddress,
			"storage": cfg.StorageDriver,
		}).Info("laptracker api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}

	if dispatcher != nil {
		dispatcher.Wait()
	}
}

// openRepository selects the storage driver. An unreachable database leaves the
// repository in its not-connected state so requests fail with 503 instead of
// the process exiting.
func openRepository(ctx context.Context, cfg config.Config, logger *logrus.Logger) (domain.Repository, *pgxpool.Pool) {
	if cfg.StorageDriver == config.StorageMemory {
		logger.Warn("using in-memory storage; data is lost on restart")
		return memory.NewRepository(), nil
	}

	pool, err := postgres.Connect(ctx, cfg.PostgresURL, cfg.ConnectTimeout)
	if err != nil {
		logger.WithError(err).Error("postgres unavailable; serving in degraded mode")
		return postgres.NewRepository(nil), nil
	}

	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			logger.WithError(err).Fatal("schema migration failed")
		}
		logger.Info("schema migrations applied")
	}
	return postgres.NewRepository(pool), pool
}
