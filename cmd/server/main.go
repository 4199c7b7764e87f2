package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buba6c/onesms-v1-sub008/internal/config"
	"github.com/buba6c/onesms-v1-sub008/internal/handler"
	"github.com/buba6c/onesms-v1-sub008/internal/infrastructure/cache"
	"github.com/buba6c/onesms-v1-sub008/internal/infrastructure/database"
	"github.com/buba6c/onesms-v1-sub008/internal/infrastructure/lock"
	"github.com/buba6c/onesms-v1-sub008/internal/infrastructure/mq"
	"github.com/buba6c/onesms-v1-sub008/internal/job"
	"github.com/buba6c/onesms-v1-sub008/internal/ledger"
	"github.com/buba6c/onesms-v1-sub008/internal/service"
	"github.com/buba6c/onesms-v1-sub008/pkg/idgen"

	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	if err := idgen.Init(1); err != nil {
		logger.Fatal().Err(err).Msg("init id generator")
	}

	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		logger.Fatal().Err(err).Msg("init mysql")
	}

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Enabled {
		redisClient, err := cache.InitRedis(&cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("init redis")
		}
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient)
	}

	var producer mq.Producer
	if cfg.Kafka.Enabled {
		producer, err = mq.NewKafkaProducer(&cfg.Kafka)
		if err != nil {
			logger.Fatal().Err(err).Msg("init kafka")
		}
		defer producer.Close()
	}

	engine := ledger.NewEngine(db, logger)
	accounts := service.NewAccountService(db, logger)
	purchases := service.NewPurchaseService(db, cfg, engine, locker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconcileJob := job.NewReconcileJob(db, cfg, purchases, logger)
	go reconcileJob.Start(ctx)

	if producer != nil {
		outboxSender := job.NewOutboxSender(db, cfg, producer, logger)
		go outboxSender.Start(ctx)
	}

	router := handler.SetupRouter(cfg, accounts, purchases, logger)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}

	logger.Info().Msg("server stopped")
}
