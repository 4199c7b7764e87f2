package job

import (
	"context"
	"time"

	"github.com/buba6c/onesms-v1-sub008/internal/config"
	"github.com/buba6c/onesms-v1-sub008/internal/infrastructure/mq"
	"github.com/buba6c/onesms-v1-sub008/internal/model"
	"github.com/buba6c/onesms-v1-sub008/internal/repository"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// OutboxSender drains pending outbox rows to Kafka. At-least-once: a crash
// between send and MarkSent re-delivers, consumers dedupe on message key.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	producer   mq.Producer
	logger     zerolog.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetries int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config, producer mq.Producer, logger zerolog.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		producer:   producer,
		logger:     logger.With().Str("component", "outbox").Logger(),
		stopCh:     make(chan struct{}),
		interval:   time.Second,
		batchSize:  100,
		maxRetries: cfg.Business.MaxRetryCount,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info().Msg("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("outbox sender stopped")
			return
		case <-s.stopCh:
			s.logger.Info().Msg("outbox sender stopped")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) ProcessPending(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("fetch pending outbox messages failed")
		return
	}

	for _, msg := range messages {
		s.send(ctx, msg)
	}
}

func (s *OutboxSender) send(ctx context.Context, msg *model.OutboxMessage) {
	err := s.producer.Send(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if markErr := s.outboxRepo.MarkSent(ctx, msg.ID); markErr != nil {
			s.logger.Error().Err(markErr).Int64("outbox_id", msg.ID).Msg("mark sent failed")
		}
		return
	}

	s.logger.Error().Err(err).
		Int64("outbox_id", msg.ID).
		Str("topic", msg.Topic).
		Str("key", msg.MessageKey).
		Msg("outbox send failed")

	if msg.RetryCount+1 >= s.maxRetries {
		if markErr := s.outboxRepo.MarkFailed(ctx, msg.ID); markErr != nil {
			s.logger.Error().Err(markErr).Int64("outbox_id", msg.ID).Msg("mark failed failed")
		} else {
			s.logger.Warn().Int64("outbox_id", msg.ID).Msg("outbox message parked after max retries")
		}
		return
	}

	if incErr := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); incErr != nil {
		s.logger.Error().Err(incErr).Int64("outbox_id", msg.ID).Msg("increment retry count failed")
	}
}
