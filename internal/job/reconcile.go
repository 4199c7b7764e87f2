package job

import (
	"context"
	"time"

	"github.com/buba6c/onesms-v1-sub008/internal/config"
	"github.com/buba6c/onesms-v1-sub008/internal/repository"
	"github.com/buba6c/onesms-v1-sub008/internal/service"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ReconcileJob is the continuous replacement for one-off repair scripts.
// Each tick it:
//
//  1. expires PENDING purchases whose expires_at has passed (refund),
//  2. settles terminal purchases that still hold frozen funds,
//  3. audits frozen_balance == SUM(open frozen_amount) per user and logs
//     any drift it cannot explain.
//
// Every purchase is processed independently so one failure never blocks the
// batch, and every step is idempotent, so overlapping runs are safe.
type ReconcileJob struct {
	db           *gorm.DB
	purchaseRepo *repository.PurchaseRepository
	userRepo     *repository.UserRepository
	purchases    *service.PurchaseService
	logger       zerolog.Logger
	stopCh       chan struct{}
	interval     time.Duration
	batchSize    int
}

func NewReconcileJob(db *gorm.DB, cfg *config.Config, purchases *service.PurchaseService, logger zerolog.Logger) *ReconcileJob {
	return &ReconcileJob{
		db:           db,
		purchaseRepo: repository.NewPurchaseRepository(db),
		userRepo:     repository.NewUserRepository(db),
		purchases:    purchases,
		logger:       logger.With().Str("component", "reconcile").Logger(),
		stopCh:       make(chan struct{}),
		interval:     time.Duration(cfg.Business.SweepIntervalSeconds) * time.Second,
		batchSize:    cfg.Business.SweepBatchSize,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	j.logger.Info().Dur("interval", j.interval).Msg("reconcile sweep started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info().Msg("reconcile sweep stopped")
			return
		case <-j.stopCh:
			j.logger.Info().Msg("reconcile sweep stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

// RunOnce executes a single sweep pass. Exported so an admin endpoint or
// test can trigger it directly.
func (j *ReconcileJob) RunOnce(ctx context.Context) {
	j.expireOverdue(ctx)
	j.settleDrifted(ctx)
	j.auditFrozenBalances(ctx)
}

func (j *ReconcileJob) expireOverdue(ctx context.Context) {
	purchases, err := j.purchaseRepo.GetExpired(ctx, j.batchSize)
	if err != nil {
		j.logger.Error().Err(err).Msg("scan for expired purchases failed")
		return
	}

	for _, p := range purchases {
		res, err := j.purchases.Expire(ctx, p.ID)
		if err != nil {
			j.logger.Error().Err(err).
				Int64("purchase_id", p.ID).
				Str("purchase_no", p.PurchaseNo).
				Msg("expire failed")
			continue
		}
		if res.Applied {
			j.logger.Info().
				Int64("purchase_id", p.ID).
				Str("purchase_no", p.PurchaseNo).
				Str("refunded", res.Amount.String()).
				Msg("expired purchase refunded")
		}
	}
}

func (j *ReconcileJob) settleDrifted(ctx context.Context) {
	purchases, err := j.purchaseRepo.GetDrifted(ctx, j.batchSize)
	if err != nil {
		j.logger.Error().Err(err).Msg("scan for drifted purchases failed")
		return
	}

	for _, p := range purchases {
		j.logger.Warn().
			Int64("purchase_id", p.ID).
			Str("purchase_no", p.PurchaseNo).
			Str("status", p.Status).
			Str("frozen_amount", p.FrozenAmount.String()).
			Msg("reconciliation drift: terminal purchase with open freeze")

		res, err := j.purchases.RepairDrift(ctx, p)
		if err != nil {
			j.logger.Error().Err(err).
				Int64("purchase_id", p.ID).
				Msg("drift repair failed")
			continue
		}
		if res.Applied {
			j.logger.Info().
				Int64("purchase_id", p.ID).
				Str("purchase_no", p.PurchaseNo).
				Str("amount", res.Amount.String()).
				Msg("drifted purchase settled")
		}
	}
}

func (j *ReconcileJob) auditFrozenBalances(ctx context.Context) {
	rows, err := j.userRepo.AuditFrozenBalances(ctx, j.batchSize)
	if err != nil {
		j.logger.Error().Err(err).Msg("frozen balance audit failed")
		return
	}

	for _, row := range rows {
		// Non-fatal by design: visibility for operators, repair happens
		// through the purchase-level passes above.
		j.logger.Warn().
			Int64("user_id", row.UserID).
			Str("frozen_balance", row.FrozenBalance.String()).
			Str("open_frozen", row.OpenFrozen.String()).
			Msg("reconciliation drift: frozen balance does not match open purchases")
	}
}
