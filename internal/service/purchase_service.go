package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/buba6c/onesms-v1-sub008/internal/config"
	"github.com/buba6c/onesms-v1-sub008/internal/infrastructure/lock"
	"github.com/buba6c/onesms-v1-sub008/internal/ledger"
	"github.com/buba6c/onesms-v1-sub008/internal/model"
	"github.com/buba6c/onesms-v1-sub008/internal/repository"
	"github.com/buba6c/onesms-v1-sub008/pkg/idgen"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PurchaseService drives a purchase through its lifecycle:
//
//	PENDING -> COMPLETED (commit)  provider delivered the code / rental served
//	PENDING -> TIMEOUT   (refund)  expiry passed, found by the sweep
//	PENDING -> CANCELLED (refund)  user or system cancelled first
//
// The status flip and the fund movement always share one transaction, so a
// terminal status is never visible with an open freeze.
type PurchaseService struct {
	db           *gorm.DB
	cfg          *config.Config
	engine       *ledger.Engine
	purchaseRepo *repository.PurchaseRepository
	outboxRepo   *repository.OutboxRepository
	locker       lock.Locker
	logger       zerolog.Logger
}

func NewPurchaseService(db *gorm.DB, cfg *config.Config, engine *ledger.Engine, locker lock.Locker, logger zerolog.Logger) *PurchaseService {
	return &PurchaseService{
		db:           db,
		cfg:          cfg,
		engine:       engine,
		purchaseRepo: repository.NewPurchaseRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db),
		locker:       locker,
		logger:       logger.With().Str("component", "purchase").Logger(),
	}
}

type CreatePurchaseRequest struct {
	RequestID   string
	UserID      int64
	Kind        string
	ServiceCode string
	CountryCode string
	Price       decimal.Decimal
}

// Create reserves funds and opens a purchase in one transaction. The same
// request_id always returns the same purchase, so provider-side retries
// cannot double-freeze.
func (s *PurchaseService) Create(ctx context.Context, req *CreatePurchaseRequest) (*model.Purchase, error) {
	if req.Kind != model.PurchaseKindActivation && req.Kind != model.PurchaseKindRental {
		return nil, fmt.Errorf("unknown purchase kind %q", req.Kind)
	}
	if req.Price.Sign() <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	existing, err := s.purchaseRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	release, err := s.locker.Acquire(ctx, lock.UserKey(req.UserID))
	if err != nil {
		return nil, fmt.Errorf("acquire purchase lock: %w", err)
	}
	defer release()

	// Re-check under the lock: the first check may have raced a duplicate.
	existing, err = s.purchaseRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	purchase := &model.Purchase{
		PurchaseNo:  idgen.GeneratePurchaseNo(req.Kind),
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		Kind:        req.Kind,
		ServiceCode: req.ServiceCode,
		CountryCode: req.CountryCode,
		Price:       req.Price,
		Status:      model.PurchaseStatusPending,
		ExpiresAt:   time.Now().Add(s.lifetime(req.Kind)),
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.purchaseRepo.Create(ctx, tx, purchase); err != nil {
			return fmt.Errorf("create purchase: %w", err)
		}

		reason := fmt.Sprintf("purchase %s (%s %s)", purchase.PurchaseNo, req.Kind, req.ServiceCode)
		if _, err := s.engine.Tx(tx).Freeze(ctx, req.UserID, req.Price, purchase.ID, reason); err != nil {
			return err
		}

		purchase.FrozenAmount = req.Price
		return nil
	})

	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("user_id", req.UserID).
		Str("purchase_no", purchase.PurchaseNo).
		Str("kind", req.Kind).
		Str("price", req.Price.String()).
		Msg("purchase created")

	return purchase, nil
}

// Complete marks the purchase fulfilled and commits the frozen funds.
// Idempotent: repeated webhook deliveries settle once and then no-op.
func (s *PurchaseService) Complete(ctx context.Context, purchaseID int64, reason string) (*ledger.SettleResult, error) {
	return s.transition(ctx, purchaseID, model.PurchaseStatusCompleted, reason)
}

// Cancel aborts a pending purchase and refunds the frozen funds.
func (s *PurchaseService) Cancel(ctx context.Context, purchaseID int64, reason string) (*ledger.SettleResult, error) {
	return s.transition(ctx, purchaseID, model.PurchaseStatusCancelled, reason)
}

// Expire times out an overdue pending purchase and refunds it. Returns
// Applied=false when another processor already settled it.
func (s *PurchaseService) Expire(ctx context.Context, purchaseID int64) (*ledger.SettleResult, error) {
	return s.transition(ctx, purchaseID, model.PurchaseStatusTimeout, "purchase expired")
}

func (s *PurchaseService) transition(ctx context.Context, purchaseID int64, toStatus, reason string) (*ledger.SettleResult, error) {
	var res *ledger.SettleResult

	err := s.db.Transaction(func(tx *gorm.DB) error {
		purchase, err := s.purchaseRepo.GetByIDForUpdate(ctx, tx, purchaseID)
		if err != nil {
			return err
		}

		flipErr := s.purchaseRepo.UpdateStatus(ctx, tx, purchaseID, model.PurchaseStatusPending, toStatus)
		if flipErr != nil {
			if !errors.Is(flipErr, repository.ErrPurchaseStatusInvalid) {
				return flipErr
			}
			// Lost the conditional flip. If the purchase already carries
			// the target status, fall through to the idempotent fund op
			// so a missed settle gets repaired; anything else is a real
			// conflict for the caller.
			if purchase.Status != toStatus {
				return fmt.Errorf("%w: purchase %d is %s, cannot move to %s",
					repository.ErrPurchaseStatusInvalid, purchaseID, purchase.Status, toStatus)
			}
		}

		engine := s.engine.Tx(tx)
		if toStatus == model.PurchaseStatusCompleted {
			res, err = engine.Commit(ctx, purchase.UserID, purchaseID, reason)
		} else {
			res, err = engine.Unfreeze(ctx, purchase.UserID, purchaseID, true, reason)
		}
		if err != nil {
			return err
		}

		if res.Applied {
			if err := s.enqueueEvent(ctx, tx, purchase, toStatus, res.Amount); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("purchase_id", purchaseID).
		Str("status", toStatus).
		Bool("applied", res.Applied).
		Str("reason", reason).
		Msg("purchase transitioned")

	return res, nil
}

// RepairDrift settles a purchase that is already terminal but still holds
// frozen funds: commit when it completed, refund otherwise. Called by the
// reconcile sweep.
func (s *PurchaseService) RepairDrift(ctx context.Context, purchase *model.Purchase) (*ledger.SettleResult, error) {
	refund := purchase.Status != model.PurchaseStatusCompleted

	var res *ledger.SettleResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.engine.Tx(tx).Unfreeze(ctx, purchase.UserID, purchase.ID, refund, "reconciliation repair")
		if err != nil {
			return err
		}
		if res.Applied {
			return s.enqueueEvent(ctx, tx, purchase, purchase.Status, res.Amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PurchaseService) GetByID(ctx context.Context, purchaseID int64) (*model.Purchase, error) {
	return s.purchaseRepo.GetByID(ctx, purchaseID)
}

func (s *PurchaseService) ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*model.Purchase, int64, error) {
	return s.purchaseRepo.ListByUserID(ctx, userID, page, pageSize)
}

func (s *PurchaseService) lifetime(kind string) time.Duration {
	if kind == model.PurchaseKindRental {
		return time.Duration(s.cfg.Business.RentalTimeoutHours) * time.Hour
	}
	return time.Duration(s.cfg.Business.ActivationTimeoutMinutes) * time.Minute
}

func (s *PurchaseService) enqueueEvent(ctx context.Context, tx *gorm.DB, purchase *model.Purchase, finalStatus string, amount decimal.Decimal) error {
	eventType := model.EventPurchaseRefunded
	if finalStatus == model.PurchaseStatusCompleted {
		eventType = model.EventPurchaseCompleted
	}

	payload, err := json.Marshal(map[string]interface{}{
		"purchase_no":  purchase.PurchaseNo,
		"user_id":      purchase.UserID,
		"kind":         purchase.Kind,
		"service_code": purchase.ServiceCode,
		"final_status": finalStatus,
		"amount":       amount.String(),
		"settled_at":   time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	msg := &model.OutboxMessage{
		MessageKey: purchase.PurchaseNo,
		EventType:  eventType,
		Topic:      s.cfg.Kafka.Topic.PurchaseEvents,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, msg)
}
