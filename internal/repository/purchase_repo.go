package repository

import (
	"context"
	"errors"
	"time"

	"github.com/buba6c/onesms-v1-sub008/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrPurchaseNotFound      = errors.New("purchase not found")
	ErrPurchaseStatusInvalid = errors.New("invalid purchase status transition")
)

type PurchaseRepository struct {
	db *gorm.DB
}

func NewPurchaseRepository(db *gorm.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

func (r *PurchaseRepository) Create(ctx context.Context, tx *gorm.DB, purchase *model.Purchase) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(purchase).Error
}

func (r *PurchaseRepository) GetByID(ctx context.Context, purchaseID int64) (*model.Purchase, error) {
	var purchase model.Purchase
	err := r.db.WithContext(ctx).Where("id = ?", purchaseID).First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return &purchase, nil
}

func (r *PurchaseRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, purchaseID int64) (*model.Purchase, error) {
	var purchase model.Purchase
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", purchaseID).
		First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return &purchase, nil
}

// GetByRequestID returns nil, nil when no purchase exists for the request.
// Callers use it for idempotent creation.
func (r *PurchaseRepository) GetByRequestID(ctx context.Context, requestID string) (*model.Purchase, error) {
	var purchase model.Purchase
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &purchase, nil
}

// UpdateStatus flips the status with a conditional UPDATE. The WHERE on the
// current status is what keeps two concurrent sweep runs from both "winning"
// a terminal transition and double-refunding.
func (r *PurchaseRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, purchaseID int64, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrPurchaseStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Purchase{}).
		Where("id = ? AND status = ?", purchaseID, fromStatus).
		Update("status", toStatus)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPurchaseStatusInvalid
	}

	return nil
}

// SetFrozenAmount records the amount currently held for the purchase.
// Called only by the ledger engine, inside the same transaction as the
// balance mutation and the operation append.
func (r *PurchaseRepository) SetFrozenAmount(ctx context.Context, tx *gorm.DB, purchaseID int64, amount decimal.Decimal) error {
	result := tx.WithContext(ctx).
		Model(&model.Purchase{}).
		Where("id = ?", purchaseID).
		Update("frozen_amount", amount)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPurchaseNotFound
	}

	return nil
}

// Settle zeroes the frozen amount and records whether the funds were
// charged (commit) or returned (refund).
func (r *PurchaseRepository) Settle(ctx context.Context, tx *gorm.DB, purchaseID int64, charged bool) error {
	result := tx.WithContext(ctx).
		Model(&model.Purchase{}).
		Where("id = ?", purchaseID).
		Updates(map[string]interface{}{
			"frozen_amount": decimal.Zero,
			"charged":       charged,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPurchaseNotFound
	}

	return nil
}

// GetExpired returns PENDING purchases whose expiry has passed.
func (r *PurchaseRepository) GetExpired(ctx context.Context, limit int) ([]*model.Purchase, error) {
	var purchases []*model.Purchase
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", model.PurchaseStatusPending, time.Now()).
		Limit(limit).
		Find(&purchases).Error
	return purchases, err
}

// GetDrifted returns purchases in a terminal status that still hold frozen
// funds. Such rows mean a status flip landed but the fund operation did not;
// the reconcile job settles them.
func (r *PurchaseRepository) GetDrifted(ctx context.Context, limit int) ([]*model.Purchase, error) {
	terminal := []string{
		model.PurchaseStatusCompleted,
		model.PurchaseStatusTimeout,
		model.PurchaseStatusCancelled,
	}

	var purchases []*model.Purchase
	err := r.db.WithContext(ctx).
		Where("status IN ? AND frozen_amount > 0", terminal).
		Limit(limit).
		Find(&purchases).Error
	return purchases, err
}

func (r *PurchaseRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Purchase, int64, error) {
	var purchases []*model.Purchase
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Purchase{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&purchases).Error

	return purchases, total, err
}
