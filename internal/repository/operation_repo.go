package repository

import (
	"context"
	"errors"

	"github.com/buba6c/onesms-v1-sub008/internal/model"

	"gorm.io/gorm"
)

type OperationRepository struct {
	db *gorm.DB
}

func NewOperationRepository(db *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

// Append inserts one immutable operation row. There is deliberately no
// update or delete on this repository.
func (r *OperationRepository) Append(ctx context.Context, tx *gorm.DB, op *model.BalanceOperation) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(op).Error
}

// ListByPurchaseID returns the operation sequence for one purchase in
// insertion order. The ledger engine reads this inside its transaction to
// decide whether a freeze/settle already happened.
func (r *OperationRepository) ListByPurchaseID(ctx context.Context, tx *gorm.DB, purchaseID int64) ([]*model.BalanceOperation, error) {
	if tx == nil {
		tx = r.db
	}

	var ops []*model.BalanceOperation
	err := tx.WithContext(ctx).
		Where("purchase_id = ?", purchaseID).
		Order("id ASC").
		Find(&ops).Error
	return ops, err
}

func (r *OperationRepository) GetByOperationNo(ctx context.Context, operationNo string) (*model.BalanceOperation, error) {
	var op model.BalanceOperation
	err := r.db.WithContext(ctx).Where("operation_no = ?", operationNo).First(&op).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &op, nil
}

func (r *OperationRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.BalanceOperation, int64, error) {
	var ops []*model.BalanceOperation
	var total int64

	query := r.db.WithContext(ctx).Model(&model.BalanceOperation{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&ops).Error

	return ops, total, err
}
