package repository

import (
	"context"
	"errors"

	"github.com/buba6c/onesms-v1-sub008/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrOptimisticLock = errors.New("concurrent balance update, retry")
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *UserRepository) GetByID(ctx context.Context, userID int64) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetByIDForUpdate takes a row lock on the user for the duration of the
// enclosing transaction. Every balance mutation starts here so concurrent
// operations on the same user serialize instead of racing a stale read.
func (r *UserRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.User, error) {
	var user model.User
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SetBalances atomically replaces both balance fields. The version guard is
// belt-and-braces on top of the row lock: if another writer slipped in, no
// row matches and the caller must retry.
func (r *UserRepository) SetBalances(ctx context.Context, tx *gorm.DB, userID int64, balance, frozen decimal.Decimal, version int) error {
	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ? AND version = ?", userID, version).
		Updates(map[string]interface{}{
			"balance":        balance,
			"frozen_balance": frozen,
			"version":        gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, userID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}

// Credit adds to the available balance. Used by top-up only; never touches
// frozen funds.
func (r *UserRepository) Credit(ctx context.Context, tx *gorm.DB, userID int64, amount decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}

	return nil
}

func (r *UserRepository) GetOrCreate(ctx context.Context, userID int64, email string) (*model.User, error) {
	user, err := r.GetByID(ctx, userID)
	if err == nil {
		return user, nil
	}

	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	newUser := &model.User{
		ID:            userID,
		Email:         email,
		Balance:       decimal.Zero,
		FrozenBalance: decimal.Zero,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(newUser).Error

	if err != nil {
		return nil, err
	}

	return r.GetByID(ctx, userID)
}

// FrozenAuditRow pairs a user's recorded frozen balance with the sum of
// frozen amounts over their open purchases. The two must be equal; the
// reconcile job logs any row where they are not.
type FrozenAuditRow struct {
	UserID        int64           `gorm:"column:user_id"`
	FrozenBalance decimal.Decimal `gorm:"column:frozen_balance"`
	OpenFrozen    decimal.Decimal `gorm:"column:open_frozen"`
}

func (r *UserRepository) AuditFrozenBalances(ctx context.Context, limit int) ([]*FrozenAuditRow, error) {
	var rows []*FrozenAuditRow
	err := r.db.WithContext(ctx).Raw(`
		SELECT u.id AS user_id,
		       u.frozen_balance AS frozen_balance,
		       COALESCE(SUM(p.frozen_amount), 0) AS open_frozen
		FROM users u
		LEFT JOIN purchases p ON p.user_id = u.id AND p.status = ?
		GROUP BY u.id, u.frozen_balance
		HAVING u.frozen_balance <> COALESCE(SUM(p.frozen_amount), 0)
		LIMIT ?`,
		model.PurchaseStatusPending, limit,
	).Scan(&rows).Error
	return rows, err
}
