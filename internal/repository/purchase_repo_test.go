package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/buba6c/onesms-v1-sub008/internal/infrastructure/database"
	"github.com/buba6c/onesms-v1-sub008/internal/model"
	"github.com/buba6c/onesms-v1-sub008/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

var purchaseSeq int64

func seedPurchase(t *testing.T, db *gorm.DB, status string, frozen string, expiresAt time.Time) *model.Purchase {
	t.Helper()
	purchaseSeq++
	p := &model.Purchase{
		PurchaseNo:   fmt.Sprintf("ACT-test-%d", purchaseSeq),
		RequestID:    fmt.Sprintf("req-repo-%d", purchaseSeq),
		UserID:       1,
		Kind:         model.PurchaseKindActivation,
		ServiceCode:  "wa",
		Price:        decimal.RequireFromString("30"),
		FrozenAmount: decimal.RequireFromString(frozen),
		Status:       status,
		ExpiresAt:    expiresAt,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

func TestPurchaseRepository_UpdateStatus_ConditionalFlip(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewPurchaseRepository(db)
	ctx := context.Background()

	p := seedPurchase(t, db, model.PurchaseStatusPending, "30", time.Now().Add(time.Hour))

	err := repo.UpdateStatus(ctx, nil, p.ID, model.PurchaseStatusPending, model.PurchaseStatusCompleted)
	require.NoError(t, err)

	// The second flip loses: the row is no longer PENDING.
	err = repo.UpdateStatus(ctx, nil, p.ID, model.PurchaseStatusPending, model.PurchaseStatusCancelled)
	assert.ErrorIs(t, err, repository.ErrPurchaseStatusInvalid)

	var reloaded model.Purchase
	require.NoError(t, db.First(&reloaded, p.ID).Error)
	assert.Equal(t, model.PurchaseStatusCompleted, reloaded.Status)
}

func TestPurchaseRepository_UpdateStatus_RejectsUnknownTransition(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewPurchaseRepository(db)
	ctx := context.Background()

	p := seedPurchase(t, db, model.PurchaseStatusCompleted, "0", time.Now())

	err := repo.UpdateStatus(ctx, nil, p.ID, model.PurchaseStatusCompleted, model.PurchaseStatusPending)
	assert.ErrorIs(t, err, repository.ErrPurchaseStatusInvalid)
}

func TestPurchaseRepository_GetExpired(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewPurchaseRepository(db)
	ctx := context.Background()

	overdue := seedPurchase(t, db, model.PurchaseStatusPending, "30", time.Now().Add(-time.Minute))
	seedPurchase(t, db, model.PurchaseStatusPending, "30", time.Now().Add(time.Hour))
	seedPurchase(t, db, model.PurchaseStatusTimeout, "0", time.Now().Add(-time.Hour))

	expired, err := repo.GetExpired(ctx, 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, overdue.ID, expired[0].ID)
}

func TestPurchaseRepository_GetDrifted(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewPurchaseRepository(db)
	ctx := context.Background()

	drifted := seedPurchase(t, db, model.PurchaseStatusCompleted, "30", time.Now())
	seedPurchase(t, db, model.PurchaseStatusCompleted, "0", time.Now())
	seedPurchase(t, db, model.PurchaseStatusPending, "30", time.Now().Add(time.Hour))

	rows, err := repo.GetDrifted(ctx, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, drifted.ID, rows[0].ID)
}

func TestPurchaseRepository_GetByRequestID_AbsentIsNil(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewPurchaseRepository(db)
	ctx := context.Background()

	p, err := repo.GetByRequestID(ctx, "req-missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}
