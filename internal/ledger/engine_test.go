package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/buba6c/onesms-v1-sub008/internal/infrastructure/database"
	"github.com/buba6c/onesms-v1-sub008/internal/ledger"
	"github.com/buba6c/onesms-v1-sub008/internal/model"
	"github.com/buba6c/onesms-v1-sub008/pkg/idgen"

	"github.com/rs/zerolog"
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

	// A single connection keeps every session on the same in-memory DB.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func newTestEngine(t *testing.T) (*ledger.Engine, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return ledger.NewEngine(db, zerolog.Nop()), db
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var userSeq int64

func seedUser(t *testing.T, db *gorm.DB, balance string) *model.User {
	t.Helper()
	userSeq++
	user := &model.User{
		Email:   fmt.Sprintf("user%d@test.local", userSeq),
		Balance: dec(balance),
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func seedPurchase(t *testing.T, db *gorm.DB, userID int64, price string) *model.Purchase {
	t.Helper()
	purchase := &model.Purchase{
		PurchaseNo:  idgen.GeneratePurchaseNo(model.PurchaseKindActivation),
		RequestID:   fmt.Sprintf("req-%s", idgen.GenerateOperationNo()),
		UserID:      userID,
		Kind:        model.PurchaseKindActivation,
		ServiceCode: "wa",
		Price:       dec(price),
		Status:      model.PurchaseStatusPending,
		ExpiresAt:   time.Now().Add(20 * time.Minute),
	}
	require.NoError(t, db.Create(purchase).Error)
	return purchase
}

func reloadUser(t *testing.T, db *gorm.DB, id int64) *model.User {
	t.Helper()
	var user model.User
	require.NoError(t, db.First(&user, id).Error)
	return &user
}

func reloadPurchase(t *testing.T, db *gorm.DB, id int64) *model.Purchase {
	t.Helper()
	var purchase model.Purchase
	require.NoError(t, db.First(&purchase, id).Error)
	return &purchase
}

func operationsFor(t *testing.T, db *gorm.DB, purchaseID int64) []*model.BalanceOperation {
	t.Helper()
	var ops []*model.BalanceOperation
	require.NoError(t, db.Where("purchase_id = ?", purchaseID).Order("id ASC").Find(&ops).Error)
	return ops
}

func TestEngine_FreezeThenRefund_RestoresBalances(t *testing.T) {
	// GIVEN: balance=100, frozen=0
	// WHEN: freeze(30) then refund(30)
	// THEN: balances are back where they started, two ledger rows exist

	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, user.ID, "30")

	freezeRes, err := engine.Freeze(ctx, user.ID, dec("30"), purchase.ID, "activation purchase")
	require.NoError(t, err)
	assert.True(t, freezeRes.BalanceAfter.Equal(dec("70")), "balance after freeze: %s", freezeRes.BalanceAfter)
	assert.True(t, freezeRes.FrozenAfter.Equal(dec("30")), "frozen after freeze: %s", freezeRes.FrozenAfter)

	refundRes, err := engine.Refund(ctx, user.ID, dec("30"), purchase.ID, "provider error")
	require.NoError(t, err)
	assert.True(t, refundRes.Applied)
	assert.True(t, refundRes.Amount.Equal(dec("30")))

	reloaded := reloadUser(t, db, user.ID)
	assert.True(t, reloaded.Balance.Equal(dec("100")), "balance: %s", reloaded.Balance)
	assert.True(t, reloaded.FrozenBalance.Equal(dec("0")), "frozen: %s", reloaded.FrozenBalance)

	ops := operationsFor(t, db, purchase.ID)
	require.Len(t, ops, 2)
	assert.Equal(t, model.OperationTypeFreeze, ops[0].Type)
	assert.Equal(t, model.OperationTypeRefund, ops[1].Type)

	assert.True(t, reloadPurchase(t, db, purchase.ID).FrozenAmount.IsZero())
}

func TestEngine_FreezeThenCommit_ConsumesFunds(t *testing.T) {
	// Commit leaves the available balance at its post-freeze value and
	// reduces the total by the committed amount.

	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, user.ID, "30")

	_, err := engine.Freeze(ctx, user.ID, dec("30"), purchase.ID, "activation purchase")
	require.NoError(t, err)

	res, err := engine.Commit(ctx, user.ID, purchase.ID, "sms received")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Amount.Equal(dec("30")))

	reloaded := reloadUser(t, db, user.ID)
	assert.True(t, reloaded.Balance.Equal(dec("70")))
	assert.True(t, reloaded.FrozenBalance.IsZero())

	p := reloadPurchase(t, db, purchase.ID)
	assert.True(t, p.Charged)
	assert.True(t, p.FrozenAmount.IsZero())
}

func TestEngine_Freeze_InsufficientFunds(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "10")
	purchase := seedPurchase(t, db, user.ID, "30")

	_, err := engine.Freeze(ctx, user.ID, dec("30"), purchase.ID, "activation purchase")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var fundsErr *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.True(t, fundsErr.Available.Equal(dec("10")))
	assert.True(t, fundsErr.Requested.Equal(dec("30")))

	// No mutation at all.
	reloaded := reloadUser(t, db, user.ID)
	assert.True(t, reloaded.Balance.Equal(dec("10")))
	assert.True(t, reloaded.FrozenBalance.IsZero())
	assert.Empty(t, operationsFor(t, db, purchase.ID))
}

func TestEngine_Freeze_Duplicate_AlreadyFrozen(t *testing.T) {
	// A duplicate freeze must not double-debit.

	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, user.ID, "30")

	_, err := engine.Freeze(ctx, user.ID, dec("30"), purchase.ID, "first")
	require.NoError(t, err)

	_, err = engine.Freeze(ctx, user.ID, dec("30"), purchase.ID, "retry")
	assert.ErrorIs(t, err, ledger.ErrAlreadyFrozen)

	reloaded := reloadUser(t, db, user.ID)
	assert.True(t, reloaded.Balance.Equal(dec("70")))
	assert.True(t, reloaded.FrozenBalance.Equal(dec("30")))
	assert.Len(t, operationsFor(t, db, purchase.ID), 1)
}

func TestEngine_Freeze_InvalidAmount(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, user.ID, "30")

	_, err := engine.Freeze(ctx, user.ID, dec("0"), purchase.ID, "zero")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = engine.Freeze(ctx, user.ID, dec("-5"), purchase.ID, "negative")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestEngine_Refund_WithoutFreeze_NothingToRefund(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, user.ID, "30")

	_, err := engine.Refund(ctx, user.ID, dec("30"), purchase.ID, "no freeze")
	assert.ErrorIs(t, err, ledger.ErrNothingToRefund)

	reloaded := reloadUser(t, db, user.ID)
	assert.True(t, reloaded.Balance.Equal(dec("100")))
	assert.Empty(t, operationsFor(t, db, purchase.ID))
}

func TestEngine_Commit_WithoutFreeze_NothingToCommit(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, user.ID, "30")

	_, err := engine.Commit(ctx, user.ID, purchase.ID, "no freeze")
	assert.ErrorIs(t, err, ledger.ErrNothingToCommit)
}

func TestEngine_Commit_Idempotent(t *testing.T) {
	// Second commit is a no-op success: same final balances as one commit.

	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, user.ID, "30")

	_, err := engine.Freeze(ctx, user.ID, dec("30"), purchase.ID, "purchase")
	require.NoError(t, err)

	first, err := engine.Commit(ctx, user.ID, purchase.ID, "sms received")
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := engine.Commit(ctx, user.ID, purchase.ID, "webhook retry")
	require.NoError(t, err)
	assert.False(t, second.Applied)

	reloaded := reloadUser(t, db, user.ID)
	assert.True(t, reloaded.Balance.Equal(dec("70")))
	assert.True(t, reloaded.FrozenBalance.IsZero())
	assert.Len(t, operationsFor(t, db, purchase.ID), 2) // freeze + one commit
}

func TestEngine_Refund_Idempotent(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, user.ID, "30")

	_, err := engine.Freeze(ctx, user.ID, dec("30"), purchase.ID, "purchase")
	require.NoError(t, err)

	first, err := engine.Refund(ctx, user.ID, dec("30"), purchase.ID, "expired")
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := engine.Refund(ctx, user.ID, dec("30"), purchase.ID, "sweep retry")
	require.NoError(t, err)
	assert.False(t, second.Applied)

	reloaded := reloadUser(t, db, user.ID)
	assert.True(t, reloaded.Balance.Equal(dec("100")))
	assert.True(t, reloaded.FrozenBalance.IsZero())
	assert.Len(t, operationsFor(t, db, purchase.ID), 2) // freeze + one refund
}

func TestEngine_CommitAfterRefund_NoOp(t *testing.T) {
	// Once a refund is recorded, a late commit must observe it and no-op
	// instead of double-settling.

	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, user.ID, "30")

	_, err := engine.Freeze(ctx, user.ID, dec("30"), purchase.ID, "purchase")
	require.NoError(t, err)

	_, err = engine.Refund(ctx, user.ID, dec("30"), purchase.ID, "cancelled")
	require.NoError(t, err)

	res, err := engine.Commit(ctx, user.ID, purchase.ID, "late provider webhook")
	require.NoError(t, err)
	assert.False(t, res.Applied)

	reloaded := reloadUser(t, db, user.ID)
	assert.True(t, reloaded.Balance.Equal(dec("100")))
}

func TestEngine_Refund_ClampsFrozenUnderflow(t *testing.T) {
	// Drifted ledger: recorded frozen balance is lower than the purchase
	// hold. The refund must still return funds, clamping frozen at zero.

	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, user.ID, "30")

	_, err := engine.Freeze(ctx, user.ID, dec("30"), purchase.ID, "purchase")
	require.NoError(t, err)

	// Simulate historical drift on the user row.
	require.NoError(t, db.Model(&model.User{}).
		Where("id = ?", user.ID).
		Update("frozen_balance", dec("10")).Error)

	res, err := engine.Refund(ctx, user.ID, dec("30"), purchase.ID, "expired")
	require.NoError(t, err)
	assert.True(t, res.Applied)

	reloaded := reloadUser(t, db, user.ID)
	assert.True(t, reloaded.Balance.Equal(dec("100")), "balance: %s", reloaded.Balance)
	assert.True(t, reloaded.FrozenBalance.IsZero(), "frozen: %s", reloaded.FrozenBalance)
}

func TestEngine_Freeze_WrongOwner_Integrity(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	owner := seedUser(t, db, "100")
	other := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, owner.ID, "30")

	_, err := engine.Freeze(ctx, other.ID, dec("30"), purchase.ID, "wrong user")
	assert.ErrorIs(t, err, ledger.ErrIntegrity)
}

func TestEngine_Unfreeze_Dispatch(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")

	refunded := seedPurchase(t, db, user.ID, "30")
	_, err := engine.Freeze(ctx, user.ID, dec("30"), refunded.ID, "purchase")
	require.NoError(t, err)

	res, err := engine.Unfreeze(ctx, user.ID, refunded.ID, true, "sweep")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Amount.Equal(dec("30")))
	assert.Equal(t, model.OperationTypeRefund, operationsFor(t, db, refunded.ID)[1].Type)

	committed := seedPurchase(t, db, user.ID, "20")
	_, err = engine.Freeze(ctx, user.ID, dec("20"), committed.ID, "purchase")
	require.NoError(t, err)

	res, err = engine.Unfreeze(ctx, user.ID, committed.ID, false, "sweep")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.OperationTypeCommit, operationsFor(t, db, committed.ID)[1].Type)

	reloaded := reloadUser(t, db, user.ID)
	assert.True(t, reloaded.Balance.Equal(dec("80")), "balance: %s", reloaded.Balance)
	assert.True(t, reloaded.FrozenBalance.IsZero())
}

func TestEngine_OperationSnapshots(t *testing.T) {
	// Every row carries before/after snapshots of both fields, so the
	// whole history can be replayed and checked.

	engine, db := newTestEngine(t)
	ctx := context.Background()

	user := seedUser(t, db, "100")
	purchase := seedPurchase(t, db, user.ID, "30")

	_, err := engine.Freeze(ctx, user.ID, dec("30"), purchase.ID, "purchase")
	require.NoError(t, err)
	_, err = engine.Refund(ctx, user.ID, dec("30"), purchase.ID, "expired")
	require.NoError(t, err)

	ops := operationsFor(t, db, purchase.ID)
	require.Len(t, ops, 2)

	freeze, refund := ops[0], ops[1]
	assert.True(t, freeze.BalanceBefore.Equal(dec("100")))
	assert.True(t, freeze.BalanceAfter.Equal(dec("70")))
	assert.True(t, freeze.FrozenBefore.Equal(dec("0")))
	assert.True(t, freeze.FrozenAfter.Equal(dec("30")))

	assert.True(t, refund.BalanceBefore.Equal(freeze.BalanceAfter))
	assert.True(t, refund.FrozenBefore.Equal(freeze.FrozenAfter))
	assert.True(t, refund.BalanceAfter.Equal(dec("100")))
	assert.True(t, refund.FrozenAfter.Equal(dec("0")))

	require.NotNil(t, freeze.PurchaseID)
	assert.Equal(t, purchase.ID, *freeze.PurchaseID)
}
