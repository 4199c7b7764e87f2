package ledger

import (
	"context"
	"fmt"

	"github.com/buba6c/onesms-v1-sub008/internal/model"
	"github.com/buba6c/onesms-v1-sub008/internal/repository"
	"github.com/buba6c/onesms-v1-sub008/pkg/idgen"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Engine implements the three fund-movement primitives. It is the only
// writer of users.balance and users.frozen_balance.
//
// Every primitive runs as one database transaction: lock the purchase row,
// lock the user row, validate, mutate both balance fields, append the
// operation row, update the purchase. All of it lands or none of it does.
type Engine struct {
	db            *gorm.DB
	userRepo      *repository.UserRepository
	purchaseRepo  *repository.PurchaseRepository
	operationRepo *repository.OperationRepository
	logger        zerolog.Logger
}

func NewEngine(db *gorm.DB, logger zerolog.Logger) *Engine {
	return &Engine{
		db:            db,
		userRepo:      repository.NewUserRepository(db),
		purchaseRepo:  repository.NewPurchaseRepository(db),
		operationRepo: repository.NewOperationRepository(db),
		logger:        logger.With().Str("component", "ledger").Logger(),
	}
}

// Tx returns the engine bound to an open transaction, so a caller can make
// a primitive part of its own atomic unit (GORM nests it as a savepoint).
func (e *Engine) Tx(tx *gorm.DB) *Engine {
	bound := *e
	bound.db = tx
	return &bound
}

// FreezeResult reports the balance snapshots around a freeze.
type FreezeResult struct {
	OperationNo   string          `json:"operation_no"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	FrozenBefore  decimal.Decimal `json:"frozen_before"`
	FrozenAfter   decimal.Decimal `json:"frozen_after"`
}

// SettleResult reports the outcome of a commit or refund. Applied is false
// when the purchase was already settled and the call was a no-op; per the
// retry contract that is success, not an error.
type SettleResult struct {
	Applied      bool            `json:"applied"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	FrozenAfter  decimal.Decimal `json:"frozen_after"`
}

// Freeze moves amount from the user's available balance into frozen, held
// against the purchase.
func (e *Engine) Freeze(ctx context.Context, userID int64, amount decimal.Decimal, purchaseID int64, reason string) (*FreezeResult, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	var res *FreezeResult

	err := e.db.Transaction(func(tx *gorm.DB) error {
		purchase, err := e.purchaseRepo.GetByIDForUpdate(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		if purchase.UserID != userID {
			return fmt.Errorf("%w: purchase %d belongs to user %d, not %d",
				ErrIntegrity, purchaseID, purchase.UserID, userID)
		}

		ops, err := e.operationRepo.ListByPurchaseID(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		if hasOperation(ops, model.OperationTypeFreeze) || !purchase.FrozenAmount.IsZero() {
			return ErrAlreadyFrozen
		}

		user, err := e.userRepo.GetByIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if user.Balance.LessThan(amount) {
			return &InsufficientFundsError{
				UserID:    userID,
				Available: user.Balance,
				Requested: amount,
			}
		}

		newBalance := user.Balance.Sub(amount)
		newFrozen := user.FrozenBalance.Add(amount)

		if err := e.userRepo.SetBalances(ctx, tx, userID, newBalance, newFrozen, user.Version); err != nil {
			return err
		}

		op := &model.BalanceOperation{
			OperationNo:   idgen.GenerateOperationNo(),
			UserID:        userID,
			Type:          model.OperationTypeFreeze,
			Amount:        amount,
			BalanceBefore: user.Balance,
			BalanceAfter:  newBalance,
			FrozenBefore:  user.FrozenBalance,
			FrozenAfter:   newFrozen,
			PurchaseID:    &purchaseID,
			Reason:        reason,
		}
		if err := e.operationRepo.Append(ctx, tx, op); err != nil {
			return err
		}

		if err := e.purchaseRepo.SetFrozenAmount(ctx, tx, purchaseID, amount); err != nil {
			return err
		}

		res = &FreezeResult{
			OperationNo:   op.OperationNo,
			BalanceBefore: user.Balance,
			BalanceAfter:  newBalance,
			FrozenBefore:  user.FrozenBalance,
			FrozenAfter:   newFrozen,
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Int64("user_id", userID).
		Int64("purchase_id", purchaseID).
		Str("amount", amount.String()).
		Str("reason", reason).
		Msg("funds frozen")

	return res, nil
}

// Commit permanently consumes the frozen funds of the purchase: they leave
// the frozen balance without returning to the available balance. Calling it
// again after a commit or refund is a no-op success.
func (e *Engine) Commit(ctx context.Context, userID, purchaseID int64, reason string) (*SettleResult, error) {
	return e.settle(ctx, userID, purchaseID, model.OperationTypeCommit, decimal.Zero, reason)
}

// Refund releases frozen funds back to the available balance. The amount is
// the caller's responsibility: it must come from the purchase's own
// frozen_amount (or price as fallback), never a default. Calling it again
// after a commit or refund is a no-op success.
func (e *Engine) Refund(ctx context.Context, userID int64, amount decimal.Decimal, purchaseID int64, reason string) (*SettleResult, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return e.settle(ctx, userID, purchaseID, model.OperationTypeRefund, amount, reason)
}

// Unfreeze resolves the held amount from the purchase itself and dispatches
// to Refund (refund=true) or Commit. Used by the reconcile sweep so callers
// don't need to know which primitive applies.
func (e *Engine) Unfreeze(ctx context.Context, userID, purchaseID int64, refund bool, reason string) (*SettleResult, error) {
	if !refund {
		return e.Commit(ctx, userID, purchaseID, reason)
	}

	purchase, err := e.purchaseRepo.GetByIDForUpdate(ctx, e.db, purchaseID)
	if err != nil {
		return nil, err
	}

	amount := purchase.FrozenAmount
	if amount.IsZero() {
		amount = purchase.Price
	}

	return e.Refund(ctx, userID, amount, purchaseID, reason)
}

func (e *Engine) settle(ctx context.Context, userID, purchaseID int64, opType string, refundAmount decimal.Decimal, reason string) (*SettleResult, error) {
	var res *SettleResult

	err := e.db.Transaction(func(tx *gorm.DB) error {
		purchase, err := e.purchaseRepo.GetByIDForUpdate(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		if purchase.UserID != userID {
			return fmt.Errorf("%w: purchase %d belongs to user %d, not %d",
				ErrIntegrity, purchaseID, purchase.UserID, userID)
		}

		ops, err := e.operationRepo.ListByPurchaseID(ctx, tx, purchaseID)
		if err != nil {
			return err
		}

		if hasOperation(ops, model.OperationTypeCommit) || hasOperation(ops, model.OperationTypeRefund) {
			// Already settled. At-least-once callers (webhooks, sweep)
			// retry; they must see success here.
			res = &SettleResult{Applied: false}
			return nil
		}

		freezeOp := findOperation(ops, model.OperationTypeFreeze)
		if freezeOp == nil {
			if opType == model.OperationTypeRefund {
				return ErrNothingToRefund
			}
			return ErrNothingToCommit
		}

		amount := refundAmount
		if opType == model.OperationTypeCommit {
			amount = purchase.FrozenAmount
			if amount.IsZero() {
				amount = freezeOp.Amount
			}
		}

		user, err := e.userRepo.GetByIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		newBalance := user.Balance
		if opType == model.OperationTypeRefund {
			newBalance = user.Balance.Add(amount)
		}

		newFrozen := user.FrozenBalance.Sub(amount)
		if newFrozen.Sign() < 0 {
			// Ledger drift must not block returning funds to the user.
			// Clamp and leave the rest to the reconcile audit.
			e.logger.Warn().
				Int64("user_id", userID).
				Int64("purchase_id", purchaseID).
				Str("frozen_balance", user.FrozenBalance.String()).
				Str("amount", amount.String()).
				Msg("reconciliation drift: frozen balance underflow, clamping to zero")
			newFrozen = decimal.Zero
		}

		if err := e.userRepo.SetBalances(ctx, tx, userID, newBalance, newFrozen, user.Version); err != nil {
			return err
		}

		op := &model.BalanceOperation{
			OperationNo:   idgen.GenerateOperationNo(),
			UserID:        userID,
			Type:          opType,
			Amount:        amount,
			BalanceBefore: user.Balance,
			BalanceAfter:  newBalance,
			FrozenBefore:  user.FrozenBalance,
			FrozenAfter:   newFrozen,
			PurchaseID:    &purchaseID,
			Reason:        reason,
		}
		if err := e.operationRepo.Append(ctx, tx, op); err != nil {
			return err
		}

		charged := opType == model.OperationTypeCommit
		if err := e.purchaseRepo.Settle(ctx, tx, purchaseID, charged); err != nil {
			return err
		}

		res = &SettleResult{
			Applied:      true,
			Amount:       amount,
			BalanceAfter: newBalance,
			FrozenAfter:  newFrozen,
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	if res.Applied {
		e.logger.Info().
			Int64("user_id", userID).
			Int64("purchase_id", purchaseID).
			Str("type", opType).
			Str("amount", res.Amount.String()).
			Str("reason", reason).
			Msg("frozen funds settled")
	}

	return res, nil
}

func hasOperation(ops []*model.BalanceOperation, opType string) bool {
	return findOperation(ops, opType) != nil
}

func findOperation(ops []*model.BalanceOperation, opType string) *model.BalanceOperation {
	for _, op := range ops {
		if op.Type == opType {
			return op
		}
	}
	return nil
}
