package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount rejects zero or negative fund movements.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientFunds is returned when a freeze exceeds the available
	// balance. Nothing is mutated; the purchase flow must abort.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyFrozen guards against a duplicate freeze for the same
	// purchase. Retrying callers can errors.Is this away.
	ErrAlreadyFrozen = errors.New("purchase already has an open freeze")

	// ErrNothingToCommit / ErrNothingToRefund mean no freeze was ever
	// recorded for the purchase. A settle without a preceding freeze is a
	// data-integrity defect, not a retry.
	ErrNothingToCommit = errors.New("no freeze recorded for purchase, nothing to commit")
	ErrNothingToRefund = errors.New("no freeze recorded for purchase, nothing to refund")

	// ErrIntegrity is returned when the linked rows contradict each other,
	// e.g. the purchase belongs to a different user.
	ErrIntegrity = errors.New("ledger integrity violation")
)

// InsufficientFundsError carries the shortfall details for the caller's
// user-facing message. errors.Is(err, ErrInsufficientFunds) matches it.
type InsufficientFundsError struct {
	UserID    int64
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: user %d has %s, needs %s",
		e.UserID, e.Available.String(), e.Requested.String())
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
