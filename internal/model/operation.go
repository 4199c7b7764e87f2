package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OperationTypeFreeze = "FREEZE" // available -> frozen
	OperationTypeCommit = "COMMIT" // frozen -> spent
	OperationTypeRefund = "REFUND" // frozen -> available
)

// BalanceOperation is the append-only audit trail of every fund movement.
//
// Rules:
//  1. Append only. No update, no delete, ever.
//  2. Before/after snapshots of both balance fields on every row, so any
//     balance can be re-derived and checked.
//  3. For one purchase the sequence is: at most one FREEZE, then at most
//     one of COMMIT/REFUND. Anything else is a data-integrity defect.
type BalanceOperation struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OperationNo   string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"operation_no"`
	UserID        int64           `gorm:"index;not null" json:"user_id"`
	Type          string          `gorm:"type:varchar(20);not null" json:"type"`
	Amount        decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"balance_after"`
	FrozenBefore  decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"frozen_before"`
	FrozenAfter   decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"frozen_after"`
	PurchaseID    *int64          `gorm:"index" json:"purchase_id"`
	TransactionID *int64          `json:"transaction_id"` // payment-provider transaction, owned elsewhere
	Reason        string          `gorm:"type:varchar(256)" json:"reason"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (BalanceOperation) TableName() string {
	return "balance_operations"
}
