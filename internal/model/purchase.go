package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PurchaseKindActivation = "ACTIVATION" // one-time SMS verification code
	PurchaseKindRental     = "RENTAL"     // time-boxed number lease
)

const (
	PurchaseStatusPending   = "PENDING"
	PurchaseStatusCompleted = "COMPLETED"
	PurchaseStatusTimeout   = "TIMEOUT"
	PurchaseStatusCancelled = "CANCELLED"
)

// ValidStatusTransitions encodes the purchase state machine. The three
// terminal statuses have no outgoing edges; a status flip is always done
// with a conditional UPDATE so two racing callers cannot both win.
var ValidStatusTransitions = map[string][]string{
	PurchaseStatusPending: {PurchaseStatusCompleted, PurchaseStatusTimeout, PurchaseStatusCancelled},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsTerminalStatus(status string) bool {
	switch status {
	case PurchaseStatusCompleted, PurchaseStatusTimeout, PurchaseStatusCancelled:
		return true
	}
	return false
}

// Purchase is an activation or rental, one row per number bought. Rows are
// never deleted; terminal purchases are kept for audit.
//
// Invariant: while Status is PENDING, FrozenAmount > 0 and is reflected in
// the owner's FrozenBalance. Once terminal, FrozenAmount is 0.
type Purchase struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PurchaseNo   string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"purchase_no"`
	RequestID    string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`
	UserID       int64           `gorm:"index;not null" json:"user_id"`
	Kind         string          `gorm:"type:varchar(20);not null" json:"kind"`
	ServiceCode  string          `gorm:"type:varchar(32);not null" json:"service_code"` // provider service, e.g. "wa"
	CountryCode  string          `gorm:"type:varchar(8)" json:"country_code"`
	PhoneNumber  string          `gorm:"type:varchar(32)" json:"phone_number"`
	Price        decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"price"`
	FrozenAmount decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"frozen_amount"`
	Status       string          `gorm:"type:varchar(20);index;not null" json:"status"`
	Charged      bool            `gorm:"not null;default:false" json:"charged"`
	ExpiresAt    time.Time       `gorm:"index;not null" json:"expires_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Purchase) TableName() string {
	return "purchases"
}
