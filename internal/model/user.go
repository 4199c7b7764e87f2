package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User holds the two balance fields the ledger engine manages.
// Balance is what the user can spend right now; FrozenBalance is held
// against purchases that have not reached a terminal status yet.
//
// Both fields are written ONLY by internal/ledger.Engine (and TopUp for
// Balance). Every other component treats them as read-only.
type User struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Email         string          `gorm:"type:varchar(128);uniqueIndex;not null" json:"email"`
	Balance       decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"balance"`
	FrozenBalance decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"frozen_balance"`
	Version       int             `gorm:"not null;default:0" json:"version"` // optimistic lock
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
