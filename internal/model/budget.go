package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Budget is one row per user: the monthly USD spend limit. Absence of a row
// means unlimited spend.
type Budget struct {
	UserID          uint            `gorm:"primaryKey" json:"user_id"`
	MonthlyLimitUSD decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"monthly_limit_usd"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
