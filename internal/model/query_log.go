package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// IndexModel tags QueryLog rows that record indexing spend rather than chat spend.
const IndexModel = "INDEX"

// QueryLog is an append-only ledger entry for one chat turn or one indexing
// operation. Rows are never updated after insert; they exist for month-to-date
// spend aggregation and observability.
type QueryLog struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	UserID           uint            `gorm:"not null;index" json:"user_id"`
	StoreID          *uint           `gorm:"index" json:"store_id,omitempty"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	CostUSD          decimal.Decimal `gorm:"type:decimal(10,6)" json:"cost_usd"`
	Model            string          `gorm:"size:100;index" json:"model"`
	ErrorCode        string          `gorm:"size:64" json:"error_code,omitempty"`
	CreatedAt        time.Time       `gorm:"index" json:"created_at"`
}
