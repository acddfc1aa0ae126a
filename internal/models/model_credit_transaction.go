package models

import (
	"time"

	"github.com/fernwood/billingcore/pkg/types"

	"gorm.io/datatypes"
)

// CreditTransaction is one append-only row of the credit ledger.
// Grants are positive, debits negative. Rows are never updated or deleted;
// corrections are new adjustment rows.
type CreditTransaction struct {
	ID     string                      `gorm:"column:id;type:uuid;primary_key;index:idx_credit_user_id_id,priority:2,sort:desc" json:"id"`
	UserID string                      `gorm:"column:user_id;type:varchar(64);not null;index:idx_credit_user_id_id,priority:1" json:"user_id"`
	Type   types.CreditTransactionType `gorm:"column:type;type:varchar(32);not null" json:"type"`
	// Amount is signed: grants positive, debits negative.
	Amount int64                    `gorm:"column:amount;type:bigint;not null" json:"amount"`
	Reason types.CreditChangeReason `gorm:"column:reason;type:varchar(64);not null" json:"reason"`
	// Extra stores additional context (order id, generation call id, operator).
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time         `json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
