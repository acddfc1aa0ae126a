package models

import "time"

// CreditBalance caches the running sum of a user's credit transactions.
// It is only written in the same database transaction as a ledger append, so
// it never diverges from the log.
type CreditBalance struct {
	UserID    string    `gorm:"column:user_id;type:varchar(64);primary_key" json:"user_id"`
	Balance   int64     `gorm:"column:balance;type:bigint;not null" json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (CreditBalance) TableName() string {
	return "credit_balance"
}
