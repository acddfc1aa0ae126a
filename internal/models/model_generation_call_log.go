package models

import (
	"time"

	"github.com/fernwood/billingcore/pkg/types"

	"gorm.io/datatypes"
)

// GenerationCallLog tracks one metered feature invocation from admission to
// completion or failure. Terminal rows are immutable.
type GenerationCallLog struct {
	ID            string                     `gorm:"column:id;type:uuid;primary_key;index:idx_gen_user_id_id,priority:2,sort:desc" json:"id"`
	UserID        string                     `gorm:"column:user_id;type:varchar(64);not null;index:idx_gen_user_id_id,priority:1" json:"user_id"`
	Feature       string                     `gorm:"column:feature;type:varchar(64);not null" json:"feature"`
	Provider      string                     `gorm:"column:provider;type:varchar(64)" json:"provider"`
	Model         string                     `gorm:"column:model;type:varchar(128)" json:"model"`
	TaskID        string                     `gorm:"column:task_id;type:varchar(128)" json:"task_id"`
	Status        types.GenerationCallStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	Success       *bool                      `gorm:"column:success" json:"success"`
	FailureReason string                     `gorm:"column:failure_reason;type:text" json:"failure_reason"`
	// EstimatedCost is the credit amount reserved at admission time.
	EstimatedCost int64 `gorm:"column:estimated_cost;type:bigint;not null" json:"estimated_cost"`
	// ActualCost is the credit amount debited at completion; nil until terminal.
	ActualCost *int64 `gorm:"column:actual_cost;type:bigint" json:"actual_cost"`
	// CreditTransactionID links the ledger debit written for this call, if any.
	CreditTransactionID *string         `gorm:"column:credit_transaction_id;type:uuid" json:"credit_transaction_id"`
	RequestPayload      datatypes.JSON  `gorm:"column:request_payload;type:jsonb" json:"request_payload"`
	ResponsePayload     *datatypes.JSON `gorm:"column:response_payload;type:jsonb" json:"response_payload"`
	Detail              string          `gorm:"column:detail;type:text" json:"detail"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (GenerationCallLog) TableName() string {
	return "generation_call_log"
}
