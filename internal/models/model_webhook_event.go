package models

import (
	"time"

	"github.com/fernwood/billingcore/pkg/types"

	"gorm.io/datatypes"
)

// WebhookEvent is the idempotency receipt for an applied provider event.
// The unique index on (provider_id, order_id, event_type) is what suppresses
// duplicate deliveries: inserting the receipt and applying the event effect
// happen in one database transaction.
type WebhookEvent struct {
	ID         string                 `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ProviderID types.PaymentProvider  `gorm:"column:provider_id;type:varchar(64);not null;uniqueIndex:unique_provider_order_event,priority:1" json:"provider_id"`
	OrderID    string                 `gorm:"column:order_id;type:varchar(128);not null;uniqueIndex:unique_provider_order_event,priority:2" json:"order_id"`
	EventType  types.WebhookEventType `gorm:"column:event_type;type:varchar(64);not null;uniqueIndex:unique_provider_order_event,priority:3" json:"event_type"`
	// EventID is the provider-supplied notification id, when one exists.
	EventID string  `gorm:"column:event_id;type:varchar(128)" json:"event_id"`
	UserID  *string `gorm:"column:user_id;type:varchar(64);index" json:"user_id"`
	// PaymentItemID is the catalog item resolved from the provider item id.
	PaymentItemID string `gorm:"column:payment_item_id;type:varchar(64)" json:"payment_item_id"`
	Amount        int64  `gorm:"column:amount;type:bigint" json:"amount"`
	Currency      string `gorm:"column:currency;type:varchar(16)" json:"currency"`
	PayerID       string `gorm:"column:payer_id;type:varchar(128)" json:"payer_id"`
	// Extra stores the normalized event for auditing.
	Extra       datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	OccurredAt  time.Time         `gorm:"column:occurred_at" json:"occurred_at"`
	ProcessedAt time.Time         `gorm:"column:processed_at;not null" json:"processed_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_event"
}
