package models

import (
	"time"

	"gorm.io/datatypes"
)

type WebhookNotificationLogStatus string

const (
	WebhookNotificationLogStatusReceived     WebhookNotificationLogStatus = "received"
	WebhookNotificationLogStatusHandled      WebhookNotificationLogStatus = "handled"
	WebhookNotificationLogStatusHandleFailed WebhookNotificationLogStatus = "handle_failed"
)

// WebhookNotificationLog is the raw audit trail of inbound provider
// notifications, including ones that fail verification.
type WebhookNotificationLog struct {
	ID               string                       `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ProviderID       string                       `gorm:"column:provider_id;type:varchar(64);not null" json:"provider_id"`
	UserID           *string                      `gorm:"column:user_id;type:varchar(64)" json:"user_id"`
	TraceID          string                       `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	OrderID          string                       `gorm:"column:order_id;type:varchar(128)" json:"order_id"`
	NotificationTime time.Time                    `gorm:"column:notification_time" json:"notification_time"`
	Data             datatypes.JSON               `gorm:"column:data;type:jsonb" json:"data"`
	Result           *datatypes.JSON              `gorm:"column:result;type:jsonb" json:"result"`
	Status           WebhookNotificationLogStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

func (WebhookNotificationLog) TableName() string { return "webhook_notification_log" }
