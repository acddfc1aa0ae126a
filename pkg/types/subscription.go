package types

import "time"

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonPurchase SubscriptionChangeReason = "purchase"
	SubscriptionChangeReasonRefund   SubscriptionChangeReason = "refund"
	SubscriptionChangeReasonExpire   SubscriptionChangeReason = "expire"
	SubscriptionChangeReasonCancel   SubscriptionChangeReason = "cancel"
	SubscriptionChangeReasonGift     SubscriptionChangeReason = "gift"
)

type UserSubscriptionInfo struct {
	Status     string     `json:"status"`
	PeriodEnd  *time.Time `json:"period_end"`
	IsLifetime bool       `json:"is_lifetime"`
}
