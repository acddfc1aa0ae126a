package types

type GenerationCallStatus string

const (
	GenerationCallStatusPending    GenerationCallStatus = "pending"
	GenerationCallStatusProcessing GenerationCallStatus = "processing"
	GenerationCallStatusCompleted  GenerationCallStatus = "completed"
	GenerationCallStatusFailed     GenerationCallStatus = "failed"
)

// Terminal reports whether no further transition is accepted from s.
func (s GenerationCallStatus) Terminal() bool {
	return s == GenerationCallStatusCompleted || s == GenerationCallStatusFailed
}

type WebhookEventType string

const (
	WebhookEventTypePaymentSucceeded WebhookEventType = "payment_succeeded"
	WebhookEventTypePaymentFailed    WebhookEventType = "payment_failed"
	WebhookEventTypeRefund           WebhookEventType = "refund"
)
