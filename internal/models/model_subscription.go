package models

import (
	"time"

	"github.com/fernwood/billingcore/pkg/types"

	"gorm.io/datatypes"
)

// ExtraKeyIsLifetime marks a subscription that never expires by time.
const ExtraKeyIsLifetime = "is_lifetime"

// Subscription stores the single entitlement row per user.
// Use Valid() to determine whether the subscription is currently valid.
type Subscription struct {
	ID     string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string                   `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	Status types.SubscriptionStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	// PeriodEnd is the end of the paid period; nil for lifetime subscriptions.
	PeriodEnd *time.Time `gorm:"column:period_end;default:null" json:"period_end"`
	// Extra stores additional JSON data (for example: is_lifetime, source item, payer).
	Extra datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	// CreatedAt is managed by GORM and records the creation time.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is managed by GORM and records the update time.
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

func (s *Subscription) IsLifetime() bool {
	if s == nil || s.Extra == nil {
		return false
	}
	v, ok := s.Extra[ExtraKeyIsLifetime]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Valid reports whether the subscription grants access at t.
// A lifetime subscription is valid as long as it is active.
func (s *Subscription) Valid(t time.Time) bool {
	if s == nil || s.Status != types.SubscriptionStatusActive {
		return false
	}
	if s.IsLifetime() {
		return true
	}
	return s.PeriodEnd != nil && s.PeriodEnd.After(t)
}
