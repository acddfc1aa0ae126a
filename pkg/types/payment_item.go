package types

type PaymentProvider string

const (
	PaymentProviderWechat PaymentProvider = "wechat"
	PaymentProviderAlipay PaymentProvider = "alipay"
	PaymentProviderStripe PaymentProvider = "stripe"
	PaymentProviderCreem  PaymentProvider = "creem"
	PaymentProviderApple  PaymentProvider = "apple"
	// PaymentProviderInner marks grants issued internally (admin gifts, migrations).
	PaymentProviderInner PaymentProvider = "inner"
)

type PaymentItemType string

const (
	PaymentItemTypeCreditPack           PaymentItemType = "credit_pack"
	PaymentItemTypeSubscription         PaymentItemType = "subscription"
	PaymentItemTypeLifetimeSubscription PaymentItemType = "lifetime_subscription"
)

type PaymentItem struct {
	ID             string          `json:"id" mapstructure:"id"`
	ProviderID     PaymentProvider `json:"provider_id" mapstructure:"provider_id"`
	ProviderItemID string          `json:"provider_item_id" mapstructure:"provider_item_id"`
	Type           PaymentItemType `json:"type" mapstructure:"type"`
	// DurationHour is the entitlement duration for subscription items; nil for
	// credit packs and lifetime items.
	DurationHour *int64 `json:"duration_hour" mapstructure:"duration_hour"`
	// CreditAmount is the number of credits granted by a credit pack; zero for
	// subscription items.
	CreditAmount int64 `json:"credit_amount" mapstructure:"credit_amount"`
}

func (item *PaymentItem) IsSubscription() bool {
	return item.Type == PaymentItemTypeSubscription || item.Type == PaymentItemTypeLifetimeSubscription
}

func (item *PaymentItem) IsLifetime() bool {
	return item.Type == PaymentItemTypeLifetimeSubscription
}

func (item *PaymentItem) IsCreditPack() bool {
	return item.Type == PaymentItemTypeCreditPack
}
