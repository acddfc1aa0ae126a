package types

type CreditTransactionType string

const (
	CreditTransactionTypeGrant      CreditTransactionType = "grant"
	CreditTransactionTypeDebit      CreditTransactionType = "debit"
	CreditTransactionTypeAdjustment CreditTransactionType = "adjustment"
)

type CreditChangeReason string

const (
	CreditChangeReasonPurchase   CreditChangeReason = "purchase"
	CreditChangeReasonRefund     CreditChangeReason = "refund"
	CreditChangeReasonGeneration CreditChangeReason = "generation"
	CreditChangeReasonGift       CreditChangeReason = "gift"
	CreditChangeReasonCorrection CreditChangeReason = "correction"
)
