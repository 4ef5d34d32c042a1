package models

import "time"

type PaymentIntentStatus string

const (
	IntentPending  PaymentIntentStatus = "pending"
	IntentPaid     PaymentIntentStatus = "paid"
	IntentFailed   PaymentIntentStatus = "failed"
	IntentRefunded PaymentIntentStatus = "refunded"
)

// PaymentIntent is one attempt to collect funds through the provider for a
// transaction. Mutated only by the webhook handler, keyed by the provider
// order id for idempotency.
type PaymentIntent struct {
	ID                 string              `json:"id" db:"id"`
	TransactionID      string              `json:"transactionId" db:"transaction_id"`
	ProviderOrderID    string              `json:"providerOrderId" db:"provider_order_id"`
	ProviderPaymentKey string              `json:"providerPaymentKey" db:"provider_payment_key"`
	AmountCents        int64               `json:"amountCents" db:"amount_cents"`
	Status             PaymentIntentStatus `json:"status" db:"status"`
	WebhookData        []byte              `json:"-" db:"webhook_data"`
	CreatedAt          time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time           `json:"updatedAt" db:"updated_at"`
}
