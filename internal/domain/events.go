/**
 * @description
 * Typed payment-processor webhook event payloads. Event types form a closed set
 * so that reconciler dispatch is a compile-time-checked switch rather than
 * ad-hoc string branching.
 */
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a processor webhook event the reconciler knows about.
type EventType string

const (
	EventCheckoutCompleted     EventType = "checkout.session.completed"
	EventAsyncPaymentSucceeded EventType = "checkout.session.async_payment_succeeded"
	EventCheckoutExpired       EventType = "checkout.session.expired"
	EventInvoicePaid           EventType = "invoice.paid"
	EventSubscriptionDeleted   EventType = "customer.subscription.deleted"
)

// Known reports whether the event type is one the reconciler handles.
func (t EventType) Known() bool {
	switch t {
	case EventCheckoutCompleted, EventAsyncPaymentSucceeded, EventCheckoutExpired,
		EventInvoicePaid, EventSubscriptionDeleted:
		return true
	}
	return false
}

// FeeBreakdown is the fee metadata the checkout flow attaches to a session.
// Every field is optional on the wire; the reconciler resolves the base amount
// through a strict fallback chain when fields are absent.
type FeeBreakdown struct {
	FeeModel           string `json:"fee_model,omitempty"`
	BaseAmountCents    *int64 `json:"base_amount_cents,omitempty"`
	GrossCents         *int64 `json:"gross_cents,omitempty"`
	NetCents           *int64 `json:"net_cents,omitempty"`
	FeeCents           *int64 `json:"fee_cents,omitempty"`
	SubscriberFeeCents *int64 `json:"subscriber_fee_cents,omitempty"`
	CreatorFeeCents    *int64 `json:"creator_fee_cents,omitempty"`
}

// CheckoutSessionData is the payload of checkout session events.
type CheckoutSessionData struct {
	SessionID              string        `json:"session_id"`
	Mode                   string        `json:"mode"` // 'payment', 'subscription'
	CreatorID              string        `json:"creator_id"`
	SubscriberID           *string       `json:"subscriber_id,omitempty"`
	PayerEmail             string        `json:"payer_email,omitempty"`
	AmountGrossCents       int64         `json:"amount_gross_cents"`
	AmountNetCents         int64         `json:"amount_net_cents"`
	Currency               string        `json:"currency"`
	ProviderCustomerID     *string       `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID *string       `json:"provider_subscription_id,omitempty"`
	AuthorizationHandle    *string       `json:"authorization_handle,omitempty"`
	RequestID              *string       `json:"request_id,omitempty"`
	FeeBreakdown           *FeeBreakdown `json:"fee_breakdown,omitempty"`
}

// InvoiceData is the payload of invoice.paid events (recurring renewals).
type InvoiceData struct {
	InvoiceID              string    `json:"invoice_id"`
	ProviderSubscriptionID string    `json:"provider_subscription_id"`
	AmountPaidCents        int64     `json:"amount_paid_cents"`
	Currency               string    `json:"currency"`
	PeriodEnd              time.Time `json:"period_end"`
}

// SubscriptionData is the payload of customer.subscription.deleted events.
type SubscriptionData struct {
	ProviderSubscriptionID string     `json:"provider_subscription_id"`
	CanceledAt             *time.Time `json:"canceled_at,omitempty"`
}

// ProviderEvent is a verified, parsed processor webhook event. Exactly one of
// the payload pointers is set, matching the event type.
type ProviderEvent struct {
	ID           string               `json:"id"`
	Type         EventType            `json:"type"`
	Checkout     *CheckoutSessionData `json:"checkout,omitempty"`
	Invoice      *InvoiceData         `json:"invoice,omitempty"`
	Subscription *SubscriptionData    `json:"subscription,omitempty"`
}

// ParseProviderEvent decodes a raw webhook body into a ProviderEvent and
// validates that the payload matching the event type is present.
func ParseProviderEvent(body []byte) (*ProviderEvent, error) {
	var event ProviderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("webhook event missing id")
	}

	switch event.Type {
	case EventCheckoutCompleted, EventAsyncPaymentSucceeded, EventCheckoutExpired:
		if event.Checkout == nil {
			return nil, fmt.Errorf("event %s missing checkout payload", event.Type)
		}
	case EventInvoicePaid:
		if event.Invoice == nil {
			return nil, fmt.Errorf("event %s missing invoice payload", event.Type)
		}
	case EventSubscriptionDeleted:
		if event.Subscription == nil {
			return nil, fmt.Errorf("event %s missing subscription payload", event.Type)
		}
	}

	return &event, nil
}
