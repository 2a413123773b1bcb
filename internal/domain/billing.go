/**
 * @description
 * This file defines the core domain models for the billing-service.
 * It covers the subscription ledger (subscriptions, payments), the webhook
 * idempotency marker, the append-only activity log, and the collaborator
 * entities (requests, profiles) the billing flows read and write.
 */
package domain

import "time"

// Subscription statuses.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
)

// Subscription intervals.
const (
	IntervalMonth   = "month"
	IntervalOneTime = "one_time"
)

// Payment types and statuses.
const (
	PaymentTypeOneTime   = "one_time"
	PaymentTypeRecurring = "recurring"

	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// Request statuses for the checkout-linked request flow.
const (
	RequestStatusSent           = "sent"
	RequestStatusPendingPayment = "pending_payment"
	RequestStatusAccepted       = "accepted"
)

// Activity types emitted by the billing flows.
const (
	ActivityPaymentReceived            = "payment_received"
	ActivityRequestAccepted            = "request_accepted"
	ActivitySubscriptionCancelFeedback = "subscription_cancel_feedback"
)

// Subscription represents a subscriber's recurring or one-time support of a creator.
// AmountCents is always the creator-set base price, never the gross the payer was
// charged; this holds across every creation path.
type Subscription struct {
	ID                     string     `json:"id"`
	CreatorID              string     `json:"creator_id"`
	SubscriberID           *string    `json:"subscriber_id,omitempty"` // nil for anonymous one-time support
	AmountCents            int64      `json:"amount_cents"`
	Currency               string     `json:"currency"`
	Interval               string     `json:"interval"` // 'month', 'one_time'
	Status                 string     `json:"status"`   // 'active', 'past_due', 'canceled'
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	FeeModel               *string    `json:"fee_model,omitempty"` // 'split_v1', nil for legacy records
	LTVCents               int64      `json:"ltv_cents"`
	ProviderCustomerID     *string    `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID *string    `json:"provider_subscription_id,omitempty"`
	AuthorizationHandle    *string    `json:"authorization_handle,omitempty"`
	CheckoutRef            *string    `json:"checkout_ref,omitempty"`
	CanceledAt             *time.Time `json:"canceled_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Payment is one charge attempt, successful or failed. Failed attempts are
// retained as retry-counting evidence and never deleted or overwritten.
type Payment struct {
	ID                 string    `json:"id"`
	SubscriptionID     *string   `json:"subscription_id,omitempty"` // nil for one-off payments
	CreatorID          string    `json:"creator_id"`
	SubscriberID       *string   `json:"subscriber_id,omitempty"`
	GrossCents         int64     `json:"gross_cents"`  // what the payer paid
	AmountCents        int64     `json:"amount_cents"` // creator's base price
	NetCents           int64     `json:"net_cents"`    // actual net receipt credited to LTV
	FeeCents           int64     `json:"fee_cents"`
	SubscriberFeeCents *int64    `json:"subscriber_fee_cents,omitempty"` // split model only
	CreatorFeeCents    *int64    `json:"creator_fee_cents,omitempty"`    // split model only
	Currency           string    `json:"currency"`
	Type               string    `json:"type"`   // 'one_time', 'recurring'
	Status             string    `json:"status"` // 'succeeded', 'failed'
	ProviderRef        string    `json:"provider_ref"` // provider event id or transaction reference
	FailureReason      *string   `json:"failure_reason,omitempty"`
	RetryOrdinal       *int      `json:"retry_ordinal,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// WebhookEvent is the durable idempotency marker for an inbound provider event.
// Its existence is the exclusive source of truth for "already processed".
type WebhookEvent struct {
	ID              string    `json:"id"`
	ProviderEventID string    `json:"provider_event_id"`
	EventType       string    `json:"event_type"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// Activity is an append-only audit record of a user-visible domain event.
type Activity struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Type      string            `json:"type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Request is a supporter request that can be linked to a checkout session while
// payment is pending.
type Request struct {
	ID                string    `json:"id"`
	CreatorID         string    `json:"creator_id"`
	RequesterID       string    `json:"requester_id"`
	Status            string    `json:"status"` // 'sent', 'pending_payment', 'accepted'
	CheckoutSessionID *string   `json:"checkout_session_id,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Profile carries the billing-relevant slice of a creator's profile: the payer
// purpose that selects the fee rate and the payout destination handle.
type Profile struct {
	UserID                  string  `json:"user_id"`
	Purpose                 string  `json:"purpose"` // 'personal', 'service'
	PayoutDestinationHandle *string `json:"payout_destination_handle,omitempty"`
	CountryCode             string  `json:"country_code"`
}
