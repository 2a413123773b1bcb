/**
 * @description
 * Webhook reconciliation logic. Each verified processor event is applied at
 * most once: the ledger inserts the idempotency marker and the mutations in a
 * single transaction, so a crash or apply error leaves no marker behind and
 * the provider's redelivery can retry safely. Replays come back as a distinct
 * "already processed" outcome without touching the ledger.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/supportly/billing-service/internal/domain"
	"github.com/supportly/billing-service/internal/store"
)

// Outcome is the terminal result of handling one webhook event.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
)

// EventStore runs an apply function exactly once per provider event id.
type EventStore interface {
	ProcessEventOnce(ctx context.Context, providerEventID, eventType string, apply func(ctx context.Context, tx store.Ledger) error) (already bool, err error)
}

// EventPublisher defines the interface for publishing billing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Reconciler consumes verified processor events and drives ledger mutations.
type Reconciler struct {
	events    EventStore
	publisher EventPublisher
	fees      FeeSchedule
	logger    *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(events EventStore, publisher EventPublisher, fees FeeSchedule, logger *slog.Logger) *Reconciler {
	return &Reconciler{events: events, publisher: publisher, fees: fees, logger: logger}
}

type billingEvent struct {
	SubscriptionID string    `json:"subscription_id,omitempty"`
	CreatorID      string    `json:"creator_id,omitempty"`
	AmountCents    int64     `json:"amount_cents,omitempty"`
	NetCents       int64     `json:"net_cents,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// HandleEvent applies one parsed provider event. Unknown event types are
// acknowledged without mutation so the provider stops redelivering them.
func (r *Reconciler) HandleEvent(ctx context.Context, event *domain.ProviderEvent) (Outcome, error) {
	if !event.Type.Known() {
		r.logger.Info("ignoring unhandled webhook event type", "event_id", event.ID, "type", event.Type)
		return OutcomeIgnored, nil
	}

	var routingKey string
	var published billingEvent

	already, err := r.events.ProcessEventOnce(ctx, event.ID, string(event.Type), func(ctx context.Context, tx store.Ledger) error {
		switch event.Type {
		case domain.EventCheckoutCompleted, domain.EventAsyncPaymentSucceeded:
			sub, err := r.applyCheckoutPaid(ctx, tx, event)
			if err != nil {
				return err
			}
			routingKey = "billing.payment.received"
			published = billingEvent{SubscriptionID: sub.ID, CreatorID: sub.CreatorID, AmountCents: sub.AmountCents, Currency: sub.Currency}
		case domain.EventCheckoutExpired:
			return r.applyCheckoutExpired(ctx, tx, event)
		case domain.EventInvoicePaid:
			sub, net, err := r.applyInvoicePaid(ctx, tx, event)
			if err != nil {
				return err
			}
			routingKey = "billing.payment.received"
			published = billingEvent{SubscriptionID: sub.ID, CreatorID: sub.CreatorID, AmountCents: sub.AmountCents, NetCents: net, Currency: sub.Currency}
		case domain.EventSubscriptionDeleted:
			sub, err := r.applySubscriptionDeleted(ctx, tx, event)
			if err != nil || sub == nil {
				return err
			}
			routingKey = "billing.subscription.canceled"
			published = billingEvent{SubscriptionID: sub.ID, CreatorID: sub.CreatorID, Currency: sub.Currency}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if already {
		return OutcomeAlreadyProcessed, nil
	}

	if routingKey != "" && r.publisher != nil {
		published.Timestamp = time.Now().UTC()
		if err := r.publisher.Publish(ctx, "billing.events", routingKey, published); err != nil {
			r.logger.Warn("failed to publish billing event", "routing_key", routingKey, "error", err)
		}
	}

	return OutcomeApplied, nil
}

// resolveBaseAmount derives the creator's base price from checkout fee
// metadata. The fallback order is fixed: base_amount_cents, then gross_cents,
// then net_cents, then the session's gross. Malformed or partial metadata
// falls through the chain rather than failing the event.
func resolveBaseAmount(session *domain.CheckoutSessionData) int64 {
	if fb := session.FeeBreakdown; fb != nil {
		if fb.BaseAmountCents != nil && *fb.BaseAmountCents > 0 {
			return *fb.BaseAmountCents
		}
		if fb.GrossCents != nil && *fb.GrossCents > 0 {
			return *fb.GrossCents
		}
		if fb.NetCents != nil && *fb.NetCents > 0 {
			return *fb.NetCents
		}
	}
	return session.AmountGrossCents
}

func (r *Reconciler) applyCheckoutPaid(ctx context.Context, tx store.Ledger, event *domain.ProviderEvent) (*domain.Subscription, error) {
	session := event.Checkout
	base := resolveBaseAmount(session)
	payment := r.buildCheckoutPayment(event.ID, session, base)

	sub, err := tx.FindSubscriptionByCheckoutRef(ctx, session.SessionID)
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, err
	}

	if sub == nil {
		sub = &domain.Subscription{
			CreatorID:              session.CreatorID,
			SubscriberID:           session.SubscriberID,
			AmountCents:            base,
			Currency:               session.Currency,
			Interval:               domain.IntervalOneTime,
			Status:                 domain.SubscriptionStatusActive,
			LTVCents:               payment.NetCents,
			ProviderCustomerID:     session.ProviderCustomerID,
			ProviderSubscriptionID: session.ProviderSubscriptionID,
			AuthorizationHandle:    session.AuthorizationHandle,
			CheckoutRef:            &session.SessionID,
		}
		if session.FeeBreakdown != nil && session.FeeBreakdown.FeeModel == string(FeeModelSplitV1) {
			model := string(FeeModelSplitV1)
			sub.FeeModel = &model
		}
		if session.Mode == "subscription" {
			sub.Interval = domain.IntervalMonth
			periodEnd := time.Now().UTC().AddDate(0, 1, 0)
			sub.CurrentPeriodEnd = &periodEnd
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return nil, err
		}
	} else {
		sub.LTVCents += payment.NetCents
		if session.AuthorizationHandle != nil {
			sub.AuthorizationHandle = session.AuthorizationHandle
		}
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return nil, err
		}
	}

	payment.SubscriptionID = &sub.ID
	if sub.Interval == domain.IntervalMonth {
		payment.Type = domain.PaymentTypeRecurring
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	if err := tx.CreateActivity(ctx, &domain.Activity{
		UserID: sub.CreatorID,
		Type:   domain.ActivityPaymentReceived,
		Metadata: map[string]string{
			"subscription_id": sub.ID,
			"net_cents":       strconv.FormatInt(payment.NetCents, 10),
			"currency":        payment.Currency,
		},
	}); err != nil {
		return nil, err
	}

	if err := r.acceptLinkedRequest(ctx, tx, session.SessionID); err != nil {
		return nil, err
	}

	return sub, nil
}

// buildCheckoutPayment assembles the payment record for a paid checkout. Fee
// fields come from the session's breakdown when the split model carried them;
// otherwise the legacy formula prices the gross charged amount.
func (r *Reconciler) buildCheckoutPayment(eventID string, session *domain.CheckoutSessionData, base int64) *domain.Payment {
	payment := &domain.Payment{
		CreatorID:    session.CreatorID,
		SubscriberID: session.SubscriberID,
		Currency:     session.Currency,
		Type:         domain.PaymentTypeOneTime,
		Status:       domain.PaymentStatusSucceeded,
		ProviderRef:  eventID,
	}

	fb := session.FeeBreakdown
	if fb != nil && fb.FeeModel == string(FeeModelSplitV1) {
		gross := session.AmountGrossCents
		if fb.GrossCents != nil {
			gross = *fb.GrossCents
		}
		net := session.AmountNetCents
		if fb.NetCents != nil {
			net = *fb.NetCents
		}
		fee := gross - net
		if fb.FeeCents != nil {
			fee = *fb.FeeCents
		}
		payment.GrossCents = gross
		payment.AmountCents = base
		payment.NetCents = net
		payment.FeeCents = fee
		payment.SubscriberFeeCents = fb.SubscriberFeeCents
		payment.CreatorFeeCents = fb.CreatorFeeCents
		return payment
	}

	result := r.fees.ComputeFee(session.AmountGrossCents, session.Currency, PurposePersonal, false, FeeModelLegacy)
	payment.GrossCents = result.GrossCents
	payment.AmountCents = base
	payment.NetCents = result.NetCents
	payment.FeeCents = result.FeeCents
	return payment
}

// acceptLinkedRequest moves a checkout-linked request from pending_payment to
// accepted. A missing request is not an error: most checkouts have none.
func (r *Reconciler) acceptLinkedRequest(ctx context.Context, tx store.Ledger, sessionID string) error {
	request, err := tx.FindRequestByCheckoutSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrRequestNotFound) {
			return nil
		}
		return err
	}
	if request.Status != domain.RequestStatusPendingPayment {
		return nil
	}

	request.Status = domain.RequestStatusAccepted
	if err := tx.UpdateRequest(ctx, request); err != nil {
		return err
	}

	return tx.CreateActivity(ctx, &domain.Activity{
		UserID:   request.RequesterID,
		Type:     domain.ActivityRequestAccepted,
		Metadata: map[string]string{"request_id": request.ID},
	})
}

// applyCheckoutExpired reverts a checkout-linked request to sent and clears
// its session reference. No payment is created; an expired checkout with no
// linked request is a deliberate no-op.
func (r *Reconciler) applyCheckoutExpired(ctx context.Context, tx store.Ledger, event *domain.ProviderEvent) error {
	request, err := tx.FindRequestByCheckoutSession(ctx, event.Checkout.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrRequestNotFound) {
			return nil
		}
		return err
	}
	if request.Status != domain.RequestStatusPendingPayment {
		return nil
	}

	request.Status = domain.RequestStatusSent
	request.CheckoutSessionID = nil
	return tx.UpdateRequest(ctx, request)
}

// applyInvoicePaid records a recurring renewal: a recurring payment priced by
// the subscription's stored fee model, an LTV credit, and a period advance to
// the invoice's billing-period end.
func (r *Reconciler) applyInvoicePaid(ctx context.Context, tx store.Ledger, event *domain.ProviderEvent) (*domain.Subscription, int64, error) {
	invoice := event.Invoice

	sub, err := tx.FindSubscriptionByProviderSubID(ctx, invoice.ProviderSubscriptionID)
	if err != nil {
		return nil, 0, fmt.Errorf("invoice %s: %w", invoice.InvoiceID, err)
	}

	model := ResolveFeeModel(sub.FeeModel)
	var result FeeResult
	if model == FeeModelSplitV1 {
		purpose := PurposePersonal
		if profile, err := tx.GetProfile(ctx, sub.CreatorID); err == nil {
			purpose = profile.Purpose
		}
		result = r.fees.ComputeFee(sub.AmountCents, sub.Currency, purpose, false, FeeModelSplitV1)
	} else {
		result = r.fees.ComputeFee(invoice.AmountPaidCents, sub.Currency, PurposePersonal, false, FeeModelLegacy)
	}

	payment := &domain.Payment{
		SubscriptionID:     &sub.ID,
		CreatorID:          sub.CreatorID,
		SubscriberID:       sub.SubscriberID,
		GrossCents:         result.GrossCents,
		AmountCents:        sub.AmountCents,
		NetCents:           result.NetCents,
		FeeCents:           result.FeeCents,
		SubscriberFeeCents: result.SubscriberFeeCents,
		CreatorFeeCents:    result.CreatorFeeCents,
		Currency:           sub.Currency,
		Type:               domain.PaymentTypeRecurring,
		Status:             domain.PaymentStatusSucceeded,
		ProviderRef:        event.ID,
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return nil, 0, err
	}

	periodEnd := invoice.PeriodEnd
	sub.CurrentPeriodEnd = &periodEnd
	sub.LTVCents += result.NetCents
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, 0, err
	}

	if err := tx.CreateActivity(ctx, &domain.Activity{
		UserID: sub.CreatorID,
		Type:   domain.ActivityPaymentReceived,
		Metadata: map[string]string{
			"subscription_id": sub.ID,
			"net_cents":       strconv.FormatInt(result.NetCents, 10),
			"currency":        sub.Currency,
		},
	}); err != nil {
		return nil, 0, err
	}

	return sub, result.NetCents, nil
}

// applySubscriptionDeleted marks a subscription canceled after the processor
// gave up on it. A subscription we do not know is acknowledged and logged.
func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, tx store.Ledger, event *domain.ProviderEvent) (*domain.Subscription, error) {
	data := event.Subscription

	sub, err := tx.FindSubscriptionByProviderSubID(ctx, data.ProviderSubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			r.logger.Warn("cancellation for unknown subscription", "event_id", event.ID)
			return nil, nil
		}
		return nil, err
	}

	canceledAt := time.Now().UTC()
	if data.CanceledAt != nil {
		canceledAt = *data.CanceledAt
	}
	sub.Status = domain.SubscriptionStatusCanceled
	sub.CanceledAt = &canceledAt
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}
