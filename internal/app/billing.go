/**
 * @description
 * Recurring billing and retry processing. The daily pass charges due
 * subscriptions; the hourly pass re-attempts recent failures under a bounded
 * backoff schedule. All retry decisions derive from persisted payment history
 * so restarts and horizontal scaling cannot lose retry state. Failures in one
 * subscription never abort the run: they accumulate into the returned summary.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/supportly/billing-service/internal/domain"
	"github.com/supportly/billing-service/internal/store"
)

const (
	retryCeiling        = 3
	gracePeriodDays     = 3
	recentFailureWindow = 7 * 24 * time.Hour
)

// retryBackoff is indexed by the number of failed attempts so far; the last
// element repeats when the schedule is exhausted.
var retryBackoff = []time.Duration{0, time.Hour, 24 * time.Hour}

// BillingStore is the ledger surface the billing jobs need.
type BillingStore interface {
	store.Ledger
	ListDueSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error)
	ListRecentlyFailedSubscriptionIDs(ctx context.Context, since time.Time) ([]string, error)
}

// ProcessorGateway defines the charge operation against the payment processor.
// Implementations must surface processor-declined failures as typed errors
// distinguishable from transport errors.
type ProcessorGateway interface {
	Charge(ctx context.Context, authorizationHandle, payerEmail string, amountCents int64, currency, destinationHandle string, metadata map[string]string, idempotencyReference string) (providerRef string, rotatedAuthorization string, err error)
}

// RunError records one subscription's failure within a run.
type RunError struct {
	SubscriptionID string `json:"subscription_id"`
	Error          string `json:"error"`
}

// RunSummary is the structured result of one billing or retry run.
type RunSummary struct {
	Processed int        `json:"processed"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Errors    []RunError `json:"errors"`
}

// Billing runs the recurring charge and retry passes.
type Billing struct {
	store         BillingStore
	gateway       ProcessorGateway
	publisher     EventPublisher
	fees          FeeSchedule
	logger        *slog.Logger
	chargeTimeout time.Duration
}

// NewBilling creates the billing job runner.
func NewBilling(ledger BillingStore, gateway ProcessorGateway, publisher EventPublisher, fees FeeSchedule, logger *slog.Logger, chargeTimeout time.Duration) *Billing {
	if chargeTimeout <= 0 {
		chargeTimeout = 30 * time.Second
	}
	return &Billing{
		store:         ledger,
		gateway:       gateway,
		publisher:     publisher,
		fees:          fees,
		logger:        logger,
		chargeTimeout: chargeTimeout,
	}
}

// ProcessRecurringBilling scans due subscriptions and charges each one,
// applying the retry ceiling and grace-period policy. Run once per day.
func (b *Billing) ProcessRecurringBilling(ctx context.Context) (*RunSummary, error) {
	now := time.Now().UTC()

	subs, err := b.store.ListDueSubscriptions(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}

	summary := &RunSummary{}
	for i := range subs {
		sub := subs[i]
		summary.Processed++

		destination, ok := b.payoutDestination(ctx, &sub)
		if !ok {
			summary.Skipped++
			continue
		}

		periodStart := currentPeriodStart(&sub)
		attempts, err := b.store.CountFailedPaymentsSince(ctx, sub.ID, periodStart)
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, RunError{SubscriptionID: sub.ID, Error: err.Error()})
			continue
		}

		if attempts >= retryCeiling {
			graceEnd := sub.CurrentPeriodEnd.AddDate(0, 0, gracePeriodDays)
			if !now.Before(graceEnd) {
				if err := b.markPastDue(ctx, &sub); err != nil {
					summary.Failed++
					summary.Errors = append(summary.Errors, RunError{SubscriptionID: sub.ID, Error: err.Error()})
				}
			}
			// Below the grace cutoff the retry pass owns this subscription.
			continue
		}

		b.chargeSubscription(ctx, &sub, destination, attempts, false, summary)
	}

	b.logger.Info("recurring billing run finished",
		"processed", summary.Processed, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "skipped", summary.Skipped)
	return summary, nil
}

// ProcessRetries re-attempts subscriptions with a recent failed recurring
// payment, honoring the backoff schedule. Run hourly.
func (b *Billing) ProcessRetries(ctx context.Context) (*RunSummary, error) {
	now := time.Now().UTC()

	ids, err := b.store.ListRecentlyFailedSubscriptionIDs(ctx, now.Add(-recentFailureWindow))
	if err != nil {
		return nil, fmt.Errorf("list recently failed subscriptions: %w", err)
	}

	summary := &RunSummary{}
	for _, id := range ids {
		summary.Processed++

		sub, err := b.store.GetSubscription(ctx, id)
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, RunError{SubscriptionID: id, Error: err.Error()})
			continue
		}
		if sub.Status != domain.SubscriptionStatusActive || sub.CurrentPeriodEnd == nil || sub.AuthorizationHandle == nil {
			summary.Skipped++
			continue
		}

		destination, ok := b.payoutDestination(ctx, sub)
		if !ok {
			summary.Skipped++
			continue
		}

		periodStart := currentPeriodStart(sub)
		attempts, err := b.store.CountFailedPaymentsSince(ctx, sub.ID, periodStart)
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, RunError{SubscriptionID: sub.ID, Error: err.Error()})
			continue
		}
		if attempts >= retryCeiling {
			summary.Skipped++
			continue
		}

		lastFailure, err := b.store.LastFailedPaymentAt(ctx, sub.ID, periodStart)
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, RunError{SubscriptionID: sub.ID, Error: err.Error()})
			continue
		}
		if lastFailure != nil && now.Sub(*lastFailure) < backoffDelay(attempts) {
			summary.Skipped++
			continue
		}

		b.chargeSubscription(ctx, sub, destination, attempts, true, summary)
	}

	b.logger.Info("retry run finished",
		"processed", summary.Processed, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "skipped", summary.Skipped)
	return summary, nil
}

// backoffDelay returns the required delay before the next attempt given the
// number of failed attempts so far. The last schedule entry repeats.
func backoffDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(retryBackoff) {
		return retryBackoff[len(retryBackoff)-1]
	}
	return retryBackoff[attempts]
}

// currentPeriodStart is one calendar month before the period end; attempt
// counting windows start there.
func currentPeriodStart(sub *domain.Subscription) time.Time {
	return sub.CurrentPeriodEnd.AddDate(0, -1, 0)
}

// payoutDestination resolves the creator's payout destination handle. A
// missing handle is a data-integrity skip, not a failure: no charge was
// attempted.
func (b *Billing) payoutDestination(ctx context.Context, sub *domain.Subscription) (string, bool) {
	if sub.AuthorizationHandle == nil || *sub.AuthorizationHandle == "" {
		return "", false
	}
	profile, err := b.store.GetProfile(ctx, sub.CreatorID)
	if err != nil {
		b.logger.Warn("skipping subscription without creator profile", "subscription_id", sub.ID)
		return "", false
	}
	if profile.PayoutDestinationHandle == nil || *profile.PayoutDestinationHandle == "" {
		return "", false
	}
	return *profile.PayoutDestinationHandle, true
}

// chargeSubscription performs one charge attempt and records the outcome. A
// processor failure or timeout creates a failed payment and leaves the
// subscription status untouched; status transitions belong to the caller's
// policy checks.
func (b *Billing) chargeSubscription(ctx context.Context, sub *domain.Subscription, destination string, attempts int, isRetry bool, summary *RunSummary) {
	metadata := map[string]string{
		"subscription_id": sub.ID,
		"creator_id":      sub.CreatorID,
	}
	ordinal := attempts
	if isRetry {
		metadata["retry_attempt"] = strconv.Itoa(ordinal)
	}
	idempotencyRef := fmt.Sprintf("renewal-%s-%d-%d", sub.ID, sub.CurrentPeriodEnd.Unix(), attempts)

	chargeCtx, cancel := context.WithTimeout(ctx, b.chargeTimeout)
	defer cancel()

	providerRef, rotated, err := b.gateway.Charge(chargeCtx, *sub.AuthorizationHandle, "", sub.AmountCents, sub.Currency, destination, metadata, idempotencyRef)
	if err != nil {
		// Timeouts are treated identically to declines: a failed payment,
		// no same-run retry, no status change.
		reason := err.Error()
		failed := &domain.Payment{
			SubscriptionID: &sub.ID,
			CreatorID:      sub.CreatorID,
			SubscriberID:   sub.SubscriberID,
			AmountCents:    sub.AmountCents,
			Currency:       sub.Currency,
			Type:           domain.PaymentTypeRecurring,
			Status:         domain.PaymentStatusFailed,
			ProviderRef:    idempotencyRef,
			FailureReason:  &reason,
		}
		if isRetry {
			failed.RetryOrdinal = &ordinal
		}
		if createErr := b.store.CreatePayment(ctx, failed); createErr != nil {
			b.logger.Error("failed to record failed payment", "subscription_id", sub.ID, "error", createErr)
		}
		b.logger.Warn("recurring charge failed",
			"subscription_id", sub.ID, "attempt", attempts+1,
			"authorization", MaskHandle(*sub.AuthorizationHandle), "error", err)
		summary.Failed++
		summary.Errors = append(summary.Errors, RunError{SubscriptionID: sub.ID, Error: reason})
		return
	}

	// Renewals are always priced with the flat legacy formula.
	result := b.fees.ComputeFee(sub.AmountCents, sub.Currency, PurposePersonal, false, FeeModelLegacy)

	periodEnd := sub.CurrentPeriodEnd.AddDate(0, 1, 0)
	sub.CurrentPeriodEnd = &periodEnd
	sub.LTVCents += result.NetCents
	if rotated != "" {
		sub.AuthorizationHandle = &rotated
	}
	if err := b.store.UpdateSubscription(ctx, sub); err != nil {
		summary.Failed++
		summary.Errors = append(summary.Errors, RunError{SubscriptionID: sub.ID, Error: err.Error()})
		return
	}

	payment := &domain.Payment{
		SubscriptionID: &sub.ID,
		CreatorID:      sub.CreatorID,
		SubscriberID:   sub.SubscriberID,
		GrossCents:     result.GrossCents,
		AmountCents:    sub.AmountCents,
		NetCents:       result.NetCents,
		FeeCents:       result.FeeCents,
		Currency:       sub.Currency,
		Type:           domain.PaymentTypeRecurring,
		Status:         domain.PaymentStatusSucceeded,
		ProviderRef:    providerRef,
	}
	if isRetry {
		payment.RetryOrdinal = &ordinal
	}
	if err := b.store.CreatePayment(ctx, payment); err != nil {
		b.logger.Error("failed to record succeeded payment", "subscription_id", sub.ID, "error", err)
	}

	if err := b.store.CreateActivity(ctx, &domain.Activity{
		UserID: sub.CreatorID,
		Type:   domain.ActivityPaymentReceived,
		Metadata: map[string]string{
			"subscription_id": sub.ID,
			"net_cents":       strconv.FormatInt(result.NetCents, 10),
			"currency":        sub.Currency,
		},
	}); err != nil {
		b.logger.Error("failed to record activity", "subscription_id", sub.ID, "error", err)
	}

	if b.publisher != nil {
		event := billingEvent{
			SubscriptionID: sub.ID,
			CreatorID:      sub.CreatorID,
			AmountCents:    sub.AmountCents,
			NetCents:       result.NetCents,
			Currency:       sub.Currency,
			Timestamp:      time.Now().UTC(),
		}
		if err := b.publisher.Publish(ctx, "billing.events", "billing.payment.received", event); err != nil {
			b.logger.Warn("failed to publish billing event", "subscription_id", sub.ID, "error", err)
		}
	}

	summary.Succeeded++
}

func (b *Billing) markPastDue(ctx context.Context, sub *domain.Subscription) error {
	sub.Status = domain.SubscriptionStatusPastDue
	if err := b.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	b.logger.Info("subscription past due after retry exhaustion", "subscription_id", sub.ID)

	if b.publisher != nil {
		event := billingEvent{SubscriptionID: sub.ID, CreatorID: sub.CreatorID, Currency: sub.Currency, Timestamp: time.Now().UTC()}
		if err := b.publisher.Publish(ctx, "billing.events", "billing.subscription.past_due", event); err != nil {
			b.logger.Warn("failed to publish past-due event", "subscription_id", sub.ID, "error", err)
		}
	}
	return nil
}

// MaskHandle redacts an authorization or account handle for logging, keeping
// only the last four characters.
func MaskHandle(handle string) string {
	if len(handle) <= 4 {
		return "****"
	}
	return "****" + handle[len(handle)-4:]
}
