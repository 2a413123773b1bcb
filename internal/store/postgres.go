/**
 * @description
 * PostgreSQL implementation of the billing ledger. All subscription updates
 * are single-row statements keyed by id, and webhook event processing runs
 * inside one transaction so the idempotency marker commits atomically with
 * the mutations it guards.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/google/uuid: entity identifiers.
 */
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/supportly/billing-service/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the same
// query methods serve pooled and transaction-scoped access.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL-backed ledger.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// NewStore creates a Store on top of a pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (s *Store) withTx(tx pgx.Tx) *Store {
	return &Store{pool: s.pool, q: tx}
}

// ProcessEventOnce runs apply exactly once for a provider event id. The
// idempotency marker is inserted first inside the transaction; a conflict
// means the event was already fully applied and apply is skipped. An apply
// error rolls back marker and mutations together, so the provider's
// redelivery can retry safely.
func (s *Store) ProcessEventOnce(ctx context.Context, providerEventID, eventType string, apply func(ctx context.Context, tx Ledger) error) (already bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin event transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO webhook_events (id, provider_event_id, event_type, processed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (provider_event_id) DO NOTHING
	`, uuid.NewString(), providerEventID, eventType)
	if err != nil {
		return false, fmt.Errorf("insert webhook event marker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return true, nil
	}

	if err := apply(ctx, s.withTx(tx)); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit event transaction: %w", err)
	}
	return false, nil
}

const subscriptionColumns = `
	id, creator_id, subscriber_id, amount_cents, currency, billing_interval, status,
	current_period_end, cancel_at_period_end, fee_model, ltv_cents,
	provider_customer_id, provider_subscription_id, authorization_handle,
	checkout_ref, canceled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.CreatorID, &sub.SubscriberID, &sub.AmountCents, &sub.Currency,
		&sub.Interval, &sub.Status, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.FeeModel, &sub.LTVCents, &sub.ProviderCustomerID, &sub.ProviderSubscriptionID,
		&sub.AuthorizationHandle, &sub.CheckoutRef, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// GetSubscription retrieves a subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	query := `SELECT` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(s.q.QueryRow(ctx, query, id))
}

// FindSubscriptionByCheckoutRef retrieves a subscription by its checkout session reference.
func (s *Store) FindSubscriptionByCheckoutRef(ctx context.Context, checkoutRef string) (*domain.Subscription, error) {
	query := `SELECT` + subscriptionColumns + ` FROM subscriptions WHERE checkout_ref = $1`
	return scanSubscription(s.q.QueryRow(ctx, query, checkoutRef))
}

// FindSubscriptionByProviderSubID retrieves a subscription by the processor's subscription handle.
func (s *Store) FindSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*domain.Subscription, error) {
	query := `SELECT` + subscriptionColumns + ` FROM subscriptions WHERE provider_subscription_id = $1`
	return scanSubscription(s.q.QueryRow(ctx, query, providerSubID))
}

// CreateSubscription inserts a new subscription, assigning an id when absent.
func (s *Store) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := s.q.Exec(ctx, `
		INSERT INTO subscriptions (
			id, creator_id, subscriber_id, amount_cents, currency, billing_interval, status,
			current_period_end, cancel_at_period_end, fee_model, ltv_cents,
			provider_customer_id, provider_subscription_id, authorization_handle,
			checkout_ref, canceled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		sub.ID, sub.CreatorID, sub.SubscriberID, sub.AmountCents, sub.Currency,
		sub.Interval, sub.Status, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.FeeModel, sub.LTVCents, sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		sub.AuthorizationHandle, sub.CheckoutRef, sub.CanceledAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription rewrites the mutable columns of a single subscription row.
func (s *Store) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	sub.UpdatedAt = time.Now().UTC()

	tag, err := s.q.Exec(ctx, `
		UPDATE subscriptions SET
			amount_cents = $2, status = $3, current_period_end = $4,
			cancel_at_period_end = $5, fee_model = $6, ltv_cents = $7,
			provider_customer_id = $8, provider_subscription_id = $9,
			authorization_handle = $10, canceled_at = $11, updated_at = $12
		WHERE id = $1
	`,
		sub.ID, sub.AmountCents, sub.Status, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.FeeModel, sub.LTVCents,
		sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		sub.AuthorizationHandle, sub.CanceledAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ListDueSubscriptions returns active monthly subscriptions whose period has
// ended and which carry a stored authorization handle.
func (s *Store) ListDueSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	query := `SELECT` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'active'
		  AND billing_interval = 'month'
		  AND current_period_end IS NOT NULL
		  AND current_period_end <= $1
		  AND authorization_handle IS NOT NULL
		ORDER BY current_period_end ASC`

	rows, err := s.q.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// ListRecentlyFailedSubscriptionIDs returns distinct active subscriptions with
// at least one failed recurring payment since the given time.
func (s *Store) ListRecentlyFailedSubscriptionIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT p.subscription_id
		FROM payments p
		JOIN subscriptions s ON s.id = p.subscription_id
		WHERE p.status = 'failed'
		  AND p.type = 'recurring'
		  AND p.created_at >= $1
		  AND s.status = 'active'
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreatePayment inserts one charge-attempt record. Payments are append-only.
func (s *Store) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	_, err := s.q.Exec(ctx, `
		INSERT INTO payments (
			id, subscription_id, creator_id, subscriber_id,
			gross_cents, amount_cents, net_cents, fee_cents,
			subscriber_fee_cents, creator_fee_cents, currency, type, status,
			provider_ref, failure_reason, retry_ordinal, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		payment.ID, payment.SubscriptionID, payment.CreatorID, payment.SubscriberID,
		payment.GrossCents, payment.AmountCents, payment.NetCents, payment.FeeCents,
		payment.SubscriberFeeCents, payment.CreatorFeeCents, payment.Currency,
		payment.Type, payment.Status, payment.ProviderRef, payment.FailureReason,
		payment.RetryOrdinal, payment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// CountFailedPaymentsSince counts failed charge attempts for a subscription
// created on or after the given time. Retry policy derives from this count,
// never from in-memory state.
func (s *Store) CountFailedPaymentsSince(ctx context.Context, subscriptionID string, since time.Time) (int, error) {
	var count int
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM payments
		WHERE subscription_id = $1 AND status = 'failed' AND created_at >= $2
	`, subscriptionID, since).Scan(&count)
	return count, err
}

// LastFailedPaymentAt returns the creation time of the most recent failed
// attempt for a subscription since the given time, or nil when there is none.
func (s *Store) LastFailedPaymentAt(ctx context.Context, subscriptionID string, since time.Time) (*time.Time, error) {
	var at *time.Time
	err := s.q.QueryRow(ctx, `
		SELECT MAX(created_at) FROM payments
		WHERE subscription_id = $1 AND status = 'failed' AND created_at >= $2
	`, subscriptionID, since).Scan(&at)
	if err != nil {
		return nil, err
	}
	return at, nil
}

// ListPaymentsBySubscription returns the most recent payments for a subscription.
func (s *Store) ListPaymentsBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.Payment, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, subscription_id, creator_id, subscriber_id,
			gross_cents, amount_cents, net_cents, fee_cents,
			subscriber_fee_cents, creator_fee_cents, currency, type, status,
			provider_ref, failure_reason, retry_ordinal, created_at
		FROM payments
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		err := rows.Scan(
			&p.ID, &p.SubscriptionID, &p.CreatorID, &p.SubscriberID,
			&p.GrossCents, &p.AmountCents, &p.NetCents, &p.FeeCents,
			&p.SubscriberFeeCents, &p.CreatorFeeCents, &p.Currency, &p.Type, &p.Status,
			&p.ProviderRef, &p.FailureReason, &p.RetryOrdinal, &p.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// FindRequestByCheckoutSession retrieves a request by its linked checkout session id.
func (s *Store) FindRequestByCheckoutSession(ctx context.Context, sessionID string) (*domain.Request, error) {
	var req domain.Request
	err := s.q.QueryRow(ctx, `
		SELECT id, creator_id, requester_id, status, checkout_session_id, updated_at
		FROM requests WHERE checkout_session_id = $1
	`, sessionID).Scan(&req.ID, &req.CreatorID, &req.RequesterID, &req.Status, &req.CheckoutSessionID, &req.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// UpdateRequest rewrites the mutable columns of a single request row.
func (s *Store) UpdateRequest(ctx context.Context, request *domain.Request) error {
	request.UpdatedAt = time.Now().UTC()

	tag, err := s.q.Exec(ctx, `
		UPDATE requests SET status = $2, checkout_session_id = $3, updated_at = $4
		WHERE id = $1
	`, request.ID, request.Status, request.CheckoutSessionID, request.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update request %s: %w", request.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// CreateActivity appends one immutable activity record.
func (s *Store) CreateActivity(ctx context.Context, activity *domain.Activity) error {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(activity.Metadata)
	if err != nil {
		return fmt.Errorf("encode activity metadata: %w", err)
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO activities (id, user_id, type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, activity.ID, activity.UserID, activity.Type, metadata, activity.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// GetProfile retrieves the billing-relevant slice of a user's profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	var profile domain.Profile
	err := s.q.QueryRow(ctx, `
		SELECT user_id, purpose, payout_destination_handle, country_code
		FROM profiles WHERE user_id = $1
	`, userID).Scan(&profile.UserID, &profile.Purpose, &profile.PayoutDestinationHandle, &profile.CountryCode)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &profile, nil
}
