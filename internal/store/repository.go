/**
 * @description
 * This file defines the persistence contract for the billing ledger and the
 * sentinel errors callers branch on. The ledger exposes create/read/update
 * operations over the billing entities; it carries no business logic.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/supportly/billing-service/internal/domain"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrRequestNotFound      = errors.New("request not found")
	ErrProfileNotFound      = errors.New("profile not found")
	ErrPaymentNotFound      = errors.New("payment not found")
)

// Ledger is the entity surface shared by the reconciler and the billing jobs.
// The transactional implementation hands the same interface out scoped to an
// open transaction, so callers never distinguish pooled from tx-scoped access.
type Ledger interface {
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	FindSubscriptionByCheckoutRef(ctx context.Context, checkoutRef string) (*domain.Subscription, error)
	FindSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*domain.Subscription, error)
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	UpdateSubscription(ctx context.Context, sub *domain.Subscription) error

	CreatePayment(ctx context.Context, payment *domain.Payment) error
	CountFailedPaymentsSince(ctx context.Context, subscriptionID string, since time.Time) (int, error)
	LastFailedPaymentAt(ctx context.Context, subscriptionID string, since time.Time) (*time.Time, error)
	ListPaymentsBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.Payment, error)

	FindRequestByCheckoutSession(ctx context.Context, sessionID string) (*domain.Request, error)
	UpdateRequest(ctx context.Context, request *domain.Request) error

	CreateActivity(ctx context.Context, activity *domain.Activity) error

	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
}
