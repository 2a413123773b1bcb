package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/supportly/billing-service/internal/domain"
	"github.com/supportly/billing-service/internal/store"
)

// memoryLedger is an in-memory stand-in for the postgres store. Event scopes
// snapshot state up front and restore it when apply fails, mirroring the
// transactional rollback semantics of the real implementation.
type memoryLedger struct {
	subs            map[string]*domain.Subscription
	payments        []*domain.Payment
	requests        map[string]*domain.Request
	activities      []*domain.Activity
	profiles        map[string]*domain.Profile
	processedEvents map[string]bool

	nextID         int
	countFailedErr error
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		subs:            make(map[string]*domain.Subscription),
		requests:        make(map[string]*domain.Request),
		profiles:        make(map[string]*domain.Profile),
		processedEvents: make(map[string]bool),
	}
}

func (m *memoryLedger) snapshot() *memoryLedger {
	clone := newMemoryLedger()
	for id, sub := range m.subs {
		c := *sub
		clone.subs[id] = &c
	}
	for id, req := range m.requests {
		c := *req
		clone.requests[id] = &c
	}
	for id, p := range m.profiles {
		c := *p
		clone.profiles[id] = &c
	}
	clone.payments = append(clone.payments, m.payments...)
	clone.activities = append(clone.activities, m.activities...)
	for id := range m.processedEvents {
		clone.processedEvents[id] = true
	}
	return clone
}

func (m *memoryLedger) restore(snap *memoryLedger) {
	m.subs = snap.subs
	m.requests = snap.requests
	m.profiles = snap.profiles
	m.payments = snap.payments
	m.activities = snap.activities
	m.processedEvents = snap.processedEvents
}

func (m *memoryLedger) ProcessEventOnce(ctx context.Context, providerEventID, eventType string, apply func(ctx context.Context, tx store.Ledger) error) (bool, error) {
	if m.processedEvents[providerEventID] {
		return true, nil
	}
	snap := m.snapshot()
	if err := apply(ctx, m); err != nil {
		m.restore(snap)
		return false, err
	}
	m.processedEvents[providerEventID] = true
	return false, nil
}

func (m *memoryLedger) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	if sub, ok := m.subs[id]; ok {
		c := *sub
		return &c, nil
	}
	return nil, store.ErrSubscriptionNotFound
}

func (m *memoryLedger) FindSubscriptionByCheckoutRef(ctx context.Context, checkoutRef string) (*domain.Subscription, error) {
	for _, sub := range m.subs {
		if sub.CheckoutRef != nil && *sub.CheckoutRef == checkoutRef {
			c := *sub
			return &c, nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (m *memoryLedger) FindSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*domain.Subscription, error) {
	for _, sub := range m.subs {
		if sub.ProviderSubscriptionID != nil && *sub.ProviderSubscriptionID == providerSubID {
			c := *sub
			return &c, nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (m *memoryLedger) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == "" {
		m.nextID++
		sub.ID = fmt.Sprintf("sub_%d", m.nextID)
	}
	c := *sub
	m.subs[sub.ID] = &c
	return nil
}

func (m *memoryLedger) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if _, ok := m.subs[sub.ID]; !ok {
		return store.ErrSubscriptionNotFound
	}
	c := *sub
	m.subs[sub.ID] = &c
	return nil
}

func (m *memoryLedger) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	c := *payment
	m.payments = append(m.payments, &c)
	return nil
}

func (m *memoryLedger) CountFailedPaymentsSince(ctx context.Context, subscriptionID string, since time.Time) (int, error) {
	if m.countFailedErr != nil {
		return 0, m.countFailedErr
	}
	count := 0
	for _, p := range m.payments {
		if p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID &&
			p.Status == domain.PaymentStatusFailed && !p.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *memoryLedger) LastFailedPaymentAt(ctx context.Context, subscriptionID string, since time.Time) (*time.Time, error) {
	var last *time.Time
	for _, p := range m.payments {
		if p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID &&
			p.Status == domain.PaymentStatusFailed && !p.CreatedAt.Before(since) {
			at := p.CreatedAt
			if last == nil || at.After(*last) {
				last = &at
			}
		}
	}
	return last, nil
}

func (m *memoryLedger) ListPaymentsBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range m.payments {
		if p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memoryLedger) FindRequestByCheckoutSession(ctx context.Context, sessionID string) (*domain.Request, error) {
	for _, req := range m.requests {
		if req.CheckoutSessionID != nil && *req.CheckoutSessionID == sessionID {
			c := *req
			return &c, nil
		}
	}
	return nil, store.ErrRequestNotFound
}

func (m *memoryLedger) UpdateRequest(ctx context.Context, request *domain.Request) error {
	if _, ok := m.requests[request.ID]; !ok {
		return store.ErrRequestNotFound
	}
	c := *request
	m.requests[request.ID] = &c
	return nil
}

func (m *memoryLedger) CreateActivity(ctx context.Context, activity *domain.Activity) error {
	c := *activity
	m.activities = append(m.activities, &c)
	return nil
}

func (m *memoryLedger) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	if p, ok := m.profiles[userID]; ok {
		c := *p
		return &c, nil
	}
	return nil, store.ErrProfileNotFound
}

func (m *memoryLedger) ListDueSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	var due []domain.Subscription
	for _, sub := range m.subs {
		if sub.Status == domain.SubscriptionStatusActive && sub.Interval == domain.IntervalMonth &&
			sub.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.After(now) &&
			sub.AuthorizationHandle != nil {
			due = append(due, *sub)
		}
	}
	return due, nil
}

func (m *memoryLedger) ListRecentlyFailedSubscriptionIDs(ctx context.Context, since time.Time) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, p := range m.payments {
		if p.SubscriptionID == nil || p.Status != domain.PaymentStatusFailed ||
			p.Type != domain.PaymentTypeRecurring || p.CreatedAt.Before(since) {
			continue
		}
		sub, ok := m.subs[*p.SubscriptionID]
		if !ok || sub.Status != domain.SubscriptionStatusActive {
			continue
		}
		if !seen[*p.SubscriptionID] {
			seen[*p.SubscriptionID] = true
			ids = append(ids, *p.SubscriptionID)
		}
	}
	return ids, nil
}

type publisherStub struct {
	published []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.published = append(p.published, routingKey)
	return nil
}

type gatewayStub struct {
	chargeErr     error
	rotatedHandle string
	calls         int
	lastAmount    int64
	lastIdemRef   string
}

var errCardDeclined = errors.New("processor: card declined")

func (g *gatewayStub) Charge(ctx context.Context, authorizationHandle, payerEmail string, amountCents int64, currency, destinationHandle string, metadata map[string]string, idempotencyReference string) (string, string, error) {
	g.calls++
	g.lastAmount = amountCents
	g.lastIdemRef = idempotencyReference
	if g.chargeErr != nil {
		return "", "", g.chargeErr
	}
	return "ch_" + idempotencyReference, g.rotatedHandle, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }
