package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/supportly/billing-service/internal/app"
	"github.com/supportly/billing-service/internal/domain"
	"github.com/supportly/billing-service/internal/store"
)

// stubLedger is an in-memory store.Ledger that also satisfies the reconciler's
// event store and the billing jobs' store surface.
type stubLedger struct {
	seen          map[string]bool
	subscriptions map[string]*domain.Subscription
	payments      []domain.Payment
	activities    []domain.Activity
	requests      map[string]*domain.Request
	profiles      map[string]*domain.Profile
	nextID        int
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		seen:          make(map[string]bool),
		subscriptions: make(map[string]*domain.Subscription),
		requests:      make(map[string]*domain.Request),
		profiles:      make(map[string]*domain.Profile),
	}
}

func (s *stubLedger) ProcessEventOnce(ctx context.Context, providerEventID, eventType string, apply func(ctx context.Context, tx store.Ledger) error) (bool, error) {
	if s.seen[providerEventID] {
		return true, nil
	}
	if err := apply(ctx, s); err != nil {
		return false, err
	}
	s.seen[providerEventID] = true
	return false, nil
}

func (s *stubLedger) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	copied := *sub
	return &copied, nil
}

func (s *stubLedger) FindSubscriptionByCheckoutRef(ctx context.Context, checkoutRef string) (*domain.Subscription, error) {
	for _, sub := range s.subscriptions {
		if sub.CheckoutRef != nil && *sub.CheckoutRef == checkoutRef {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (s *stubLedger) FindSubscriptionByProviderSubID(ctx context.Context, providerSubID string) (*domain.Subscription, error) {
	for _, sub := range s.subscriptions {
		if sub.ProviderSubscriptionID != nil && *sub.ProviderSubscriptionID == providerSubID {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (s *stubLedger) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub.ID == "" {
		s.nextID++
		sub.ID = fmt.Sprintf("sub_%d", s.nextID)
	}
	copied := *sub
	s.subscriptions[sub.ID] = &copied
	return nil
}

func (s *stubLedger) UpdateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if _, ok := s.subscriptions[sub.ID]; !ok {
		return store.ErrSubscriptionNotFound
	}
	copied := *sub
	s.subscriptions[sub.ID] = &copied
	return nil
}

func (s *stubLedger) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	if payment.ID == "" {
		s.nextID++
		payment.ID = fmt.Sprintf("pay_%d", s.nextID)
	}
	s.payments = append(s.payments, *payment)
	return nil
}

func (s *stubLedger) CountFailedPaymentsSince(ctx context.Context, subscriptionID string, since time.Time) (int, error) {
	count := 0
	for _, p := range s.payments {
		if p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID && p.Status == domain.PaymentStatusFailed && !p.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *stubLedger) LastFailedPaymentAt(ctx context.Context, subscriptionID string, since time.Time) (*time.Time, error) {
	var last *time.Time
	for _, p := range s.payments {
		if p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID && p.Status == domain.PaymentStatusFailed && !p.CreatedAt.Before(since) {
			t := p.CreatedAt
			if last == nil || t.After(*last) {
				last = &t
			}
		}
	}
	return last, nil
}

func (s *stubLedger) ListPaymentsBySubscription(ctx context.Context, subscriptionID string, limit int) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range s.payments {
		if p.SubscriptionID != nil && *p.SubscriptionID == subscriptionID {
			out = append(out, p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubLedger) FindRequestByCheckoutSession(ctx context.Context, sessionID string) (*domain.Request, error) {
	for _, req := range s.requests {
		if req.CheckoutSessionID != nil && *req.CheckoutSessionID == sessionID {
			copied := *req
			return &copied, nil
		}
	}
	return nil, store.ErrRequestNotFound
}

func (s *stubLedger) UpdateRequest(ctx context.Context, request *domain.Request) error {
	copied := *request
	s.requests[request.ID] = &copied
	return nil
}

func (s *stubLedger) CreateActivity(ctx context.Context, activity *domain.Activity) error {
	s.activities = append(s.activities, *activity)
	return nil
}

func (s *stubLedger) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	profile, ok := s.profiles[userID]
	if !ok {
		return nil, store.ErrProfileNotFound
	}
	copied := *profile
	return &copied, nil
}

func (s *stubLedger) ListDueSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	return nil, nil
}

func (s *stubLedger) ListRecentlyFailedSubscriptionIDs(ctx context.Context, since time.Time) ([]string, error) {
	return nil, nil
}

type publisherStub struct{}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

type gatewayStub struct{}

func (g *gatewayStub) Charge(ctx context.Context, authorizationHandle, payerEmail string, amountCents int64, currency, destinationHandle string, metadata map[string]string, idempotencyReference string) (string, string, error) {
	return "txn_test", "", nil
}

const testSecret = "whsec_test"

func newTestHandler(ledger *stubLedger) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fees := app.DefaultFeeSchedule()
	reconciler := app.NewReconciler(ledger, &publisherStub{}, fees, logger)
	billing := app.NewBilling(ledger, &gatewayStub{}, &publisherStub{}, fees, logger, time.Second)
	return NewHandler(reconciler, billing, ledger, testSecret, logger)
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func checkoutEventBody(eventID string) []byte {
	body := fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"checkout": {
			"session_id": "cs_100",
			"mode": "subscription",
			"creator_id": "creator_1",
			"subscriber_id": "subscriber_1",
			"amount_gross_cents": 10400,
			"amount_net_cents": 9600,
			"currency": "usd",
			"provider_subscription_id": "psub_100",
			"fee_breakdown": {
				"fee_model": "split_v1",
				"base_amount_cents": 10000,
				"gross_cents": 10400,
				"net_cents": 9600,
				"fee_cents": 800,
				"subscriber_fee_cents": 400,
				"creator_fee_cents": 400
			}
		}
	}`, eventID)
	return []byte(body)
}

func postWebhook(t *testing.T, h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/processor", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Processor-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.handleProcessorWebhook(rec, req)
	return rec
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	ledger := newStubLedger()
	h := newTestHandler(ledger)

	body := checkoutEventBody("evt_1")
	rec := postWebhook(t, h, body, "deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(ledger.seen) != 0 {
		t.Fatal("expected no event to be processed")
	}

	rec = postWebhook(t, h, body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing signature, got %d", rec.Code)
	}
}

func TestWebhookAppliesCheckoutEvent(t *testing.T) {
	ledger := newStubLedger()
	h := newTestHandler(ledger)

	body := checkoutEventBody("evt_1")
	rec := postWebhook(t, h, body, sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "applied" {
		t.Fatalf("expected status applied, got %q", resp["status"])
	}
	if len(ledger.subscriptions) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(ledger.subscriptions))
	}
	if len(ledger.payments) != 1 {
		t.Fatalf("expected 1 payment, got %d", len(ledger.payments))
	}
}

func TestWebhookAcceptsPrefixedSignature(t *testing.T) {
	ledger := newStubLedger()
	h := newTestHandler(ledger)

	body := checkoutEventBody("evt_1")
	rec := postWebhook(t, h, body, "sha256="+sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookReportsAlreadyProcessed(t *testing.T) {
	ledger := newStubLedger()
	h := newTestHandler(ledger)

	body := checkoutEventBody("evt_1")
	if rec := postWebhook(t, h, body, sign(body)); rec.Code != http.StatusOK {
		t.Fatalf("first delivery failed: %d", rec.Code)
	}

	rec := postWebhook(t, h, body, sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "already_processed" {
		t.Fatalf("expected status already_processed, got %q", resp["status"])
	}
	if len(ledger.payments) != 1 {
		t.Fatalf("expected replay to record no new payment, got %d payments", len(ledger.payments))
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	ledger := newStubLedger()
	h := newTestHandler(ledger)

	body := []byte(`{"type": "checkout.session.completed"}`)
	rec := postWebhook(t, h, body, sign(body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for payload without id, got %d", rec.Code)
	}
}

func TestInternalRunRequiresAPIKey(t *testing.T) {
	ledger := newStubLedger()
	h := newTestHandler(ledger)
	router := NewRouter(h, "http://localhost/jwks", "internal-key")

	req := httptest.NewRequest(http.MethodPost, "/internal/billing/run", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/billing/run", nil)
	req.Header.Set("X-Internal-API-Key", "internal-key")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}

	var summary app.RunSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode run summary: %v", err)
	}
	if summary.Processed != 0 {
		t.Fatalf("expected empty run, got %d processed", summary.Processed)
	}
}

// testRouterWithUser builds a chi router that injects the given user ID into
// the request context ahead of the read handlers, standing in for the JWT
// middleware so URL params still resolve.
func testRouterWithUser(h *Handler, userID string) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := context.WithValue(req.Context(), UserIDContextKey, userID)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Get("/billing/subscriptions/{id}", h.handleGetSubscription)
	r.Get("/billing/subscriptions/{id}/payments", h.handleListSubscriptionPayments)
	return r
}

func TestGetSubscriptionOwnership(t *testing.T) {
	ledger := newStubLedger()
	h := newTestHandler(ledger)

	subscriberID := "subscriber_1"
	ledger.subscriptions["sub_1"] = &domain.Subscription{
		ID:           "sub_1",
		CreatorID:    "creator_1",
		SubscriberID: &subscriberID,
		AmountCents:  10000,
		Currency:     "usd",
		Status:       domain.SubscriptionStatusActive,
	}

	serve := func(userID, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router := testRouterWithUser(h, userID)
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := serve("creator_1", "/billing/subscriptions/sub_1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for creator, got %d", rec.Code)
	}
	if rec := serve("subscriber_1", "/billing/subscriptions/sub_1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for subscriber, got %d", rec.Code)
	}
	if rec := serve("stranger", "/billing/subscriptions/sub_1"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-party, got %d", rec.Code)
	}
	if rec := serve("creator_1", "/billing/subscriptions/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown subscription, got %d", rec.Code)
	}
}

func TestListSubscriptionPayments(t *testing.T) {
	ledger := newStubLedger()
	h := newTestHandler(ledger)

	subID := "sub_1"
	ledger.subscriptions[subID] = &domain.Subscription{
		ID:        subID,
		CreatorID: "creator_1",
		Status:    domain.SubscriptionStatusActive,
	}
	ledger.payments = append(ledger.payments, domain.Payment{
		ID:             "pay_1",
		SubscriptionID: &subID,
		CreatorID:      "creator_1",
		GrossCents:     10400,
		Status:         domain.PaymentStatusSucceeded,
	})

	req := httptest.NewRequest(http.MethodGet, "/billing/subscriptions/sub_1/payments", nil)
	rec := httptest.NewRecorder()
	testRouterWithUser(h, "creator_1").ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payments []domain.Payment
	if err := json.Unmarshal(rec.Body.Bytes(), &payments); err != nil {
		t.Fatalf("failed to decode payments: %v", err)
	}
	if len(payments) != 1 || payments[0].ID != "pay_1" {
		t.Fatalf("unexpected payments: %+v", payments)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(newStubLedger())
	router := NewRouter(h, "http://localhost/jwks", "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}
