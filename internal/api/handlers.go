/**
 * @description
 * HTTP handlers for the billing service. The webhook endpoint validates the
 * HMAC signature of incoming processor notifications before any parsing, then
 * hands the parsed event to the reconciler. Creator-facing read endpoints sit
 * behind JWT auth and only expose subscriptions the caller participates in.
 */
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/supportly/billing-service/internal/app"
	"github.com/supportly/billing-service/internal/domain"
	"github.com/supportly/billing-service/internal/store"
)

const defaultPaymentPageSize = 50

// Handler holds the application services that handlers interact with.
type Handler struct {
	reconciler *app.Reconciler
	billing    *app.Billing
	ledger     store.Ledger
	secret     string
	logger     *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(reconciler *app.Reconciler, billing *app.Billing, ledger store.Ledger, secret string, logger *slog.Logger) *Handler {
	return &Handler{reconciler: reconciler, billing: billing, ledger: ledger, secret: secret, logger: logger}
}

// handleProcessorWebhook is the entry point for payment-processor notifications.
func (h *Handler) handleProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if !h.isValidSignature(r.Header.Get("X-Processor-Signature"), body) {
		h.logger.Warn("rejected webhook with invalid signature", "remote_addr", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := domain.ParseProviderEvent(body)
	if err != nil {
		h.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	outcome, err := h.reconciler.HandleEvent(r.Context(), event)
	if err != nil {
		h.logger.Error("failed to reconcile webhook event",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err)
		http.Error(w, "Internal server error during event processing", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{
		"status":   string(outcome),
		"event_id": event.ID,
	})
}

// isValidSignature validates the HMAC-SHA256 signature of the webhook body.
// Both hex and base64 digests are accepted, with or without a sha256= prefix.
func (h *Handler) isValidSignature(signatureHeader string, body []byte) bool {
	if h.secret == "" {
		h.logger.Warn("PROCESSOR_WEBHOOK_SECRET is not set, skipping signature validation")
		return true
	}

	header := strings.TrimSpace(signatureHeader)
	if header == "" {
		return false
	}
	header = strings.TrimPrefix(strings.ToLower(header), "sha256=")

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if decoded, err := hex.DecodeString(header); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	if decoded, err := base64.StdEncoding.DecodeString(signatureHeader); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	return false
}

func (h *Handler) handleRunRecurringBilling(w http.ResponseWriter, r *http.Request) {
	summary, err := h.billing.ProcessRecurringBilling(r.Context())
	if err != nil {
		h.logger.Error("recurring billing run failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleRunRetries(w http.ResponseWriter, r *http.Request) {
	summary, err := h.billing.ProcessRetries(r.Context())
	if err != nil {
		h.logger.Error("retry run failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.authorizedSubscription(w, r)
	if !ok {
		return
	}

	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleListSubscriptionPayments(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.authorizedSubscription(w, r)
	if !ok {
		return
	}

	limit := defaultPaymentPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	payments, err := h.ledger.ListPaymentsBySubscription(r.Context(), sub.ID, limit)
	if err != nil {
		h.logger.Error("failed to list payments", "subscription_id", sub.ID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, payments)
}

// authorizedSubscription loads the subscription from the URL and checks that
// the authenticated user is a party to it. Forbidden lookups return 404 so
// subscription IDs are not enumerable.
func (h *Handler) authorizedSubscription(w http.ResponseWriter, r *http.Request) (*domain.Subscription, bool) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	subscriptionID := chi.URLParam(r, "id")
	if subscriptionID == "" {
		http.Error(w, "Subscription ID is required", http.StatusBadRequest)
		return nil, false
	}

	sub, err := h.ledger.GetSubscription(r.Context(), subscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			http.Error(w, "Subscription not found", http.StatusNotFound)
			return nil, false
		}
		h.logger.Error("failed to load subscription", "subscription_id", subscriptionID, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}

	isParty := sub.CreatorID == userID || (sub.SubscriberID != nil && *sub.SubscriberID == userID)
	if !isParty {
		http.Error(w, "Subscription not found", http.StatusNotFound)
		return nil, false
	}

	return sub, true
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
