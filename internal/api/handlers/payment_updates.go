// Package handlers contains the HTTP handler implementations for the resolver
// ledger service.
//
// This file implements the platform payment update webhook. The endpoint is
// NOT behind the /v1 bearer auth; the platform proves itself with the secret
// token header configured when the webhook was registered.
package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"resolver/internal/billing"
	"resolver/internal/core"
	"resolver/internal/types"
)

// SecretTokenHeader carries the webhook secret on every platform update.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// maxUpdateBodySize caps a single update payload.
const maxUpdateBodySize = 64 * 1024

// botAPIProvider is the Provider dimension for failed Bot API calls.
const botAPIProvider = "bot_api"

// Payer-facing confirmation texts.
const (
	msgVerificationFailed     = "Payment verification failed. Please contact support."
	msgProcessingError        = "Payment processing error. Please contact support."
	msgAlreadyProcessedGroup  = "Payment already processed! Your group subscription is active."
	msgAlreadyProcessedCredit = "Payment already processed! Your resolves are available."
)

// ---------------------------------------------------------------------------
// Interfaces for webhook handler dependencies
// ---------------------------------------------------------------------------

// PaymentLedger is the subset of billing.Ledger the webhook needs.
type PaymentLedger interface {
	Authorize(ctx context.Context, req billing.AuthorizeRequest, now int64) billing.Decision
	ConfirmReceipt(ctx context.Context, req billing.ConfirmRequest, now int64) (billing.Receipt, error)
	GetInvoice(ctx context.Context, invoiceID string) (*types.Invoice, error)
}

// PlatformMessenger answers pre-checkout queries and messages payers.
type PlatformMessenger interface {
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// ExternalFailureRecorder counts failed upstream calls. May be nil.
type ExternalFailureRecorder interface {
	RecordExternalFailure(ctx context.Context, provider string)
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

type platformUser struct {
	ID int64 `json:"id"`
}

type platformChat struct {
	ID int64 `json:"id"`
}

type preCheckoutQuery struct {
	ID             string       `json:"id"`
	From           platformUser `json:"from"`
	Currency       string       `json:"currency"`
	TotalAmount    int64        `json:"total_amount"`
	InvoicePayload string       `json:"invoice_payload"`
}

type successfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             int64  `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
}

type platformMessage struct {
	MessageID         int64              `json:"message_id"`
	From              *platformUser      `json:"from"`
	Chat              platformChat       `json:"chat"`
	SuccessfulPayment *successfulPayment `json:"successful_payment"`
}

// platformUpdate holds the update kinds this service reacts to. Everything
// else in the payload is ignored.
type platformUpdate struct {
	UpdateID         int64             `json:"update_id"`
	PreCheckoutQuery *preCheckoutQuery `json:"pre_checkout_query"`
	Message          *platformMessage  `json:"message"`
}

// ---------------------------------------------------------------------------
// Payment Updates Handler
// ---------------------------------------------------------------------------

// PaymentUpdatesHandler receives pre-checkout and successful-payment updates
// from the chat platform.
//
// A 2xx response acknowledges the update. Persistence failures answer 500 so
// the platform redelivers; the charge id makes redelivery safe.
type PaymentUpdatesHandler struct {
	ledger    PaymentLedger
	messenger PlatformMessenger
	failures  ExternalFailureRecorder
	secret    types.SecretString
	logger    *slog.Logger
	now       func() time.Time
}

// NewPaymentUpdatesHandler creates a PaymentUpdatesHandler. failures may be nil.
func NewPaymentUpdatesHandler(
	ledger PaymentLedger,
	messenger PlatformMessenger,
	failures ExternalFailureRecorder,
	secret types.SecretString,
	logger *slog.Logger,
) *PaymentUpdatesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentUpdatesHandler{
		ledger:    ledger,
		messenger: messenger,
		failures:  failures,
		secret:    secret,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterRoutes mounts the webhook endpoint under the /webhooks router.
func (h *PaymentUpdatesHandler) RegisterRoutes(r chi.Router) {
	r.Post("/platform", h.Handle)
}

// Handle processes one platform update.
//
//  1. Verifies the secret token header.
//  2. Parses the update.
//  3. Routes pre_checkout_query to Authorize and message.successful_payment
//     to ConfirmReceipt.
//  4. Acknowledges every other update kind with 200.
func (h *PaymentUpdatesHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !h.verifySecret(r) {
		h.logger.WarnContext(r.Context(), "payment update secret token mismatch")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"invalid webhook secret token",
			nil,
		))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpdateBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"failed to read request body",
			err,
		))
		return
	}

	var update platformUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		h.logger.WarnContext(r.Context(), "failed to parse payment update", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"invalid update JSON",
			err,
		))
		return
	}

	switch {
	case update.PreCheckoutQuery != nil:
		err = h.handlePreCheckout(r.Context(), update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		err = h.handleSuccessfulPayment(r.Context(), update.Message)
	default:
		h.logger.DebugContext(r.Context(), "ignoring update", "update_id", update.UpdateID)
	}
	if err != nil {
		core.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *PaymentUpdatesHandler) verifySecret(r *http.Request) bool {
	got := r.Header.Get(SecretTokenHeader)
	want := h.secret.Unmask()
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// handlePreCheckout authorizes the payment and answers the query. The
// answer must reach the platform for either decision; a failed answer is
// returned so the update is redelivered.
func (h *PaymentUpdatesHandler) handlePreCheckout(ctx context.Context, q *preCheckoutQuery) error {
	decision := h.ledger.Authorize(ctx, billing.AuthorizeRequest{
		InvoiceID: q.InvoicePayload,
		PayerID:   q.From.ID,
		Amount:    q.TotalAmount,
		Currency:  q.Currency,
	}, h.now().Unix())

	h.logger.InfoContext(ctx, "pre-checkout decided",
		"invoice_id", q.InvoicePayload,
		"payer_id", q.From.ID,
		"accept", decision.Accept,
		"cause", string(decision.Cause),
	)

	if err := h.messenger.AnswerPreCheckoutQuery(ctx, q.ID, decision.Accept, decision.Reason); err != nil {
		h.recordFailure(ctx)
		h.logger.ErrorContext(ctx, "failed to answer pre-checkout query",
			"invoice_id", q.InvoicePayload,
			"error", err,
		)
		return err
	}
	return nil
}

// handleSuccessfulPayment confirms the payment and tells the payer what
// happened. Only a persistence failure is returned.
func (h *PaymentUpdatesHandler) handleSuccessfulPayment(ctx context.Context, msg *platformMessage) error {
	p := msg.SuccessfulPayment
	payerID := msg.Chat.ID
	if msg.From != nil {
		payerID = msg.From.ID
	}

	receipt, err := h.ledger.ConfirmReceipt(ctx, billing.ConfirmRequest{
		InvoiceID: p.InvoicePayload,
		ChargeID:  p.TelegramPaymentChargeID,
		PayerID:   payerID,
		Amount:    p.TotalAmount,
		Currency:  p.Currency,
	}, h.now().Unix())
	if err != nil {
		h.logger.ErrorContext(ctx, "payment confirmation failed",
			"invoice_id", p.InvoicePayload,
			"charge_suffix", types.ChargeSuffix(p.TelegramPaymentChargeID),
			"error", err,
		)
		return err
	}

	text := h.confirmationText(ctx, p.InvoicePayload, receipt)
	if err := h.messenger.SendMessage(ctx, msg.Chat.ID, text); err != nil {
		// The ledger already holds the outcome; redelivery would only repeat
		// the message.
		h.recordFailure(ctx)
		h.logger.WarnContext(ctx, "failed to notify payer",
			"invoice_id", p.InvoicePayload,
			"outcome", string(receipt.Outcome),
			"error", err,
		)
	}
	return nil
}

func (h *PaymentUpdatesHandler) confirmationText(ctx context.Context, invoiceID string, r billing.Receipt) string {
	switch r.Outcome {
	case types.OutcomeProcessed:
		if r.Category == types.CategoryPersonal {
			return fmt.Sprintf("✅ Payment successful! Added %d resolves to your account.\n\nYou now have %d resolves remaining.",
				r.Plan.ResolvesGranted, r.Balance)
		}
		var groupID int64
		if r.GroupID != nil {
			groupID = *r.GroupID
		}
		return fmt.Sprintf("✅ Group subscription activated: %s.\nGroup ID: %d\nExpires: %s",
			r.Plan.Name, groupID, formatExpiry(r.EndTS))

	case types.OutcomeDuplicate:
		category := r.Category
		if category == "" {
			if inv, err := h.ledger.GetInvoice(ctx, invoiceID); err == nil {
				category = inv.PlanRef.Category
			}
		}
		if category.Scoped() {
			return msgAlreadyProcessedGroup
		}
		return msgAlreadyProcessedCredit
	}

	switch r.Cause {
	case types.CausePlanUnknown, types.CausePlanPriceMismatch, types.CauseLostRace:
		return msgProcessingError
	}
	return msgVerificationFailed
}

func (h *PaymentUpdatesHandler) recordFailure(ctx context.Context) {
	if h.failures != nil {
		h.failures.RecordExternalFailure(ctx, botAPIProvider)
	}
}

// formatExpiry renders an entitlement end as a UTC date, or "Never".
func formatExpiry(endTS *int64) string {
	if endTS == nil {
		return "Never"
	}
	return time.Unix(*endTS, 0).UTC().Format("2006-01-02")
}
