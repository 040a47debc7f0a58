package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"resolver/internal/billing"
	"resolver/internal/external"
	"resolver/internal/types"
)

// =============================================================================
// Mocks
// =============================================================================

// mockLedger implements both LedgerService and PaymentLedger.
type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) IssueInvoice(ctx context.Context, payerID int64, ref types.PlanRef) (*types.Invoice, error) {
	args := m.Called(ctx, payerID, ref)
	inv, _ := args.Get(0).(*types.Invoice)
	return inv, args.Error(1)
}

func (m *mockLedger) GetInvoice(ctx context.Context, invoiceID string) (*types.Invoice, error) {
	args := m.Called(ctx, invoiceID)
	inv, _ := args.Get(0).(*types.Invoice)
	return inv, args.Error(1)
}

func (m *mockLedger) GetPersonalBalance(ctx context.Context, payerID int64) (int64, error) {
	args := m.Called(ctx, payerID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockLedger) ConsumeCredit(ctx context.Context, payerID int64) (bool, error) {
	args := m.Called(ctx, payerID)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) GetGroupSubscriptionInfo(ctx context.Context, groupID, now int64) (types.GroupSubscriptionInfo, error) {
	args := m.Called(ctx, groupID, now)
	return args.Get(0).(types.GroupSubscriptionInfo), args.Error(1)
}

func (m *mockLedger) GetAddonInfo(ctx context.Context, groupID, now int64) (types.AddonInfo, error) {
	args := m.Called(ctx, groupID, now)
	return args.Get(0).(types.AddonInfo), args.Error(1)
}

func (m *mockLedger) Catalog() *billing.Catalog {
	return billing.MustDefaultCatalog(billing.DefaultMinPersonalPriceUnits)
}

func (m *mockLedger) Currency() billing.Currency {
	return billing.Currency{Code: billing.NativeCurrency, Scale: 1}
}

func (m *mockLedger) InvoiceTTL() time.Duration {
	return billing.DefaultInvoiceTTL
}

func (m *mockLedger) Authorize(ctx context.Context, req billing.AuthorizeRequest, now int64) billing.Decision {
	args := m.Called(ctx, req, now)
	return args.Get(0).(billing.Decision)
}

func (m *mockLedger) ConfirmReceipt(ctx context.Context, req billing.ConfirmRequest, now int64) (billing.Receipt, error) {
	args := m.Called(ctx, req, now)
	return args.Get(0).(billing.Receipt), args.Error(1)
}

// mockMessenger records Bot API calls.
type mockMessenger struct {
	mu        sync.Mutex
	answers   []answerCall
	messages  []messageCall
	answerErr error
	sendErr   error
}

type answerCall struct {
	queryID string
	ok      bool
	reason  string
}

type messageCall struct {
	chatID int64
	text   string
}

func (m *mockMessenger) AnswerPreCheckoutQuery(_ context.Context, queryID string, ok bool, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, answerCall{queryID: queryID, ok: ok, reason: errorMessage})
	return m.answerErr
}

func (m *mockMessenger) SendMessage(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, messageCall{chatID: chatID, text: text})
	return m.sendErr
}

// mockSender records SendInvoice calls.
type mockSender struct {
	calls []external.InvoiceMessage
	err   error
}

func (m *mockSender) SendInvoice(_ context.Context, msg external.InvoiceMessage) error {
	m.calls = append(m.calls, msg)
	return m.err
}

// mockFailures counts RecordExternalFailure calls.
type mockFailures struct {
	providers []string
}

func (m *mockFailures) RecordExternalFailure(_ context.Context, provider string) {
	m.providers = append(m.providers, provider)
}

// =============================================================================
// Test Helpers
// =============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedNow is the clock used by handler tests.
var fixedNow = time.Unix(1_700_000_000, 0)

// serve routes req through a chi router with the handler's routes mounted at
// prefix, so URL parameters resolve as in production.
func serve(prefix string, register func(chi.Router), req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Route(prefix, register)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

// envelope decodes the {"data": ...} success envelope.
func envelope[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var body struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body.Data
}

// errorCode extracts the code from the error envelope.
func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body.Error.Code
}
