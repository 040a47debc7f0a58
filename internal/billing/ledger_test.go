package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resolver/internal/types"
)

// testNow is the fixed wall clock used by every ledger test.
const testNow = int64(1_700_000_000)

const day = int64(86400)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(ts int64) Option {
	return WithClock(func() time.Time { return time.Unix(ts, 0) })
}

func setupLedger(t *testing.T, opts ...Option) (*Ledger, *fakeStore) {
	t.Helper()
	return setupLedgerWithConfig(t, DefaultConfig(), opts...)
}

func setupLedgerWithConfig(t *testing.T, cfg Config, opts ...Option) (*Ledger, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	opts = append([]Option{fixedClock(testNow)}, opts...)
	l, err := NewLedger(store, MustDefaultCatalog(DefaultMinPersonalPriceUnits), cfg, discardLogger(), opts...)
	require.NoError(t, err)
	return l, store
}

func issue(t *testing.T, l *Ledger, payerID int64, ref types.PlanRef) *types.Invoice {
	t.Helper()
	inv, err := l.IssueInvoice(context.Background(), payerID, ref)
	require.NoError(t, err)
	return inv
}

func authorizeFor(inv *types.Invoice) AuthorizeRequest {
	return AuthorizeRequest{
		InvoiceID: inv.ID,
		PayerID:   inv.PayerID,
		Amount:    inv.Amount,
		Currency:  inv.Currency,
	}
}

func confirmFor(inv *types.Invoice, chargeID string) ConfirmRequest {
	return ConfirmRequest{
		InvoiceID: inv.ID,
		ChargeID:  chargeID,
		PayerID:   inv.PayerID,
		Amount:    inv.Amount,
		Currency:  inv.Currency,
	}
}

func sequentialIDs() Option {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return "inv-" + strconv.Itoa(n)
	})
}

func TestNewLedger_Validation(t *testing.T) {
	catalog := MustDefaultCatalog(DefaultMinPersonalPriceUnits)

	_, err := NewLedger(nil, catalog, DefaultConfig(), nil)
	assert.Error(t, err)

	_, err = NewLedger(newFakeStore(), nil, DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Currency = "DOGE"
	_, err = NewLedger(newFakeStore(), catalog, cfg, nil)
	assert.Error(t, err)

	l, err := NewLedger(newFakeStore(), catalog, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, NativeCurrency, l.Currency().Code)
	assert.Equal(t, DefaultInvoiceTTL, l.cfg.InvoiceTTL)
	assert.Equal(t, DefaultCallbackTimeout, l.cfg.CallbackTimeout)
}

func TestIssueInvoice_Personal(t *testing.T) {
	metrics := &recordingMetrics{}
	l, store := setupLedger(t, WithMetrics(metrics))

	inv := issue(t, l, 42, types.PersonalRef("personal_monthly"))

	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, int64(42), inv.PayerID)
	assert.Equal(t, int64(50), inv.Amount)
	assert.Equal(t, "XTR", inv.Currency)
	assert.Equal(t, types.InvoiceCreated, inv.Status)
	assert.Equal(t, testNow, inv.CreatedAt)
	assert.Nil(t, inv.PaidAt)
	assert.Nil(t, inv.ExternalChargeID)
	assert.Equal(t, 1, metrics.issued)

	stored, err := l.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, *inv, *stored)
	assert.Len(t, store.snapshot().invoices, 1)
}

func TestIssueInvoice_FiatCurrencyUsesMinorUnits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Currency = "USD"
	l, _ := setupLedgerWithConfig(t, cfg)

	inv := issue(t, l, 7, types.GroupRef("group_yearly", -100))

	assert.Equal(t, int64(150000), inv.Amount)
	assert.Equal(t, "USD", inv.Currency)
}

func TestIssueInvoice_UnknownPlan(t *testing.T) {
	l, store := setupLedger(t)

	_, err := l.IssueInvoice(context.Background(), 42, types.PersonalRef("personal_weekly"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodePlanUnknown))

	// A group plan id under the personal category does not resolve either.
	_, err = l.IssueInvoice(context.Background(), 42, types.PersonalRef("group_monthly"))
	assert.True(t, types.IsCode(err, types.ErrCodePlanUnknown))

	assert.Empty(t, store.snapshot().invoices)
}

func TestIssueInvoice_InvalidRef(t *testing.T) {
	l, _ := setupLedger(t)

	_, err := l.IssueInvoice(context.Background(), 42, types.PlanRef{Category: types.CategoryGroup, PlanID: "group_monthly"})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidPlanRef))
}

func TestIssueInvoice_PricingGuard(t *testing.T) {
	plans := []Plan{
		PersonalPlan("personal_cheap", "Cheap", 5, 1),
		PersonalPlan("personal_ok", "OK", 50, 1),
	}
	catalog, err := NewCatalog(plans, DefaultMinPersonalPriceUnits)
	require.NoError(t, err)

	store := newFakeStore()
	l, err := NewLedger(store, catalog, DefaultConfig(), discardLogger())
	require.NoError(t, err)

	_, err = l.IssueInvoice(context.Background(), 1, types.PersonalRef("personal_cheap"))
	assert.True(t, types.IsCode(err, types.ErrCodePricingMisconfigured))

	_, err = l.IssueInvoice(context.Background(), 1, types.PersonalRef("personal_ok"))
	assert.NoError(t, err)
}

func TestIssueInvoice_FeatureDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GroupsEnabled = false
	l, _ := setupLedgerWithConfig(t, cfg)

	_, err := l.IssueInvoice(context.Background(), 1, types.GroupRef("group_monthly", 5))
	assert.True(t, types.IsCode(err, types.ErrCodeFeatureDisabled))

	_, err = l.IssueInvoice(context.Background(), 1, types.AddonRef("rag_monthly", 5))
	assert.True(t, types.IsCode(err, types.ErrCodeFeatureDisabled))

	_, err = l.IssueInvoice(context.Background(), 1, types.PersonalRef("personal_monthly"))
	assert.NoError(t, err)
}

func TestIssueInvoice_RetriesIDCollision(t *testing.T) {
	l, store := setupLedger(t, sequentialIDs())
	store.createConflicts = 2

	inv := issue(t, l, 42, types.PersonalRef("personal_monthly"))

	assert.Equal(t, "inv-3", inv.ID)
	assert.Equal(t, 3, store.callCount("CreateInvoice"))
}

func TestIssueInvoice_IDExhausted(t *testing.T) {
	l, store := setupLedger(t, sequentialIDs())
	store.createConflicts = maxInvoiceIDAttempts

	_, err := l.IssueInvoice(context.Background(), 42, types.PersonalRef("personal_monthly"))
	assert.True(t, types.IsCode(err, types.ErrCodeInternalIDExhausted))
	assert.Equal(t, maxInvoiceIDAttempts, store.callCount("CreateInvoice"))
}

func TestIssueInvoice_StoreError(t *testing.T) {
	l, store := setupLedger(t)
	store.failOn("CreateInvoice", types.NewAppError(types.ErrCodeInternalDB, "boom", errors.New("conn reset")))

	_, err := l.IssueInvoice(context.Background(), 42, types.PersonalRef("personal_monthly"))
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
	assert.Equal(t, 1, store.callCount("CreateInvoice"))
}

func TestGetInvoice_NotFound(t *testing.T) {
	l, _ := setupLedger(t)

	_, err := l.GetInvoice(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundInvoice))
}
