package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resolver/internal/types"
)

func paidInvoice(id string, ref types.PlanRef, amount, paidAt int64, chargeID string) types.Invoice {
	return types.Invoice{
		ID:               id,
		PayerID:          42,
		PlanRef:          ref,
		Amount:           amount,
		Currency:         NativeCurrency,
		Status:           types.InvoicePaid,
		CreatedAt:        paidAt - 60,
		PaidAt:           &paidAt,
		ExternalChargeID: &chargeID,
	}
}

func TestAuditOrphans_ReportsWithoutRepair(t *testing.T) {
	metrics := &recordingMetrics{}
	l, store := setupLedger(t, WithMetrics(metrics))
	store.putInvoice(paidInvoice("inv-orphan", types.PersonalRef("personal_monthly"), 50, testNow-2*3600, "ch_orphan"))

	healthy := issue(t, l, 42, types.PersonalRef("personal_monthly"))
	_, err := l.Confirm(context.Background(), confirmFor(healthy, "ch_ok"), testNow-3*3600)
	require.NoError(t, err)

	report, err := l.AuditOrphans(context.Background(), time.Hour, 0, false)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, []string{"inv-orphan"}, report.Orphans)
	assert.Zero(t, report.Repaired)
	assert.Equal(t, 1, metrics.orphans)
	assert.Equal(t, int64(1), store.snapshot().balances[42], "orphan must stay untouched without repair")
}

func TestAuditOrphans_IgnoresRecentPayments(t *testing.T) {
	l, store := setupLedger(t)
	store.putInvoice(paidInvoice("inv-recent", types.PersonalRef("personal_monthly"), 50, testNow-60, "ch_recent"))

	report, err := l.AuditOrphans(context.Background(), time.Hour, 10, false)

	require.NoError(t, err)
	assert.Empty(t, report.Orphans)
}

func TestAuditOrphans_RepairAppliesEffectOnce(t *testing.T) {
	l, store := setupLedger(t)
	paidAt := testNow - 5*3600
	store.putInvoice(paidInvoice("inv-p", types.PersonalRef("personal_yearly"), 450, paidAt, "ch_p"))
	store.putInvoice(paidInvoice("inv-g", types.GroupRef("group_monthly", 4), 150, paidAt, "ch_g"))

	report, err := l.AuditOrphans(context.Background(), time.Hour, 10, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Repaired)
	assert.Zero(t, report.Failed)

	state := store.snapshot()
	assert.Equal(t, int64(5), state.balances[42])
	require.Len(t, state.subs[types.CategoryGroup], 1)
	sub := state.subs[types.CategoryGroup][0]
	assert.Equal(t, paidAt, sub.StartTS)
	assert.Equal(t, paidAt+30*day, *sub.EndTS)
	assert.Equal(t, "ch_g", sub.ExternalChargeID)

	again, err := l.AuditOrphans(context.Background(), time.Hour, 10, true)
	require.NoError(t, err)
	assert.Empty(t, again.Orphans)
	assert.Equal(t, int64(5), store.snapshot().balances[42])
}

func TestAuditOrphans_RepairFailureCounted(t *testing.T) {
	l, store := setupLedger(t)
	store.putInvoice(paidInvoice("inv-p", types.PersonalRef("personal_monthly"), 50, testNow-7200, "ch_p"))
	store.failOn("InsertPurchase", errors.New("disk full"))

	report, err := l.AuditOrphans(context.Background(), time.Hour, 10, true)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Repaired)
	assert.Empty(t, store.snapshot().purchases)
}

func TestAuditOrphans_ListError(t *testing.T) {
	l, store := setupLedger(t)
	store.failOn("ListOrphanedInvoices", types.NewAppError(types.ErrCodeInternalDB, "down", nil))

	_, err := l.AuditOrphans(context.Background(), time.Hour, 10, false)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}
