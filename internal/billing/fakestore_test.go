package billing

import (
	"context"
	"sort"
	"sync"

	"resolver/internal/types"
)

// fakeStore is an in-memory Store that enforces the same uniqueness and
// conditional-update rules as the PostgreSQL schema. Transactions hold the
// store lock for their whole duration and roll back by restoring a snapshot.
type fakeStore struct {
	mu    sync.Mutex
	state fakeState

	// createConflicts makes the next N CreateInvoice calls report an id collision.
	createConflicts int
	// failures injects an error for the named operation.
	failures map[string]error
	// calls counts operations by name.
	calls map[string]int
}

type fakeState struct {
	invoices       map[string]types.Invoice
	invoiceCharges map[string]string
	purchases      []types.Purchase
	ledgerCharges  map[types.PlanCategory]map[string]bool
	balances       map[int64]int64
	users          map[int64]bool
	groups         map[int64]bool
	subs           map[types.PlanCategory][]types.Subscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		state: fakeState{
			invoices:       map[string]types.Invoice{},
			invoiceCharges: map[string]string{},
			ledgerCharges: map[types.PlanCategory]map[string]bool{
				types.CategoryPersonal: {},
				types.CategoryGroup:    {},
				types.CategoryAddon:    {},
			},
			balances: map[int64]int64{},
			users:    map[int64]bool{},
			groups:   map[int64]bool{},
			subs:     map[types.PlanCategory][]types.Subscription{},
		},
		failures: map[string]error{},
		calls:    map[string]int{},
	}
}

func (s fakeState) clone() fakeState {
	out := fakeState{
		invoices:       make(map[string]types.Invoice, len(s.invoices)),
		invoiceCharges: make(map[string]string, len(s.invoiceCharges)),
		purchases:      append([]types.Purchase(nil), s.purchases...),
		ledgerCharges:  make(map[types.PlanCategory]map[string]bool, len(s.ledgerCharges)),
		balances:       make(map[int64]int64, len(s.balances)),
		users:          make(map[int64]bool, len(s.users)),
		groups:         make(map[int64]bool, len(s.groups)),
		subs:           make(map[types.PlanCategory][]types.Subscription, len(s.subs)),
	}
	for k, v := range s.invoices {
		out.invoices[k] = v
	}
	for k, v := range s.invoiceCharges {
		out.invoiceCharges[k] = v
	}
	for cat, set := range s.ledgerCharges {
		cp := make(map[string]bool, len(set))
		for k, v := range set {
			cp[k] = v
		}
		out.ledgerCharges[cat] = cp
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.groups {
		out.groups[k] = v
	}
	for k, v := range s.subs {
		out.subs[k] = append([]types.Subscription(nil), v...)
	}
	return out
}

func (f *fakeStore) hit(op string) error {
	f.calls[op]++
	return f.failures[op]
}

func (f *fakeStore) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

func (f *fakeStore) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// snapshot returns a copy of the current state for assertions.
func (f *fakeStore) snapshot() fakeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.clone()
}

// putInvoice seeds an invoice directly.
func (f *fakeStore) putInvoice(inv types.Invoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.invoices[inv.ID] = inv
	if inv.ExternalChargeID != nil {
		f.state.invoiceCharges[*inv.ExternalChargeID] = inv.ID
	}
}

// putSubscription seeds a ledger row directly.
func (f *fakeStore) putSubscription(sub types.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.subs[sub.Kind] = append(f.state.subs[sub.Kind], sub)
	f.state.ledgerCharges[sub.Kind][sub.ExternalChargeID] = true
}

func (f *fakeStore) CreateInvoice(_ context.Context, inv *types.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("CreateInvoice"); err != nil {
		return err
	}
	if _, taken := f.state.invoices[inv.ID]; taken || f.createConflicts > 0 {
		if f.createConflicts > 0 {
			f.createConflicts--
		}
		return types.NewAppError(types.ErrCodeConflictInvoiceID, "invoice id taken", nil)
	}
	f.state.invoices[inv.ID] = *inv
	return nil
}

func (f *fakeStore) GetInvoice(_ context.Context, invoiceID string) (*types.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("GetInvoice"); err != nil {
		return nil, err
	}
	inv, ok := f.state.invoices[invoiceID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
	}
	return &inv, nil
}

func (f *fakeStore) ChargeExists(_ context.Context, chargeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("ChargeExists"); err != nil {
		return false, err
	}
	if _, ok := f.state.invoiceCharges[chargeID]; ok {
		return true, nil
	}
	for _, set := range f.state.ledgerCharges {
		if set[chargeID] {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) LatestSubscription(_ context.Context, kind types.PlanCategory, groupID int64) (*types.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("LatestSubscription"); err != nil {
		return nil, err
	}
	var latest *types.Subscription
	for _, s := range f.state.subs[kind] {
		if s.GroupID != groupID {
			continue
		}
		if latest == nil || s.StartTS >= latest.StartTS {
			cp := s
			latest = &cp
		}
	}
	return latest, nil
}

func (f *fakeStore) Balance(_ context.Context, payerID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("Balance"); err != nil {
		return 0, err
	}
	return f.state.balances[payerID], nil
}

func (f *fakeStore) EnsureUser(_ context.Context, payerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("EnsureUser"); err != nil {
		return err
	}
	f.state.users[payerID] = true
	return nil
}

func (f *fakeStore) EnsureGroup(_ context.Context, groupID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("EnsureGroup"); err != nil {
		return err
	}
	f.state.groups[groupID] = true
	return nil
}

func (f *fakeStore) ConsumeCredit(_ context.Context, payerID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("ConsumeCredit"); err != nil {
		return false, err
	}
	if f.state.balances[payerID] <= 0 {
		return false, nil
	}
	f.state.balances[payerID]--
	return true, nil
}

func (f *fakeStore) ListOrphanedInvoices(_ context.Context, paidBefore int64, limit int) ([]*types.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("ListOrphanedInvoices"); err != nil {
		return nil, err
	}
	var out []*types.Invoice
	for _, inv := range f.state.invoices {
		if inv.Status != types.InvoicePaid || inv.PaidAt == nil || *inv.PaidAt >= paidBefore {
			continue
		}
		if f.state.ledgerCharges[inv.PlanRef.Category][*inv.ExternalChargeID] {
			continue
		}
		cp := inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].PaidAt < *out[j].PaidAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) RunInTx(_ context.Context, fn func(tx LedgerTx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("RunInTx"); err != nil {
		return err
	}
	saved := f.state.clone()
	if err := fn(fakeTx{f}); err != nil {
		f.state = saved
		return err
	}
	return nil
}

// fakeTx runs with the store lock already held.
type fakeTx struct{ f *fakeStore }

func (t fakeTx) MarkInvoicePaid(_ context.Context, invoiceID, chargeID string, paidAt int64) (bool, error) {
	if err := t.f.hit("MarkInvoicePaid"); err != nil {
		return false, err
	}
	if other, ok := t.f.state.invoiceCharges[chargeID]; ok && other != invoiceID {
		return false, types.NewAppError(types.ErrCodeConflictChargeApplied, "charge already applied", nil)
	}
	inv, ok := t.f.state.invoices[invoiceID]
	if !ok || inv.Status != types.InvoiceCreated {
		return false, nil
	}
	inv.Status = types.InvoicePaid
	inv.PaidAt = &paidAt
	inv.ExternalChargeID = &chargeID
	t.f.state.invoices[invoiceID] = inv
	t.f.state.invoiceCharges[chargeID] = invoiceID
	return true, nil
}

func (t fakeTx) EnsureUser(_ context.Context, payerID int64) error {
	if err := t.f.hit("TxEnsureUser"); err != nil {
		return err
	}
	t.f.state.users[payerID] = true
	return nil
}

func (t fakeTx) InsertPurchase(_ context.Context, p *types.Purchase) (bool, error) {
	if err := t.f.hit("InsertPurchase"); err != nil {
		return false, err
	}
	set := t.f.state.ledgerCharges[types.CategoryPersonal]
	if set[p.ExternalChargeID] {
		return false, nil
	}
	set[p.ExternalChargeID] = true
	t.f.state.purchases = append(t.f.state.purchases, *p)
	return true, nil
}

func (t fakeTx) IncrementBalance(_ context.Context, payerID, delta int64) (int64, error) {
	if err := t.f.hit("IncrementBalance"); err != nil {
		return 0, err
	}
	t.f.state.users[payerID] = true
	t.f.state.balances[payerID] += delta
	return t.f.state.balances[payerID], nil
}

func (t fakeTx) EnsureGroup(_ context.Context, groupID int64) error {
	if err := t.f.hit("TxEnsureGroup"); err != nil {
		return err
	}
	t.f.state.groups[groupID] = true
	return nil
}

func (t fakeTx) InsertSubscription(_ context.Context, sub *types.Subscription) (bool, error) {
	if err := t.f.hit("InsertSubscription"); err != nil {
		return false, err
	}
	set := t.f.state.ledgerCharges[sub.Kind]
	if set[sub.ExternalChargeID] {
		return false, nil
	}
	set[sub.ExternalChargeID] = true
	t.f.state.subs[sub.Kind] = append(t.f.state.subs[sub.Kind], *sub)
	return true, nil
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []types.EntitlementGrantedEvent
	err    error
}

func (p *recordingPublisher) PublishEntitlementGranted(_ context.Context, evt types.EntitlementGrantedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

// recordingMetrics captures outcome counters.
type recordingMetrics struct {
	mu                     sync.Mutex
	issued                 int
	preCheckouts           []types.RejectCause
	preCheckoutCategories  []types.PlanCategory
	confirmations          []types.Outcome
	confirmationCategories []types.PlanCategory
	orphans                int
}

func (m *recordingMetrics) RecordInvoiceIssued(context.Context, types.PlanCategory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issued++
}

func (m *recordingMetrics) RecordPreCheckout(_ context.Context, category types.PlanCategory, cause types.RejectCause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preCheckouts = append(m.preCheckouts, cause)
	m.preCheckoutCategories = append(m.preCheckoutCategories, category)
}

func (m *recordingMetrics) RecordConfirmation(_ context.Context, category types.PlanCategory, outcome types.Outcome, _ types.RejectCause) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmations = append(m.confirmations, outcome)
	m.confirmationCategories = append(m.confirmationCategories, category)
}

func (m *recordingMetrics) RecordOrphans(_ context.Context, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphans += n
}
