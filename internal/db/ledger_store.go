package db

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"resolver/internal/billing"
	"resolver/internal/types"
)

// LedgerStore implements billing.Store on PostgreSQL by composing the
// invoice, entitlement and audit repositories.
type LedgerStore struct {
	pool   TxStarter
	logger *slog.Logger

	invoices     *InvoiceRepo
	entitlements *EntitlementRepo
	audit        *AuditRepo
}

var _ billing.Store = (*LedgerStore)(nil)

// NewLedgerStore creates a LedgerStore backed by the pool.
func NewLedgerStore(pool TxStarter, logger *slog.Logger) *LedgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerStore{
		pool:         pool,
		logger:       logger,
		invoices:     NewInvoiceRepo(pool),
		entitlements: NewEntitlementRepo(pool),
		audit:        NewAuditRepo(pool),
	}
}

func (s *LedgerStore) CreateInvoice(ctx context.Context, inv *types.Invoice) error {
	return s.invoices.Create(ctx, inv)
}

func (s *LedgerStore) GetInvoice(ctx context.Context, invoiceID string) (*types.Invoice, error) {
	return s.invoices.GetByID(ctx, invoiceID)
}

func (s *LedgerStore) ChargeExists(ctx context.Context, chargeID string) (bool, error) {
	return s.entitlements.ChargeExists(ctx, chargeID)
}

func (s *LedgerStore) LatestSubscription(ctx context.Context, kind types.PlanCategory, groupID int64) (*types.Subscription, error) {
	return s.entitlements.LatestSubscription(ctx, kind, groupID)
}

func (s *LedgerStore) Balance(ctx context.Context, payerID int64) (int64, error) {
	return s.entitlements.Balance(ctx, payerID)
}

func (s *LedgerStore) EnsureUser(ctx context.Context, payerID int64) error {
	return s.entitlements.EnsureUser(ctx, payerID)
}

func (s *LedgerStore) EnsureGroup(ctx context.Context, groupID int64) error {
	return s.entitlements.EnsureGroup(ctx, groupID)
}

func (s *LedgerStore) ConsumeCredit(ctx context.Context, payerID int64) (bool, error) {
	return s.entitlements.ConsumeCredit(ctx, payerID)
}

func (s *LedgerStore) ListOrphanedInvoices(ctx context.Context, paidBefore int64, limit int) ([]*types.Invoice, error) {
	return s.audit.ListOrphanedInvoices(ctx, paidBefore, limit)
}

// RunInTx runs fn in a single transaction. The error returned by fn is
// passed through unchanged after rollback so sentinel errors survive;
// begin and commit failures are wrapped as ErrCodeInternalDB.
func (s *LedgerStore) RunInTx(ctx context.Context, fn func(tx billing.LedgerTx) error) error {
	var fnErr error
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		fnErr = fn(ledgerTx{
			InvoiceRepo:     NewInvoiceRepo(tx),
			EntitlementRepo: NewEntitlementRepo(tx),
		})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "ledger transaction failed", "error", err)
		return types.NewAppError(types.ErrCodeInternalDB, "ledger transaction failed", err)
	}
	return nil
}

// ledgerTx binds the repositories to one pgx.Tx.
type ledgerTx struct {
	*InvoiceRepo
	*EntitlementRepo
}

func (t ledgerTx) MarkInvoicePaid(ctx context.Context, invoiceID, chargeID string, paidAt int64) (bool, error) {
	return t.InvoiceRepo.MarkPaid(ctx, invoiceID, chargeID, paidAt)
}
