package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"resolver/internal/types"
)

const (
	invoicesPKey          = "invoices_pkey"
	invoicesChargeIDIndex = "invoices_external_charge_id_key"
)

// InvoiceRepo provides data access for the invoices table.
type InvoiceRepo struct {
	db DBTX
}

// NewInvoiceRepo creates a new InvoiceRepo backed by the given database
// connection (pool or transaction).
func NewInvoiceRepo(db DBTX) *InvoiceRepo {
	return &InvoiceRepo{db: db}
}

// invoiceColumns is the column list shared by every invoice query. It must
// match the scan order in scanInvoice.
const invoiceColumns = `invoice_id, payer_id, plan_ref, amount, currency, status,
	created_at, paid_at, external_charge_id`

func scanInvoice(row pgx.Row) (*types.Invoice, error) {
	var (
		inv     types.Invoice
		planRef string
	)
	err := row.Scan(
		&inv.ID,
		&inv.PayerID,
		&planRef,
		&inv.Amount,
		&inv.Currency,
		&inv.Status,
		&inv.CreatedAt,
		&inv.PaidAt,
		&inv.ExternalChargeID,
	)
	if err != nil {
		return nil, err
	}
	ref, err := types.ParsePlanRef(planRef)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "stored invoice has a malformed plan reference", err)
	}
	inv.PlanRef = ref
	return &inv, nil
}

// Create inserts a new invoice in the created state. A primary key collision
// returns ErrCodeConflictInvoiceID so the caller can regenerate the id.
func (r *InvoiceRepo) Create(ctx context.Context, inv *types.Invoice) error {
	planRef, err := inv.PlanRef.Encode()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx,
		`INSERT INTO invoices (invoice_id, payer_id, plan_ref, amount, currency, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inv.ID,
		inv.PayerID,
		planRef,
		inv.Amount,
		inv.Currency,
		types.InvoiceCreated,
		inv.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, invoicesPKey) {
			return types.NewAppError(types.ErrCodeConflictInvoiceID, "invoice id already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create invoice", err)
	}
	return nil
}

// GetByID returns the invoice or ErrCodeNotFoundInvoice.
func (r *InvoiceRepo) GetByID(ctx context.Context, invoiceID string) (*types.Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE invoice_id = $1`,
		invoiceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
		}
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get invoice", err)
	}
	return inv, nil
}

// MarkPaid moves an invoice from created to paid. It reports false when the
// invoice was not in the created state. A charge id already recorded on a
// different invoice returns ErrCodeConflictChargeApplied.
func (r *InvoiceRepo) MarkPaid(ctx context.Context, invoiceID, chargeID string, paidAt int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE invoices
		 SET status = $1,
		     external_charge_id = $2,
		     paid_at = $3
		 WHERE invoice_id = $4
		   AND status = $5`,
		types.InvoicePaid,
		chargeID,
		paidAt,
		invoiceID,
		types.InvoiceCreated,
	)
	if err != nil {
		if isUniqueViolation(err, invoicesChargeIDIndex) {
			return false, types.NewAppError(types.ErrCodeConflictChargeApplied, "charge already applied to another invoice", err)
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark invoice paid", err)
	}
	return tag.RowsAffected() == 1, nil
}
