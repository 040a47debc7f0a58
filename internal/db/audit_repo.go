package db

import (
	"context"

	"resolver/internal/types"
)

// AuditRepo runs the reconciliation queries used by the orphan audit.
type AuditRepo struct {
	db DBTX
}

// NewAuditRepo creates a new AuditRepo.
func NewAuditRepo(db DBTX) *AuditRepo {
	return &AuditRepo{db: db}
}

// ListOrphanedInvoices returns paid invoices, paid strictly before
// paidBefore, whose charge id has no row in the ledger table matching the
// invoice's category. Oldest first.
func (r *AuditRepo) ListOrphanedInvoices(ctx context.Context, paidBefore int64, limit int) ([]*types.Invoice, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+invoiceColumns+`
		 FROM invoices i
		 WHERE i.status = 'paid'
		   AND i.paid_at < $1
		   AND CASE split_part(i.plan_ref, ':', 1)
		       WHEN 'personal' THEN NOT EXISTS (
		           SELECT 1 FROM purchases p WHERE p.external_charge_id = i.external_charge_id)
		       WHEN 'group' THEN NOT EXISTS (
		           SELECT 1 FROM group_subscriptions g WHERE g.external_charge_id = i.external_charge_id)
		       WHEN 'addon' THEN NOT EXISTS (
		           SELECT 1 FROM addon_subscriptions a WHERE a.external_charge_id = i.external_charge_id)
		       ELSE TRUE
		       END
		 ORDER BY i.paid_at ASC
		 LIMIT $2`,
		paidBefore,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list orphaned invoices", err)
	}
	defer rows.Close()

	var out []*types.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan orphaned invoice", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate orphaned invoices", err)
	}
	return out, nil
}
