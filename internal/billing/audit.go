package billing

import (
	"context"
	"errors"
	"time"

	"resolver/internal/types"
)

// DefaultAuditLimit caps how many orphans one audit pass inspects.
const DefaultAuditLimit = 500

// OrphanAlert is the log message emitted for every orphaned invoice. Alerting
// rules match on it.
const OrphanAlert = "LEDGER_ORPHAN_ALERT"

// AuditReport summarizes one audit pass.
type AuditReport struct {
	Checked  int      `json:"checked"`
	Orphans  []string `json:"orphans"`
	Repaired int      `json:"repaired"`
	Failed   int      `json:"failed"`
}

// AuditOrphans finds invoices marked paid whose charge id has no ledger row
// in the table matching their category, considering only invoices paid
// before now minus olderThan. With repair set, each orphan's effect is
// re-applied through the same idempotent inserts a confirmation uses,
// windowed from the invoice's paid time.
func (l *Ledger) AuditOrphans(ctx context.Context, olderThan time.Duration, limit int, repair bool) (AuditReport, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	cutoff := l.clock().Add(-olderThan).Unix()

	orphans, err := l.store.ListOrphanedInvoices(ctx, cutoff, limit)
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{Checked: len(orphans), Orphans: make([]string, 0, len(orphans))}
	for _, inv := range orphans {
		report.Orphans = append(report.Orphans, inv.ID)
		l.logger.ErrorContext(ctx, OrphanAlert,
			"invoice_id", inv.ID,
			"payer_id", inv.PayerID,
			"plan_ref", inv.PlanRef.String(),
			"charge_suffix", types.ChargeSuffix(derefString(inv.ExternalChargeID)),
		)
	}
	l.metrics.RecordOrphans(ctx, len(orphans))

	if !repair {
		return report, nil
	}

	for _, inv := range orphans {
		if err := l.repairOrphan(ctx, inv); err != nil {
			report.Failed++
			l.logger.ErrorContext(ctx, "orphan repair failed",
				"invoice_id", inv.ID,
				"error", err,
			)
			continue
		}
		report.Repaired++
	}

	l.logger.InfoContext(ctx, "ledger audit complete",
		"checked", report.Checked,
		"repaired", report.Repaired,
		"failed", report.Failed,
	)
	return report, nil
}

func (l *Ledger) repairOrphan(ctx context.Context, inv *types.Invoice) error {
	chargeID := derefString(inv.ExternalChargeID)
	if chargeID == "" || inv.PaidAt == nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "paid invoice is missing its charge id or paid time", nil)
	}
	plan, err := l.catalog.Resolve(inv.PlanRef)
	if err != nil {
		return err
	}

	var receipt Receipt
	err = l.store.RunInTx(ctx, func(tx LedgerTx) error {
		return l.applyEffect(ctx, tx, inv, plan, chargeID, *inv.PaidAt, &receipt)
	})
	if errors.Is(err, errSkippedInsert) {
		// Repaired concurrently by another pass.
		return nil
	}
	if err != nil {
		return err
	}

	l.logger.WarnContext(ctx, "orphaned invoice repaired",
		"invoice_id", inv.ID,
		"plan_id", plan.ID,
	)
	return nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
