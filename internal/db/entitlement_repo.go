package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"resolver/internal/types"
)

// EntitlementRepo owns the ledger tables: users (the credit counter),
// groups, purchases and the two subscription tables.
//
// Every ledger insert is keyed on external_charge_id and uses
// ON CONFLICT DO NOTHING, so replays are harmless and the caller learns from
// the returned bool whether the row was new.
type EntitlementRepo struct {
	db DBTX
}

// NewEntitlementRepo creates a new EntitlementRepo backed by the given
// database connection (pool or transaction).
func NewEntitlementRepo(db DBTX) *EntitlementRepo {
	return &EntitlementRepo{db: db}
}

// subscriptionTable maps a subscription kind to its table. Only constant
// table names ever reach the SQL text.
func subscriptionTable(kind types.PlanCategory) (string, error) {
	switch kind {
	case types.CategoryGroup:
		return "group_subscriptions", nil
	case types.CategoryAddon:
		return "addon_subscriptions", nil
	default:
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("no subscription table for %q", kind), nil)
	}
}

// EnsureUser creates the user row if it does not exist.
func (r *EntitlementRepo) EnsureUser(ctx context.Context, userID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to ensure user", err)
	}
	return nil
}

// EnsureGroup creates the group row if it does not exist.
func (r *EntitlementRepo) EnsureGroup(ctx context.Context, groupID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO groups (group_id) VALUES ($1) ON CONFLICT (group_id) DO NOTHING`,
		groupID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to ensure group", err)
	}
	return nil
}

// Balance returns the remaining resolves for a user, zero when the user is
// unknown.
func (r *EntitlementRepo) Balance(ctx context.Context, userID int64) (int64, error) {
	var remaining int64
	err := r.db.QueryRow(ctx,
		`SELECT resolves_remaining FROM users WHERE user_id = $1`,
		userID,
	).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read balance", err)
	}
	return remaining, nil
}

// IncrementBalance atomically adds delta to the user's counter, creating the
// row if needed, and returns the new balance.
func (r *EntitlementRepo) IncrementBalance(ctx context.Context, userID, delta int64) (int64, error) {
	var remaining int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (user_id, resolves_remaining)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id)
		 DO UPDATE SET resolves_remaining = users.resolves_remaining + EXCLUDED.resolves_remaining
		 RETURNING resolves_remaining`,
		userID,
		delta,
	).Scan(&remaining)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment balance", err)
	}
	return remaining, nil
}

// ConsumeCredit atomically spends one resolve. It reports false when the
// balance is already zero.
func (r *EntitlementRepo) ConsumeCredit(ctx context.Context, userID int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET resolves_remaining = resolves_remaining - 1
		 WHERE user_id = $1
		   AND resolves_remaining > 0`,
		userID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to consume credit", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertPurchase records a personal purchase. It reports false when a row for
// the charge id already exists.
func (r *EntitlementRepo) InsertPurchase(ctx context.Context, p *types.Purchase) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO purchases (user_id, price_units, resolves_added, external_charge_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (external_charge_id) DO NOTHING`,
		p.PayerID,
		p.PriceUnits,
		p.ResolvesAdded,
		p.ExternalChargeID,
		p.CreatedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert purchase", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertSubscription records a group or add-on subscription row. It reports
// false when a row for the charge id already exists.
func (r *EntitlementRepo) InsertSubscription(ctx context.Context, sub *types.Subscription) (bool, error) {
	table, err := subscriptionTable(sub.Kind)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO `+table+` (group_id, plan_id, status, start_ts, end_ts, price_units, external_charge_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (external_charge_id) DO NOTHING`,
		sub.GroupID,
		sub.PlanID,
		sub.Status,
		sub.StartTS,
		sub.EndTS,
		sub.PriceUnits,
		sub.ExternalChargeID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert subscription", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LatestSubscription returns the most recent row by start_ts for the group,
// or nil when the group has none.
func (r *EntitlementRepo) LatestSubscription(ctx context.Context, kind types.PlanCategory, groupID int64) (*types.Subscription, error) {
	table, err := subscriptionTable(kind)
	if err != nil {
		return nil, err
	}
	sub := types.Subscription{Kind: kind}
	err = r.db.QueryRow(ctx,
		`SELECT group_id, plan_id, status, start_ts, end_ts, price_units, external_charge_id
		 FROM `+table+`
		 WHERE group_id = $1
		 ORDER BY start_ts DESC, id DESC
		 LIMIT 1`,
		groupID,
	).Scan(
		&sub.GroupID,
		&sub.PlanID,
		&sub.Status,
		&sub.StartTS,
		&sub.EndTS,
		&sub.PriceUnits,
		&sub.ExternalChargeID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read subscription", err)
	}
	return &sub, nil
}

// ChargeExists reports whether the charge id appears on any invoice or
// ledger row.
func (r *EntitlementRepo) ChargeExists(ctx context.Context, chargeID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM invoices WHERE external_charge_id = $1
		     UNION ALL
		     SELECT 1 FROM purchases WHERE external_charge_id = $1
		     UNION ALL
		     SELECT 1 FROM group_subscriptions WHERE external_charge_id = $1
		     UNION ALL
		     SELECT 1 FROM addon_subscriptions WHERE external_charge_id = $1
		 )`,
		chargeID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check charge id", err)
	}
	return exists, nil
}
