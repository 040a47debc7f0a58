package billing

import (
	"context"

	"resolver/internal/types"
)

// GetPersonalBalance returns the payer's remaining resolves. Unknown payers
// have a balance of zero.
func (l *Ledger) GetPersonalBalance(ctx context.Context, payerID int64) (int64, error) {
	return l.store.Balance(ctx, payerID)
}

// GetGroupSubscriptionInfo evaluates the group subscription at now. Only the
// most recent row counts: a renewal replaces the previous window.
func (l *Ledger) GetGroupSubscriptionInfo(ctx context.Context, groupID, now int64) (types.GroupSubscriptionInfo, error) {
	sub, err := l.store.LatestSubscription(ctx, types.CategoryGroup, groupID)
	if err != nil {
		return types.GroupSubscriptionInfo{}, err
	}
	if sub == nil {
		return types.GroupSubscriptionInfo{}, nil
	}
	return types.GroupSubscriptionInfo{
		Active: sub.ActiveAt(now),
		PlanID: sub.PlanID,
		EndTS:  sub.EndTS,
	}, nil
}

// GetAddonInfo evaluates the group add-on at now. The add-on window is
// independent of the base subscription: an add-on stays active after the
// base lapses.
func (l *Ledger) GetAddonInfo(ctx context.Context, groupID, now int64) (types.AddonInfo, error) {
	sub, err := l.store.LatestSubscription(ctx, types.CategoryAddon, groupID)
	if err != nil {
		return types.AddonInfo{}, err
	}
	if sub == nil {
		return types.AddonInfo{}, nil
	}
	return types.AddonInfo{
		Active: sub.ActiveAt(now),
		PlanID: sub.PlanID,
		EndTS:  sub.EndTS,
	}, nil
}

// ConsumeCredit spends one resolve. It reports false, without error, when the
// balance is already zero; the balance never goes negative.
func (l *Ledger) ConsumeCredit(ctx context.Context, payerID int64) (bool, error) {
	ok, err := l.store.ConsumeCredit(ctx, payerID)
	if err != nil {
		return false, err
	}
	if !ok {
		l.logger.InfoContext(ctx, "no resolves left to consume", "payer_id", payerID)
	}
	return ok, nil
}
