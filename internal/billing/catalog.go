// Package billing implements the entitlement ledger: the plan catalog,
// invoice issuance, pre-checkout authorization, payment confirmation, the
// entitlement projections and the orphan audit.
package billing

import (
	"fmt"

	"resolver/internal/types"
)

// secondsPerDay converts plan durations into window lengths.
const secondsPerDay = 86400

// DefaultMinPersonalPriceUnits is the lowest price a personal plan may carry
// before issuance is refused.
const DefaultMinPersonalPriceUnits = 50

// Plan is a purchasable offering. Category selects which of the remaining
// fields are meaningful: ResolvesGranted for personal plans, DurationDays for
// group and add-on plans. A group plan with nil DurationDays is a charter
// grant that never expires.
type Plan struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Category        types.PlanCategory `json:"category"`
	PriceUnits      int64              `json:"price_units"`
	ResolvesGranted int64              `json:"resolves_granted,omitempty"`
	DurationDays    *int               `json:"duration_days,omitempty"`
}

// PersonalPlan builds a personal credit plan.
func PersonalPlan(id, name string, priceUnits, resolves int64) Plan {
	return Plan{ID: id, Name: name, Category: types.CategoryPersonal, PriceUnits: priceUnits, ResolvesGranted: resolves}
}

// GroupPlan builds a group subscription plan. Pass nil days for a charter plan.
func GroupPlan(id, name string, priceUnits int64, days *int) Plan {
	return Plan{ID: id, Name: name, Category: types.CategoryGroup, PriceUnits: priceUnits, DurationDays: days}
}

// AddonPlan builds a group add-on plan.
func AddonPlan(id, name string, priceUnits int64, days int) Plan {
	return Plan{ID: id, Name: name, Category: types.CategoryAddon, PriceUnits: priceUnits, DurationDays: &days}
}

// Window returns the entitlement window a purchase at now grants.
// The end is nil for charter plans.
func (p Plan) Window(now int64) (start int64, end *int64) {
	if p.DurationDays == nil {
		return now, nil
	}
	e := now + int64(*p.DurationDays)*secondsPerDay
	return now, &e
}

func days(n int) *int { return &n }

// DefaultPlans is the production catalog.
//
//	| Plan              | Category | Stars | Grants        |
//	|-------------------|----------|-------|---------------|
//	| personal_monthly  | personal | 50    | 1 resolve     |
//	| personal_yearly   | personal | 450   | 5 resolves    |
//	| personal_lifetime | personal | 1000  | 15 resolves   |
//	| group_monthly     | group    | 150   | 30 days       |
//	| group_yearly      | group    | 1500  | 365 days      |
//	| group_charter     | group    | 4000  | never expires |
//	| rag_monthly       | addon    | 50    | 30 days       |
func DefaultPlans() []Plan {
	return []Plan{
		PersonalPlan("personal_monthly", "Monthly", 50, 1),
		PersonalPlan("personal_yearly", "Yearly", 450, 5),
		PersonalPlan("personal_lifetime", "Lifetime", 1000, 15),
		GroupPlan("group_monthly", "Monthly", 150, days(30)),
		GroupPlan("group_yearly", "Yearly", 1500, days(365)),
		GroupPlan("group_charter", "Charter", 4000, nil),
		AddonPlan("rag_monthly", "RAG Monthly Add-On", 50, 30),
	}
}

// Catalog is the immutable plan lookup table. It is safe for concurrent use.
type Catalog struct {
	byKey         map[catalogKey]Plan
	order         []Plan
	misconfigured map[catalogKey]string
}

type catalogKey struct {
	category types.PlanCategory
	id       string
}

// NewCatalog validates plans and builds a Catalog.
//
// Structural problems (duplicate ids, non-positive prices, personal plans
// granting nothing, add-ons without a duration) fail construction. Personal
// plans priced below minPersonalPriceUnits are accepted but flagged: issuing
// an invoice for them fails with ErrCodePricingMisconfigured.
func NewCatalog(plans []Plan, minPersonalPriceUnits int64) (*Catalog, error) {
	c := &Catalog{
		byKey:         make(map[catalogKey]Plan, len(plans)),
		order:         make([]Plan, 0, len(plans)),
		misconfigured: make(map[catalogKey]string),
	}

	for _, p := range plans {
		if err := validatePlan(p); err != nil {
			return nil, err
		}
		key := catalogKey{category: p.Category, id: p.ID}
		if _, dup := c.byKey[key]; dup {
			return nil, fmt.Errorf("catalog: duplicate %s plan %q", p.Category, p.ID)
		}
		if p.Category == types.CategoryPersonal && p.PriceUnits < minPersonalPriceUnits {
			c.misconfigured[key] = fmt.Sprintf("price %d is below the minimum of %d", p.PriceUnits, minPersonalPriceUnits)
		}
		c.byKey[key] = p
		c.order = append(c.order, p)
	}

	return c, nil
}

// MustDefaultCatalog builds the production catalog and panics on a
// configuration error.
func MustDefaultCatalog(minPersonalPriceUnits int64) *Catalog {
	c, err := NewCatalog(DefaultPlans(), minPersonalPriceUnits)
	if err != nil {
		panic(err)
	}
	return c
}

func validatePlan(p Plan) error {
	ref := types.PlanRef{Category: p.Category, PlanID: p.ID}
	if p.Category.Scoped() {
		ref.GroupID = new(int64)
	}
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("catalog: plan %q: %w", p.ID, err)
	}
	if p.PriceUnits <= 0 {
		return fmt.Errorf("catalog: plan %q must have a positive price", p.ID)
	}
	switch p.Category {
	case types.CategoryPersonal:
		if p.ResolvesGranted <= 0 {
			return fmt.Errorf("catalog: personal plan %q must grant at least one resolve", p.ID)
		}
	case types.CategoryGroup:
		if p.DurationDays != nil && *p.DurationDays <= 0 {
			return fmt.Errorf("catalog: group plan %q must have a positive duration or none", p.ID)
		}
	case types.CategoryAddon:
		if p.DurationDays == nil || *p.DurationDays <= 0 {
			return fmt.Errorf("catalog: addon plan %q must have a positive duration", p.ID)
		}
	}
	return nil
}

// Resolve returns the plan a reference points to.
func (c *Catalog) Resolve(ref types.PlanRef) (Plan, error) {
	p, ok := c.byKey[catalogKey{category: ref.Category, id: ref.PlanID}]
	if !ok {
		return Plan{}, types.NewAppErrorWithDetails(
			types.ErrCodePlanUnknown,
			fmt.Sprintf("%s plan %q is not in the catalog", ref.Category, ref.PlanID),
			nil,
			map[string]any{"category": string(ref.Category), "plan_id": ref.PlanID},
		)
	}
	return p, nil
}

// CheckPricing fails for plans flagged by the pricing guard.
func (c *Catalog) CheckPricing(p Plan) error {
	reason, bad := c.misconfigured[catalogKey{category: p.Category, id: p.ID}]
	if !bad {
		return nil
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodePricingMisconfigured,
		fmt.Sprintf("plan %q is misconfigured: %s", p.ID, reason),
		nil,
		map[string]any{"plan_id": p.ID},
	)
}

// Plans returns the catalog in declaration order, optionally filtered by category.
func (c *Catalog) Plans(category types.PlanCategory) []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, p := range c.order {
		if category == "" || p.Category == category {
			out = append(out, p)
		}
	}
	return out
}
