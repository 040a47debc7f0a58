package types

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	planRefSeparator = ":"
	maxPlanIDLength  = 64
)

// PlanRef identifies what an invoice pays for. Personal refs carry no scope;
// Group and Addon refs carry the group id the entitlement applies to.
//
// The canonical string form is one of:
//
//	personal:<planID>
//	group:<planID>:<groupID>
//	addon:<planID>:<groupID>
//
// Plan ids are restricted to [a-z0-9_] and group ids are canonical signed
// decimals, so the separator can never appear inside a field.
type PlanRef struct {
	Category PlanCategory
	PlanID   string
	GroupID  *int64
}

// PersonalRef builds a reference to a personal credit plan.
func PersonalRef(planID string) PlanRef {
	return PlanRef{Category: CategoryPersonal, PlanID: planID}
}

// GroupRef builds a reference to a group subscription plan for groupID.
func GroupRef(planID string, groupID int64) PlanRef {
	return PlanRef{Category: CategoryGroup, PlanID: planID, GroupID: &groupID}
}

// AddonRef builds a reference to a group add-on plan for groupID.
func AddonRef(planID string, groupID int64) PlanRef {
	return PlanRef{Category: CategoryAddon, PlanID: planID, GroupID: &groupID}
}

// Validate checks the structural rules of the variant.
func (r PlanRef) Validate() error {
	if !r.Category.Valid() {
		return planRefError("unknown category %q", r.Category)
	}
	if !validPlanID(r.PlanID) {
		return planRefError("plan id %q must match [a-z0-9_]{1,%d}", r.PlanID, maxPlanIDLength)
	}
	if r.Category.Scoped() && r.GroupID == nil {
		return planRefError("%s reference requires a group id", r.Category)
	}
	if !r.Category.Scoped() && r.GroupID != nil {
		return planRefError("%s reference must not carry a group id", r.Category)
	}
	return nil
}

// Encode returns the canonical string form. It fails for refs that would not
// survive a round trip.
func (r PlanRef) Encode() (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	parts := []string{string(r.Category), r.PlanID}
	if r.GroupID != nil {
		parts = append(parts, strconv.FormatInt(*r.GroupID, 10))
	}
	return strings.Join(parts, planRefSeparator), nil
}

// String returns the canonical form, or a diagnostic placeholder for invalid refs.
func (r PlanRef) String() string {
	s, err := r.Encode()
	if err != nil {
		return "invalid:" + string(r.Category) + "/" + r.PlanID
	}
	return s
}

// GroupIDOrZero returns the scope group id, or 0 for personal refs.
func (r PlanRef) GroupIDOrZero() int64 {
	if r.GroupID == nil {
		return 0
	}
	return *r.GroupID
}

// Equal compares two refs by value.
func (r PlanRef) Equal(o PlanRef) bool {
	if r.Category != o.Category || r.PlanID != o.PlanID {
		return false
	}
	if (r.GroupID == nil) != (o.GroupID == nil) {
		return false
	}
	return r.GroupID == nil || *r.GroupID == *o.GroupID
}

// MarshalText implements encoding.TextMarshaler.
func (r PlanRef) MarshalText() ([]byte, error) {
	s, err := r.Encode()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *PlanRef) UnmarshalText(text []byte) error {
	parsed, err := ParsePlanRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParsePlanRef decodes the canonical string form. Anything that Encode would
// not have produced is rejected.
func ParsePlanRef(s string) (PlanRef, error) {
	parts := strings.Split(s, planRefSeparator)
	if len(parts) < 2 {
		return PlanRef{}, planRefError("malformed plan reference %q", s)
	}

	ref := PlanRef{Category: PlanCategory(parts[0]), PlanID: parts[1]}
	if !ref.Category.Valid() {
		return PlanRef{}, planRefError("unknown category %q", parts[0])
	}

	want := 2
	if ref.Category.Scoped() {
		want = 3
	}
	if len(parts) != want {
		return PlanRef{}, planRefError("%s reference must have %d fields, got %d", ref.Category, want, len(parts))
	}

	if ref.Category.Scoped() {
		groupID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || strconv.FormatInt(groupID, 10) != parts[2] {
			return PlanRef{}, planRefError("group id %q is not a canonical integer", parts[2])
		}
		ref.GroupID = &groupID
	}

	if err := ref.Validate(); err != nil {
		return PlanRef{}, err
	}
	return ref, nil
}

func validPlanID(id string) bool {
	if id == "" || len(id) > maxPlanIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

func planRefError(format string, args ...any) *AppError {
	return NewAppError(ErrCodeValidationInvalidPlanRef, fmt.Sprintf(format, args...), nil)
}
