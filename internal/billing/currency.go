package billing

import (
	"fmt"
	"strings"
)

// NativeCurrency is the chat platform's own currency. It has no minor unit:
// amounts are already whole stars.
const NativeCurrency = "XTR"

// Currency describes how plan prices map to invoice amounts.
// Scale is the number of minor units per whole unit.
type Currency struct {
	Code  string
	Scale int64
}

var currencies = map[string]Currency{
	"XTR": {Code: "XTR", Scale: 1},
	"USD": {Code: "USD", Scale: 100},
	"EUR": {Code: "EUR", Scale: 100},
	"GBP": {Code: "GBP", Scale: 100},
}

// LookupCurrency returns the scale table entry for an ISO-style code.
func LookupCurrency(code string) (Currency, error) {
	c, ok := currencies[strings.ToUpper(code)]
	if !ok {
		return Currency{}, fmt.Errorf("billing: unsupported currency %q", code)
	}
	return c, nil
}

// ToMinor converts whole units to the platform's minor-unit amount.
func (c Currency) ToMinor(units int64) int64 {
	return units * c.Scale
}

// FromMinor converts a minor-unit amount back to whole units. ok is false
// when the amount is not an exact multiple of the scale.
func (c Currency) FromMinor(amount int64) (units int64, ok bool) {
	if c.Scale <= 0 || amount%c.Scale != 0 {
		return 0, false
	}
	return amount / c.Scale, true
}
