package billing

import "testing"

func TestLookupCurrency(t *testing.T) {
	tests := []struct {
		code  string
		scale int64
		ok    bool
	}{
		{"XTR", 1, true},
		{"xtr", 1, true},
		{"USD", 100, true},
		{"EUR", 100, true},
		{"JPY", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		c, err := LookupCurrency(tt.code)
		if (err == nil) != tt.ok {
			t.Errorf("LookupCurrency(%q) error = %v, want ok=%v", tt.code, err, tt.ok)
			continue
		}
		if tt.ok && c.Scale != tt.scale {
			t.Errorf("LookupCurrency(%q).Scale = %d, want %d", tt.code, c.Scale, tt.scale)
		}
	}
}

func TestCurrency_MinorUnits(t *testing.T) {
	stars, _ := LookupCurrency(NativeCurrency)
	if got := stars.ToMinor(50); got != 50 {
		t.Errorf("XTR ToMinor(50) = %d, want 50", got)
	}

	usd, _ := LookupCurrency("USD")
	if got := usd.ToMinor(50); got != 5000 {
		t.Errorf("USD ToMinor(50) = %d, want 5000", got)
	}
	if units, ok := usd.FromMinor(5000); !ok || units != 50 {
		t.Errorf("USD FromMinor(5000) = %d, %v", units, ok)
	}
	if _, ok := usd.FromMinor(5001); ok {
		t.Error("USD FromMinor(5001) should not be exact")
	}
}
