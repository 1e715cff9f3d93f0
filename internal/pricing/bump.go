package pricing

import "github.com/shopspring/decimal"

// Phase-bump operators for explicit admin price shocks.
const (
	BumpMultiply = "MULTIPLY"
	BumpAdd      = "ADD"
)

// bumpPresets maps milestone names to price multipliers. An organizer
// marking a real-world milestone applies the preset to the current price.
var bumpPresets = map[string]decimal.Decimal{
	"MVP_SHIPPED":    decimal.NewFromFloat(1.30),
	"FIRST_CUSTOMER": decimal.NewFromFloat(1.50),
	"DEMO_WINNER":    decimal.NewFromFloat(2.00),
	"PIVOT":          decimal.NewFromFloat(0.80),
}

// BumpPreset returns the multiplier for a named milestone preset.
func BumpPreset(name string) (decimal.Decimal, bool) {
	m, ok := bumpPresets[name]
	return m, ok
}
