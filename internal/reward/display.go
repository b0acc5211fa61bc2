package reward

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/frommybrain/fatebox/pkg/types"
)

// Display helpers. Presentation only; resolution never goes through here.

var bpScale = decimal.NewFromInt(BasisPoints)

// String renders f as a percentage with two decimals, e.g. "42.17%".
func (f Fraction) String() string {
	return decimal.NewFromInt(int64(f)).Div(decimal.NewFromInt(100)).StringFixed(2) + "%"
}

// MultiplierString renders the multiplier of t, e.g. "2.5x".
func MultiplierString(t types.Tier) string {
	return decimal.NewFromInt(int64(Multiplier(t))).Div(bpScale).String() + "x"
}

// FormatAmount renders an amount in smallest units as a decimal with the
// given number of decimals, e.g. FormatAmount(1500000, 6) == "1.5".
func FormatAmount(amount uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimals).String()
}

// Describe renders the odds table of a luck value.
func (o Odds) Describe() string {
	var s string
	for i, tier := range types.Tiers {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%s", tier, Fraction(o[i]))
	}
	return s
}
