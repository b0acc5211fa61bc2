package reward

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frommybrain/fatebox/pkg/types"
)

func TestResolveScenarios(t *testing.T) {
	tests := []struct {
		name       string
		luck       int
		fraction   Fraction
		stake      uint64
		wantTier   types.Tier
		wantPayout uint64
	}{
		{"low luck small draw is a dud", 5, Percent(10), 1000, types.TierDud, 0},
		{"max luck top draw is a jackpot", 60, Percent(99), 1000, types.TierJackpot, 10000},
		{"dud upper bound is inclusive", 5, 5500, 1000, types.TierDud, 0},
		{"first rebate point", 5, 5501, 1000, types.TierRebate, 800},
		{"break-even", 5, 8600, 1000, types.TierBreakEven, 1000},
		{"profit", 5, 9900, 1000, types.TierProfit, 2500},
		{"jackpot at luck 5", 5, 9951, 1000, types.TierJackpot, 10000},
		{"fraction above range clamps", 5, 20000, 1000, types.TierJackpot, 10000},
		{"luck below range clamps", 0, Percent(10), 1000, types.TierDud, 0},
		{"rebate floors odd stakes", 60, 3001, 7, types.TierRebate, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.luck, tt.fraction, tt.stake)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTier, got.Tier)
			assert.Equal(t, tt.wantPayout, got.Payout)
			assert.Equal(t, tt.wantTier == types.TierJackpot, got.IsJackpot)
		})
	}
}

func TestResolveRejectsZeroStake(t *testing.T) {
	_, err := Resolve(10, Percent(50), 0)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestOddsAtBreakpoints(t *testing.T) {
	assert.Equal(t, Odds{5500, 3000, 1000, 450, 50}, OddsFor(5))
	assert.Equal(t, Odds{4500, 3000, 1500, 850, 150}, OddsFor(13))
	assert.Equal(t, Odds{3000, 2500, 2000, 2000, 500}, OddsFor(60))
}

func TestOddsInterpolation(t *testing.T) {
	assert.Equal(t, Odds{5000, 3000, 1250, 650, 100}, OddsFor(9))

	// floor division rounds the falling dud odds down, not toward zero
	odds := OddsFor(20)
	assert.Equal(t, int64(4276), odds[types.TierDud])
	assert.Equal(t, int64(BasisPoints), odds.Sum())
}

func TestThresholdsCumulative(t *testing.T) {
	th := OddsFor(5).Thresholds()
	assert.Equal(t, [5]int64{5500, 8500, 9500, 9950, 10000}, th)
}

func TestPayoutLargeStake(t *testing.T) {
	big := ^uint64(0) / 2
	assert.Equal(t, big, Payout(big, types.TierBreakEven))
	assert.Equal(t, ^uint64(0), Payout(big, types.TierJackpot), "saturates instead of wrapping")
	assert.Equal(t, uint64(0), Payout(big, types.TierDud))
}

func TestFractionFromUint32(t *testing.T) {
	assert.Equal(t, Fraction(0), FractionFromUint32(0))
	assert.Equal(t, Fraction(BasisPoints), FractionFromUint32(^uint32(0)))
	assert.Equal(t, Fraction(4999), FractionFromUint32(1<<31-1))
}

func TestDisplay(t *testing.T) {
	assert.Equal(t, "42.17%", Fraction(4217).String())
	assert.Equal(t, "2.5x", MultiplierString(types.TierProfit))
	assert.Equal(t, "0.8x", MultiplierString(types.TierRebate))
	assert.Equal(t, "1.5", FormatAmount(1_500_000, 6))
	assert.Contains(t, OddsFor(5).Describe(), "jackpot=0.50%")
}

func TestResolverProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("odds always sum to 10000 basis points", prop.ForAll(
		func(luck int) bool {
			odds := OddsFor(luck)
			for _, v := range odds {
				if v < 0 {
					return false
				}
			}
			return odds.Sum() == BasisPoints
		},
		gen.IntRange(MinLuck, MaxLuck),
	))

	properties.Property("resolution is deterministic", prop.ForAll(
		func(luck int, fraction uint32, stake uint64) bool {
			a, err1 := Resolve(luck, Fraction(fraction), stake)
			b, err2 := Resolve(luck, Fraction(fraction), stake)
			return err1 == nil && err2 == nil && a == b
		},
		gen.IntRange(MinLuck, MaxLuck),
		gen.UInt32Range(0, BasisPoints),
		gen.UInt64Range(1, 1<<50),
	))

	properties.Property("higher luck never raises dud odds", prop.ForAll(
		func(luck int) bool {
			return OddsFor(luck + 1)[types.TierDud] <= OddsFor(luck)[types.TierDud]
		},
		gen.IntRange(MinLuck, MaxLuck-1),
	))

	properties.Property("payout matches the tier multiplier", prop.ForAll(
		func(luck int, fraction uint32, stake uint64) bool {
			r, err := Resolve(luck, Fraction(fraction), stake)
			if err != nil {
				return false
			}
			return r.Payout == stake*Multiplier(r.Tier)/BasisPoints
		},
		gen.IntRange(MinLuck, MaxLuck),
		gen.UInt32Range(0, BasisPoints),
		gen.UInt64Range(1, 1<<40),
	))

	properties.TestingRun(t)
}
