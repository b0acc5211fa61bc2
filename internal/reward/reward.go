// ============================================================================
// Reward Tier Resolver - 獎勵等級解析
// ============================================================================
//
// Package: internal/reward
// 文件: reward.go
// 功能: 將 (luck, 隨機分數, 本金) 轉換為 (等級, 派彩金額)
//
// 機率模型:
//   五個等級（依倍率遞增）：Dud 0x, Rebate 0.8x, Break-even 1x, Profit 2.5x, Jackpot 10x
//   在三個 luck 斷點 (5, 13, 60) 之間對 {dud, rebate, break-even, profit}
//   的機率做分段線性內插；jackpot 為剩餘機率，使五者總和恰好為 10000 基點。
//
// 定點運算:
//   所有機率與分數皆以基點（1/10000）表示的整數計算，
//   鏈上程式與鏈下驗證器必須逐位元一致，禁止浮點數。
//   派彩使用 256 位元整數（holiman/uint256）避免本金溢位。
//
// 解析規則:
//   依 dud → rebate → break-even → profit → jackpot 順序累加門檻，
//   第一個累計上界 >= fraction 的等級即為結果。
//
// ============================================================================

package reward

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/frommybrain/fatebox/pkg/types"
)

// BasisPoints 代表 100%
const BasisPoints = 10000

const (
	MinLuck = 5
	MidLuck = 13
	MaxLuck = 60
)

// Fraction 是以基點表示的隨機分數，範圍 [0, 10000]
type Fraction uint32

// Percent converts a whole percentage to a Fraction.
func Percent(p uint32) Fraction {
	return Fraction(p * 100)
}

// FractionFromUint32 maps a uniformly random u32 onto [0, 10000]:
// floor(v * 10000 / (2^32 - 1)).
func FractionFromUint32(v uint32) Fraction {
	return Fraction(uint64(v) * BasisPoints / uint64(^uint32(0)))
}

// Odds 是各等級的機率（基點），索引為 types.Tier
type Odds [5]int64

// Sum returns the total probability mass; always 10000 for resolver output.
func (o Odds) Sum() int64 {
	var s int64
	for _, v := range o {
		s += v
	}
	return s
}

// Thresholds returns cumulative upper bounds in resolution order.
func (o Odds) Thresholds() [5]int64 {
	var out [5]int64
	var acc int64
	for i, v := range o {
		acc += v
		out[i] = acc
	}
	return out
}

// 斷點的端點機率向量 {dud, rebate, break-even, profit}
var (
	oddsAtMin = [4]int64{5500, 3000, 1000, 450}
	oddsAtMid = [4]int64{4500, 3000, 1500, 850}
	oddsAtMax = [4]int64{3000, 2500, 2000, 2000}
)

// multiplierBP 各等級倍率（基點）
var multiplierBP = [5]uint64{
	types.TierDud:       0,
	types.TierRebate:    8000,
	types.TierBreakEven: 10000,
	types.TierProfit:    25000,
	types.TierJackpot:   100000,
}

// Multiplier returns the payout multiplier of t in basis points.
func Multiplier(t types.Tier) uint64 {
	if t < types.TierDud || t > types.TierJackpot {
		return 0
	}
	return multiplierBP[t]
}

// Result 解析結果
type Result struct {
	Tier      types.Tier
	Payout    uint64
	IsJackpot bool
	Luck      int
	Fraction  Fraction
	Odds      Odds
}

// OddsFor 計算指定 luck 的五個等級機率
//
// luck 會被夾在 [5, 60] 之間；在斷點上回傳端點值本身。
func OddsFor(luck int) Odds {
	l := int64(clampLuck(luck))

	var lo, hi [4]int64
	var l0, l1 int64
	if l <= MidLuck {
		lo, hi, l0, l1 = oddsAtMin, oddsAtMid, MinLuck, MidLuck
	} else {
		lo, hi, l0, l1 = oddsAtMid, oddsAtMax, MidLuck, MaxLuck
	}

	var odds Odds
	var used int64
	for i := 0; i < 4; i++ {
		odds[i] = lo[i] + floorDiv((hi[i]-lo[i])*(l-l0), l1-l0)
		used += odds[i]
	}
	odds[types.TierJackpot] = BasisPoints - used
	return odds
}

// Resolve 解析等級與派彩
//
// 參數：
//   - luck: 凍結的 luck 值（夾在 [5, 60]）
//   - fraction: 隨機分數（基點，>10000 視為 10000）
//   - stake: 本金（最小貨幣單位，必須 > 0）
//
// 返回值：
//   - Result: 等級與派彩
//   - error: stake 為 0 時回傳 ErrInvalidConfig
func Resolve(luck int, fraction Fraction, stake uint64) (Result, error) {
	if stake == 0 {
		return Result{}, fmt.Errorf("%w: stake must be positive", types.ErrInvalidConfig)
	}
	if fraction > BasisPoints {
		fraction = BasisPoints
	}

	odds := OddsFor(luck)
	tier := types.TierJackpot
	for i, upper := range odds.Thresholds() {
		if upper >= int64(fraction) {
			tier = types.Tier(i)
			break
		}
	}

	return Result{
		Tier:      tier,
		Payout:    Payout(stake, tier),
		IsJackpot: tier == types.TierJackpot,
		Luck:      clampLuck(luck),
		Fraction:  fraction,
		Odds:      odds,
	}, nil
}

// Payout 計算 floor(stake × multiplier)；Dud 恰好為 0
func Payout(stake uint64, tier types.Tier) uint64 {
	m := Multiplier(tier)
	if m == 0 {
		return 0
	}
	v := new(uint256.Int).Mul(uint256.NewInt(stake), uint256.NewInt(m))
	v.Div(v, uint256.NewInt(BasisPoints))
	if !v.IsUint64() {
		// 10x of a uint64 stake can exceed uint64; saturate instead of wrapping.
		return ^uint64(0)
	}
	return v.Uint64()
}

func clampLuck(luck int) int {
	if luck < MinLuck {
		return MinLuck
	}
	if luck > MaxLuck {
		return MaxLuck
	}
	return luck
}

// floorDiv 向負無窮取整的整數除法（Go 的 / 會向零取整）
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
