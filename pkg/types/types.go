// Package types 定義了 fatebox 揭示流程中使用的核心領域模型
package types

import (
	"time"
)

// BoxID 盒子在單一專案內的唯一識別碼
type BoxID uint64

// BoxState 盒子生命週期狀態
type BoxState string

// 定義盒子狀態常數
const (
	StateCreated   BoxState = "created"   // 已購買：luck 持續累積中
	StateCommitted BoxState = "committed" // 已承諾：綁定隨機數請求，luck 凍結
	StateRevealed  BoxState = "revealed"  // 已揭示：獎勵等級與金額已確定
	StateSettled   BoxState = "settled"   // 已結算：獎勵已轉給持有者（終態）
	StateFailed    BoxState = "failed"    // 揭示失敗：可退款（終態）
)

// rank 用於檢查狀態不會倒退
func (s BoxState) rank() int {
	switch s {
	case StateCreated:
		return 0
	case StateCommitted:
		return 1
	case StateRevealed, StateFailed:
		return 2
	case StateSettled:
		return 3
	default:
		return -1
	}
}

// Precedes reports whether s comes strictly before next in the lifecycle.
func (s BoxState) Precedes(next BoxState) bool {
	return s.rank() >= 0 && s.rank() < next.rank()
}

// IsTerminal reports whether no further transition is allowed.
func (s BoxState) IsTerminal() bool {
	return s == StateSettled || s == StateFailed
}

// Tier 獎勵等級，依倍率遞增排列
type Tier int

const (
	TierDud       Tier = iota // 0x
	TierRebate                // 0.8x
	TierBreakEven             // 1.0x
	TierProfit                // 2.5x
	TierJackpot               // 10x
)

// Tiers lists every tier in resolution order.
var Tiers = []Tier{TierDud, TierRebate, TierBreakEven, TierProfit, TierJackpot}

func (t Tier) String() string {
	switch t {
	case TierDud:
		return "dud"
	case TierRebate:
		return "rebate"
	case TierBreakEven:
		return "break_even"
	case TierProfit:
		return "profit"
	case TierJackpot:
		return "jackpot"
	default:
		return "unknown"
	}
}

// Box 代表一個已購買的盒子
type Box struct {
	// 識別
	ID        BoxID     `json:"id"`
	ProjectID uint64    `json:"project_id"`
	Owner     PublicKey `json:"owner"`
	Stake     uint64    `json:"stake"` // 最小貨幣單位

	// 狀態追蹤
	State     BoxState  `json:"state"`
	CreatedAt time.Time `json:"created_at"` // 購買時間，不可變
	Luck      int       `json:"luck"`       // commit 時凍結

	// 隨機數請求（Committed 之後設定，永不重用）
	RandomnessHandle *PublicKey `json:"randomness_handle,omitempty"`
	FailedHandle     *PublicKey `json:"failed_handle,omitempty"`

	// 揭示結果（Revealed 之後不可變）
	RewardTier     *Tier   `json:"reward_tier,omitempty"`
	RewardAmount   *uint64 `json:"reward_amount,omitempty"`
	IsJackpot      bool    `json:"is_jackpot"`
	RandomFraction uint32  `json:"random_fraction_bp"` // 基點 [0, 10000]

	// 時間戳
	CommittedAt *time.Time `json:"committed_at,omitempty"`
	RevealedAt  *time.Time `json:"revealed_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	// 失敗資訊
	FailureReason  string `json:"failure_reason,omitempty"`
	RefundEligible bool   `json:"refund_eligible"`
}

// Clone returns a deep copy so callers never alias manager-owned state.
func (b *Box) Clone() *Box {
	if b == nil {
		return nil
	}
	c := *b
	if b.RandomnessHandle != nil {
		h := *b.RandomnessHandle
		c.RandomnessHandle = &h
	}
	if b.FailedHandle != nil {
		h := *b.FailedHandle
		c.FailedHandle = &h
	}
	if b.RewardTier != nil {
		t := *b.RewardTier
		c.RewardTier = &t
	}
	if b.RewardAmount != nil {
		a := *b.RewardAmount
		c.RewardAmount = &a
	}
	c.CommittedAt = cloneTime(b.CommittedAt)
	c.RevealedAt = cloneTime(b.RevealedAt)
	c.SettledAt = cloneTime(b.SettledAt)
	c.FailedAt = cloneTime(b.FailedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Reward returns the payout amount, zero when the box is not revealed yet.
func (b *Box) Reward() uint64 {
	if b.RewardAmount == nil {
		return 0
	}
	return *b.RewardAmount
}

// SnapshotData 快照資料，用於狀態機的持久化和恢復
type SnapshotData struct {
	Boxes     map[BoxID]*Box `json:"boxes"`      // 所有盒子的完整資料
	SchemaVer int            `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64         `json:"last_seq"`   // 最後處理的 WAL 序列號
}
