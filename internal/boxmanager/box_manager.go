// ============================================================================
// Fatebox 盒子管理器 - 盒子生命週期狀態機
// ============================================================================
//
// Package: internal/boxmanager
// 文件: box_manager.go
// 功能: 管理盒子從購買到結算的完整生命週期
//
// 狀態轉換 (State Machine):
//   Created (已購買，luck 累積中)
//      ↓ Commit()      綁定隨機數請求，凍結 luck
//   Committed
//      ↓ Reveal()      由持有者揭示，計算等級與獎勵      ↘ MarkFailed()
//   Revealed                                               Failed (終態，可退款)
//      ↓ Settle()      轉帳給持有者（零獎勵為無操作轉換）
//   Settled (終態)
//
// 守衛規則:
//   - 重複 Commit → ErrAlreadyCommitted
//   - 重複 Reveal → ErrAlreadyRevealed；呼叫者非持有者 → ErrNotOwner
//   - 重複 Settle → ErrAlreadySettled
//   - MarkFailed 只允許從 Committed 出發
//   - 其他轉換一律 ErrInvalidTransition
//   守衛失敗不會修改任何狀態，所以重複呼叫是安全的。
//
// 數據結構:
//   boxes map[BoxID]*Box - 單一真實來源，Box.State 標識當前狀態
//   對外返回的一律是 Clone()，呼叫者無法修改內部狀態
//
// 並發安全:
//   - sync.RWMutex 保護 boxes
//
// 快照支持:
//   - Snapshot() / Restore() 用於崩潰恢復
//
// ============================================================================

package boxmanager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/frommybrain/fatebox/internal/luck"
	"github.com/frommybrain/fatebox/internal/reward"
	"github.com/frommybrain/fatebox/pkg/types"
)

// DefaultCommitWindow 承諾後必須在此時間內揭示
const DefaultCommitWindow = time.Hour

// Manager 盒子狀態機
type Manager struct {
	mu           sync.RWMutex
	boxes        map[types.BoxID]*types.Box
	luck         luck.Config
	commitWindow time.Duration
}

// NewManager 建立盒子管理器
//
// 參數說明：
//   - luckCfg: 專案的 luck 累積設定，Commit 時用來凍結分數
//   - commitWindow: Committed 之後允許揭示的時間，<= 0 時使用預設值
func NewManager(luckCfg luck.Config, commitWindow time.Duration) *Manager {
	if commitWindow <= 0 {
		commitWindow = DefaultCommitWindow
	}
	return &Manager{
		boxes:        make(map[types.BoxID]*types.Box),
		luck:         luckCfg,
		commitWindow: commitWindow,
	}
}

// Register 加入一個剛購買的盒子，狀態設為 Created
//
// 錯誤處理：
//   - ErrDuplicateBox: ID 已存在
//   - ErrInvalidConfig: 缺少持有者、押注為零或購買時間未設定
func (m *Manager) Register(box types.Box) error {
	if box.Owner.IsZero() || box.Stake == 0 || box.CreatedAt.IsZero() {
		return fmt.Errorf("%w: box %d needs owner, stake and purchase time", types.ErrInvalidConfig, box.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.boxes[box.ID]; exists {
		return fmt.Errorf("%w: %d", types.ErrDuplicateBox, box.ID)
	}

	b := &types.Box{
		ID:        box.ID,
		ProjectID: box.ProjectID,
		Owner:     box.Owner,
		Stake:     box.Stake,
		State:     types.StateCreated,
		CreatedAt: box.CreatedAt,
		Luck:      m.luck.Base,
	}
	m.boxes[box.ID] = b
	return nil
}

// Commit 綁定隨機數請求並凍結 luck，回傳凍結的分數
//
// 錯誤處理：
//   - ErrBoxNotFound: 盒子不存在
//   - ErrAlreadyCommitted: 已經 commit 過
//   - ErrInvalidTransition: 盒子已失敗
func (m *Manager) Commit(id types.BoxID, handle types.PublicKey, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, err := m.lookup(id)
	if err != nil {
		return 0, err
	}

	switch box.State {
	case types.StateCreated:
	case types.StateCommitted, types.StateRevealed, types.StateSettled:
		return box.Luck, fmt.Errorf("%w: box %d", types.ErrAlreadyCommitted, id)
	default:
		return 0, transitionError(box, types.StateCommitted)
	}
	if handle.IsZero() {
		return 0, fmt.Errorf("%w: box %d needs a randomness handle", types.ErrInvalidTransition, id)
	}

	frozen, err := m.luck.At(box.CreatedAt, now)
	if err != nil {
		return 0, err
	}

	h := handle
	at := now
	box.Luck = frozen
	box.RandomnessHandle = &h
	box.CommittedAt = &at
	box.State = types.StateCommitted
	return box.Luck, nil
}

// Reveal 由持有者揭示盒子：以凍結的 luck 與隨機分數計算等級與獎勵
//
// 錯誤處理：
//   - ErrNotOwner: caller 不是持有者
//   - ErrAlreadyRevealed: 已經揭示或結算
//   - ErrInvalidTransition: 尚未 commit 或已失敗
func (m *Manager) Reveal(id types.BoxID, caller types.PublicKey, fraction reward.Fraction, now time.Time) (reward.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, err := m.lookup(id)
	if err != nil {
		return reward.Result{}, err
	}
	if caller != box.Owner {
		return reward.Result{}, fmt.Errorf("%w: box %d", types.ErrNotOwner, id)
	}

	switch box.State {
	case types.StateCommitted:
	case types.StateRevealed, types.StateSettled:
		return resultOf(box), fmt.Errorf("%w: box %d", types.ErrAlreadyRevealed, id)
	default:
		return reward.Result{}, transitionError(box, types.StateRevealed)
	}

	res, err := reward.Resolve(box.Luck, fraction, box.Stake)
	if err != nil {
		return reward.Result{}, fmt.Errorf("resolve box %d: %w", id, err)
	}

	tier := res.Tier
	amount := res.Payout
	at := now
	box.RewardTier = &tier
	box.RewardAmount = &amount
	box.IsJackpot = res.IsJackpot
	box.RandomFraction = uint32(res.Fraction)
	box.RevealedAt = &at
	box.State = types.StateRevealed
	return res, nil
}

// Settle 標記獎勵已轉給持有者。零獎勵也走這個轉換，但不會有實際轉帳。
//
// 錯誤處理：
//   - ErrAlreadySettled: 已結算
//   - ErrInvalidTransition: 尚未揭示或已失敗
func (m *Manager) Settle(id types.BoxID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, err := m.lookup(id)
	if err != nil {
		return err
	}
	switch box.State {
	case types.StateRevealed:
	case types.StateSettled:
		return fmt.Errorf("%w: box %d", types.ErrAlreadySettled, id)
	default:
		return transitionError(box, types.StateSettled)
	}

	at := now
	box.SettledAt = &at
	box.State = types.StateSettled
	return nil
}

// MarkFailed 將無法揭示的盒子標記為失敗並可退款，只允許從 Committed 出發。
// 失敗的隨機數請求保留在 FailedHandle，RandomnessHandle 清空。
func (m *Manager) MarkFailed(id types.BoxID, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	box, err := m.lookup(id)
	if err != nil {
		return err
	}
	if box.State != types.StateCommitted {
		return transitionError(box, types.StateFailed)
	}

	box.FailedHandle = box.RandomnessHandle
	box.RandomnessHandle = nil
	box.FailureReason = reason
	box.RefundEligible = true
	at := now
	box.FailedAt = &at
	box.State = types.StateFailed
	return nil
}

// CommitWindowExpired 回報 Committed 的盒子是否已超過揭示期限
func (m *Manager) CommitWindowExpired(id types.BoxID, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	box, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	if box.State != types.StateCommitted || box.CommittedAt == nil {
		return false, nil
	}
	return !now.Before(box.CommittedAt.Add(m.commitWindow)), nil
}

// Get 取得盒子的副本
func (m *Manager) Get(id types.BoxID) (*types.Box, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	box, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return box.Clone(), nil
}

// List 依 ID 排序回傳所有盒子的副本
func (m *Manager) List() []*types.Box {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Box, 0, len(m.boxes))
	for _, b := range m.boxes {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats 各狀態的盒子數量
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{
		string(types.StateCreated):   0,
		string(types.StateCommitted): 0,
		string(types.StateRevealed):  0,
		string(types.StateSettled):   0,
		string(types.StateFailed):    0,
	}
	for _, b := range m.boxes {
		stats[string(b.State)]++
	}
	return stats
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 生成所有盒子的深拷貝快照
func (m *Manager) Snapshot() types.SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	boxes := make(map[types.BoxID]*types.Box, len(m.boxes))
	for id, b := range m.boxes {
		boxes[id] = b.Clone()
	}
	return types.SnapshotData{Boxes: boxes, SchemaVer: 1}
}

// Restore 以快照取代目前狀態
func (m *Manager) Restore(data types.SnapshotData) error {
	boxes := make(map[types.BoxID]*types.Box, len(data.Boxes))
	for id, b := range data.Boxes {
		if b == nil {
			continue
		}
		if b.ID != id {
			return fmt.Errorf("restore: box keyed %d carries id %d", id, b.ID)
		}
		boxes[id] = b.Clone()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes = boxes
	return nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (m *Manager) lookup(id types.BoxID) (*types.Box, error) {
	box, ok := m.boxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", types.ErrBoxNotFound, id)
	}
	return box, nil
}

func transitionError(box *types.Box, to types.BoxState) error {
	return fmt.Errorf("%w: box %d %s -> %s", types.ErrInvalidTransition, box.ID, box.State, to)
}

func resultOf(box *types.Box) reward.Result {
	res := reward.Result{
		Payout:    box.Reward(),
		IsJackpot: box.IsJackpot,
		Luck:      box.Luck,
		Fraction:  reward.Fraction(box.RandomFraction),
	}
	if box.RewardTier != nil {
		res.Tier = *box.RewardTier
	}
	return res
}
