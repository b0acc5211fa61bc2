// ============================================================================
// Fatebox 控制器 - 持久化的盒子狀態機
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 在盒子狀態機外加上 WAL 與快照，實現崩潰恢復
//
// 架構設計:
//   - boxmanager.Manager: 記憶體中的狀態機（守衛、等級計算）
//   - WAL: 每個狀態轉換先寫日誌，再修改記憶體
//   - Snapshot: 定期保存全部盒子，並旋轉 WAL
//
// 崩潰恢復流程 (Start):
//   1. loadSnapshot() - 從最新快照恢復
//   2. replayWAL()    - 重放快照之後的轉換
//
// 冪等性保證:
//   - 所有轉換在 c.mu 下串行執行，寫入 WAL 的順序即套用順序
//   - 守衛失敗的事件在重放時同樣失敗，直接略過
//   - 時間戳截斷到毫秒，重放時 luck 與等級計算結果完全一致
//   - 快照寫入後、WAL 旋轉前崩潰：重放舊事件只會觸發守衛，不會重複套用
//
// ============================================================================

package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frommybrain/fatebox/internal/boxmanager"
	"github.com/frommybrain/fatebox/internal/luck"
	"github.com/frommybrain/fatebox/internal/reward"
	"github.com/frommybrain/fatebox/internal/snapshot"
	"github.com/frommybrain/fatebox/internal/storage/wal"
	"github.com/frommybrain/fatebox/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WALPath          string        // WAL 檔案路徑
	SnapshotPath     string        // 快照檔案路徑
	SnapshotInterval time.Duration // 快照間隔，0 表示只在 Stop 時快照
	SyncOnAppend     bool          // 每個事件都 fsync
	Luck             luck.Config   // 專案 luck 設定
	CommitWindow     time.Duration // 揭示期限
}

// Controller 持久化狀態機
type Controller struct {
	mu       sync.Mutex
	boxes    *boxmanager.Manager
	wal      *wal.WAL
	snapshot *snapshot.Manager
	config   Config

	stopCh    chan struct{}
	stopped   bool
	started   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// Status 控制器狀態摘要
type Status struct {
	Uptime  time.Duration  `json:"uptime"`
	WALSeq  uint64         `json:"wal_seq"`
	Boxes   map[string]int `json:"boxes"`
	Started bool           `json:"started"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例並開啟 WAL
func NewController(config Config) (*Controller, error) {
	if err := config.Luck.Validate(); err != nil {
		return nil, err
	}

	walInstance, err := wal.NewWAL(config.WALPath, config.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	return &Controller{
		boxes:    boxmanager.NewManager(config.Luck, config.CommitWindow),
		wal:      walInstance,
		snapshot: snapshot.NewManager(config.SnapshotPath),
		config:   config,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start 執行恢復並啟動快照循環
func (c *Controller) Start() error {
	c.startTime = time.Now()
	log.Info("Starting recovery...")

	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	if err := c.replayWAL(); err != nil {
		return fmt.Errorf("replayWAL failed: %w", err)
	}

	c.mu.Lock()
	c.started = true
	stats := c.boxes.Stats()
	c.mu.Unlock()

	log.Info("Recovery completed",
		"duration", time.Since(c.startTime),
		"committed", stats[string(types.StateCommitted)],
		"revealed", stats[string(types.StateRevealed)])

	if c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}
	return nil
}

// loadSnapshot 從快照恢復狀態
func (c *Controller) loadSnapshot() error {
	start := time.Now()

	data, err := c.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.boxes.Restore(data); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	log.Info("Snapshot loaded", "duration", time.Since(start), "boxes", len(data.Boxes))
	return nil
}

// replayWAL 重放 WAL 事件，守衛錯誤視為已套用
func (c *Controller) replayWAL() error {
	applied, skipped := 0, 0
	handler := func(event wal.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		err := c.apply(event)
		switch {
		case err == nil:
			applied++
			return nil
		case isGuardError(err):
			skipped++
			return nil
		default:
			return err
		}
	}

	if err := c.wal.Replay(handler); err != nil {
		return err
	}
	log.Info("WAL replayed", "applied", applied, "skipped", skipped)
	return nil
}

// apply 將單一事件套用到狀態機，呼叫者需持有 c.mu
func (c *Controller) apply(event wal.Event) error {
	at := time.UnixMilli(event.Timestamp).UTC()

	switch event.Type {
	case wal.EventRegister:
		var p wal.RegisterPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		return c.boxes.Register(types.Box{
			ID:        event.BoxID,
			ProjectID: p.ProjectID,
			Owner:     p.Owner,
			Stake:     p.Stake,
			CreatedAt: time.UnixMilli(p.CreatedAt).UTC(),
		})

	case wal.EventCommit:
		var p wal.CommitPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		_, err := c.boxes.Commit(event.BoxID, p.Handle, at)
		return err

	case wal.EventReveal:
		var p wal.RevealPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		_, err := c.boxes.Reveal(event.BoxID, p.Caller, reward.Fraction(p.Fraction), at)
		return err

	case wal.EventSettle:
		return c.boxes.Settle(event.BoxID, at)

	case wal.EventFail:
		var p wal.FailPayload
		if err := event.Decode(&p); err != nil {
			return err
		}
		return c.boxes.MarkFailed(event.BoxID, p.Reason, at)

	default:
		return fmt.Errorf("unknown WAL event type %q", event.Type)
	}
}

// isGuardError 狀態機守衛拒絕的轉換
func isGuardError(err error) bool {
	for _, target := range []error{
		types.ErrDuplicateBox, types.ErrAlreadyCommitted, types.ErrAlreadyRevealed,
		types.ErrAlreadySettled, types.ErrInvalidTransition, types.ErrNotOwner,
		types.ErrBoxNotFound, types.ErrInvalidConfig,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ============================================================================
// 狀態轉換（先寫 WAL，再修改記憶體）
// ============================================================================

// Register 記錄一個購買
func (c *Controller) Register(box types.Box) error {
	created := box.CreatedAt.Truncate(time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logAndApply(wal.EventRegister, box.ID, created, wal.RegisterPayload{
		ProjectID: box.ProjectID,
		Owner:     box.Owner,
		Stake:     box.Stake,
		CreatedAt: created.UnixMilli(),
	}, false, func(time.Time) error {
		box.CreatedAt = time.UnixMilli(created.UnixMilli()).UTC()
		return c.boxes.Register(box)
	})
}

// Commit 綁定隨機數請求並凍結 luck，回傳凍結的分數
func (c *Controller) Commit(id types.BoxID, handle types.PublicKey, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var frozen int
	err := c.logAndApply(wal.EventCommit, id, now, wal.CommitPayload{Handle: handle}, false,
		func(at time.Time) error {
			var err error
			frozen, err = c.boxes.Commit(id, handle, at)
			return err
		})
	return frozen, err
}

// Reveal 揭示盒子並計算等級
func (c *Controller) Reveal(id types.BoxID, caller types.PublicKey, fraction reward.Fraction, now time.Time) (reward.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res reward.Result
	err := c.logAndApply(wal.EventReveal, id, now, wal.RevealPayload{Caller: caller, Fraction: uint32(fraction)}, true,
		func(at time.Time) error {
			var err error
			res, err = c.boxes.Reveal(id, caller, fraction, at)
			return err
		})
	return res, err
}

// Settle 結算盒子
func (c *Controller) Settle(id types.BoxID, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logAndApply(wal.EventSettle, id, now, nil, true, func(at time.Time) error {
		return c.boxes.Settle(id, at)
	})
}

// MarkFailed 標記盒子失敗並可退款
func (c *Controller) MarkFailed(id types.BoxID, reason string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logAndApply(wal.EventFail, id, now, wal.FailPayload{Reason: reason}, true, func(at time.Time) error {
		return c.boxes.MarkFailed(id, reason, at)
	})
}

// logAndApply 先寫入 WAL，再以毫秒精度的時間套用轉換，與重放路徑得到相同結果。
// 呼叫者需持有 c.mu。守衛拒絕的事件仍留在 WAL 中，重放時同樣被拒絕。
func (c *Controller) logAndApply(t wal.EventType, id types.BoxID, now time.Time, payload any, force bool, fn func(time.Time) error) error {
	if c.stopped {
		return wal.ErrWALClosed
	}
	at := now.Truncate(time.Millisecond)
	seq, err := c.wal.Append(t, id, at, payload, force)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", t, err)
	}

	if err := fn(time.UnixMilli(at.UnixMilli()).UTC()); err != nil {
		log.Debug("transition rejected", "seq", seq, "type", t, "boxID", id, "error", err)
		return err
	}
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// Get 取得盒子副本
func (c *Controller) Get(id types.BoxID) (*types.Box, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boxes.Get(id)
}

// List 所有盒子
func (c *Controller) List() []*types.Box {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boxes.List()
}

// CommitWindowExpired 揭示期限是否已過
func (c *Controller) CommitWindowExpired(id types.BoxID, now time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boxes.CommitWindowExpired(id, now)
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	var uptime time.Duration
	if !c.startTime.IsZero() {
		uptime = time.Since(c.startTime)
	}
	return Status{
		Uptime:  uptime,
		WALSeq:  c.wal.GetLastSeq(),
		Boxes:   c.boxes.Stats(),
		Started: c.started,
	}
}

// ============================================================================
// 快照
// ============================================================================

func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.TakeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// TakeSnapshot 寫入快照並旋轉 WAL
func (c *Controller) TakeSnapshot() error {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	data := c.boxes.Snapshot()
	data.LastSeq = c.wal.GetLastSeq()

	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := c.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	log.Info("Snapshot taken", "duration", time.Since(start), "boxes", len(data.Boxes), "last_seq", data.LastSeq)
	return nil
}

// Stop 停止快照循環、寫最後一次快照並關閉 WAL
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	// 在鎖內標記，並發的 Stop 不會重複關閉 stopCh；之後的轉換一律被拒絕
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)
	c.loopWg.Wait()

	if err := c.TakeSnapshot(); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}

	if err := c.wal.Close(); err != nil {
		log.Error("Failed to close WAL", "error", err)
	}
	log.Info("Controller stopped")
}

// Inspect 恢復快照與 WAL 後回傳狀態與所有盒子，不寫快照也不旋轉 WAL
func Inspect(config Config) (Status, []*types.Box, error) {
	c, err := NewController(config)
	if err != nil {
		return Status{}, nil, err
	}
	defer c.wal.Close()

	if err := c.loadSnapshot(); err != nil {
		return Status{}, nil, err
	}
	if err := c.replayWAL(); err != nil {
		return Status{}, nil, err
	}
	return c.GetStatus(), c.List(), nil
}
