// ============================================================================
// Fatebox Worker Pool - 固定窗口的並發執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期，並以固定窗口分批執行盒子流程
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │   Runner    │ --RunWindow()--> taskCh
//   └─────────────┘
//         ↑
//    []Result（整個窗口完成後返回）
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 窗口語義:
//   RunWindow 提交整個窗口後，等待窗口內每個任務都回報結果才返回，
//   所以下一個窗口一定在前一個窗口全部完成後才開始。
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) / ReceiveResult() 或 RunWindow(tasks)
//   4. Stop() - 取消 ctx，關閉 taskCh，等待所有 Worker 完成
//
// 並發控制:
//   - taskCh / resultCh: 帶緩衝 channel
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - Mutex: 保護 started/stopped 狀態，Submit 在鎖內發送，避免向已關閉的 channel 發送
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/frommybrain/fatebox/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrWindowTooLarge 表示窗口大小超過通道緩衝
	ErrWindowTooLarge = errors.New("window exceeds pool buffer")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers    []*Worker          // Worker 列表
	taskCh     chan Task          // 任務通道
	resultCh   chan Result        // 結果通道
	stopCh     chan struct{}      // 停止訊號
	cancel     context.CancelFunc // 取消所有執行中的任務
	bufferSize int
	wg         sync.WaitGroup // 等待所有 Worker 完成
	started    bool
	stopped    bool
	mu         sync.Mutex // 保護 started 和 stopped 狀態
	windowMu   sync.Mutex // 同一時間只跑一個窗口
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小，也是單一窗口的上限
func NewPool(bufferSize int) *Pool {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Pool{
		workers:    make([]*Worker, 0),
		taskCh:     make(chan Task, bufferSize),
		resultCh:   make(chan Result, bufferSize),
		stopCh:     make(chan struct{}),
		bufferSize: bufferSize,
	}
}

// Start 啟動指定數量的 Worker，任務的 ctx 衍生自 parent
func (p *Pool) Start(parent context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return errors.New("pool needs at least one worker")
	}

	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	for i := 0; i < workerCount; i++ {
		worker := newWorker(ctx, i, p.stopCh, p.taskCh, p.resultCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	log.Debug("worker pool started", "workers", workerCount)
	return nil
}

// Submit 提交任務到 Worker Pool
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	// 在鎖內發送：Stop 需要同一把鎖才能關閉 taskCh
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// RunWindow 提交一整個窗口並等待全部完成，結果順序與 tasks 相同
func (p *Pool) RunWindow(tasks []Task) ([]Result, error) {
	if len(tasks) > p.bufferSize {
		return nil, ErrWindowTooLarge
	}

	p.windowMu.Lock()
	defer p.windowMu.Unlock()

	for _, task := range tasks {
		if err := p.Submit(task); err != nil {
			return nil, err
		}
	}

	results := make([]Result, len(tasks))
	pending := make(map[types.BoxID][]int, len(tasks))
	for i, task := range tasks {
		pending[task.ID] = append(pending[task.ID], i)
	}
	for range tasks {
		r, err := p.ReceiveResult()
		if err != nil {
			return nil, err
		}
		slots := pending[r.BoxID]
		results[slots[0]] = r
		pending[r.BoxID] = slots[1:]
	}
	return results, nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 stopCh
//  2. 取消任務 ctx，關閉 taskCh
//  3. 等待所有 Worker 完成
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.cancel()
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
