// ============================================================================
// Fatebox Runner - 批次盒子生命週期執行器
// ============================================================================
//
// Package: internal/runner
// 文件: runner.go
// 功能: 以固定窗口並發執行 N 個盒子的完整流程，產生結構化報告
//
// 單一盒子的流程:
//   1. purchase  Register，luck 從此開始累積
//   2. delay     隨機等待 [MinDelay, MaxDelay]
//   3. commit    create+commit 一次送出；失敗即放棄（不重試）
//   4. reveal    冷卻 Cooldown 後揭示；預言機/網路類錯誤最多 RevealAttempts 次，
//                每次間隔 RetryPause。非預言機錯誤立即終止，除非是過期，
//                否則標記 Failed 並送出退款通知；重試耗盡同樣標記 Failed。
//   5. settle    獎勵 > 0 轉帳後 Settle；轉帳失敗記為 partial，不重試；
//                獎勵 = 0 直接 Settle（無轉帳）
//
// 窗口:
//   每個窗口 Concurrency 個盒子並發執行，整個窗口完成後才開始下一個窗口。
//
// 錯誤邊界:
//   Run 只在設定錯誤時回傳 error；每個盒子的失敗都記錄在 Outcome 裡。
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/frommybrain/fatebox/internal/clock"
	"github.com/frommybrain/fatebox/internal/notify"
	"github.com/frommybrain/fatebox/internal/oracle"
	"github.com/frommybrain/fatebox/internal/worker"
	"github.com/frommybrain/fatebox/pkg/types"
)

var log = slog.Default()

// Dependencies are the collaborators of a Runner. Notifier, Clock, Rand and
// Recorder are optional.
type Dependencies struct {
	Boxes    Lifecycle
	Oracle   Randomness
	Settler  Settler
	Notifier notify.Sink
	Clock    clock.Clock
	Rand     Rand
	Recorder Recorder
}

// Runner drives batches of boxes through the lifecycle.
type Runner struct {
	cfg      Config
	boxes    Lifecycle
	oracle   Randomness
	settler  Settler
	notifier notify.Sink
	clock    clock.Clock
	rand     Rand
	recorder Recorder
}

type globalRand struct{}

func (globalRand) Int64N(n int64) int64 { return rand.Int64N(n) }

// New validates cfg and builds a Runner.
func New(cfg Config, deps Dependencies) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Boxes == nil || deps.Oracle == nil || deps.Settler == nil {
		return nil, fmt.Errorf("%w: runner needs a lifecycle, an oracle and a settler", types.ErrInvalidConfig)
	}

	r := &Runner{
		cfg:      cfg,
		boxes:    deps.Boxes,
		oracle:   deps.Oracle,
		settler:  deps.Settler,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		rand:     deps.Rand,
		recorder: deps.Recorder,
	}
	if r.notifier == nil {
		r.notifier = notify.LogSink{}
	}
	if r.clock == nil {
		r.clock = clock.Real{}
	}
	if r.rand == nil {
		r.rand = globalRand{}
	}
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	return r, nil
}

// Run processes n boxes in windows of cfg.Concurrency and returns the report.
// The error is non-nil only for invalid arguments.
func (r *Runner) Run(ctx context.Context, n int) (*Report, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: box count must be >= 1, got %d", types.ErrInvalidConfig, n)
	}

	window := r.cfg.Concurrency
	pool := worker.NewPool(window)
	if err := pool.Start(ctx, window); err != nil {
		return nil, err
	}
	defer pool.Stop()

	report := newReport(n, window, r.clock.Now())
	log.Info("batch run started", "runID", report.RunID, "boxes", n, "window", window)

	for start := 0; start < n; start += window {
		if err := ctx.Err(); err != nil {
			log.Warn("batch run cancelled", "runID", report.RunID, "processed", start, "error", err)
			break
		}
		end := min(start+window, n)
		r.runWindow(pool, report, start, end)
		log.Info("window finished", "runID", report.RunID, "from", start, "to", end-1,
			"settled", report.Settled, "failed", report.Failed)
	}

	report.FinishedAt = r.clock.Now()
	log.Info("batch run finished", "runID", report.RunID,
		"settled", report.Settled, "zero_payout", report.ZeroPayout,
		"partial", report.Partial, "failed", report.Failed, "duration", report.Duration())
	return report, nil
}

// runWindow runs boxes [start, end) concurrently and folds their outcomes
// into report once all of them are done.
func (r *Runner) runWindow(pool *worker.Pool, report *Report, start, end int) {
	outcomes := make([]Outcome, end-start)
	tasks := make([]worker.Task, end-start)
	for i := range tasks {
		id := r.cfg.FirstBoxID + types.BoxID(start+i)
		slot := &outcomes[i]
		tasks[i] = worker.Task{ID: id, Run: func(ctx context.Context) error {
			*slot = r.runBox(ctx, id)
			if slot.Status != StatusSuccess {
				return errors.New(slot.Error)
			}
			return nil
		}}
	}

	r.recorder.SetInFlight(len(tasks))
	results, err := pool.RunWindow(tasks)
	r.recorder.SetInFlight(0)

	for i := range outcomes {
		o := outcomes[i]
		if o.Timestamps == nil {
			// the pipeline never produced an outcome: pool closed or panic
			o = newOutcome(tasks[i].ID)
			cause := err
			if cause == nil {
				cause = results[i].Error
			}
			o.fail(cause)
		}
		if o.Status != StatusSuccess {
			r.recorder.RecordFailed(string(o.PhaseReached))
		}
		report.add(o, r.cfg.Stake)
	}
}

// runBox takes one box through the pipeline. It never returns an error:
// every failure ends up in the Outcome.
func (r *Runner) runBox(ctx context.Context, id types.BoxID) Outcome {
	o := newOutcome(id)
	l := log.With("boxID", id)

	// 1. purchase
	now := r.clock.Now()
	o.reach(PhasePurchase, now)
	box := types.Box{
		ID:        id,
		ProjectID: r.cfg.ProjectID,
		Owner:     r.cfg.Owner,
		Stake:     r.cfg.Stake,
		CreatedAt: now,
	}
	if err := r.boxes.Register(box); err != nil {
		l.Error("purchase failed", "error", err)
		o.fail(err)
		return o
	}

	// 2. randomized hold before commit
	o.reach(PhaseDelay, r.clock.Now())
	if err := r.clock.Sleep(ctx, r.delay()); err != nil {
		o.fail(err)
		return o
	}

	// 3. commit, no retry
	o.reach(PhaseCommit, r.clock.Now())
	req, err := r.oracle.CreateAndCommit(ctx, r.cfg.Owner, r.cfg.Owner, r.cfg.Owner)
	if err != nil {
		l.Error("commit failed, abandoning box", "error", err)
		o.fail(err)
		return o
	}
	handle := req.Handle
	o.Handle = &handle

	luckScore, err := r.boxes.Commit(id, handle, r.clock.Now())
	if err != nil {
		l.Error("commit rejected by state machine", "handle", handle, "error", err)
		o.fail(err)
		return o
	}
	o.Luck = luckScore
	committedAt := r.clock.Now()
	r.recorder.RecordCommitted()
	l.Debug("box committed", "handle", handle, "luck", luckScore)

	// 4. reveal
	o.reach(PhaseReveal, committedAt)
	if err := r.clock.Sleep(ctx, r.cfg.Cooldown); err != nil {
		o.fail(err)
		return o
	}

	revealed, err := r.reveal(ctx, id, handle, &o)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrExpired), errors.Is(err, context.Canceled),
		errors.Is(err, types.ErrInvalidConfig):
		// 設定錯誤不是盒子的錯，留在 Committed 等修正後重試
		l.Warn("reveal abandoned", "error", err)
		o.fail(err)
		return o
	default:
		l.Error("reveal failed", "attempts", o.Attempts, "error", err)
		r.markFailed(ctx, &o, box, handle, err)
		return o
	}
	o.UsedFallback = revealed.UsedFallback

	res, err := r.boxes.Reveal(id, r.cfg.Owner, revealed.Fraction, r.clock.Now())
	if err != nil {
		l.Error("reveal rejected by state machine", "error", err)
		r.markFailed(ctx, &o, box, handle, err)
		return o
	}
	tier := res.Tier
	o.Tier = &tier
	o.Fraction = res.Fraction
	o.Payout = res.Payout
	r.recorder.RecordRevealed(tier, r.clock.Now().Sub(committedAt))
	l.Info("box revealed", "tier", tier, "payout", res.Payout, "luck", res.Luck, "fraction", res.Fraction)

	// 5. settle
	o.reach(PhaseSettle, r.clock.Now())
	if res.Payout == 0 {
		o.ZeroPayout = true
	} else {
		sig, err := r.settler.Settle(ctx, box, res.Payout)
		if err != nil {
			l.Warn("settlement transfer failed", "payout", res.Payout, "error", err)
			o.fail(err)
			o.Status = StatusPartial
			return o
		}
		o.Settlement = sig
	}

	if err := r.boxes.Settle(id, r.clock.Now()); err != nil {
		l.Error("settle rejected by state machine", "error", err)
		o.fail(err)
		o.Status = StatusPartial
		return o
	}
	o.Status = StatusSuccess
	r.recorder.RecordSettled()
	return o
}

// reveal runs the runner-level retry loop around the coordinator's reveal.
func (r *Runner) reveal(ctx context.Context, id types.BoxID, handle types.PublicKey, o *Outcome) (oracle.RevealResult, error) {
	var last error
	for attempt := 1; attempt <= r.cfg.RevealAttempts; attempt++ {
		expired, err := r.boxes.CommitWindowExpired(id, r.clock.Now())
		if err != nil {
			return oracle.RevealResult{}, err
		}
		if expired {
			return oracle.RevealResult{}, fmt.Errorf("%w: box %d", types.ErrExpired, id)
		}

		res, err := r.oracle.Reveal(ctx, handle, r.cfg.Payer)
		o.Attempts += oracleAttempts(res.Attempts, err)
		if err == nil {
			return res, nil
		}
		last = err
		if !retryable(err) {
			return oracle.RevealResult{}, err
		}

		if attempt < r.cfg.RevealAttempts {
			log.Warn("reveal attempt failed, retrying",
				"boxID", id, "attempt", attempt, "of", r.cfg.RevealAttempts, "error", err)
			if err := r.clock.Sleep(ctx, r.cfg.RetryPause); err != nil {
				return oracle.RevealResult{}, err
			}
		}
	}
	return oracle.RevealResult{}, fmt.Errorf("box %d: %d reveal attempts failed: %w", id, r.cfg.RevealAttempts, last)
}

// markFailed moves a committed box to Failed and notifies the refund sink.
func (r *Runner) markFailed(ctx context.Context, o *Outcome, box types.Box, handle types.PublicKey, cause error) {
	o.fail(cause)
	reason := cause.Error()
	if err := r.boxes.MarkFailed(box.ID, reason, r.clock.Now()); err != nil {
		log.Error("failed to mark box failed", "boxID", box.ID, "error", err)
		return
	}
	o.RefundEligible = true

	refund := notify.Refund{
		BoxID:         box.ID,
		ProjectID:     box.ProjectID,
		Owner:         box.Owner,
		FailureReason: reason,
		Handle:        &handle,
	}
	if err := r.notifier.NotifyRefund(ctx, refund); err != nil {
		log.Warn("refund notification failed", "boxID", box.ID, "error", err)
		return
	}
	o.RefundNotified = true
	r.recorder.RecordRefundNotified()
}

// delay draws the pre-commit hold uniformly from [MinDelay, MaxDelay].
func (r *Runner) delay() time.Duration {
	span := int64(r.cfg.MaxDelay - r.cfg.MinDelay)
	if span <= 0 {
		return r.cfg.MinDelay
	}
	return r.cfg.MinDelay + time.Duration(r.rand.Int64N(span+1))
}

// retryable reports oracle- and network-class failures.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	for _, target := range []error{
		types.ErrNetwork, types.ErrRevealExhausted, types.ErrOracleUnavailable,
		types.ErrTimeout, types.ErrNotReady,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func oracleAttempts(succeeded int, err error) int {
	var exhausted *types.RevealExhaustedError
	switch {
	case err == nil && succeeded > 0:
		return succeeded
	case errors.As(err, &exhausted):
		return exhausted.Attempts
	default:
		return 1
	}
}
