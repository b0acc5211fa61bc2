package runner

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/frommybrain/fatebox/internal/reward"
	"github.com/frommybrain/fatebox/pkg/types"
)

// Phase names a step of the per-box pipeline.
type Phase string

const (
	PhasePurchase Phase = "purchase"
	PhaseDelay    Phase = "delay"
	PhaseCommit   Phase = "commit"
	PhaseReveal   Phase = "reveal"
	PhaseSettle   Phase = "settle"
)

// Status is the overall result of one box.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial" // revealed, settlement transfer failed
	StatusFailure Status = "failure"
)

// Outcome is the record of one box through the pipeline.
type Outcome struct {
	BoxID          types.BoxID         `json:"box_id"`
	PhaseReached   Phase               `json:"phase_reached"`
	Status         Status              `json:"status"`
	ErrorClass     string              `json:"error_class,omitempty"`
	Error          string              `json:"error,omitempty"`
	RefundEligible bool                `json:"refund_eligible"`
	RefundNotified bool                `json:"refund_notified"`
	Timestamps     map[Phase]time.Time `json:"timestamps"`
	Handle         *types.PublicKey    `json:"handle,omitempty"`
	Luck           int                 `json:"luck"`
	Fraction       reward.Fraction     `json:"fraction_bp"`
	Tier           *types.Tier         `json:"tier,omitempty"`
	Payout         uint64              `json:"payout"`
	ZeroPayout     bool                `json:"zero_payout"`
	Attempts       int                 `json:"attempts"` // oracle-level reveal attempts, summed over runner attempts
	UsedFallback   bool                `json:"used_fallback"`
	Settlement     string              `json:"settlement,omitempty"`
}

func newOutcome(id types.BoxID) Outcome {
	return Outcome{BoxID: id, Timestamps: make(map[Phase]time.Time)}
}

// reach marks phase as reached at now.
func (o *Outcome) reach(phase Phase, now time.Time) {
	o.PhaseReached = phase
	o.Timestamps[phase] = now
}

func (o *Outcome) fail(err error) {
	o.Status = StatusFailure
	o.ErrorClass = types.ErrorClass(err)
	o.Error = err.Error()
}

// Report aggregates a batch run.
type Report struct {
	RunID       uuid.UUID `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Boxes       int       `json:"boxes"`
	Concurrency int       `json:"concurrency"`
	Outcomes    []Outcome `json:"outcomes"`

	Purchased       int            `json:"purchased"`
	Committed       int            `json:"committed"`
	Revealed        int            `json:"revealed"`
	Settled         int            `json:"settled"`
	ZeroPayout      int            `json:"zero_payout"`
	Partial         int            `json:"partial"`
	Failed          int            `json:"failed"`
	RefundsNotified int            `json:"refunds_notified"`
	Tiers           map[string]int `json:"tiers"`
	FailuresByPhase map[Phase]int  `json:"failures_by_phase"`
	TotalStake      uint64         `json:"total_stake"`
	TotalPayout     uint64         `json:"total_payout"`
}

func newReport(boxes, concurrency int, started time.Time) *Report {
	tiers := make(map[string]int, len(types.Tiers))
	for _, t := range types.Tiers {
		tiers[t.String()] = 0
	}
	return &Report{
		RunID:           uuid.New(),
		StartedAt:       started,
		Boxes:           boxes,
		Concurrency:     concurrency,
		Outcomes:        make([]Outcome, 0, boxes),
		Tiers:           tiers,
		FailuresByPhase: make(map[Phase]int),
	}
}

// add folds one outcome into the aggregates.
func (r *Report) add(o Outcome, stake uint64) {
	r.Outcomes = append(r.Outcomes, o)

	if o.PhaseReached != PhasePurchase || o.Status != StatusFailure {
		r.Purchased++
		r.TotalStake = saturatingAdd(r.TotalStake, stake)
	}
	if o.Handle != nil {
		r.Committed++
	}
	if o.Tier != nil {
		r.Revealed++
		r.Tiers[o.Tier.String()]++
	}

	switch o.Status {
	case StatusSuccess:
		r.Settled++
		if o.ZeroPayout {
			r.ZeroPayout++
		}
		r.TotalPayout = saturatingAdd(r.TotalPayout, o.Payout)
	case StatusPartial:
		r.Partial++
		r.FailuresByPhase[o.PhaseReached]++
	case StatusFailure:
		r.Failed++
		r.FailuresByPhase[o.PhaseReached]++
	}
	if o.RefundNotified {
		r.RefundsNotified++
	}
}

// saturatingAdd sums payouts without wrapping on absurd stakes.
func saturatingAdd(a, b uint64) uint64 {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !sum.IsUint64() {
		return ^uint64(0)
	}
	return sum.Uint64()
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RefundEligible lists the boxes that ended Failed and refundable.
func (r *Report) RefundEligible() []types.BoxID {
	var ids []types.BoxID
	for _, o := range r.Outcomes {
		if o.RefundEligible {
			ids = append(ids, o.BoxID)
		}
	}
	return ids
}

// WriteSummary prints a human-readable summary. decimals is the token
// precision used for amounts.
func (r *Report) WriteSummary(w io.Writer, decimals int32) error {
	p := &errWriter{w: w}
	p.printf("Run %s: %d boxes, window %d, %s\n", r.RunID, r.Boxes, r.Concurrency, r.Duration().Round(time.Millisecond))
	p.printf("  purchased=%d committed=%d revealed=%d settled=%d (zero-payout %d) partial=%d failed=%d refunds=%d\n",
		r.Purchased, r.Committed, r.Revealed, r.Settled, r.ZeroPayout, r.Partial, r.Failed, r.RefundsNotified)
	p.printf("  staked %s, paid out %s\n",
		reward.FormatAmount(r.TotalStake, decimals), reward.FormatAmount(r.TotalPayout, decimals))

	p.printf("  tiers:")
	for _, t := range types.Tiers {
		p.printf(" %s(%s)=%d", t, reward.MultiplierString(t), r.Tiers[t.String()])
	}
	p.printf("\n")

	if len(r.FailuresByPhase) > 0 {
		phases := make([]string, 0, len(r.FailuresByPhase))
		for ph := range r.FailuresByPhase {
			phases = append(phases, string(ph))
		}
		sort.Strings(phases)
		p.printf("  failures:")
		for _, ph := range phases {
			p.printf(" %s=%d", ph, r.FailuresByPhase[Phase(ph)])
		}
		p.printf("\n")
	}

	for _, o := range r.Outcomes {
		if o.Status == StatusSuccess {
			continue
		}
		p.printf("  box %d: %s at %s (%s) refund=%v: %s\n",
			o.BoxID, o.Status, o.PhaseReached, o.ErrorClass, o.RefundEligible, o.Error)
	}
	return p.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
