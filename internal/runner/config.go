package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/frommybrain/fatebox/internal/oracle"
	"github.com/frommybrain/fatebox/internal/reward"
	"github.com/frommybrain/fatebox/pkg/types"
)

const (
	DefaultConcurrency    = 5
	DefaultMinDelay       = 31 * time.Second
	DefaultMaxDelay       = 45 * time.Second
	DefaultCooldown       = 11 * time.Second
	DefaultRevealAttempts = 3
	DefaultRetryPause     = 5 * time.Second
)

// Config controls a batch run.
type Config struct {
	Concurrency    int           `yaml:"concurrency"`     // boxes per window
	MinDelay       time.Duration `yaml:"min_delay"`       // hold time before commit, lower bound
	MaxDelay       time.Duration `yaml:"max_delay"`       // hold time before commit, upper bound
	Cooldown       time.Duration `yaml:"cooldown"`        // pause between commit and reveal
	RevealAttempts int           `yaml:"reveal_attempts"` // runner-level reveal attempts
	RetryPause     time.Duration `yaml:"retry_pause"`     // pause between runner-level attempts

	ProjectID  uint64           `yaml:"project_id"`
	FirstBoxID types.BoxID      `yaml:"first_box_id"`
	Stake      uint64           `yaml:"stake"`
	Owner      types.PublicKey  `yaml:"owner"`
	Payer      *types.PublicKey `yaml:"payer,omitempty"` // sponsors reveal fees when set
}

// DefaultConfig returns the documented defaults for owner and stake.
func DefaultConfig(owner types.PublicKey, stake uint64) Config {
	return Config{
		Concurrency:    DefaultConcurrency,
		MinDelay:       DefaultMinDelay,
		MaxDelay:       DefaultMaxDelay,
		Cooldown:       DefaultCooldown,
		RevealAttempts: DefaultRevealAttempts,
		RetryPause:     DefaultRetryPause,
		FirstBoxID:     1,
		Stake:          stake,
		Owner:          owner,
	}
}

// Validate reports configuration errors as types.ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be >= 1, got %d", types.ErrInvalidConfig, c.Concurrency)
	case c.MinDelay < 0 || c.MaxDelay < c.MinDelay:
		return fmt.Errorf("%w: delay range [%s, %s]", types.ErrInvalidConfig, c.MinDelay, c.MaxDelay)
	case c.Cooldown < 0 || c.RetryPause < 0:
		return fmt.Errorf("%w: negative cooldown or retry pause", types.ErrInvalidConfig)
	case c.RevealAttempts < 1:
		return fmt.Errorf("%w: reveal attempts must be >= 1, got %d", types.ErrInvalidConfig, c.RevealAttempts)
	case c.Stake == 0:
		return fmt.Errorf("%w: stake must be positive", types.ErrInvalidConfig)
	case c.Owner.IsZero():
		return fmt.Errorf("%w: owner is required", types.ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
// Collaborators
// ============================================================================

// Lifecycle is the box state machine. Both boxmanager.Manager and the
// durable controller.Controller satisfy it.
type Lifecycle interface {
	Register(box types.Box) error
	Commit(id types.BoxID, handle types.PublicKey, now time.Time) (int, error)
	Reveal(id types.BoxID, caller types.PublicKey, fraction reward.Fraction, now time.Time) (reward.Result, error)
	Settle(id types.BoxID, now time.Time) error
	MarkFailed(id types.BoxID, reason string, now time.Time) error
	Get(id types.BoxID) (*types.Box, error)
	CommitWindowExpired(id types.BoxID, now time.Time) (bool, error)
}

// Randomness is the commit-reveal round trip; *oracle.Coordinator satisfies it.
type Randomness interface {
	CreateAndCommit(ctx context.Context, funder, authority, payer types.PublicKey) (oracle.Request, error)
	Reveal(ctx context.Context, handle types.PublicKey, payer *types.PublicKey) (oracle.RevealResult, error)
}

// Settler transfers a reward to the box owner and returns the transaction
// signature.
type Settler interface {
	Settle(ctx context.Context, box types.Box, amount uint64) (string, error)
}

// Recorder receives pipeline metrics; *metrics.Collector satisfies it.
type Recorder interface {
	RecordCommitted()
	RecordRevealed(tier types.Tier, latency time.Duration)
	RecordSettled()
	RecordFailed(phase string)
	RecordRefundNotified()
	SetInFlight(n int)
}

// Rand draws the randomized pre-commit delay.
type Rand interface {
	Int64N(n int64) int64
}

type nopRecorder struct{}

func (nopRecorder) RecordCommitted()                         {}
func (nopRecorder) RecordRevealed(types.Tier, time.Duration) {}
func (nopRecorder) RecordSettled()                           {}
func (nopRecorder) RecordFailed(string)                      {}
func (nopRecorder) RecordRefundNotified()                    {}
func (nopRecorder) SetInFlight(int)                          {}
