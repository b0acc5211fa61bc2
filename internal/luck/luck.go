// Package luck computes the time-accrued luck score of a held box.
//
// luck = min(base + floor(hold / interval), max)
//
// Luck is read continuously while a box is Created and frozen when the box
// is committed; freezing is the caller's job (see boxmanager).
package luck

import (
	"fmt"
	"time"

	"github.com/frommybrain/fatebox/pkg/types"
)

const (
	DefaultBase = 5
	DefaultMax  = 60
)

// Config holds the accrual parameters of a project.
type Config struct {
	Base     int           `yaml:"base"`
	Max      int           `yaml:"max"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns base 5, max 60 and the given interval.
func DefaultConfig(interval time.Duration) Config {
	return Config{Base: DefaultBase, Max: DefaultMax, Interval: interval}
}

// Validate rejects configs the accrual function is not defined for.
func (c Config) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("%w: luck interval must be at least 1s, got %s", types.ErrInvalidConfig, c.Interval)
	}
	if c.Base < 0 || c.Max < c.Base {
		return fmt.Errorf("%w: luck bounds base=%d max=%d", types.ErrInvalidConfig, c.Base, c.Max)
	}
	return nil
}

// Compute returns the luck for holdSeconds with the given interval, base and max.
func Compute(holdSeconds, intervalSeconds int64, base, max int) (int, error) {
	if intervalSeconds <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0, got %d", types.ErrInvalidConfig, intervalSeconds)
	}
	if holdSeconds < 0 {
		holdSeconds = 0
	}
	gained := holdSeconds / intervalSeconds
	// gained can exceed int range on absurd hold times; compare before adding.
	if gained >= int64(max-base) {
		return max, nil
	}
	return base + int(gained), nil
}

// Score is Compute with base 5 and max 60.
func Score(holdSeconds, intervalSeconds int64) (int, error) {
	return Compute(holdSeconds, intervalSeconds, DefaultBase, DefaultMax)
}

// At returns the luck of a box bought at createdAt, observed at now.
func (c Config) At(createdAt, now time.Time) (int, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	hold := now.Sub(createdAt)
	if hold < 0 {
		hold = 0
	}
	// 以 Duration 相除，非整秒的 interval 不會被截斷
	gained := int64(hold / c.Interval)
	if gained >= int64(c.Max-c.Base) {
		return c.Max, nil
	}
	return c.Base + int(gained), nil
}

// NextIncrease returns how long until the luck of a box bought at createdAt
// grows by one point. Zero once luck is capped.
func (c Config) NextIncrease(createdAt, now time.Time) (time.Duration, error) {
	current, err := c.At(createdAt, now)
	if err != nil {
		return 0, err
	}
	if current >= c.Max {
		return 0, nil
	}
	hold := now.Sub(createdAt)
	if hold < 0 {
		hold = 0
	}
	elapsed := hold % c.Interval
	return c.Interval - elapsed, nil
}
