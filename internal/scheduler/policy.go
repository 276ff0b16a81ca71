// internal/scheduler/policy.go
package scheduler

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/autoauth/internal/config"
)

// Policy bounds how often and for how long a page is re-examined.
type Policy struct {
	InitialDelay time.Duration
	Interval     time.Duration
	MaxAttempts  int
	MaxDuration  time.Duration
	Debounce     time.Duration
}

// DefaultPolicy returns the top-level page policy.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: time.Second,
		Interval:     1500 * time.Millisecond,
		MaxAttempts:  20,
		MaxDuration:  30 * time.Second,
		Debounce:     200 * time.Millisecond,
	}
}

// PolicyFromConfig converts a configuration section into a Policy.
func PolicyFromConfig(c config.SchedulerConfig) Policy {
	return Policy{
		InitialDelay: c.InitialDelay,
		Interval:     c.Interval,
		MaxAttempts:  c.MaxAttempts,
		MaxDuration:  c.MaxDuration,
		Debounce:     c.Debounce,
	}
}

// Validate rejects policies without both ceilings.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler: max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.MaxDuration <= 0 {
		return fmt.Errorf("scheduler: max duration must be positive, got %s", p.MaxDuration)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive, got %s", p.Interval)
	}
	if p.InitialDelay < 0 || p.Debounce < 0 {
		return fmt.Errorf("scheduler: delays must not be negative")
	}
	return nil
}
