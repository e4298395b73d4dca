package job

import (
	"fmt"
	"math"
	"time"
)

// BackoffKind selects how retry delays grow
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff computes the delay before a retry
type Backoff struct {
	Kind      BackoffKind   `json:"kind" yaml:"kind"`
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	// MaxDelay caps exponential growth; zero means uncapped
	MaxDelay time.Duration `json:"max_delay,omitempty" yaml:"max_delay"`
}

// Delay returns the wait before the retry following attempt n (1-indexed).
// Exponential: BaseDelay * 2^(n-1), capped at MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Kind {
	case BackoffExponential:
		d := float64(b.BaseDelay) * math.Pow(2, float64(attempt-1))
		if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
			return b.MaxDelay
		}
		if d > float64(math.MaxInt64) {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(d)
	default:
		return b.BaseDelay
	}
}

// RetryPolicy is the retry configuration recognized on enqueue
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts"`
	Backoff     Backoff `json:"backoff" yaml:"backoff"`
}

// DefaultRetryPolicy is used for queues that configure nothing
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: Backoff{
			Kind:      BackoffExponential,
			BaseDelay: 5 * time.Second,
			MaxDelay:  5 * time.Minute,
		},
	}
}

// Validate checks the policy bounds
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return Validationf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	switch p.Backoff.Kind {
	case BackoffFixed, BackoffExponential:
	default:
		return Validationf("unknown backoff kind %q", p.Backoff.Kind)
	}
	if p.Backoff.BaseDelay < 0 {
		return Validationf("backoff base_delay cannot be negative")
	}
	if p.Backoff.MaxDelay < 0 {
		return Validationf("backoff max_delay cannot be negative")
	}
	return nil
}

// AttemptsLeft reports whether another attempt fits in the budget.
// used is the number of attempts made since the entry was (re)submitted.
func (p RetryPolicy) AttemptsLeft(used int) bool {
	return used < p.MaxAttempts
}

func (p RetryPolicy) String() string {
	return fmt.Sprintf("max_attempts=%d backoff=%s/%s", p.MaxAttempts, p.Backoff.Kind, p.Backoff.BaseDelay)
}
