// Package retry models backoff as an explicit state machine: an attempt
// counter, a next-delay function and a terminal exhausted state. Nothing
// here touches timers, so every consumer can be unit-tested by advancing
// a virtual clock instead of sleeping.
package retry

import (
	"errors"
	"time"
)

// ErrExhausted is returned by Next once the attempt ceiling is reached.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes a bounded exponential backoff.
//
// Delay for attempt N (1-based) is Base * Factor^(N-1), capped at Max
// when Max > 0. MaxAttempts == 0 means unbounded.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy matches the backoff used across the module: 1s base,
// doubling, capped at 30s, five attempts.
func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Factor: 2, Max: 30 * time.Second, MaxAttempts: 5}
}

// Delay returns the delay before the given 1-based attempt.
// Attempt values below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}

	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= factor
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}

	delay := time.Duration(d)
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// State tracks attempts against a Policy.
type State struct {
	policy  Policy
	attempt int
}

func NewState(p Policy) *State {
	return &State{policy: p}
}

// Next registers one more attempt and returns the delay to wait before
// it. Once the policy's MaxAttempts is exceeded it returns ErrExhausted
// and the state stays exhausted until Reset.
func (s *State) Next() (time.Duration, error) {
	if s.policy.MaxAttempts > 0 && s.attempt >= s.policy.MaxAttempts {
		return 0, ErrExhausted
	}
	s.attempt++
	return s.policy.Delay(s.attempt), nil
}

// Attempt returns how many attempts have been registered.
func (s *State) Attempt() int { return s.attempt }

// Exhausted reports whether the attempt ceiling has been reached.
func (s *State) Exhausted() bool {
	return s.policy.MaxAttempts > 0 && s.attempt >= s.policy.MaxAttempts
}

// Reset clears the attempt counter, typically after a success.
func (s *State) Reset() { s.attempt = 0 }
