package fetch

import (
	"time"

	"tlu-gateway/internal/model"
)

// State is a step of the retry state machine.
//
//	Attempting  -> Succeeded | Failed | Downgrading | Retrying
//	Downgrading -> Succeeded | Retrying
//	Retrying    -> Attempting
type State int

const (
	StateAttempting State = iota
	StateDowngrading
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateDowngrading:
		return "downgrading"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetryState is the bookkeeping of one logical call.
type RetryState struct {
	AttemptsRemaining  int
	Delay              time.Duration
	Scheme             string
	DowngradeAttempted bool
}

// next consumes one retry. Delay never decreases.
func (s RetryState) next(step time.Duration) RetryState {
	s.AttemptsRemaining--
	if step > 0 {
		s.Delay += step
	}
	return s
}

// shouldDowngrade reports whether the one-shot http probe is due.
func (s RetryState) shouldDowngrade(p Policy) bool {
	return p.Downgrade &&
		!s.DowngradeAttempted &&
		s.Scheme == model.SchemeHTTPS &&
		s.AttemptsRemaining <= p.DowngradeAtRemaining
}
