// Package fetch implements the retry/fallback engine used for idempotent
// upstream calls.
//
// A logical call is retried on connection resets, timeouts, TLS protocol
// errors and 5xx (>= 502) responses, with a linearly growing backoff. Once
// the https chain has failed a few times a single probe of the same call is
// sent over plain http; its failure is swallowed and the https chain goes on.
// Responses below 502, 4xx included, are returned as they are.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tlu-gateway/internal/config"
	"tlu-gateway/internal/metrics"
	"tlu-gateway/internal/model"
)

// Doer performs exactly one upstream call.
type Doer interface {
	Do(ctx context.Context, req *model.UpstreamRequest) (*model.UpstreamResponse, error)
}

// Policy bounds a retry chain.
type Policy struct {
	MaxRetries           int
	InitialDelay         time.Duration
	DelayStep            time.Duration
	DowngradeAtRemaining int
	Downgrade            bool
	Deadline             time.Duration
}

// PolicyFromConfig builds a Policy from the upstream section of cfg.
func PolicyFromConfig(cfg *config.Config) Policy {
	r := cfg.Upstream.Retry
	return Policy{
		MaxRetries:           r.MaxRetries,
		InitialDelay:         r.InitialDelay(),
		DelayStep:            r.DelayStep(),
		DowngradeAtRemaining: r.DowngradeAtRemaining,
		Downgrade:            !r.DisableDowngrade,
		Deadline:             cfg.Upstream.Deadline(),
	}
}

// Engine runs upstream calls through the retry state machine.
type Engine struct {
	doer    Doer
	policy  Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an Engine. The metrics parameter is optional.
func NewEngine(d Doer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return NewEngineWithPolicy(d, PolicyFromConfig(cfg), logger, m)
}

// NewEngineWithPolicy creates an Engine with an explicit policy.
func NewEngineWithPolicy(d Doer, p Policy, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		doer:    d,
		policy:  p,
		logger:  logger.With("component", "fetch_engine"),
		metrics: m,
	}
}

// Fetch performs one logical call. The returned response always has a status
// below 502. The whole chain, backoff included, is bounded by the policy
// deadline and by ctx, so a client disconnect aborts it.
func (e *Engine) Fetch(ctx context.Context, req *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	if e.policy.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.policy.Deadline)
		defer cancel()
	}

	st := RetryState{
		AttemptsRemaining: e.policy.MaxRetries,
		Delay:             e.policy.InitialDelay,
		Scheme:            req.Scheme,
	}
	log := e.logger.With("method", req.Method, "target", req.Target)

	var (
		resp     *model.UpstreamResponse
		err      error
		attempts int
	)
	state := StateAttempting
	for {
		switch state {
		case StateAttempting:
			attempts++
			resp, err = e.attempt(ctx, req.WithScheme(st.Scheme))
			if err == nil {
				state = StateSucceeded
				break
			}
			if ctx.Err() != nil {
				// Deadline or client gone: nothing is retryable any more.
				err = fmt.Errorf("%w: %w", context.Cause(ctx), err)
				state = StateFailed
				break
			}
			if !Classify(err).Retryable || st.AttemptsRemaining <= 0 {
				state = StateFailed
				break
			}
			log.Warn("upstream attempt failed, retrying",
				"err", Redact(err),
				"code", Code(err),
				"attempt", attempts,
				"remaining", st.AttemptsRemaining,
				"delay", st.Delay,
			)
			if serr := sleep(ctx, st.Delay); serr != nil {
				err = fmt.Errorf("retry aborted: %w", serr)
				state = StateFailed
				break
			}
			if st.shouldDowngrade(e.policy) {
				state = StateDowngrading
			} else {
				state = StateRetrying
			}

		case StateDowngrading:
			st.DowngradeAttempted = true
			log.Info("trying plain http fallback", "attempt", attempts)
			probe, perr := e.attempt(ctx, req.WithScheme(model.SchemeHTTP))
			if perr == nil {
				e.countProbe("success")
				resp = probe
				state = StateSucceeded
				break
			}
			e.countProbe("failure")
			log.Warn("http fallback failed", "err", Redact(perr), "code", Code(perr))
			state = StateRetrying

		case StateRetrying:
			st = st.next(e.policy.DelayStep)
			state = StateAttempting

		case StateSucceeded:
			return resp, nil

		case StateFailed:
			if attempts > 1 {
				log.Error("upstream call failed", "err", Redact(err), "attempts", attempts)
				return nil, fmt.Errorf("upstream failed after %d attempts: %w", attempts, err)
			}
			return nil, err
		}
	}
}

// attempt performs one call and turns a >= 502 status into a StatusError.
func (e *Engine) attempt(ctx context.Context, req *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	resp, err := e.doer.Do(ctx, req)
	if err == nil && resp.StatusCode >= 502 {
		err = &StatusError{StatusCode: resp.StatusCode, Scheme: req.Scheme}
		resp = nil
	}

	switch {
	case err == nil:
		e.countAttempt("success")
	case Classify(err).Retryable:
		e.countAttempt("retryable")
	default:
		e.countAttempt("fatal")
	}
	return resp, err
}

func (e *Engine) countAttempt(outcome string) {
	if e.metrics != nil {
		e.metrics.FetchAttempts.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) countProbe(outcome string) {
	if e.metrics != nil {
		e.metrics.DowngradeProbes.WithLabelValues(outcome).Inc()
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
