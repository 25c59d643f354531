// Package retry implements withRetry/batchRetry/parallelRetry on top of
// github.com/cenkalti/backoff/v5's exponential-backoff engine. Grounded on
// the teacher's internal/repository/retry.go (RetryConfig,
// RetryWithBackoff, calculateDelay), generalized from a single
// DynamoDB-shaped helper into a reusable, provider-agnostic one that
// consults internal/ferrors for retryability instead of sniffing AWS
// exception types.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/forgeflow/core/internal/ferrors"
)

// Config mirrors the teacher's RetryConfig shape, renamed to this
// module's own vocabulary (MaxRetries/BaseDelay/MaxDelay/Jitter) and
// decoupled from any specific provider's error types.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
	Timeout    time.Duration // per-call outer deadline; 0 means no deadline
}

// DefaultConfig returns this module's default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Jitter:     true,
		Timeout:    0,
	}
}

// Op is any provider-facing operation the caller wants retried.
type Op func(ctx context.Context) (any, error)

// Delay computes delay_k = min(base*2^k, max) exactly, the deterministic
// component the jittered backoff.ExponentialBackOff wraps ± the
// randomization factor. Exposed for tests asserting the retry-delay
// invariant without relying on the jittered library output.
func Delay(cfg Config, attempt int) time.Duration {
	d := cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > cfg.MaxDelay {
			d = cfg.MaxDelay
			break
		}
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

func (cfg Config) toBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BaseDelay
	eb.MaxInterval = cfg.MaxDelay
	eb.Multiplier = 2.0
	if cfg.Jitter {
		eb.RandomizationFactor = 0.25
	} else {
		eb.RandomizationFactor = 0
	}
	return eb
}

// WithRetry runs op, retrying only when the returned error's ferrors.Kind
// is retryable, using cfg's exponential-backoff-with-jitter delay
// sequence, racing each attempt against cfg.Timeout. A non-retryable kind
// (or an unclassified error) short-circuits on the first attempt and is
// returned unchanged. Only genuine exhaustion of the retry budget wraps
// the last cause in ferrors.KindTransient5xx carrying the attempt count.
func WithRetry(ctx context.Context, cfg Config, op Op) (any, error) {
	attempts := 0
	var lastErr error
	permanent := false

	result, err := backoff.Retry(ctx, func() (any, error) {
		attempts++
		callCtx := ctx
		var cancel context.CancelFunc
		if cfg.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		val, err := op(callCtx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		kind, known := ferrors.KindOf(err)
		if !known || !kind.Retryable() {
			// unclassified errors are treated as non-retryable per the
			// closed taxonomy's "never sniff messages" design.
			permanent = true
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, backoff.WithBackOff(cfg.toBackOff()), backoff.WithMaxTries(uint(cfg.MaxRetries)))

	if err != nil {
		if permanent {
			return nil, lastErr
		}
		return nil, ferrors.Wrap(ferrors.KindTransient5xx,
			fmt.Sprintf("exhausted after %d attempts", attempts), lastErr)
	}
	return result, nil
}

// BatchOp names one operation in a batchRetry call.
type BatchOp struct {
	Name string
	Run  Op
}

// BatchResult is the outcome of one BatchOp.
type BatchResult struct {
	Name  string
	Value any
	Err   error
}

// BatchRetry runs ops sequentially, failing fast on the first exhausted
// retry.
func BatchRetry(ctx context.Context, cfg Config, ops []BatchOp) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(ops))
	for _, op := range ops {
		val, err := WithRetry(ctx, cfg, op.Run)
		results = append(results, BatchResult{Name: op.Name, Value: val, Err: err})
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// ParallelRetry runs ops concurrently, surfacing per-operation outcomes
// without aborting siblings on any single failure.
func ParallelRetry(ctx context.Context, cfg Config, ops []BatchOp) []BatchResult {
	results := make([]BatchResult, len(ops))
	var wg sync.WaitGroup
	wg.Add(len(ops))
	for i, op := range ops {
		i, op := i, op
		go func() {
			defer wg.Done()
			val, err := WithRetry(ctx, cfg, op.Run)
			results[i] = BatchResult{Name: op.Name, Value: val, Err: err}
		}()
	}
	wg.Wait()
	return results
}
