package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// BackoffConfig shapes retry delays for transient executor failures.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// RetryConfig bounds transient retries of one station visit.
type RetryConfig struct {
	MaxAttempts int
	Backoff     BackoffConfig
}

func DefaultRetryConfig() RetryConfig {
	// Jitter defaults off so replayed runs schedule identically; when on, the
	// jitter is seeded from run/node/attempt and stays reproducible.
	return RetryConfig{
		MaxAttempts: 3,
		Backoff: BackoffConfig{
			InitialDelayMS: 200,
			BackoffFactor:  2.0,
			MaxDelayMS:     60_000,
			Jitter:         false,
		},
	}
}

// DelayForAttempt computes the delay before retry `attempt` (1-indexed):
// initial * factor^(attempt-1), capped, then jittered into [0.5x, 1.5x].
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	factor := cfg.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed)
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

// jitterUnit maps a seed to [0,1] deterministically.
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// ExecuteWithRetry runs one station visit, retrying TransientError returns up
// to cfg.MaxAttempts with backoff. Any other error, or a NodeResult, ends the
// loop. After exhaustion the transient failure is surfaced as a failed
// NodeResult with the EngineTransient error kind so routing still happens.
func ExecuteWithRetry(ctx context.Context, exec Executor, nc NodeContext, cfg RetryConfig) (*runtime.NodeResult, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		nc.Attempt = attempt
		res, err := exec.Execute(ctx, nc)
		if err == nil {
			return res, nil
		}
		var te *TransientError
		if !errors.As(err, &te) {
			return nil, err
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		seed := fmt.Sprintf("%s:%s:%d", nc.RunID, nc.Node.ID, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(DelayForAttempt(attempt, cfg.Backoff, seed)):
		}
	}
	return &runtime.NodeResult{
		Status: runtime.NodeFailed,
		Receipt: runtime.Receipt{
			ErrorKind: runtime.ErrKindEngineTransient,
		},
		Envelope: runtime.Envelope{
			VerificationStatus: runtime.Blocked,
			Summary:            runtime.TruncateReason("transient failures exhausted: " + lastErr.Error()),
		},
	}, nil
}
