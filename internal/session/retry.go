package session

import (
	"time"

	"github.com/jmylchreest/livegen/internal/config"
)

// RetryPolicy yields the delay before reconnect attempt n (1-based).
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

// FixedDelay waits the same duration before every attempt.
type FixedDelay time.Duration

func (d FixedDelay) Delay(int) time.Duration {
	return time.Duration(d)
}

// ExponentialBackoff doubles (by Multiplier) the delay per attempt, capped at Max.
//
// With Initial=1s, Multiplier=2, Max=30s:
//   - Attempt 1: 1s
//   - Attempt 2: 2s
//   - Attempt 3: 4s
//   - Attempt 6: 30s (capped)
type ExponentialBackoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}

	delay := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if b.Max > 0 && time.Duration(delay) >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(delay) > b.Max {
		return b.Max
	}
	return time.Duration(delay)
}

// PolicyFromConfig builds the retry policy named by cfg.Backoff.
func PolicyFromConfig(cfg config.SessionConfig) RetryPolicy {
	if cfg.Backoff == config.BackoffExponential {
		return ExponentialBackoff{
			Initial:    cfg.RetryDelay,
			Max:        cfg.RetryMaxDelay,
			Multiplier: 2,
		}
	}
	return FixedDelay(cfg.RetryDelay)
}
