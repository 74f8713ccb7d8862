package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/droverhq/drover/pkg/types"
)

// fibTable bounds Fibonacci backoff. Attempts past the end of the table use
// the last entry; the max-delay clamp applies on top.
var fibTable = []int64{1, 1, 2, 3, 5, 8, 13, 21, 34, 55, 89, 144}

// Defaults applied when a task carries no retry config.
func DefaultConfig() types.RetryConfig {
	return types.RetryConfig{
		Strategy:     types.RetryExp,
		MaxAttempts:  3,
		InitialDelay: 60 * time.Second,
		MaxDelay:     30 * time.Minute,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Delay computes the wait before attempt n+1 after the nth attempt failed.
// n is 1-based. Jitter, when enabled, adds uniform noise in ±25% of the delay.
func Delay(cfg types.RetryConfig, attempt int, now time.Time) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch cfg.Strategy {
	case types.RetryImmediate:
		return 0
	case types.RetryLinear:
		d = clamp(time.Duration(int64(cfg.InitialDelay)*int64(attempt)), cfg.MaxDelay)
	case types.RetryFibonacci:
		idx := attempt - 1
		if idx >= len(fibTable) {
			idx = len(fibTable) - 1
		}
		d = clamp(time.Duration(int64(cfg.InitialDelay)*fibTable[idx]), cfg.MaxDelay)
	case types.RetryAdaptive:
		d = adaptiveDelay(attempt, now)
	default: // exponential
		factor := cfg.Factor
		if factor <= 0 {
			factor = 2.0
		}
		scaled := float64(cfg.InitialDelay) * math.Pow(factor, float64(attempt-1))
		if cfg.MaxDelay > 0 && scaled > float64(cfg.MaxDelay) {
			d = cfg.MaxDelay
		} else {
			d = time.Duration(scaled)
		}
	}

	if cfg.Jitter && d > 0 {
		d += jitter(d)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// NextAttempt returns the earliest time the next attempt may start.
func NextAttempt(cfg types.RetryConfig, attempt int, now time.Time) time.Time {
	return now.Add(Delay(cfg, attempt, now))
}

// adaptiveDelay picks a base delay by hour of day: quiet hours retry fast,
// business hours back off, then grows 1.5x per attempt capped at 5 doublings.
func adaptiveDelay(attempt int, now time.Time) time.Duration {
	var base time.Duration
	switch hour := now.Hour(); {
	case hour < 6:
		base = 30 * time.Second
	case hour >= 9 && hour < 17:
		base = 300 * time.Second
	default:
		base = 120 * time.Second
	}

	exp := attempt - 1
	if exp > 5 {
		exp = 5
	}
	return time.Duration(float64(base) * math.Pow(1.5, float64(exp)))
}

func clamp(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	if d < 0 { // multiplication overflow
		return max
	}
	return d
}

func jitter(d time.Duration) time.Duration {
	span := float64(d) * 0.25
	return time.Duration((rand.Float64()*2 - 1) * span)
}

// hardFailure tags denote failures a repeat attempt cannot fix; they are
// never retried on a worker hint, only via an explicit retry-on policy.
func hardFailure(tag types.ErrorTag) bool {
	switch tag {
	case types.ErrTagInvalidInput, types.ErrTagPermissionDenied, types.ErrTagDependencyFailed:
		return true
	}
	return false
}

// Eligible decides whether a failed attempt should be retried.
// Rules, in order: attempts must remain; skip-on always suppresses; a
// non-empty retry-on acts as an allow-list; hard-failure tags fail
// immediately; otherwise the tag's default applies, with the worker's
// retry_recommended hint honored for tags that have no strong default
// either way.
func Eligible(cfg types.RetryConfig, retryCount int, tag types.ErrorTag, retryRecommended *bool) bool {
	if retryCount >= cfg.MaxAttempts {
		return false
	}
	for _, t := range cfg.SkipOn {
		if t == tag {
			return false
		}
	}
	if len(cfg.RetryOn) > 0 {
		for _, t := range cfg.RetryOn {
			if t == tag {
				return true
			}
		}
		return false
	}
	if hardFailure(tag) {
		return false
	}
	if retryRecommended != nil {
		return *retryRecommended
	}
	return tag.RetriableByDefault()
}
