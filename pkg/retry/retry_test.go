package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/droverhq/drover/pkg/types"
)

func TestDelayStrategies(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		cfg      types.RetryConfig
		attempt  int
		expected time.Duration
	}{
		{
			name:     "immediate is zero",
			cfg:      types.RetryConfig{Strategy: types.RetryImmediate, InitialDelay: time.Minute},
			attempt:  3,
			expected: 0,
		},
		{
			name:     "linear first attempt",
			cfg:      types.RetryConfig{Strategy: types.RetryLinear, InitialDelay: 10 * time.Second, MaxDelay: time.Hour},
			attempt:  1,
			expected: 10 * time.Second,
		},
		{
			name:     "linear scales with attempt",
			cfg:      types.RetryConfig{Strategy: types.RetryLinear, InitialDelay: 10 * time.Second, MaxDelay: time.Hour},
			attempt:  4,
			expected: 40 * time.Second,
		},
		{
			name:     "exp first attempt is initial",
			cfg:      types.RetryConfig{Strategy: types.RetryExp, InitialDelay: 60 * time.Second, MaxDelay: time.Hour, Factor: 2},
			attempt:  1,
			expected: 60 * time.Second,
		},
		{
			name:     "exp doubles",
			cfg:      types.RetryConfig{Strategy: types.RetryExp, InitialDelay: 60 * time.Second, MaxDelay: time.Hour, Factor: 2},
			attempt:  3,
			expected: 240 * time.Second,
		},
		{
			name:     "fibonacci",
			cfg:      types.RetryConfig{Strategy: types.RetryFibonacci, InitialDelay: 10 * time.Second, MaxDelay: time.Hour},
			attempt:  5,
			expected: 50 * time.Second, // Fib(5)=5
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Delay(tt.cfg, tt.attempt, now))
		})
	}
}

func TestDelayClampsAtMax(t *testing.T) {
	cfg := types.RetryConfig{
		Strategy:     types.RetryExp,
		InitialDelay: time.Minute,
		MaxDelay:     10 * time.Minute,
		Factor:       2,
	}

	// 2^20 minutes would overflow common sense; must clamp, not wrap.
	d := Delay(cfg, 21, time.Now())
	assert.Equal(t, 10*time.Minute, d)

	cfg.Strategy = types.RetryLinear
	assert.Equal(t, 10*time.Minute, Delay(cfg, 500, time.Now()))

	cfg.Strategy = types.RetryFibonacci
	assert.Equal(t, 10*time.Minute, Delay(cfg, 500, time.Now()))
}

func TestFibonacciBounds(t *testing.T) {
	cfg := types.RetryConfig{
		Strategy:     types.RetryFibonacci,
		InitialDelay: time.Second,
		MaxDelay:     time.Hour,
	}

	// Attempts far past the table length must not panic and must reuse the
	// last table entry.
	last := Delay(cfg, len(fibTable), time.Now())
	far := Delay(cfg, 1000, time.Now())
	assert.Equal(t, last, far)
}

func TestAdaptiveDelayByHour(t *testing.T) {
	cfg := types.RetryConfig{Strategy: types.RetryAdaptive, MaxAttempts: 10}

	night := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	business := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, Delay(cfg, 1, night))
	assert.Equal(t, 300*time.Second, Delay(cfg, 1, business))
	assert.Equal(t, 120*time.Second, Delay(cfg, 1, evening))

	// Growth factor 1.5 per extra attempt, capped at exponent 5.
	assert.Equal(t, time.Duration(float64(30*time.Second)*1.5), Delay(cfg, 2, night))
	assert.Equal(t, Delay(cfg, 6, night), Delay(cfg, 20, night))
}

func TestJitterWithinBounds(t *testing.T) {
	cfg := types.RetryConfig{
		Strategy:     types.RetryExp,
		InitialDelay: 100 * time.Second,
		MaxDelay:     time.Hour,
		Factor:       2,
		Jitter:       true,
	}

	for i := 0; i < 50; i++ {
		d := Delay(cfg, 1, time.Now())
		assert.GreaterOrEqual(t, d, 75*time.Second)
		assert.LessOrEqual(t, d, 125*time.Second)
	}
}

func TestEligible(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }

	tests := []struct {
		name        string
		cfg         types.RetryConfig
		retryCount  int
		tag         types.ErrorTag
		recommended *bool
		expected    bool
	}{
		{
			name:       "attempts exhausted",
			cfg:        types.RetryConfig{MaxAttempts: 3},
			retryCount: 3,
			tag:        types.ErrTagTransient,
			expected:   false,
		},
		{
			name:       "transient retried by default",
			cfg:        types.RetryConfig{MaxAttempts: 3},
			retryCount: 1,
			tag:        types.ErrTagTransient,
			expected:   true,
		},
		{
			name:       "invalid input not retried",
			cfg:        types.RetryConfig{MaxAttempts: 3},
			retryCount: 0,
			tag:        types.ErrTagInvalidInput,
			expected:   false,
		},
		{
			name:       "skip-on suppresses",
			cfg:        types.RetryConfig{MaxAttempts: 3, SkipOn: []types.ErrorTag{types.ErrTagTimeout}},
			retryCount: 0,
			tag:        types.ErrTagTimeout,
			expected:   false,
		},
		{
			name:       "retry-on allow list includes tag",
			cfg:        types.RetryConfig{MaxAttempts: 3, RetryOn: []types.ErrorTag{types.ErrTagNotFound}},
			retryCount: 0,
			tag:        types.ErrTagNotFound,
			expected:   true,
		},
		{
			name:       "retry-on allow list excludes tag",
			cfg:        types.RetryConfig{MaxAttempts: 3, RetryOn: []types.ErrorTag{types.ErrTagNotFound}},
			retryCount: 0,
			tag:        types.ErrTagTransient,
			expected:   false,
		},
		{
			name:        "worker hint honored without tag policy",
			cfg:         types.RetryConfig{MaxAttempts: 3},
			retryCount:  0,
			tag:         types.ErrTagNotFound,
			recommended: boolPtr(true),
			expected:    true,
		},
		{
			name:        "worker hint cannot override skip-on",
			cfg:         types.RetryConfig{MaxAttempts: 3, SkipOn: []types.ErrorTag{types.ErrTagNotFound}},
			retryCount:  0,
			tag:         types.ErrTagNotFound,
			recommended: boolPtr(true),
			expected:    false,
		},
		{
			name:        "worker hint cannot revive invalid input",
			cfg:         types.RetryConfig{MaxAttempts: 3},
			retryCount:  0,
			tag:         types.ErrTagInvalidInput,
			recommended: boolPtr(true),
			expected:    false,
		},
		{
			name:        "worker hint cannot revive permission denied",
			cfg:         types.RetryConfig{MaxAttempts: 3},
			retryCount:  0,
			tag:         types.ErrTagPermissionDenied,
			recommended: boolPtr(true),
			expected:    false,
		},
		{
			name:        "explicit retry-on still wins over hard failure",
			cfg:         types.RetryConfig{MaxAttempts: 3, RetryOn: []types.ErrorTag{types.ErrTagInvalidInput}},
			retryCount:  0,
			tag:         types.ErrTagInvalidInput,
			expected:    true,
		},
		{
			name:        "worker hint suppresses a default retry",
			cfg:         types.RetryConfig{MaxAttempts: 3},
			retryCount:  0,
			tag:         types.ErrTagTransient,
			recommended: boolPtr(false),
			expected:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Eligible(tt.cfg, tt.retryCount, tt.tag, tt.recommended))
		})
	}
}

func TestNextAttemptNeverInPast(t *testing.T) {
	now := time.Now()
	cfg := types.RetryConfig{Strategy: types.RetryImmediate, MaxAttempts: 3}
	next := NextAttempt(cfg, 1, now)
	assert.False(t, next.Before(now))
}
