package target

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestRetryDelay tests the capped exponential backoff law
func TestRetryDelay(t *testing.T) {
	nominal := 60 * time.Second

	tests := []struct {
		name     string
		failures int
		expected time.Duration
	}{
		{name: "first failure", failures: 0, expected: 15 * time.Second},
		{name: "second failure", failures: 1, expected: 30 * time.Second},
		{name: "third failure", failures: 2, expected: 60 * time.Second},
		{name: "capped at nominal", failures: 3, expected: 60 * time.Second},
		{name: "deeply capped", failures: 10, expected: 60 * time.Second},
		{name: "shift overflow guard", failures: 64, expected: 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, retryDelay(nominal, tt.failures))
		})
	}
}

// TestRetryDelayShortInterval tests that a nominal interval below the
// base delay caps immediately
func TestRetryDelayShortInterval(t *testing.T) {
	nominal := 5 * time.Second
	for failures := 0; failures < 5; failures++ {
		assert.Equal(t, nominal, retryDelay(nominal, failures))
	}
}

// TestRetryDelayMonotonic tests that delays never decrease as failures
// accumulate
func TestRetryDelayMonotonic(t *testing.T) {
	nominal := 10 * time.Minute
	prev := time.Duration(0)
	for failures := 0; failures < 12; failures++ {
		d := retryDelay(nominal, failures)
		assert.GreaterOrEqual(t, d, prev, "delay decreased at failure %d", failures)
		assert.LessOrEqual(t, d, nominal)
		prev = d
	}
}

// TestJitteredInterval tests the jitter bounds
func TestJitteredInterval(t *testing.T) {
	nominal := 60 * time.Second
	maxJitter := 30 * time.Second

	for i := 0; i < 100; i++ {
		d := jitteredInterval(nominal, maxJitter)
		assert.GreaterOrEqual(t, d, nominal)
		assert.Less(t, d, nominal+maxJitter)
	}
}

// TestJitteredIntervalNoJitter tests the zero-jitter edge case
func TestJitteredIntervalNoJitter(t *testing.T) {
	nominal := 60 * time.Second
	assert.Equal(t, nominal, jitteredInterval(nominal, 0))
}
