package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelayForAttemptExponential(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:         4,
		InitialDelaySeconds: 2,
		ExponentialBackoff:  true,
		BackoffMultiplier:   3.0,
	}

	// initial * multiplier^(k-1): 2s, 6s, 18s for attempts 1, 2, 3.
	assert.Equal(t, 2*time.Second, p.DelayForAttempt(1))
	assert.Equal(t, 6*time.Second, p.DelayForAttempt(2))
	assert.Equal(t, 18*time.Second, p.DelayForAttempt(3))
}

func TestRetryPolicyDelayForAttemptFixed(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:         3,
		InitialDelaySeconds: 5,
		ExponentialBackoff:  false,
		BackoffMultiplier:   2.0,
	}

	for attempt := 1; attempt <= 3; attempt++ {
		assert.Equal(t, 5*time.Second, p.DelayForAttempt(attempt))
	}
}

func TestRetryPolicyDelayCappedAt600Seconds(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:         10,
		InitialDelaySeconds: 100,
		ExponentialBackoff:  true,
		BackoffMultiplier:   10.0,
	}

	assert.Equal(t, 100*time.Second, p.DelayForAttempt(1))
	assert.Equal(t, 600*time.Second, p.DelayForAttempt(2))
	assert.Equal(t, 600*time.Second, p.DelayForAttempt(9))

	fixed := RetryPolicy{MaxAttempts: 2, InitialDelaySeconds: 900}
	assert.Equal(t, 600*time.Second, fixed.DelayForAttempt(1))
}

func TestRetryPolicyMultiplierBelowOneTreatedAsOne(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:         3,
		InitialDelaySeconds: 4,
		ExponentialBackoff:  true,
		BackoffMultiplier:   0.5,
	}

	assert.Equal(t, 4*time.Second, p.DelayForAttempt(1))
	assert.Equal(t, 4*time.Second, p.DelayForAttempt(2))
}

func TestEffectiveRetryPolicyResolution(t *testing.T) {
	local := RetryPolicy{MaxAttempts: 5, InitialDelaySeconds: 1}
	fallback := RetryPolicy{MaxAttempts: 2, InitialDelaySeconds: 3}
	defaults := &WorkflowDefaults{RetryPolicy: &fallback}

	withLocal := WorkflowState{RetryPolicy: &local}
	assert.Equal(t, local, withLocal.EffectiveRetryPolicy(defaults))

	withDefaults := WorkflowState{}
	assert.Equal(t, fallback, withDefaults.EffectiveRetryPolicy(defaults))

	bare := WorkflowState{}
	assert.Equal(t, DefaultRetryPolicy(), bare.EffectiveRetryPolicy(nil))
}
