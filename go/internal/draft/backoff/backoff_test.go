package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 3}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, p.Delay(0))
}

func TestPolicy_DelayNoCap(t *testing.T) {
	p := Policy{Base: 500 * time.Millisecond}
	assert.Equal(t, 4*time.Second, p.Delay(4))
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{Base: time.Second, MaxAttempts: 3}
	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))

	unbounded := Policy{Base: time.Second}
	assert.False(t, unbounded.Exhausted(1000))
}
