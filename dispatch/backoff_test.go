package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_FirstAttemptNearBase(t *testing.T) {
	d := Backoff(0)
	assert.GreaterOrEqual(t, d, 400*time.Millisecond)
	assert.LessOrEqual(t, d, 600*time.Millisecond)
}

func TestBackoff_GrowsThenCaps(t *testing.T) {
	d1 := Backoff(1)
	assert.GreaterOrEqual(t, d1, 800*time.Millisecond)
	assert.LessOrEqual(t, d1, 1200*time.Millisecond)

	capped := Backoff(10)
	assert.LessOrEqual(t, capped, 8*time.Second+2*time.Second/10)
}

func TestBackoff_NeverNegative(t *testing.T) {
	for i := 0; i < 20; i++ {
		assert.GreaterOrEqual(t, Backoff(i), time.Duration(0))
	}
}
