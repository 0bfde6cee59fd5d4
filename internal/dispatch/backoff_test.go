package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base, ceil := 30*time.Second, time.Hour

	assert.Equal(t, 15*time.Second, Backoff(0, base, ceil, 0))
	assert.Equal(t, 30*time.Second, Backoff(0, base, ceil, 0.5))
	assert.Equal(t, 60*time.Second, Backoff(1, base, ceil, 0.5))
	assert.Equal(t, 120*time.Second, Backoff(2, base, ceil, 0.5))

	// 封顶后仍有抖动
	assert.Equal(t, ceil/2, Backoff(20, base, ceil, 0))
	assert.Less(t, Backoff(20, base, ceil, 0.99), ceil*3/2)
	assert.Equal(t, ceil, Backoff(100, base, ceil, 0.5))
}

func TestBackoffBounds(t *testing.T) {
	base, ceil := 30*time.Second, time.Hour
	for n := 0; n < 10; n++ {
		for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
			d := Backoff(n, base, ceil, r)
			assert.GreaterOrEqual(t, d, base/2)
			assert.Less(t, d, ceil*3/2)
		}
	}
	assert.Zero(t, Backoff(1, 0, ceil, 0.5))
}
