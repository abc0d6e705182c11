package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	limit := 30 * time.Second

	assert.Equal(t, 500*time.Millisecond, backoffDelay(base, limit, 1))
	assert.Equal(t, time.Second, backoffDelay(base, limit, 2))
	assert.Equal(t, 8*time.Second, backoffDelay(base, limit, 5))
	// Capped once doubling passes the limit.
	assert.Equal(t, limit, backoffDelay(base, limit, 7))
	assert.Equal(t, limit, backoffDelay(base, limit, 100))
}

func TestBackoffDelay_NoLimitDoesNotOverflow(t *testing.T) {
	// With no cap configured the delay must still stay positive for any
	// attempt count instead of wrapping negative.
	for _, attempt := range []int{40, 64, 100, 1000} {
		assert.Positive(t, backoffDelay(500*time.Millisecond, 0, attempt), "attempt %d", attempt)
	}
}
