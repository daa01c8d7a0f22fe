package batch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AIMDController governs the effective admission rate for one endpoint
// scope using additive-increase/multiplicative-decrease, with
// golang.org/x/time/rate.Limiter as the underlying gate: every window
// without a retryable error nudges the rate up by one, every retryable
// error halves it, bounded to [min, max]. Wait is the gate dispatch blocks
// on; Limit reports the window size currently governing it.
type AIMDController struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	min        float64
	max        float64
	lastChange time.Time
	cooldown   time.Duration
}

// NewAIMDController starts the limiter at max and backs off from there as
// retryable errors are observed.
func NewAIMDController(min, max int, cooldown time.Duration) *AIMDController {
	if min < 1 {
		min = 1
	}

	if max < min {
		max = min
	}

	return &AIMDController{
		limiter:  rate.NewLimiter(rate.Limit(max), max),
		min:      float64(min),
		max:      float64(max),
		cooldown: cooldown,
	}
}

// Wait blocks until the limiter admits one more row, or ctx is done first.
func (c *AIMDController) Wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// Limit returns the current effective window size, rounded down but never
// below the configured minimum.
func (c *AIMDController) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := int(c.limiter.Limit())
	if limit < int(c.min) {
		limit = int(c.min)
	}

	return limit
}

// OnSuccess performs the additive increase, one unit per cooldown window so
// a burst of successes doesn't ramp the limiter back up instantly after a
// backoff.
func (c *AIMDController) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastChange) < c.cooldown {
		return
	}

	c.setRate(min(float64(c.limiter.Limit())+1, c.max))
	c.lastChange = now
}

// OnRetryableError performs the multiplicative decrease.
func (c *AIMDController) OnRetryableError() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setRate(max(float64(c.limiter.Limit())/2, c.min))
	c.lastChange = time.Now()
}

// setRate reconfigures the limiter's rate and burst together so a widened
// or narrowed window takes effect on the very next Wait call rather than
// only once the token bucket drains to the new size.
func (c *AIMDController) setRate(next float64) {
	c.limiter.SetLimit(rate.Limit(next))
	c.limiter.SetBurst(int(max(next, 1)))
}
