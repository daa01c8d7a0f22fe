package batch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/correlator-io/elspeth/internal/batch"
)

func TestAIMDController_StartsAtMax(t *testing.T) {
	c := batch.NewAIMDController(1, 8, 0)
	assert.Equal(t, 8, c.Limit())
}

func TestAIMDController_RetryableErrorHalvesLimit(t *testing.T) {
	c := batch.NewAIMDController(1, 8, 0)
	c.OnRetryableError()
	assert.Equal(t, 4, c.Limit())
}

func TestAIMDController_NeverDropsBelowMin(t *testing.T) {
	c := batch.NewAIMDController(2, 8, 0)
	for i := 0; i < 10; i++ {
		c.OnRetryableError()
	}

	assert.Equal(t, 2, c.Limit())
}

func TestAIMDController_SuccessIncreasesAfterCooldown(t *testing.T) {
	c := batch.NewAIMDController(1, 8, 0)
	c.OnRetryableError()
	assert.Equal(t, 4, c.Limit())

	c.OnSuccess()
	assert.Equal(t, 5, c.Limit())
}

func TestAIMDController_SuccessRespectsCooldown(t *testing.T) {
	c := batch.NewAIMDController(1, 8, time.Hour)
	c.OnRetryableError()

	before := c.Limit()
	c.OnSuccess()
	assert.Equal(t, before, c.Limit())
}
