package batch_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/correlator-io/elspeth/internal/batch"
)

func TestDefaultClassifier_RateLimitIsRetryable(t *testing.T) {
	err := &batch.HTTPStatusError{StatusCode: http.StatusTooManyRequests, Err: errors.New("rate limited")}
	assert.Equal(t, batch.Retryable, batch.DefaultClassifier(err))
}

func TestDefaultClassifier_ServerErrorIsRetryable(t *testing.T) {
	err := &batch.HTTPStatusError{StatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")}
	assert.Equal(t, batch.Retryable, batch.DefaultClassifier(err))
}

func TestDefaultClassifier_ClientErrorIsPermanent(t *testing.T) {
	err := &batch.HTTPStatusError{StatusCode: http.StatusBadRequest, Err: errors.New("malformed request")}
	assert.Equal(t, batch.Permanent, batch.DefaultClassifier(err))
}

func TestDefaultClassifier_DeadlineExceededIsRetryable(t *testing.T) {
	assert.Equal(t, batch.Retryable, batch.DefaultClassifier(context.DeadlineExceeded))
}

func TestDefaultClassifier_PlainErrorIsPermanent(t *testing.T) {
	assert.Equal(t, batch.Permanent, batch.DefaultClassifier(errors.New("content policy violation")))
}
