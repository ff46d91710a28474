package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nxtg-ai/forge-pool/internal/proto"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxRetries: 5}

	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
	assert.Equal(t, 10*time.Second, p.Backoff(4), "capped at max delay")
	assert.Equal(t, 10*time.Second, p.Backoff(20))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(proto.ErrClassRetryable))
	assert.True(t, Retryable(""), "unclassified errors default to retryable")
	assert.False(t, Retryable(proto.ErrClassFatal))
}
