package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllowsUnknownOrigin(t *testing.T) {
	l := NewFailureLimiter(3, time.Minute)
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestLimiterBlocksAfterMaxFailures(t *testing.T) {
	l := NewFailureLimiter(3, time.Minute)

	l.RecordFailure("10.0.0.1")
	l.RecordFailure("10.0.0.1")
	assert.True(t, l.Allow("10.0.0.1"))

	l.RecordFailure("10.0.0.1")
	assert.False(t, l.Allow("10.0.0.1"))

	// Other origins keep their own counters
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestLimiterResetsOnSuccess(t *testing.T) {
	l := NewFailureLimiter(2, time.Minute)

	l.RecordFailure("10.0.0.1")
	l.RecordFailure("10.0.0.1")
	assert.False(t, l.Allow("10.0.0.1"))

	l.RecordSuccess("10.0.0.1")
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestLimiterWindowExpiry(t *testing.T) {
	l := NewFailureLimiter(1, time.Minute)

	current := time.Now()
	l.now = func() time.Time { return current }

	l.RecordFailure("10.0.0.1")
	assert.False(t, l.Allow("10.0.0.1"))

	current = current.Add(2 * time.Minute)
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestDigestRoundTrip(t *testing.T) {
	key, err := GenerateAPIKey()
	assert.NoError(t, err)
	assert.Len(t, key, 64)

	d1 := DigestAPIKey(key)
	d2 := DigestAPIKey(key)
	assert.Equal(t, d1, d2)
	assert.True(t, DigestsEqual(d1, d2))
	assert.False(t, DigestsEqual(d1, DigestAPIKey("different")))
}
