package publish

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindow_AdmitsUpToLimit(t *testing.T) {
	w := NewSlidingWindow(3, time.Hour)
	now := time.Now()

	assert.True(t, w.Allow(now))
	assert.True(t, w.Allow(now))
	assert.True(t, w.Allow(now))
	assert.False(t, w.Allow(now))
	assert.Equal(t, 0, w.Remaining(now))
}

func TestSlidingWindow_RejectionDoesNotConsume(t *testing.T) {
	w := NewSlidingWindow(1, time.Hour)
	now := time.Now()

	assert.True(t, w.Allow(now))
	for i := 0; i < 10; i++ {
		assert.False(t, w.Allow(now))
	}

	// A single aged-out event frees exactly one slot despite the rejected
	// attempts above.
	later := now.Add(time.Hour + time.Second)
	assert.True(t, w.Allow(later))
	assert.False(t, w.Allow(later))
}

func TestSlidingWindow_RollsOver(t *testing.T) {
	w := NewSlidingWindow(2, time.Hour)
	base := time.Now()

	assert.True(t, w.Allow(base))
	assert.True(t, w.Allow(base.Add(30*time.Minute)))
	assert.False(t, w.Allow(base.Add(59*time.Minute)))

	// The first event ages out; the second is still inside the window.
	at := base.Add(61 * time.Minute)
	assert.Equal(t, 1, w.Remaining(at))
	assert.True(t, w.Allow(at))
	assert.False(t, w.Allow(at))
}
