package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func TestLimiterUnlimited(t *testing.T) {
	l := New(0, 0, nil)
	assert.True(t, l.Unlimited())
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow(CategoryTrack))
	}

	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow(CategoryTrack))
}

func TestLimiterBurstAndRefill(t *testing.T) {
	clk := &stepClock{t: time.Unix(1700000000, 0)}
	l := New(2, 3, clk.now)
	assert.False(t, l.Unlimited())

	assert.True(t, l.Allow(CategoryTrack))
	assert.True(t, l.Allow(CategoryPage))
	assert.True(t, l.Allow(CategoryTrack))
	assert.False(t, l.Allow(CategoryTrack), "burst exhausted")

	clk.t = clk.t.Add(500 * time.Millisecond)
	assert.True(t, l.Allow(CategoryTrack), "one token refilled")
	assert.False(t, l.Allow(CategoryTrack))
}

func TestLimiterCategoryBucket(t *testing.T) {
	clk := &stepClock{t: time.Unix(1700000000, 0)}
	l := New(0, 0, clk.now)
	l.SetCategoryLimit(CategoryIdentify, 1, 1)

	assert.True(t, l.Allow(CategoryIdentify))
	assert.False(t, l.Allow(CategoryIdentify))
	assert.True(t, l.Allow(CategoryTrack), "other categories unaffected")

	l.SetCategoryLimit(CategoryIdentify, 0, 0)
	assert.True(t, l.Allow(CategoryIdentify))
	assert.True(t, l.Unlimited())
}

func TestLimiterCategoryAndGlobal(t *testing.T) {
	clk := &stepClock{t: time.Unix(1700000000, 0)}
	l := New(1, 1, clk.now)
	l.SetCategoryLimit(CategoryTrack, 10, 10)

	assert.True(t, l.Allow(CategoryTrack))
	assert.False(t, l.Allow(CategoryTrack), "global bucket empty")
}
