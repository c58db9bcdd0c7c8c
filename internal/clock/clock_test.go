package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual(t *testing.T) {
	start := time.UnixMilli(1_000_000)
	c := NewManual(start)
	assert.Equal(t, int64(1_000_000), NowMs(c))

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, int64(1_001_500), NowMs(c))

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestReal(t *testing.T) {
	before := time.Now()
	assert.False(t, Real{}.Now().Before(before))
}
