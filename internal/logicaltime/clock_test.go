package logicaltime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTick(t *testing.T) {
	c := NewClock()
	assert.Equal(t, Time(0), c.Now())
	assert.Equal(t, Time(1), c.Tick())
	assert.Equal(t, Time(2), c.Tick())
}

func TestAdvanceTakesMax(t *testing.T) {
	c := NewClock()
	c.Tick() // 1
	got := c.Advance(10)
	assert.Equal(t, Time(11), got)

	got = c.Advance(3)
	assert.Equal(t, Time(12), got, "advance must still tick forward even if received is stale")
}

func TestConcurrentTicksAreMonotonic(t *testing.T) {
	c := NewClock()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Tick()
		}()
	}
	wg.Wait()
	assert.Equal(t, Time(100), c.Now())
}
