package token

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextSequential(t *testing.T) {
	f := NewFactory(0)
	assert.EqualValues(t, 0, f.Next())
	assert.EqualValues(t, 1, f.Next())
	assert.EqualValues(t, 2, f.Next())
}

func TestNextSeeded(t *testing.T) {
	f := NewFactory(100)
	assert.EqualValues(t, 100, f.Next())
	assert.EqualValues(t, 101, f.Next())
}

func TestNextWraps(t *testing.T) {
	f := NewFactory(Max)
	assert.EqualValues(t, Max, f.Next())
	assert.EqualValues(t, 0, f.Next())
	assert.EqualValues(t, 1, f.Next())
}

func TestNextConcurrentUnique(t *testing.T) {
	f := NewFactory(0)
	const n = 500
	seen := make(chan uint32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- f.Next()
		}()
	}
	wg.Wait()
	close(seen)

	set := make(map[uint32]bool, n)
	for v := range seen {
		assert.False(t, set[v], "duplicate token %d", v)
		set[v] = true
	}
	assert.Len(t, set, n)
}

func TestNextAvailableRetriesOnCollision(t *testing.T) {
	f := NewFactory(0)
	taken := map[uint32]bool{0: true, 1: true}
	v, ok := f.NextAvailable(5, func(t uint32) bool { return taken[t] })
	assert.True(t, ok)
	assert.EqualValues(t, 2, v)
}

func TestNextAvailableGivesUp(t *testing.T) {
	f := NewFactory(0)
	_, ok := f.NextAvailable(3, func(uint32) bool { return true })
	assert.False(t, ok)
}
