package blockstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters_AddAndSnapshot(t *testing.T) {
	var c Counters
	c.Add(GetStoredBlockCount, 1)
	c.Add(GetStoredBlockCount, 2)
	c.Add(PutStoredBlockByteCount, 100)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.Get(GetStoredBlockCount))
	assert.Equal(t, int64(100), snap.Get(PutStoredBlockByteCount))
	assert.Equal(t, int64(0), snap.Get(FlushCount))
}

func TestCounters_ConcurrentAdd(t *testing.T) {
	var c Counters
	var wg sync.WaitGroup
	const goroutines = 50
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			c.Add(PutStoredBlockCount, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(goroutines), c.Snapshot().Get(PutStoredBlockCount))
}

func TestStats_Get(t *testing.T) {
	var c Counters
	c.Add(FlushFailCount, 5)
	snap := c.Snapshot()
	assert.Equal(t, int64(5), snap.Get(FlushFailCount))
}
