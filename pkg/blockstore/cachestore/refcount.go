package cachestore

import (
	"sync/atomic"

	"github.com/tvandijck/longtail/pkg/blockstore/block"
)

// newCachedStoredBlock wraps orig in a refcounted StoredBlock whose
// Dispose decrements the shared count and forwards to orig's Dispose only
// when the count reaches zero. Created exclusively by CacheBlockStore when
// a single fetched remote block must be shared between "deliver to
// caller" and "write back into local".
func newCachedStoredBlock(orig *block.StoredBlock, refs int32) *block.StoredBlock {
	count := new(atomic.Int32)
	count.Store(refs)

	wrapper := &block.StoredBlock{
		Index: orig.Index,
		Data:  orig.Data,
	}
	wrapper.Dispose = func() {
		if count.Add(-1) == 0 {
			orig.Release()
		}
	}
	return wrapper
}
