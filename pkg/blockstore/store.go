package blockstore

import (
	"sync/atomic"

	"github.com/tvandijck/longtail/pkg/blockstore/block"
	"github.com/tvandijck/longtail/pkg/blockstore/content"
)

// PutDone is invoked exactly once when PutStoredBlock's durable placement
// (or fast-path dedup) is known.
type PutDone func(err error)

// GetDone is invoked exactly once with the fetched block. On success
// ownership of the block transfers to the callee, which must call its
// Dispose exactly once.
type GetDone func(b *block.StoredBlock, err error)

// RetargetDone is invoked exactly once with a content index owned by the
// callee.
type RetargetDone func(ci *content.Index, err error)

// FlushDone is invoked exactly once when all previously accepted async work
// has drained.
type FlushDone func(err error)

// CancelToken is consulted cooperatively by long-running work; it carries
// no cancellation logic of its own.
type CancelToken interface {
	IsCancelled() bool
}

// Store is the uniform asynchronous contract every tier of the block
// storage subsystem implements. All six operations return quickly; any
// long-running work completes via the supplied completion, invoked exactly
// once. A non-nil synchronous return means the completion was never
// scheduled.
type Store interface {
	// PutStoredBlock accepts ownership of b and durably places it,
	// deduplicating by block hash. done fires after placement (or
	// immediately on fast-path dedup).
	PutStoredBlock(b *block.StoredBlock, done PutDone) error

	// GetStoredBlock fetches the block with the given hash. done fires with
	// the block (ownership transferred to the callee) or an error. A store
	// may instead report NotFound as the synchronous return, in which case
	// done is never called.
	GetStoredBlock(hash block.BlockHash, done GetDone) error

	// PreflightGet hints that the blocks covering ci will soon be fetched.
	// Synchronous only; there is no completion.
	PreflightGet(ci *content.Index) error

	// RetargetContent rewrites requested in terms of the blocks known to
	// this store. done fires with the restricted index.
	RetargetContent(requested *content.Index, done RetargetDone) error

	// GetStats takes a synchronous snapshot of this store's counters.
	GetStats() Stats

	// Flush resolves once every previously accepted async request has
	// completed.
	Flush(done FlushDone) error
}

// Stat identifies one monotonically increasing counter in Stats.
type Stat int

const (
	GetStoredBlockCount Stat = iota
	GetStoredBlockRetryCount
	GetStoredBlockFailCount
	GetStoredBlockChunkCount
	GetStoredBlockByteCount

	PutStoredBlockCount
	PutStoredBlockRetryCount
	PutStoredBlockFailCount
	PutStoredBlockChunkCount
	PutStoredBlockByteCount

	RetargetContentCount
	RetargetContentRetryCount
	RetargetContentFailCount

	PreflightGetCount
	PreflightGetRetryCount
	PreflightGetFailCount

	FlushCount
	FlushFailCount

	GetStatsCount

	statCount // sentinel, not a real counter
)

// Counters holds the live, mutable set of atomic statistics a Store updates
// as operations execute.
type Counters struct {
	values [statCount]atomic.Int64
}

// Add atomically adds delta to the named counter.
func (c *Counters) Add(s Stat, delta int64) {
	c.values[s].Add(delta)
}

// Snapshot takes an eventually-consistent copy of all counters.
func (c *Counters) Snapshot() Stats {
	var out Stats
	for i := range c.values {
		out[Stat(i)] = c.values[i].Load()
	}
	return out
}

// Stats is a point-in-time, read-only snapshot of a store's counters.
type Stats [statCount]int64

// Get returns the value of the named counter in this snapshot.
func (s Stats) Get(stat Stat) int64 { return s[stat] }
