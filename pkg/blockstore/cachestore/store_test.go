package cachestore

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvandijck/longtail/pkg/blockstore"
	"github.com/tvandijck/longtail/pkg/blockstore/block"
	"github.com/tvandijck/longtail/pkg/blockstore/content"
)

// fakeStore is a minimal, directly-controllable blockstore.Store used to
// pin down CacheBlockStore's fan-out/fallback/error-propagation behavior
// independent of any one tier's own implementation.
type fakeStore struct {
	mu     sync.Mutex
	blocks map[block.BlockHash]*block.StoredBlock

	putDelay time.Duration

	putDispatchErr error
	getDispatchErr error
	getAsyncErr    bool

	putCalls      atomic.Int32
	getCalls      atomic.Int32
	retargetCalls atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocks: make(map[block.BlockHash]*block.StoredBlock)}
}

func (f *fakeStore) put(sb *block.StoredBlock) {
	f.mu.Lock()
	f.blocks[sb.Index.BlockHash] = sb.Clone()
	f.mu.Unlock()
}

func (f *fakeStore) PutStoredBlock(sb *block.StoredBlock, done blockstore.PutDone) error {
	f.putCalls.Add(1)
	if f.putDispatchErr != nil {
		return f.putDispatchErr
	}
	dispatch := func() {
		f.put(sb)
		done(nil)
	}
	if f.putDelay > 0 {
		go func() {
			time.Sleep(f.putDelay)
			dispatch()
		}()
		return nil
	}
	dispatch()
	return nil
}

func (f *fakeStore) GetStoredBlock(hash block.BlockHash, done blockstore.GetDone) error {
	f.getCalls.Add(1)
	if f.getDispatchErr != nil {
		if f.getAsyncErr {
			done(nil, f.getDispatchErr)
			return nil
		}
		return f.getDispatchErr
	}
	f.mu.Lock()
	sb, ok := f.blocks[hash]
	f.mu.Unlock()
	if !ok {
		err := blockstore.New("GetStoredBlock", blockstore.NotFound, nil)
		if f.getAsyncErr {
			done(nil, err)
			return nil
		}
		return err
	}
	done(sb.Clone(), nil)
	return nil
}

func (f *fakeStore) PreflightGet(ci *content.Index) error { return nil }

func (f *fakeStore) RetargetContent(requested *content.Index, done blockstore.RetargetDone) error {
	f.retargetCalls.Add(1)
	f.mu.Lock()
	blocks := make([]*block.BlockIndex, 0, len(f.blocks))
	for _, sb := range f.blocks {
		blocks = append(blocks, sb.Index)
	}
	f.mu.Unlock()
	effective, err := content.CreateFromBlocks(requested.HashIdentifier, requested.MaxBlockSize, requested.MaxChunksPerBlock, blocks)
	if err != nil {
		done(nil, err)
		return nil
	}
	out, err := content.Retarget(effective, requested)
	done(out, err)
	return nil
}

func (f *fakeStore) GetStats() blockstore.Stats             { return blockstore.Stats{} }
func (f *fakeStore) Flush(done blockstore.FlushDone) error { done(nil); return nil }

func oneChunkBlock(hash block.BlockHash, chunkHash block.ChunkHash, data string) *block.StoredBlock {
	idx := &block.BlockIndex{
		BlockHash:      hash,
		HashIdentifier: 1,
		ChunkHashes:    []block.ChunkHash{chunkHash},
		ChunkSizes:     []uint32{uint32(len(data))},
	}
	return block.NewStoredBlock(idx, []byte(data))
}

func TestCache_PutFansOutToBothTiers(t *testing.T) {
	local, remote := newFakeStore(), newFakeStore()
	c := New(local, remote)

	var putErr error
	var calls int32
	require.NoError(t, c.PutStoredBlock(oneChunkBlock(0x1, 1, "x"), func(err error) {
		atomic.AddInt32(&calls, 1)
		putErr = err
	}))

	require.NoError(t, putErr)
	assert.Equal(t, int32(1), calls, "completion must fire exactly once")
	assert.Equal(t, int32(1), local.putCalls.Load())
	assert.Equal(t, int32(1), remote.putCalls.Load())
}

// property 2 / degrade policy: a failed local put never fails the overall put.
func TestCache_PutSurvivesLocalDispatchFailure(t *testing.T) {
	local, remote := newFakeStore(), newFakeStore()
	local.putDispatchErr = blockstore.New("PutStoredBlock", blockstore.IO, nil)
	c := New(local, remote)

	var putErr error
	require.NoError(t, c.PutStoredBlock(oneChunkBlock(0x1, 1, "x"), func(err error) {
		putErr = err
	}))
	assert.NoError(t, putErr)
	assert.Equal(t, int32(1), remote.putCalls.Load())
}

// property 10: a remote dispatch failure is reported synchronously and the
// completion is never invoked for that call.
func TestCache_PutFailsSynchronouslyOnRemoteDispatchFailure(t *testing.T) {
	local, remote := newFakeStore(), newFakeStore()
	remote.putDispatchErr = blockstore.New("PutStoredBlock", blockstore.IO, nil)
	c := New(local, remote)

	doneCalled := false
	err := c.PutStoredBlock(oneChunkBlock(0x1, 1, "x"), func(error) { doneCalled = true })

	require.Error(t, err)
	assert.False(t, doneCalled)
	assert.Equal(t, int32(0), local.putCalls.Load(), "local must not be dispatched when remote fails synchronously")
}

func TestCache_GetPrefersLocalWithoutTouchingRemote(t *testing.T) {
	local, remote := newFakeStore(), newFakeStore()
	local.put(oneChunkBlock(0x1, 1, "cached"))
	c := New(local, remote)

	var got *block.StoredBlock
	var getErr error
	require.NoError(t, c.GetStoredBlock(0x1, func(sb *block.StoredBlock, err error) {
		got, getErr = sb, err
	}))
	require.NoError(t, getErr)
	assert.Equal(t, []byte("cached"), got.Data)
	assert.Equal(t, int32(0), remote.getCalls.Load())
}

// Scenario B — two-tier miss.
func TestCache_MissPopulatesLocal(t *testing.T) {
	local, remote := newFakeStore(), newFakeStore()
	remote.put(oneChunkBlock(0x1111111111111111, 1, "test"))
	c := New(local, remote)

	var got *block.StoredBlock
	var getErr error
	require.NoError(t, c.GetStoredBlock(0x1111111111111111, func(sb *block.StoredBlock, err error) {
		got, getErr = sb, err
	}))
	require.NoError(t, getErr)
	require.NotNil(t, got)
	assert.Equal(t, []byte("test"), got.Data)
	got.Release()

	var flushErr error
	require.NoError(t, c.Flush(func(err error) { flushErr = err }))
	require.NoError(t, flushErr)

	local.mu.Lock()
	cached, ok := local.blocks[0x1111111111111111]
	local.mu.Unlock()
	require.True(t, ok, "a cache miss must populate local")
	assert.Equal(t, []byte("test"), cached.Data)
}

// Scenario C — Flush fan-in over two slow tiers.
func TestCache_FlushWaitsForQuiescence(t *testing.T) {
	const delay = 100 * time.Millisecond
	local, remote := newFakeStore(), newFakeStore()
	local.putDelay = delay
	remote.putDelay = delay
	c := New(local, remote)

	var completed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		i := i
		go func() {
			defer wg.Done()
			require.NoError(t, c.PutStoredBlock(oneChunkBlock(block.BlockHash(i+1), block.ChunkHash(i+1), "x"), func(err error) {
				completed.Add(1)
			}))
		}()
	}
	wg.Wait()

	start := time.Now()
	var flushDone atomic.Bool
	var completedAtFlush int32
	require.NoError(t, c.Flush(func(err error) {
		completedAtFlush = completed.Load()
		flushDone.Store(true)
	}))

	for !flushDone.Load() {
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, delay-10*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 600*time.Millisecond)
	assert.Equal(t, int32(4), completedAtFlush, "all Put completions must fire before Flush's")
}

// Scenario E — retarget empty missing; no remote dispatch when local fully covers.
func TestCache_RetargetSkipsRemoteWhenFullyCovered(t *testing.T) {
	local, remote := newFakeStore(), newFakeStore()
	local.put(oneChunkBlock(0xA, 100, "x"))
	c := New(local, remote)

	requested := content.Empty(1, 65536, 1024)
	requested.ChunkHashes = []block.ChunkHash{100}
	requested.BlockHashes = []block.BlockHash{0xDEAD}
	requested.ChunkBlockIndexes = []uint32{0}

	var retErr error
	var out *content.Index
	require.NoError(t, c.RetargetContent(requested, func(ci *content.Index, err error) {
		out, retErr = ci, err
	}))
	require.NoError(t, retErr)
	require.NotNil(t, out)
	assert.Equal(t, int32(0), remote.retargetCalls.Load())
}

func TestCache_RetargetDispatchesRemoteForMissingBlocks(t *testing.T) {
	local, remote := newFakeStore(), newFakeStore()
	local.put(oneChunkBlock(0xA, 100, "x"))
	remote.put(oneChunkBlock(0xB, 200, "y"))
	c := New(local, remote)

	requested := content.Empty(1, 65536, 1024)
	requested.ChunkHashes = []block.ChunkHash{100, 200}
	requested.BlockHashes = []block.BlockHash{0xDEAD, 0xBEEF}
	requested.ChunkBlockIndexes = []uint32{0, 1}

	var retErr error
	var out *content.Index
	require.NoError(t, c.RetargetContent(requested, func(ci *content.Index, err error) {
		out, retErr = ci, err
	}))
	require.NoError(t, retErr)
	require.NotNil(t, out)
	assert.Equal(t, int32(1), remote.retargetCalls.Load())
	assert.ElementsMatch(t, []block.BlockHash{0xA, 0xB}, out.BlockHashes)
}

// property 10: the caller's completion fires exactly once on a Get failure.
func TestCache_GetFailurePropagatesExactlyOnce(t *testing.T) {
	local, remote := newFakeStore(), newFakeStore()
	local.getDispatchErr = blockstore.New("GetStoredBlock", blockstore.IO, nil)
	local.getAsyncErr = true
	c := New(local, remote)

	var calls int32
	var gotErr error
	require.NoError(t, c.GetStoredBlock(0x1, func(sb *block.StoredBlock, err error) {
		atomic.AddInt32(&calls, 1)
		gotErr = err
	}))

	assert.Equal(t, int32(1), calls)
	require.Error(t, gotErr)
	assert.Equal(t, blockstore.IO, blockstore.KindOf(gotErr))
	assert.Equal(t, int32(0), remote.getCalls.Load(), "a non-miss local error must not fall back to remote")
}

func TestCache_RefcountedWriteback_DisposeOnce(t *testing.T) {
	orig := oneChunkBlock(0x1, 1, "payload")
	released := false
	orig.Dispose = func() { released = true }

	wrapper := newCachedStoredBlock(orig, 2)
	wrapper.Release()
	assert.False(t, released, "orig must not be released until all refs drop")
	wrapper.Release()
	assert.True(t, released)
}
