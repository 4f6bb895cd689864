package fsstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvandijck/longtail/pkg/blockstore"
	"github.com/tvandijck/longtail/pkg/blockstore/block"
	"github.com/tvandijck/longtail/pkg/blockstore/content"
	"github.com/tvandijck/longtail/pkg/blockstore/jobrunner"
	"github.com/tvandijck/longtail/pkg/blockstore/storage"
)

func newTestStore(t *testing.T, provider storage.Provider) *Store {
	t.Helper()
	return New(Config{
		Provider:          provider,
		JobRunner:         jobrunner.NewRunner(4),
		HashIdentifier:    1,
		MaxBlockSize:      65536,
		MaxChunksPerBlock: 1024,
		Extension:         ".lrb",
	})
}

func oneChunkBlock(hash block.BlockHash, chunkHash block.ChunkHash, data string) *block.StoredBlock {
	idx := &block.BlockIndex{
		BlockHash:      hash,
		HashIdentifier: 1,
		ChunkHashes:    []block.ChunkHash{chunkHash},
		ChunkSizes:     []uint32{uint32(len(data))},
	}
	return block.NewStoredBlock(idx, []byte(data))
}

func putSync(t *testing.T, s *Store, sb *block.StoredBlock) error {
	t.Helper()
	var putErr error
	dispatchErr := s.PutStoredBlock(sb, func(err error) { putErr = err })
	require.NoError(t, dispatchErr)
	return putErr
}

func getSync(t *testing.T, s *Store, hash block.BlockHash) (*block.StoredBlock, error) {
	t.Helper()
	var (
		got    *block.StoredBlock
		getErr error
	)
	dispatchErr := s.GetStoredBlock(hash, func(sb *block.StoredBlock, err error) {
		got, getErr = sb, err
	})
	require.NoError(t, dispatchErr)
	return got, getErr
}

// property 1 / Scenario A — round-trip over FS.
func TestStore_PutGetRoundTrip(t *testing.T) {
	provider := storage.NewMemProvider()
	s := newTestStore(t, provider)

	sb := oneChunkBlock(0xABCDEF0123456789, 1, "abcdefg")
	require.NoError(t, putSync(t, s, sb))

	assert.True(t, provider.IsFile("chunks/abcd/0xabcdef0123456789.lrb"))

	got, err := getSync(t, s, 0xABCDEF0123456789)
	require.NoError(t, err)
	defer got.Release()
	assert.Equal(t, []byte("abcdefg"), got.Data)
}

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t, storage.NewMemProvider())
	called := false
	err := s.GetStoredBlock(0xDEAD, func(*block.StoredBlock, error) { called = true })
	require.Error(t, err)
	assert.Equal(t, blockstore.NotFound, blockstore.KindOf(err))
	assert.False(t, called, "a synchronous NotFound never schedules the completion")
}

// property 2: at-most-once concurrent Put per hash.
func TestStore_ConcurrentPutSameHashWritesOnce(t *testing.T) {
	counting := &writeCountingProvider{Provider: storage.NewMemProvider()}
	s := newTestStore(t, counting)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			sb := oneChunkBlock(0x1111, 1, "same-payload")
			errs[i] = putSync(t, s, sb)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), counting.writes.Load())
}

// Scenario F — corrupt filename skipped.
func TestStore_ScanSkipsCorruptFilename(t *testing.T) {
	provider := storage.NewMemProvider()
	s := newTestStore(t, provider)

	good := oneChunkBlock(0x1111111111111111, 1, "good")
	require.NoError(t, putSync(t, s, good))

	corrupt := &block.BlockIndex{
		BlockHash:      0xBEEF000000000000,
		HashIdentifier: 1,
		ChunkHashes:    []block.ChunkHash{2},
		ChunkSizes:     []uint32{4},
	}
	corruptSB := block.NewStoredBlock(corrupt, []byte("evil"))
	encoded, err := corruptSB.Bytes()
	require.NoError(t, err)
	require.NoError(t, provider.WriteFile("chunks/0000/0xdead000000000000.lrb", encoded))

	ci, err := s.scanBlocks(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ci.BlockCount())
	assert.Equal(t, block.BlockHash(0x1111111111111111), ci.BlockHashes[0])
}

// property 7 — scan reconstructs index after discarding in-memory state.
func TestStore_ScanReconstructsIndexAfterRestart(t *testing.T) {
	provider := storage.NewMemProvider()
	s := newTestStore(t, provider)

	for i := 0; i < 3; i++ {
		sb := oneChunkBlock(block.BlockHash(0x100+i), block.ChunkHash(i), "payload")
		require.NoError(t, putSync(t, s, sb))
	}
	require.NoError(t, s.Close())
	// Drop the persisted index too, so the fresh store has to scan chunks/.
	require.NoError(t, provider.RemoveFile(indexFileName))

	fresh := newTestStore(t, provider)
	fullRequest, err := content.CreateFromBlocks(1, 65536, 1024, []*block.BlockIndex{
		{BlockHash: 0x100, HashIdentifier: 1, ChunkHashes: []block.ChunkHash{0}, ChunkSizes: []uint32{7}},
		{BlockHash: 0x101, HashIdentifier: 1, ChunkHashes: []block.ChunkHash{1}, ChunkSizes: []uint32{7}},
		{BlockHash: 0x102, HashIdentifier: 1, ChunkHashes: []block.ChunkHash{2}, ChunkSizes: []uint32{7}},
	})
	require.NoError(t, err)

	var retargeted *content.Index
	require.NoError(t, fresh.RetargetContent(fullRequest, func(ci *content.Index, err error) {
		require.NoError(t, err)
		retargeted = ci
	}))
	assert.Equal(t, 3, retargeted.BlockCount(), "a fresh store must reconstruct the same block set via scan")
}

func TestStore_FlushPersistsIndex(t *testing.T) {
	provider := storage.NewMemProvider()
	s := newTestStore(t, provider)

	sb := oneChunkBlock(0x42, 1, "x")
	require.NoError(t, putSync(t, s, sb))

	var flushErr error
	require.NoError(t, s.Flush(func(err error) { flushErr = err }))
	require.NoError(t, flushErr)

	assert.True(t, provider.IsFile(indexFileName))
}

type writeCountingProvider struct {
	storage.Provider
	writes atomic.Int32
}

func (p *writeCountingProvider) WriteFile(path string, data []byte) error {
	p.writes.Add(1)
	return p.Provider.WriteFile(path, data)
}
