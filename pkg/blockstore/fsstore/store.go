// Package fsstore implements FSBlockStore: a filesystem-backed BlockStore
// maintaining an on-disk content index with crash-safe updates, in-memory
// block-state tracking, and lazy index reconstruction by scanning the
// block directory. Grounded on the original lib/fsblockstore and the
// teacher's pkg/payload/store/fs/store.go.
package fsstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tvandijck/longtail/internal/logger"
	"github.com/tvandijck/longtail/pkg/blockstore"
	"github.com/tvandijck/longtail/pkg/blockstore/block"
	"github.com/tvandijck/longtail/pkg/blockstore/content"
	"github.com/tvandijck/longtail/pkg/blockstore/jobrunner"
	"github.com/tvandijck/longtail/pkg/blockstore/storage"
)

type blockState int

const (
	blockWriting blockState = iota
	blockPresent
)

// DefaultExtension is the block-file extension used when Config.Extension
// is empty.
const DefaultExtension = ".lrb"

const (
	indexFileName    = "store.lci"
	indexLockName    = "store.lci.sync"
	chunksDir        = "chunks"
	getBackoffPeriod = 2 * time.Millisecond
)

// Config configures a Store.
type Config struct {
	Provider          storage.Provider
	JobRunner         *jobrunner.Runner
	HashIdentifier    block.HashIdentifier
	MaxBlockSize      uint32
	MaxChunksPerBlock uint32
	Extension         string
}

// Store is a filesystem-backed blockstore.Store.
type Store struct {
	provider  storage.Provider
	jobs      *jobrunner.Runner
	hashID    block.HashIdentifier
	maxBlock  uint32
	maxChunks uint32
	ext       string
	uniqueTag string

	mu           sync.Mutex
	stateMap     map[block.BlockHash]blockState
	contentIndex *content.Index
	pendingAdded []*block.BlockIndex

	counters blockstore.Counters
}

var _ blockstore.Store = (*Store)(nil)

// New constructs an FSBlockStore over cfg.Provider.
func New(cfg Config) *Store {
	ext := cfg.Extension
	if ext == "" {
		ext = DefaultExtension
	}
	jobs := cfg.JobRunner
	if jobs == nil {
		jobs = jobrunner.NewRunner(8)
	}
	tag := strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	return &Store{
		provider:  cfg.Provider,
		jobs:      jobs,
		hashID:    cfg.HashIdentifier,
		maxBlock:  cfg.MaxBlockSize,
		maxChunks: cfg.MaxChunksPerBlock,
		ext:       ext,
		uniqueTag: tag,
		stateMap:  make(map[block.BlockHash]blockState),
	}
}

func (s *Store) indexPath() string { return indexFileName }
func (s *Store) lockPath() string  { return indexLockName }

// blockStem returns the 23-byte "HHHH/0xBBBBBBBBBBBBBBBB" stem for hash,
// where HHHH is the top 16 bits of the hash in lowercase hex.
func blockStem(hash block.BlockHash) string {
	top16 := uint16(uint64(hash) >> 48)
	return fmt.Sprintf("%04x/0x%016x", top16, uint64(hash))
}

func (s *Store) blockPath(hash block.BlockHash) string {
	return fmt.Sprintf("%s/%s%s", chunksDir, blockStem(hash), s.ext)
}

func (s *Store) tempBlockPath(hash block.BlockHash) string {
	return fmt.Sprintf("%s/%s.%s", chunksDir, blockStem(hash), s.uniqueTag)
}

// PutStoredBlock implements blockstore.Store.
func (s *Store) PutStoredBlock(sb *block.StoredBlock, done blockstore.PutDone) error {
	if sb == nil || sb.Index == nil {
		return blockstore.New("PutStoredBlock", blockstore.InvalidArgument, nil)
	}
	if err := sb.Index.Validate(int64(len(sb.Data))); err != nil {
		return blockstore.New("PutStoredBlock", blockstore.InvalidArgument, err)
	}

	full, err := sb.Bytes()
	if err != nil {
		return blockstore.New("PutStoredBlock", blockstore.MalformedData, err)
	}

	s.counters.Add(blockstore.PutStoredBlockCount, 1)
	s.counters.Add(blockstore.PutStoredBlockChunkCount, int64(sb.Index.ChunkCount()))
	s.counters.Add(blockstore.PutStoredBlockByteCount, int64(len(full)))

	hash := sb.Index.BlockHash

	s.mu.Lock()
	if _, already := s.stateMap[hash]; already {
		s.mu.Unlock()
		done(nil)
		return nil
	}
	s.stateMap[hash] = blockWriting
	s.mu.Unlock()

	if err := s.writeBlockFile(hash, full); err != nil {
		s.mu.Lock()
		delete(s.stateMap, hash)
		s.mu.Unlock()
		s.counters.Add(blockstore.PutStoredBlockFailCount, 1)
		done(blockstore.New("PutStoredBlock", blockstore.IO, err))
		return nil
	}

	pending := sb.Index.Clone()
	s.mu.Lock()
	s.pendingAdded = append(s.pendingAdded, pending)
	s.stateMap[hash] = blockPresent
	s.mu.Unlock()

	done(nil)
	return nil
}

// writeBlockFile writes data for hash, skipping the write entirely if the
// final path already exists (the in-memory index was stale), and
// tolerating a rename collision against a concurrent writer.
func (s *Store) writeBlockFile(hash block.BlockHash, data []byte) error {
	final := s.blockPath(hash)
	if s.provider.IsFile(final) {
		return nil
	}
	tmp := s.tempBlockPath(hash)
	if err := s.provider.WriteFile(tmp, data); err != nil {
		return fmt.Errorf("write temp block file: %w", err)
	}
	if err := s.provider.Rename(tmp, final); err != nil {
		if s.provider.IsFile(final) {
			logger.Debug("block rename collision tolerated", "path", final)
			return nil
		}
		return fmt.Errorf("rename block file into place: %w", err)
	}
	return nil
}

// GetStoredBlock implements blockstore.Store.
func (s *Store) GetStoredBlock(hash block.BlockHash, done blockstore.GetDone) error {
	s.counters.Add(blockstore.GetStoredBlockCount, 1)

	path := s.blockPath(hash)
	for {
		s.mu.Lock()
		state, known := s.stateMap[hash]
		if !known {
			if s.provider.IsFile(path) {
				s.stateMap[hash] = blockPresent
				state = blockPresent
				known = true
			}
		}
		s.mu.Unlock()

		if !known {
			return blockstore.New("GetStoredBlock", blockstore.NotFound, nil)
		}
		if state == blockPresent {
			break
		}
		s.counters.Add(blockstore.GetStoredBlockRetryCount, 1)
		time.Sleep(getBackoffPeriod)
	}

	sb, err := s.readBlockFile(path)
	if err != nil {
		s.counters.Add(blockstore.GetStoredBlockFailCount, 1)
		done(nil, blockstore.New("GetStoredBlock", blockstore.IO, err))
		return nil
	}

	s.counters.Add(blockstore.GetStoredBlockChunkCount, int64(sb.Index.ChunkCount()))
	s.counters.Add(blockstore.GetStoredBlockByteCount, int64(len(sb.Data)))
	done(sb, nil)
	return nil
}

func (s *Store) readBlockFile(path string) (*block.StoredBlock, error) {
	r, err := s.provider.OpenRead(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return block.ReadStoredBlockFrom(r)
}

// PreflightGet implements blockstore.Store. It is advisory-only for an
// FS-backed store: there is no remote latency to hide, so this is a no-op
// beyond bookkeeping.
func (s *Store) PreflightGet(ci *content.Index) error {
	s.counters.Add(blockstore.PreflightGetCount, 1)
	return nil
}

// RetargetContent implements blockstore.Store.
func (s *Store) RetargetContent(requested *content.Index, done blockstore.RetargetDone) error {
	s.counters.Add(blockstore.RetargetContentCount, 1)

	if err := s.ensureHydrated(context.Background(), nil); err != nil {
		s.counters.Add(blockstore.RetargetContentFailCount, 1)
		done(nil, blockstore.New("RetargetContent", blockstore.IO, err))
		return nil
	}

	s.mu.Lock()
	effective := s.contentIndex
	pending := s.pendingAdded
	s.mu.Unlock()

	if len(pending) > 0 {
		pendingIdx, err := content.CreateFromBlocks(s.hashID, s.maxBlock, s.maxChunks, pending)
		if err != nil {
			s.counters.Add(blockstore.RetargetContentFailCount, 1)
			done(nil, blockstore.New("RetargetContent", blockstore.InvalidArgument, err))
			return nil
		}
		merged, err := content.Add(effective, pendingIdx)
		if err != nil {
			s.counters.Add(blockstore.RetargetContentFailCount, 1)
			done(nil, blockstore.New("RetargetContent", blockstore.HashIdentifierMismatch, err))
			return nil
		}
		effective = merged
	}

	retargeted, err := content.Retarget(effective, requested)
	if err != nil {
		s.counters.Add(blockstore.RetargetContentFailCount, 1)
		done(nil, blockstore.New("RetargetContent", blockstore.HashIdentifierMismatch, err))
		return nil
	}

	owned, err := content.RoundTrip(retargeted)
	if err != nil {
		s.counters.Add(blockstore.RetargetContentFailCount, 1)
		done(nil, blockstore.New("RetargetContent", blockstore.MalformedData, err))
		return nil
	}
	done(owned, nil)
	return nil
}

// GetStats implements blockstore.Store.
func (s *Store) GetStats() blockstore.Stats {
	s.counters.Add(blockstore.GetStatsCount, 1)
	return s.counters.Snapshot()
}

// Flush implements blockstore.Store: applies pending-added blocks to the
// in-memory index and rewrites store.lci atomically.
func (s *Store) Flush(done blockstore.FlushDone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pendingAdded) > 0 {
		var updated *content.Index
		var err error
		if s.contentIndex == nil {
			updated, err = content.CreateFromBlocks(s.hashID, s.maxBlock, s.maxChunks, s.pendingAdded)
		} else {
			var pendingIdx *content.Index
			pendingIdx, err = content.CreateFromBlocks(s.hashID, s.maxBlock, s.maxChunks, s.pendingAdded)
			if err == nil {
				updated, err = content.Add(s.contentIndex, pendingIdx)
			}
		}
		if err != nil {
			s.counters.Add(blockstore.FlushFailCount, 1)
			if done != nil {
				done(blockstore.New("Flush", blockstore.InvalidArgument, err))
			}
			return nil
		}
		s.contentIndex = updated
		s.pendingAdded = nil
	}

	if s.contentIndex == nil {
		s.counters.Add(blockstore.FlushCount, 1)
		if done != nil {
			done(nil)
		}
		return nil
	}

	if err := s.writeIndexLocked(); err != nil {
		s.counters.Add(blockstore.FlushFailCount, 1)
		if done != nil {
			done(blockstore.New("Flush", blockstore.IO, err))
		}
		return nil
	}

	s.counters.Add(blockstore.FlushCount, 1)
	if done != nil {
		done(nil)
	}
	return nil
}

// writeIndexLocked serializes the current content index to store.lci via
// the advisory store.lci.sync lock. Callers must hold s.mu.
func (s *Store) writeIndexLocked() error {
	lock, err := s.provider.LockFile(s.lockPath())
	if err != nil {
		return fmt.Errorf("acquire index lock: %w", err)
	}
	defer lock.Unlock()

	buf, err := s.contentIndex.Bytes()
	if err != nil {
		return fmt.Errorf("serialize content index: %w", err)
	}

	tmp := indexFileName + "." + s.uniqueTag
	if err := s.provider.WriteFile(tmp, buf); err != nil {
		return fmt.Errorf("write temp index file: %w", err)
	}
	if s.provider.IsFile(indexFileName) {
		_ = s.provider.RemoveFile(indexFileName)
	}
	if err := s.provider.Rename(tmp, indexFileName); err != nil {
		_ = s.provider.RemoveFile(tmp)
		return fmt.Errorf("rename index file into place: %w", err)
	}
	return nil
}

// Close flushes any pending state, mirroring destruction's implicit Flush,
// and returns the error the flush completion reported.
func (s *Store) Close() error {
	var flushErr error
	_ = s.Flush(func(err error) { flushErr = err })
	return flushErr
}
