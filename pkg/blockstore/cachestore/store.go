// Package cachestore implements CacheBlockStore: a two-tier composition
// over a fast local store and an authoritative remote store. Writes fan
// out to both tiers with independent completion; reads prefer local,
// falling back to remote and writing back on miss. Grounded on the
// original lib/cacheblockstore/longtail_cacheblockstore.c.
package cachestore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tvandijck/longtail/internal/logger"
	"github.com/tvandijck/longtail/pkg/blockstore"
	"github.com/tvandijck/longtail/pkg/blockstore/block"
	"github.com/tvandijck/longtail/pkg/blockstore/content"
)

// Store is a two-tier blockstore.Store: local is a fast, best-effort
// cache; remote is the authoritative tier.
type Store struct {
	local  blockstore.Store
	remote blockstore.Store

	pending atomic.Int64

	mu      sync.Mutex
	waiters []blockstore.FlushDone

	counters blockstore.Counters
}

var _ blockstore.Store = (*Store)(nil)

// New constructs a CacheBlockStore over the given local (fast, best
// effort) and remote (authoritative) tiers.
func New(local, remote blockstore.Store) *Store {
	return &Store{local: local, remote: remote}
}

// begin marks one unit of dispatched async work as outstanding.
func (s *Store) begin() { s.pending.Add(1) }

// end marks one unit of dispatched async work as complete, waking any
// flush waiters once the count drains to zero.
func (s *Store) end() {
	if s.pending.Add(-1) == 0 {
		s.mu.Lock()
		waiters := s.waiters
		s.waiters = nil
		s.mu.Unlock()
		for _, w := range waiters {
			w(nil)
		}
	}
}

// Flush implements blockstore.Store: it resolves once every request
// dispatched before the call has drained.
func (s *Store) Flush(done blockstore.FlushDone) error {
	s.mu.Lock()
	if s.pending.Load() > 0 {
		s.waiters = append(s.waiters, done)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	done(nil)
	return nil
}

// Close polls PendingRequestCount to zero before returning, mirroring
// destruction's drain-then-release discipline.
func (s *Store) Close() {
	for s.pending.Load() > 0 {
		time.Sleep(time.Millisecond)
	}
}

// GetStats implements blockstore.Store.
func (s *Store) GetStats() blockstore.Stats {
	s.counters.Add(blockstore.GetStatsCount, 1)
	return s.counters.Snapshot()
}

type putToken struct {
	mu        sync.Mutex
	pending   int
	remoteErr error
}

// PutStoredBlock implements blockstore.Store, fanning out to both tiers.
// The remote tier is authoritative: its error (if any) is delivered to the
// caller. The local tier is a best-effort cache: its failures are logged
// and counted but never surfaced.
func (s *Store) PutStoredBlock(b *block.StoredBlock, done blockstore.PutDone) error {
	s.counters.Add(blockstore.PutStoredBlockCount, 1)

	tok := &putToken{pending: 2}

	remoteDone := func(err error) {
		defer s.end()
		tok.mu.Lock()
		tok.remoteErr = err
		tok.pending--
		fire := tok.pending == 0
		final := tok.remoteErr
		tok.mu.Unlock()
		if fire {
			done(final)
		}
	}
	localDone := func(err error) {
		defer s.end()
		if err != nil {
			logger.Warn("cache local put degraded", "error", err)
		}
		tok.mu.Lock()
		tok.pending--
		fire := tok.pending == 0
		final := tok.remoteErr
		tok.mu.Unlock()
		if fire {
			done(final)
		}
	}

	s.begin()
	if err := s.remote.PutStoredBlock(b, remoteDone); err != nil {
		s.end()
		s.counters.Add(blockstore.PutStoredBlockFailCount, 1)
		return blockstore.New("PutStoredBlock", blockstore.KindOf(err), err)
	}

	s.begin()
	if err := s.local.PutStoredBlock(b, localDone); err != nil {
		localDone(err)
	}
	return nil
}

// GetStoredBlock implements blockstore.Store: try local first, falling
// back to remote on a miss (NotFound/AccessDenied) and writing the result
// back into local.
func (s *Store) GetStoredBlock(hash block.BlockHash, done blockstore.GetDone) error {
	s.counters.Add(blockstore.GetStoredBlockCount, 1)

	var localDone blockstore.GetDone
	localDone = func(b *block.StoredBlock, err error) {
		defer s.end()
		if err == nil {
			done(b, nil)
			return
		}
		kind := blockstore.KindOf(err)
		if kind == blockstore.NotFound || kind == blockstore.AccessDenied {
			s.dispatchRemoteGet(hash, done)
			return
		}
		s.counters.Add(blockstore.GetStoredBlockFailCount, 1)
		done(nil, err)
	}

	s.begin()
	if err := s.local.GetStoredBlock(hash, localDone); err != nil {
		localDone(nil, err)
	}
	return nil
}

func (s *Store) dispatchRemoteGet(hash block.BlockHash, done blockstore.GetDone) {
	var remoteDone blockstore.GetDone
	remoteDone = func(rb *block.StoredBlock, err error) {
		defer s.end()
		if err != nil {
			s.counters.Add(blockstore.GetStoredBlockFailCount, 1)
			done(nil, err)
			return
		}
		wrapper := newCachedStoredBlock(rb, 2)
		done(wrapper, nil)

		writebackDone := func(putErr error) {
			defer s.end()
			if putErr != nil {
				logger.Warn("cache writeback degraded", "error", putErr)
			}
			wrapper.Release()
		}
		s.begin()
		if putErr := s.local.PutStoredBlock(wrapper, writebackDone); putErr != nil {
			writebackDone(putErr)
		}
	}

	s.begin()
	if err := s.remote.GetStoredBlock(hash, remoteDone); err != nil {
		remoteDone(nil, err)
	}
}

// RetargetContent implements blockstore.Store as a two-step pipeline: ask
// local what it already covers, then ask remote only for what's missing,
// and deliver the union.
func (s *Store) RetargetContent(requested *content.Index, done blockstore.RetargetDone) error {
	s.counters.Add(blockstore.RetargetContentCount, 1)

	var localDone blockstore.RetargetDone
	localDone = func(localRetargeted *content.Index, err error) {
		defer s.end()
		if err != nil {
			s.counters.Add(blockstore.RetargetContentFailCount, 1)
			done(nil, err)
			return
		}
		missing, err := content.GetMissing(requested.HashIdentifier, localRetargeted, requested)
		if err != nil {
			s.counters.Add(blockstore.RetargetContentFailCount, 1)
			done(nil, blockstore.New("RetargetContent", blockstore.HashIdentifierMismatch, err))
			return
		}
		if missing.BlockCount() == 0 {
			done(localRetargeted, nil)
			return
		}
		s.dispatchRemoteRetarget(localRetargeted, missing, done)
	}

	s.begin()
	if err := s.local.RetargetContent(requested, localDone); err != nil {
		localDone(nil, err)
	}
	return nil
}

func (s *Store) dispatchRemoteRetarget(localRetargeted, missing *content.Index, done blockstore.RetargetDone) {
	var remoteDone blockstore.RetargetDone
	remoteDone = func(remoteRetargeted *content.Index, err error) {
		defer s.end()
		if err != nil {
			s.counters.Add(blockstore.RetargetContentFailCount, 1)
			done(nil, err)
			return
		}
		combined, err := content.Add(localRetargeted, remoteRetargeted)
		if err != nil {
			s.counters.Add(blockstore.RetargetContentFailCount, 1)
			done(nil, blockstore.New("RetargetContent", blockstore.HashIdentifierMismatch, err))
			return
		}
		done(combined, nil)
	}

	s.begin()
	if err := s.remote.RetargetContent(missing, remoteDone); err != nil {
		remoteDone(nil, err)
	}
}

// PreflightGet implements blockstore.Store: retarget the request against
// local, hint local with that local-retargeted index, then hint remote
// with only what local doesn't already cover.
func (s *Store) PreflightGet(requested *content.Index) error {
	s.counters.Add(blockstore.PreflightGetCount, 1)

	var localDone blockstore.RetargetDone
	localDone = func(localRetargeted *content.Index, err error) {
		defer s.end()
		if err != nil {
			s.counters.Add(blockstore.PreflightGetFailCount, 1)
			logger.Warn("cache preflight local retarget failed", "error", err)
			return
		}
		if preErr := s.local.PreflightGet(localRetargeted); preErr != nil {
			logger.Warn("cache preflight local hint failed", "error", preErr)
		}
		missing, err := content.GetMissing(requested.HashIdentifier, localRetargeted, requested)
		if err != nil {
			s.counters.Add(blockstore.PreflightGetFailCount, 1)
			return
		}
		if missing.BlockCount() == 0 {
			return
		}
		if preErr := s.remote.PreflightGet(missing); preErr != nil {
			logger.Warn("cache preflight remote hint failed", "error", preErr)
		}
	}

	s.begin()
	if err := s.local.RetargetContent(requested, localDone); err != nil {
		localDone(nil, err)
	}
	return nil
}
