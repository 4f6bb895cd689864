package fsstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tvandijck/longtail/internal/logger"
	"github.com/tvandijck/longtail/pkg/blockstore"
	"github.com/tvandijck/longtail/pkg/blockstore/block"
	"github.com/tvandijck/longtail/pkg/blockstore/content"
	"github.com/tvandijck/longtail/pkg/blockstore/jobrunner"
)

// ensureHydrated populates s.contentIndex if it is still nil: first by
// reading a persisted store.lci under the advisory file lock, falling
// back to a parallel scan of chunks/ when no persisted index exists. If
// another caller raced in and hydrated the index while this scan ran, the
// scanned contribution is merged rather than discarded.
func (s *Store) ensureHydrated(ctx context.Context, cancel blockstore.CancelToken) error {
	s.mu.Lock()
	if s.contentIndex != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	fromDisk, err := s.readPersistedIndex()
	if err != nil {
		return err
	}

	var scanned *content.Index
	if fromDisk == nil {
		scanned, err = s.scanBlocks(ctx, cancel)
		if err != nil {
			return err
		}
	}

	final := fromDisk
	if final == nil {
		final = scanned
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contentIndex == nil {
		s.contentIndex = final
	} else if scanned != nil {
		merged, mergeErr := content.Merge(s.contentIndex, scanned)
		if mergeErr != nil {
			return mergeErr
		}
		s.contentIndex = merged
	}
	for _, bh := range s.contentIndex.BlockHashes {
		if _, exists := s.stateMap[bh]; !exists {
			s.stateMap[bh] = blockPresent
		}
	}
	return nil
}

// readPersistedIndex reads store.lci under the advisory lock, returning
// nil (not an error) when no index file exists yet.
func (s *Store) readPersistedIndex() (*content.Index, error) {
	lock, err := s.provider.LockFile(s.lockPath())
	if err != nil {
		return nil, fmt.Errorf("acquire index lock for hydration: %w", err)
	}
	defer lock.Unlock()

	if !s.provider.IsFile(s.indexPath()) {
		return nil, nil
	}
	r, err := s.provider.OpenRead(s.indexPath())
	if err != nil {
		return nil, fmt.Errorf("open persisted index: %w", err)
	}
	defer r.Close()

	ci, err := content.ReadFrom(r)
	if err != nil {
		return nil, fmt.Errorf("parse persisted index: %w", err)
	}
	return ci, nil
}

// scanBlocks enumerates every file under chunks/, filters to names ending
// in the store's extension, and in parallel parses each as a BlockIndex,
// discarding (and counting, not failing on) any whose on-disk path does
// not match the path derived from its block hash.
func (s *Store) scanBlocks(ctx context.Context, cancel blockstore.CancelToken) (*content.Index, error) {
	it, err := s.provider.StartFind(chunksDir)
	if err != nil {
		return content.CreateFromBlocks(s.hashID, s.maxBlock, s.maxChunks, nil)
	}
	defer it.Close()

	var candidates []string
	for it.Next() {
		e := it.Entry()
		if e.IsDir {
			continue
		}
		if !strings.HasSuffix(e.Name, s.ext) {
			continue
		}
		candidates = append(candidates, chunksDir+"/"+e.Name)
	}

	var (
		mu       sync.Mutex
		accepted []*block.BlockIndex
	)

	group := s.jobs.ReserveJobs(ctx, len(candidates))
	jobs := make([]jobrunner.Job, 0, len(candidates))
	for _, path := range candidates {
		path := path
		jobs = append(jobs, func(ctx context.Context) error {
			bi, derivedPath, ok := s.parseCandidate(path)
			if !ok {
				return nil
			}
			if derivedPath != path {
				logger.Warn("scan discarded corrupt block file", "path", path, "expected_path", derivedPath)
				return nil
			}
			mu.Lock()
			accepted = append(accepted, bi)
			mu.Unlock()
			return nil
		})
	}
	group.CreateJobs(jobs)
	group.ReadyJobs()
	if err := group.WaitForAllJobs(cancel); err != nil {
		return nil, err
	}

	return content.CreateFromBlocks(s.hashID, s.maxBlock, s.maxChunks, accepted)
}

// parseCandidate parses path's block-index header and reports the path it
// ought to live at given its declared block hash.
func (s *Store) parseCandidate(path string) (bi *block.BlockIndex, derivedPath string, ok bool) {
	r, err := s.provider.OpenRead(path)
	if err != nil {
		logger.Debug("scan skipped unreadable block file", "path", path, "error", err)
		return nil, "", false
	}
	defer r.Close()

	parsed, err := block.ReadBlockIndexFrom(r)
	if err != nil {
		logger.Warn("scan skipped malformed block file", "path", path, "error", err)
		return nil, "", false
	}
	return parsed, s.blockPath(parsed.BlockHash), true
}
