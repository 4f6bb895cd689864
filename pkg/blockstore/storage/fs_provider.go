package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"github.com/tvandijck/longtail/internal/logger"
)

// FSProvider is a Provider backed by the local filesystem, grounded on the
// teacher's pkg/payload/store/fs/store.go: writes land via a temp file
// followed by an atomic rename, and LockFile is backed by an OS-level
// advisory lock (github.com/gofrs/flock) with bounded retry/backoff.
type FSProvider struct {
	basePath string
	dirMode  os.FileMode
	fileMode os.FileMode
}

// FSProviderConfig configures an FSProvider.
type FSProviderConfig struct {
	BasePath string
	DirMode  os.FileMode
	FileMode os.FileMode
}

// DefaultFSProviderConfig returns sane defaults.
func DefaultFSProviderConfig(basePath string) FSProviderConfig {
	return FSProviderConfig{BasePath: basePath, DirMode: 0o755, FileMode: 0o644}
}

// NewFSProvider creates an FSProvider rooted at cfg.BasePath, creating the
// directory if it does not already exist.
func NewFSProvider(cfg FSProviderConfig) (*FSProvider, error) {
	if cfg.DirMode == 0 {
		cfg.DirMode = 0o755
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	if err := os.MkdirAll(cfg.BasePath, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("create base path %q: %w", cfg.BasePath, err)
	}
	return &FSProvider{basePath: cfg.BasePath, dirMode: cfg.DirMode, fileMode: cfg.FileMode}, nil
}

func (p *FSProvider) abs(path string) string {
	return filepath.Join(p.basePath, filepath.FromSlash(path))
}

func (p *FSProvider) OpenRead(path string) (io.ReadCloser, error) {
	f, err := os.Open(p.abs(path))
	if err != nil {
		return nil, wrapNotExist(path, err)
	}
	return f, nil
}

func (p *FSProvider) GetSize(path string) (int64, error) {
	info, err := os.Stat(p.abs(path))
	if err != nil {
		return 0, wrapNotExist(path, err)
	}
	return info.Size(), nil
}

func (p *FSProvider) ReadAt(path string, offset int64, length int) ([]byte, error) {
	f, err := os.Open(p.abs(path))
	if err != nil {
		return nil, wrapNotExist(path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: read at %d: %w", path, offset, err)
	}
	return buf[:n], nil
}

// WriteFile writes data atomically: to a temp file in the same directory,
// then renamed into place. A rename that fails because the destination
// already exists is tolerated: a concurrent writer won, and the write is
// treated as successful.
func (p *FSProvider) WriteFile(path string, data []byte) error {
	full := p.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), p.dirMode); err != nil {
		return fmt.Errorf("create parent dir for %q: %w", path, err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, p.fileMode); err != nil {
		return fmt.Errorf("write temp file for %q: %w", path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		if _, statErr := os.Stat(full); statErr == nil {
			_ = os.Remove(tmp)
			logger.Debug("rename collision tolerated, destination already present", "path", path)
			return nil
		}
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file into %q: %w", path, err)
	}
	return nil
}

func (p *FSProvider) IsDir(path string) bool {
	info, err := os.Stat(p.abs(path))
	return err == nil && info.IsDir()
}

func (p *FSProvider) IsFile(path string) bool {
	info, err := os.Stat(p.abs(path))
	return err == nil && !info.IsDir()
}

func (p *FSProvider) CreateDir(path string) error {
	if err := os.MkdirAll(p.abs(path), p.dirMode); err != nil {
		return fmt.Errorf("create dir %q: %w", path, err)
	}
	return nil
}

func (p *FSProvider) RemoveDir(path string) error {
	if err := os.RemoveAll(p.abs(path)); err != nil {
		return fmt.Errorf("remove dir %q: %w", path, err)
	}
	return nil
}

func (p *FSProvider) RemoveFile(path string) error {
	if err := os.Remove(p.abs(path)); err != nil {
		return wrapNotExist(path, err)
	}
	return nil
}

func (p *FSProvider) Rename(oldPath, newPath string) error {
	full := p.abs(newPath)
	if err := os.MkdirAll(filepath.Dir(full), p.dirMode); err != nil {
		return fmt.Errorf("create parent dir for %q: %w", newPath, err)
	}
	if err := os.Rename(p.abs(oldPath), full); err != nil {
		return fmt.Errorf("rename %q to %q: %w", oldPath, newPath, err)
	}
	return nil
}

func (p *FSProvider) StartFind(path string) (FindIterator, error) {
	root := p.abs(path)
	var entries []EntryProperties
	err := filepath.WalkDir(root, func(walkPath string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if walkPath == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, walkPath)
		if relErr != nil {
			return relErr
		}
		info, infoErr := d.Info()
		var size int64
		if infoErr == nil {
			size = info.Size()
		}
		entries = append(entries, EntryProperties{
			Name:  filepath.ToSlash(rel),
			IsDir: d.IsDir(),
			Size:  size,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &fsFindIterator{entries: entries, idx: -1}, nil
}

// LockFile acquires an OS-level advisory lock on path using gofrs/flock,
// retrying with backoff up to a bounded number of attempts before failing
// with AccessDenied.
func (p *FSProvider) LockFile(path string) (Lock, error) {
	full := p.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), p.dirMode); err != nil {
		return nil, fmt.Errorf("create parent dir for lock %q: %w", path, err)
	}
	fl := flock.New(full)

	const maxAttempts = 50
	const backoff = 20 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock %q: %w", path, err)
		}
		if locked {
			return &fsLock{fl: fl}, nil
		}
		time.Sleep(backoff)
	}
	return nil, fmt.Errorf("lock %q: %w", path, errLockHeld)
}

type fsLock struct{ fl *flock.Flock }

func (l *fsLock) Unlock() error { return l.fl.Unlock() }

type fsFindIterator struct {
	entries []EntryProperties
	idx     int
}

func (it *fsFindIterator) Next() bool {
	it.idx++
	return it.idx < len(it.entries)
}

func (it *fsFindIterator) Entry() EntryProperties { return it.entries[it.idx] }
func (it *fsFindIterator) Close() error           { return nil }

func wrapNotExist(path string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", path, errNotExist)
	}
	return fmt.Errorf("%s: %w", path, err)
}
