package storage

import (
	"errors"

	"github.com/tvandijck/longtail/pkg/blockstore"
)

var (
	errNotExist = errors.New("does not exist")
	errExist    = errors.New("already exists")
	errLockHeld = blockstore.New("LockFile", blockstore.AccessDenied, errors.New("lock already held"))
)

// IsNotExist reports whether err indicates a missing file or directory.
func IsNotExist(err error) bool {
	return errors.Is(err, errNotExist)
}

// IsExist reports whether err indicates a path already exists.
func IsExist(err error) bool {
	return errors.Is(err, errExist)
}
