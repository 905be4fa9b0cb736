//go:build !unix

package cache

import (
	"errors"
	"os"
)

// fileLock falls back to exclusive creation of the lock file. Unlike flock,
// the file outlives a crashed process and has to be removed by hand.
type fileLock struct {
	path string
}

func tryLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, err
	}
	f.Close()
	return &fileLock{path: path}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
