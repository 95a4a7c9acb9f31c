package pathlock

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pathforge/castore"
)

// FileLocker implements Locker using one flock(2)'d file per path, rooted under
// a lock directory (conventionally Config.StateDir + "/locks"). It serializes
// concurrent builders/substituters on the same machine; for locking across
// machines sharing a store over a network filesystem, use a RedisLocker instead.
type FileLocker struct {
	dir string

	mu   sync.Mutex
	held map[string]*os.File
}

// NewFileLocker returns a FileLocker rooted at dir, creating dir if necessary.
func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, castore.SysError("pathlock: creating lock directory", err)
	}
	return &FileLocker{dir: dir, held: make(map[string]*os.File)}, nil
}

// Acquire locks every key in keys, sorted, all-or-nothing: if any lock cannot
// be obtained before ctx is done, every lock acquired so far in this call is
// released before returning.
func (l *FileLocker) Acquire(ctx context.Context, keys []string) error {
	sorted := SortKeys(keys)

	l.mu.Lock()
	defer l.mu.Unlock()

	acquired := make([]string, 0, len(sorted))
	for _, key := range sorted {
		if _, ok := l.held[key]; ok {
			continue
		}
		f, err := l.lockOne(ctx, key)
		if err != nil {
			for _, k := range acquired {
				l.unlockOneLocked(k)
			}
			return err
		}
		l.held[key] = f
		acquired = append(acquired, key)
	}
	return nil
}

func (l *FileLocker) lockOne(ctx context.Context, key string) (*os.File, error) {
	path := l.lockPath(key)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, castore.SysError("pathlock: opening lock file for "+key, err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, castore.SysError("pathlock: flock "+key, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, castore.SysError("pathlock: waiting for lock on "+key, ctx.Err())
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (l *FileLocker) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(l.dir, fmt.Sprintf("%x.lock", sum[:8]))
}

// Release drops the locks held for keys.
func (l *FileLocker) Release(keys []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		l.unlockOneLocked(key)
	}
	return nil
}

func (l *FileLocker) unlockOneLocked(key string) {
	f, ok := l.held[key]
	if !ok {
		return
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
	delete(l.held, key)
}

// Close releases every lock still held by this FileLocker.
func (l *FileLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.held {
		l.unlockOneLocked(key)
	}
	return nil
}
