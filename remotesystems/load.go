package remotesystems

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pathforge/castore"
)

// LoadTracker accounts for in-flight remote builds on one machine by
// writing one slot file per build under currentLoadDir/<hostname>/<id>,
// mirroring the original distributed build hook's slot-file scheme so
// concurrent coordinators agree on how busy a remote machine is without
// talking to each other directly.
type LoadTracker struct {
	dir string
}

// NewLoadTracker returns a tracker rooted at currentLoadDir/hostname,
// creating it if absent.
func NewLoadTracker(currentLoadDir, hostname string) (*LoadTracker, error) {
	dir := filepath.Join(currentLoadDir, hostname)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, castore.SysError("remotesystems: creating load directory", err)
	}
	return &LoadTracker{dir: dir}, nil
}

// Slot is one claimed build slot; Release frees it.
type Slot struct {
	path string
}

// Acquire claims a new slot, writing a uniquely named file so CurrentLoad
// on any coordinator sharing currentLoadDir sees the updated count.
func (t *LoadTracker) Acquire() (*Slot, error) {
	path := filepath.Join(t.dir, uuid.NewString())
	if err := os.WriteFile(path, nil, 0644); err != nil {
		return nil, castore.SysError("remotesystems: claiming build slot", err)
	}
	return &Slot{path: path}, nil
}

// Release frees the slot.
func (s *Slot) Release() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return castore.SysError("remotesystems: releasing build slot", err)
	}
	return nil
}

// CurrentLoad returns the number of slot files currently claimed.
func (t *LoadTracker) CurrentLoad() (int, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, castore.SysError("remotesystems: reading load directory", err)
	}
	return len(entries), nil
}
