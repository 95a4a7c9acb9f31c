// Package gcroots tracks the GC roots that keep a store path alive:
// temporary roots, one file per live process under stateDir/gcroots/tmp,
// and permanent roots, symlinks anywhere under stateDir/gcroots pointing
// at a store path.
package gcroots

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/pathforge/castore"
)

// Manager locates and maintains the gcroots directory tree under one
// stateDir.
type Manager struct {
	rootsDir string
}

// NewManager returns a Manager rooted at stateDir/gcroots, creating the
// tmp subdirectory if absent.
func NewManager(stateDir string) (*Manager, error) {
	rootsDir := filepath.Join(stateDir, "gcroots")
	if err := os.MkdirAll(filepath.Join(rootsDir, "tmp"), 0755); err != nil {
		return nil, castore.SysError("gcroots: creating gcroots directory", err)
	}
	return &Manager{rootsDir: rootsDir}, nil
}

// AddTempRoot registers path as alive for the lifetime of the current
// process, writing stateDir/gcroots/tmp/<pid>. Overwrites any previous
// temp root this process held.
func (m *Manager) AddTempRoot(path castore.StorePath) error {
	name := filepath.Join(m.rootsDir, "tmp", strconv.Itoa(os.Getpid()))
	if err := os.WriteFile(name, []byte(path), 0644); err != nil {
		return castore.SysError("gcroots: writing temp root", err)
	}
	return nil
}

// RemoveTempRoot drops this process's temp root, if any.
func (m *Manager) RemoveTempRoot() error {
	name := filepath.Join(m.rootsDir, "tmp", strconv.Itoa(os.Getpid()))
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return castore.SysError("gcroots: removing temp root", err)
	}
	return nil
}

// AddPermanentRoot creates a symlink at name (relative to stateDir/gcroots)
// pointing at path, so that path remains live across process restarts
// until the symlink is removed.
func (m *Manager) AddPermanentRoot(name string, path castore.StorePath) error {
	link := filepath.Join(m.rootsDir, name)
	if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
		return castore.SysError("gcroots: creating root directory", err)
	}
	os.Remove(link)
	if err := os.Symlink(string(path), link); err != nil {
		return castore.SysError("gcroots: creating permanent root "+name, err)
	}
	return nil
}

// RemovePermanentRoot removes the named permanent root symlink.
func (m *Manager) RemovePermanentRoot(name string) error {
	link := filepath.Join(m.rootsDir, name)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return castore.SysError("gcroots: removing permanent root "+name, err)
	}
	return nil
}

// Roots returns every store path currently pinned by a temp or permanent
// root. A temp root file whose PID no longer corresponds to a live process
// is treated as a stale root left by a crashed process and skipped.
func (m *Manager) Roots() ([]castore.StorePath, error) {
	var roots []castore.StorePath

	tmpDir := filepath.Join(m.rootsDir, "tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return nil, castore.SysError("gcroots: reading temp roots", err)
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if !processAlive(pid) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(tmpDir, e.Name()))
		if err != nil {
			continue
		}
		roots = append(roots, castore.StorePath(content))
	}

	err = filepath.Walk(m.rootsDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == tmpDir {
			return filepath.SkipDir
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(p)
		if err != nil {
			return nil
		}
		roots = append(roots, castore.StorePath(target))
		return nil
	})
	if err != nil {
		return nil, castore.SysError("gcroots: walking permanent roots", err)
	}

	return roots, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
