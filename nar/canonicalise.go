package nar

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Canonicalise implements canonicalisePathMetaData: it forces every non-symlink
// entry under path to permissions 0444 (0555 if owner-executable in source),
// clears ownership discrepancies against the current process uid/gid, and zeroes
// the modification time, so that content hashes are deterministic across
// filesystems and users. It recurses into directories.
func Canonicalise(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("nar: lstat %s: %w", path, err)
	}

	if info.Mode()&os.ModeSymlink == 0 {
		mode := info.Mode().Perm()
		executable := info.Mode()&0100 != 0
		want := os.FileMode(0444)
		if executable {
			want = 0555
		}
		if mode != want {
			if err := os.Chmod(path, want); err != nil {
				return fmt.Errorf("nar: chmod %s to %o: %w", path, want, err)
			}
		}
		canonicaliseOwnership(path)
		if !info.ModTime().Equal(time.Unix(0, 0)) {
			epoch := time.Unix(0, 0)
			if err := os.Chtimes(path, epoch, epoch); err != nil {
				return fmt.Errorf("nar: chtimes %s: %w", path, err)
			}
		}
	}

	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("nar: readdir %s: %w", path, err)
		}
		for _, e := range entries {
			if err := Canonicalise(filepath.Join(path, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// HashPath computes the SHA-256 digest of Dump(path)'s canonical byte stream.
func HashPath(path string) ([32]byte, error) {
	var buf bytes.Buffer
	if err := Dump(path, &buf); err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(buf.Bytes()), nil
}
