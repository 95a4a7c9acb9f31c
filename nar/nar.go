// Package nar implements a minimal, faithful version of Nix's archive
// format: a canonical byte-stream serialization of a file tree used both to
// move store paths around and as the input to content hashing. The real NAR
// codec is an external collaborator per the store engine's scope (bzip2
// compression and the full wire grammar are not reimplemented here); this
// package provides just enough of it — Dump, Restore, and metadata
// canonicalization — for the store engine's own hashing and closure-scanning
// needs.
package nar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

const (
	tagRegular   = 'f'
	tagDirectory = 'd'
	tagSymlink   = 'l'
)

// Dump writes a canonical serialization of the file tree rooted at root to w.
// The serialization is: a one-byte type tag, then:
//   - regular file: one byte (1 if executable, else 0), then the content
//     length-prefixed as a little-endian uint64 followed by the raw bytes.
//   - symlink: the target, length-prefixed the same way.
//   - directory: a little-endian uint32 entry count, then for each entry
//     (sorted by name so the stream is independent of directory order) a
//     length-prefixed name followed by the recursive Dump of that entry.
func Dump(root string, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if err := dump(root, bw); err != nil {
		return err
	}
	return bw.Flush()
}

func dump(path string, w *bufio.Writer) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("nar: lstat %s: %w", path, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("nar: readlink %s: %w", path, err)
		}
		if err := w.WriteByte(tagSymlink); err != nil {
			return err
		}
		return writeLengthPrefixed(w, []byte(target))

	case info.IsDir():
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("nar: readdir %s: %w", path, err)
		}
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		sort.Strings(names)

		if err := w.WriteByte(tagDirectory); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(names))); err != nil {
			return err
		}
		for _, name := range names {
			if err := writeLengthPrefixed(w, []byte(name)); err != nil {
				return err
			}
			if err := dump(filepath.Join(path, name), w); err != nil {
				return err
			}
		}
		return nil

	default:
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("nar: open %s: %w", path, err)
		}
		defer f.Close()

		if err := w.WriteByte(tagRegular); err != nil {
			return err
		}
		executable := byte(0)
		if info.Mode()&0111 != 0 {
			executable = 1
		}
		if err := w.WriteByte(executable); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(info.Size())); err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		return err
	}
}

func writeLengthPrefixed(w *bufio.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// Restore reconstructs a file tree at dest from a stream previously produced by Dump.
func Restore(r io.Reader, dest string) error {
	br := bufio.NewReader(r)
	return restore(br, dest)
}

func restore(r *bufio.Reader, path string) error {
	tag, err := r.ReadByte()
	if err != nil {
		return err
	}
	switch tag {
	case tagSymlink:
		target, err := readLengthPrefixed(r)
		if err != nil {
			return err
		}
		return os.Symlink(string(target), path)

	case tagDirectory:
		if err := os.MkdirAll(path, 0755); err != nil {
			return err
		}
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			name, err := readLengthPrefixed(r)
			if err != nil {
				return err
			}
			if err := restore(r, filepath.Join(path, string(name))); err != nil {
				return err
			}
		}
		return nil

	case tagRegular:
		executable, err := r.ReadByte()
		if err != nil {
			return err
		}
		var size uint64
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return err
		}
		mode := os.FileMode(0444)
		if executable != 0 {
			mode = 0555
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.CopyN(f, r, int64(size))
		return err

	default:
		return fmt.Errorf("nar: unknown tag %q in archive", tag)
	}
}

func readLengthPrefixed(r *bufio.Reader) ([]byte, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}
