// Package store implements the two ways store paths come into existence
// without a builder ever running: importing a source file or directory
// verbatim, and depositing a literal string with a declared reference set.
// Both compute their destination path from a content hash by way of
// pathname.MakeStorePath, materialize the bytes under it, and register the
// result in the metadata store, mirroring how a DerivationGoal registers a
// builder's outputs once it has verified them.
package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/pathforge/castore"
	"github.com/pathforge/castore/metastore"
	"github.com/pathforge/castore/nar"
	"github.com/pathforge/castore/pathlock"
	"github.com/pathforge/castore/pathname"
)

// AddToStore imports the file or directory tree at srcPath into the store
// rooted at storeDir, named by the NAR hash of its content, and registers it
// with no references and no deriver. It is idempotent: calling it twice with
// the same content and the same base name yields the same StorePath, and the
// second call hashes the source again but copies nothing once the path is
// already valid.
func AddToStore(db *metastore.MetaStore, locker pathlock.Locker, cfg castore.Config, srcPath string) (castore.StorePath, error) {
	h, err := nar.HashPath(srcPath)
	if err != nil {
		return "", castore.SysError("store: hashing "+srcPath, err)
	}

	name := filepath.Base(srcPath)
	dst := castore.StorePath(pathname.MakeStorePath(cfg.StoreDir, "source", hex(h), name))

	valid, err := db.IsValidPath(dst)
	if err != nil {
		return "", err
	}
	if valid {
		return dst, nil
	}

	lockKey := []string{string(dst)}
	if err := locker.Acquire(context.Background(), lockKey); err != nil {
		return "", castore.SysError("store: locking "+string(dst), err)
	}
	defer locker.Release(lockKey)

	valid, err = db.IsValidPath(dst)
	if err != nil {
		return "", err
	}
	if valid {
		return dst, nil
	}

	if err := materialize(srcPath, string(dst)); err != nil {
		return "", err
	}

	h2, err := nar.HashPath(string(dst))
	if err != nil {
		return "", castore.SysError("store: hashing materialized "+string(dst), err)
	}
	if h2 != h {
		return "", castore.BuildError(dst, castore.UsageError("contents of "+srcPath+" changed while copying it into the store", nil))
	}

	txn, err := db.Begin()
	if err != nil {
		return "", err
	}
	defer txn.Rollback()
	if err := txn.RegisterValidPath(dst, "sha256:"+hex(h2), nil, ""); err != nil {
		return "", err
	}
	return dst, txn.Commit()
}

// AddTextToStore deposits the literal string s under a store path named from
// suffix and the raw hash of s itself (not the NAR hash of the file it ends
// up in), recording references as the path's outgoing references. This lets
// a derivation's textual inputs (e.g. a generated builder script) be named
// independently of where they're materialized, while still closing over
// whatever store paths they mention.
func AddTextToStore(db *metastore.MetaStore, locker pathlock.Locker, cfg castore.Config, suffix, s string, references []castore.StorePath) (castore.StorePath, error) {
	h := pathname.HashString(s)
	dst := castore.StorePath(pathname.MakeStorePath(cfg.StoreDir, "text", hex(h), suffix))

	valid, err := db.IsValidPath(dst)
	if err != nil {
		return "", err
	}
	if valid {
		return dst, nil
	}

	lockKey := []string{string(dst)}
	if err := locker.Acquire(context.Background(), lockKey); err != nil {
		return "", castore.SysError("store: locking "+string(dst), err)
	}
	defer locker.Release(lockKey)

	valid, err = db.IsValidPath(dst)
	if err != nil {
		return "", err
	}
	if valid {
		return dst, nil
	}

	if err := os.RemoveAll(string(dst)); err != nil {
		return "", castore.SysError("store: clearing "+string(dst), err)
	}
	if err := os.WriteFile(string(dst), []byte(s), 0444); err != nil {
		return "", castore.SysError("store: writing "+string(dst), err)
	}
	if err := nar.Canonicalise(string(dst)); err != nil {
		return "", err
	}

	contentHash, err := nar.HashPath(string(dst))
	if err != nil {
		return "", castore.SysError("store: hashing "+string(dst), err)
	}

	txn, err := db.Begin()
	if err != nil {
		return "", err
	}
	defer txn.Rollback()
	if err := txn.RegisterValidPath(dst, "sha256:"+hex(contentHash), references, ""); err != nil {
		return "", err
	}
	return dst, txn.Commit()
}

// materialize copies src into dst by dumping it to a NAR stream and
// restoring that stream under dst, then canonicalising the result, so the
// same codec that hashes store paths also moves their bytes around.
func materialize(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return castore.SysError("store: clearing "+dst, err)
	}

	var buf bytes.Buffer
	if err := nar.Dump(src, &buf); err != nil {
		return castore.SysError("store: dumping "+src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return castore.SysError("store: creating store directory", err)
	}
	if err := nar.Restore(&buf, dst); err != nil {
		return castore.SysError("store: restoring into "+dst, err)
	}
	return nar.Canonicalise(dst)
}

func hex(h [32]byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, 64)
	for _, b := range h {
		out = append(out, digits[b>>4], digits[b&0xf])
	}
	return string(out)
}
