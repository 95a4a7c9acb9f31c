// Package blobstore archives a realised store path's content tree and
// writes it to one store folder, or, when replication is configured,
// erasure-codes it across several mirrored folders for durability. Archive
// reads a store path that is already materialized on disk, and Retrieve
// restores an archived tree to a destination the caller chooses; the
// package does not itself write a path at its store location.
package blobstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pathforge/castore"
	"github.com/pathforge/castore/blobstore/erasure"
	"github.com/pathforge/castore/nar"
)

// Store writes and reads the archived ("nar") form of a store path's
// content tree, either to a single folder or, when configured with more
// than one ReplicationFolder, as erasure-coded shards spread one per
// folder.
type Store struct {
	storeDir string
	mirrors  []string
	coder    *erasure.Coder
}

// Open builds a Store from cfg. A non-replicated Store (the default)
// writes the full archive directly under storeDir; a replicated Store
// additionally requires at least 2 ReplicationFolders, splitting the archive
// into one data shard per folder beyond the first plus a single parity
// shard, so that any one folder can be lost.
func Open(cfg castore.Config) (*Store, error) {
	s := &Store{storeDir: cfg.StoreDir, mirrors: cfg.ReplicationFolders}
	if !cfg.IsReplicated() {
		return s, nil
	}

	dataShards := len(cfg.ReplicationFolders) - 1
	coder, err := erasure.New(dataShards, 1)
	if err != nil {
		return nil, castore.SysError("blobstore: building erasure coder", err)
	}
	s.coder = coder
	return s, nil
}

// IsReplicated reports whether this Store erasure-codes across mirrors.
func (s *Store) IsReplicated() bool {
	return s.coder != nil
}

// Archive dumps the on-disk tree at path (already materialized at its real
// location by a builder or substituter) into blob storage (a single archive
// file, or erasure-coded shards when replicated), keyed by path's basename,
// for disaster recovery.
func (s *Store) Archive(path castore.StorePath) error {
	var buf bytes.Buffer
	if err := nar.Dump(string(path), &buf); err != nil {
		return castore.SysError("blobstore: archiving "+string(path), err)
	}
	data := buf.Bytes()

	if s.coder == nil {
		return s.writeSingle(path, data)
	}
	return s.writeReplicated(path, data)
}

// Retrieve reconstructs the archived form of path from blob storage and
// restores it to dest.
func (s *Store) Retrieve(path castore.StorePath, dest string) error {
	var data []byte
	var err error
	if s.coder == nil {
		data, err = s.readSingle(path)
	} else {
		data, err = s.readReplicated(path)
	}
	if err != nil {
		return err
	}
	if err := nar.Restore(bytes.NewReader(data), dest); err != nil {
		return castore.SysError("blobstore: restoring "+string(path), err)
	}
	return nil
}

func (s *Store) writeSingle(path castore.StorePath, data []byte) error {
	fn := s.archivePath(s.storeDir, path)
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return castore.SysError("blobstore: creating archive directory", err)
	}
	if err := os.WriteFile(fn, data, 0644); err != nil {
		return castore.SysError("blobstore: writing archive "+fn, err)
	}
	return nil
}

func (s *Store) readSingle(path castore.StorePath) ([]byte, error) {
	fn := s.archivePath(s.storeDir, path)
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, castore.SysError("blobstore: reading archive "+fn, err)
	}
	return data, nil
}

func (s *Store) writeReplicated(path castore.StorePath, data []byte) error {
	shards, err := s.coder.Encode(data)
	if err != nil {
		return castore.SysError("blobstore: erasure-encoding "+string(path), err)
	}

	for i, mirror := range s.mirrors {
		meta := s.coder.ShardMetadata(len(data), shards, i)
		shard := append(append([]byte{}, meta...), shards[i]...)

		fn := s.shardPath(mirror, path, i)
		if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
			return castore.SysError("blobstore: creating shard directory", err)
		}
		if err := os.WriteFile(fn, shard, 0644); err != nil {
			return castore.SysError("blobstore: writing shard "+fn, err)
		}
	}
	return nil
}

func (s *Store) readReplicated(path castore.StorePath) ([]byte, error) {
	shards := make([][]byte, len(s.mirrors))
	metas := make([][]byte, len(s.mirrors))
	var lastErr error

	for i, mirror := range s.mirrors {
		fn := s.shardPath(mirror, path, i)
		raw, err := os.ReadFile(fn)
		if err != nil {
			lastErr = err
			continue
		}
		metas[i] = raw[:erasure.MetaDataSize]
		shards[i] = raw[erasure.MetaDataSize:]
	}

	if allNil(shards) {
		if lastErr != nil {
			return nil, castore.SysError("blobstore: no shards readable for "+string(path), lastErr)
		}
		return nil, castore.SysError("blobstore: no shards readable for "+string(path), nil)
	}

	result := s.coder.Decode(shards, metas)
	if result.Err != nil {
		return nil, castore.SysError("blobstore: decoding "+string(path), result.Err)
	}
	return result.Data, nil
}

func allNil(shards [][]byte) bool {
	for _, s := range shards {
		if s != nil {
			return false
		}
	}
	return true
}

func (s *Store) archivePath(base string, path castore.StorePath) string {
	return filepath.Join(base, ".archives", filepath.Base(string(path))+".nar")
}

func (s *Store) shardPath(mirror string, path castore.StorePath, index int) string {
	return filepath.Join(mirror, ".archives", fmt.Sprintf("%s.nar.%d", filepath.Base(string(path)), index))
}
