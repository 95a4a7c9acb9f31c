package blobstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pathforge/castore"
)

func writeSampleTree(t *testing.T, root string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "bin", "hello"), []byte("#!/bin/sh\necho hi\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "README"), []byte("hello from castore"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveRetrieveRoundTripSingleFolder(t *testing.T) {
	storeDir := t.TempDir()
	path := castore.StorePath(filepath.Join(storeDir, "aaa-hello"))
	writeSampleTree(t, string(path))

	store, err := Open(castore.Config{StoreDir: storeDir})
	if err != nil {
		t.Fatal(err)
	}
	if store.IsReplicated() {
		t.Fatal("single-folder store should not report replicated")
	}

	if err := store.Archive(path); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "restored")
	if err := store.Retrieve(path, dest); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "README"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello from castore" {
		t.Fatalf("unexpected restored content: %q", got)
	}
}

func TestArchiveRetrieveRoundTripReplicated(t *testing.T) {
	storeDir := t.TempDir()
	path := castore.StorePath(filepath.Join(storeDir, "aaa-hello"))
	writeSampleTree(t, string(path))

	mirrors := []string{t.TempDir(), t.TempDir(), t.TempDir()}
	store, err := Open(castore.Config{StoreDir: storeDir, ReplicationFolders: mirrors})
	if err != nil {
		t.Fatal(err)
	}
	if !store.IsReplicated() {
		t.Fatal("multi-folder store should report replicated")
	}

	if err := store.Archive(path); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "restored")
	if err := store.Retrieve(path, dest); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "README"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello from castore" {
		t.Fatalf("unexpected restored content: %q", got)
	}
}

func TestRetrieveSurvivesOneMissingMirror(t *testing.T) {
	storeDir := t.TempDir()
	path := castore.StorePath(filepath.Join(storeDir, "aaa-hello"))
	writeSampleTree(t, string(path))

	mirrors := []string{t.TempDir(), t.TempDir(), t.TempDir()}
	store, err := Open(castore.Config{StoreDir: storeDir, ReplicationFolders: mirrors})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Archive(path); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	shardFile := store.shardPath(mirrors[1], path, 1)
	if err := os.Remove(shardFile); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "restored")
	if err := store.Retrieve(path, dest); err != nil {
		t.Fatalf("Retrieve with one missing mirror: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "README"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello from castore" {
		t.Fatalf("unexpected restored content: %q", got)
	}
}
