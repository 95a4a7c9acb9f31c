package nar

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDumpRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "script.sh"), []byte("#!/bin/sh\necho hi\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hello.txt", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Dump(src, &buf); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}

	dst := t.TempDir() + "/restored"
	if err := Restore(&buf, dst); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "hello.txt"))
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("content mismatch: got %q", got)
	}

	info, err := os.Stat(filepath.Join(dst, "sub", "script.sh"))
	if err != nil {
		t.Fatalf("stat restored script: %v", err)
	}
	if info.Mode()&0111 == 0 {
		t.Error("expected executable bit preserved across dump/restore")
	}

	target, err := os.Readlink(filepath.Join(dst, "link"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "hello.txt" {
		t.Errorf("symlink target mismatch: got %q", target)
	}
}

func TestDumpIsDeterministicAcrossDirectoryOrder(t *testing.T) {
	// Create the same files in two trees, in different orders; Dump must
	// serialize both sorted by name.
	src := t.TempDir()
	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(src, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	src2 := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(src2, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}

	var buf1, buf2 bytes.Buffer
	if err := Dump(src, &buf1); err != nil {
		t.Fatal(err)
	}
	if err := Dump(src2, &buf2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf1.Bytes(), buf2.Bytes()) {
		t.Fatal("dumps of the same files created in different orders should be byte-identical")
	}
}

func TestCanonicaliseForcesModeAndMtime(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(f, []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	if err := Canonicalise(dir); err != nil {
		t.Fatalf("Canonicalise failed: %v", err)
	}

	info, err := os.Stat(f)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0444 {
		t.Errorf("expected mode 0444 for non-executable file, got %o", info.Mode().Perm())
	}
	if !info.ModTime().Equal(time.Unix(0, 0)) {
		t.Errorf("expected mtime zeroed to epoch, got %v", info.ModTime())
	}
}

func TestHashPathIsDeterministic(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a"), []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	h1, err := HashPath(src)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashPath(src)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("HashPath should be deterministic for an unchanged tree")
	}
}
