package closure

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pathforge/castore"
	"github.com/pathforge/castore/metastore"
)

func openTestStore(t *testing.T) *metastore.MetaStore {
	t.Helper()
	m, err := metastore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func register(t *testing.T, m *metastore.MetaStore, path castore.StorePath, refs ...castore.StorePath) {
	t.Helper()
	txn, err := m.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.RegisterValidPath(path, "sha256:0", refs, ""); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestComputeFSClosureWalksTransitiveReferences(t *testing.T) {
	m := openTestStore(t)

	register(t, m, "/store/aaa-leaf")
	register(t, m, "/store/bbb-mid", "/store/aaa-leaf")
	register(t, m, "/store/ccc-top", "/store/bbb-mid")

	got, err := ComputeFSClosure(m, []castore.StorePath{"/store/ccc-top"}, false, false)
	if err != nil {
		t.Fatal(err)
	}

	want := map[castore.StorePath]bool{
		"/store/ccc-top": true,
		"/store/bbb-mid": true,
		"/store/aaa-leaf": true,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d paths in closure, got %d: %v", len(want), len(got), got)
	}
	for _, p := range got {
		if !want[p] {
			t.Errorf("unexpected path in closure: %s", p)
		}
	}
}

func TestComputeFSClosureFollowsDeriverWhenRequested(t *testing.T) {
	m := openTestStore(t)

	register(t, m, "/store/aaa-drv")
	txn, err := m.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.RegisterValidPath("/store/bbb-out", "sha256:0", nil, "/store/aaa-drv"); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	without, err := ComputeFSClosure(m, []castore.StorePath{"/store/bbb-out"}, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(without) != 1 {
		t.Fatalf("expected deriver excluded by default, got %v", without)
	}

	with, err := ComputeFSClosure(m, []castore.StorePath{"/store/bbb-out"}, false, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(with) != 2 {
		t.Fatalf("expected deriver included when requested, got %v", with)
	}
}

func TestFilterReferencesFindsOnlyHashesPresentInContent(t *testing.T) {
	dir := t.TempDir()
	present := castore.StorePath("/store/0123456789abcdfghijklmnpqrsvwxy-used")
	absent := castore.StorePath("/store/zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz-unused")

	if err := os.WriteFile(filepath.Join(dir, "data"), []byte("refers to 0123456789abcdfghijklmnpqrsvwxy somewhere"), 0644); err != nil {
		t.Fatal(err)
	}

	found, err := FilterReferences(dir, []castore.StorePath{present, absent})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0] != present {
		t.Fatalf("expected only %s to be found, got %v", present, found)
	}
}

func TestFilterReferencesSkipsScanWhenNoScanMarkerPresent(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "nix-support"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nix-support", "no-scan"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	candidates := []castore.StorePath{"/store/aaa-x", "/store/bbb-y"}
	got, err := FilterReferences(dir, candidates)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(candidates) {
		t.Fatalf("expected no-scan marker to bypass filtering entirely, got %v", got)
	}
}
