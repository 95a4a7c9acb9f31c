package scheduler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pathforge/castore"
	"github.com/pathforge/castore/metastore"
	"github.com/pathforge/castore/pathlock"
)

func newTestSubstitutionWorker(t *testing.T) (*Worker, string) {
	t.Helper()
	storeDir := t.TempDir()
	stateDir := t.TempDir()

	store, err := metastore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	locker, err := pathlock.NewFileLocker(filepath.Join(stateDir, "locks"))
	if err != nil {
		t.Fatal(err)
	}

	cfg := castore.Config{StoreDir: storeDir, StateDir: stateDir, MaxBuildJobs: 1}
	return NewWorker(cfg, store, locker), storeDir
}

// writeFetchScript writes an executable substitute program that writes
// content into the basename of its argv[1] (the store path being fetched),
// in its current directory, matching what ExecProgram.Fetch expects.
func writeFetchScript(t *testing.T, dir, content string) string {
	t.Helper()
	script := filepath.Join(dir, "fetch.sh")
	body := "#!/bin/sh\necho -n '" + content + "' > \"$(basename \"$1\")\"\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	return script
}

func TestSubstitutionGoalFetchesAndRegistersPath(t *testing.T) {
	w, storeDir := newTestSubstitutionWorker(t)
	script := writeFetchScript(t, t.TempDir(), "fetched content")

	path := castore.StorePath(filepath.Join(storeDir, "eeeeeeee-fetched"))

	txn, err := w.Store.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.AddSubstitute(path, metastore.SubstituteRecord{Program: script}); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	goal := newSubstitutionGoal(w, path)
	w.AddTopGoal(goal)

	if err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !goal.IsDone() || !goal.Succeeded() {
		t.Fatalf("expected goal to finish successfully, err=%v", goal.Err())
	}

	got, err := os.ReadFile(string(path))
	if err != nil {
		t.Fatalf("reading fetched content: %v", err)
	}
	if string(got) != "fetched content" {
		t.Fatalf("expected fetched content %q, got %q", "fetched content", got)
	}

	valid, err := w.Store.IsValidPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatal("expected path to be registered as valid after substitution")
	}
}

func TestSubstitutionGoalFallsThroughToNextCandidateOnFailure(t *testing.T) {
	w, storeDir := newTestSubstitutionWorker(t)

	badScript := filepath.Join(t.TempDir(), "bad.sh")
	if err := os.WriteFile(badScript, []byte("#!/bin/sh\nexit 1\n"), 0755); err != nil {
		t.Fatal(err)
	}
	goodScript := writeFetchScript(t, t.TempDir(), "second candidate")

	path := castore.StorePath(filepath.Join(storeDir, "ffffffff-fallthrough"))

	txn, err := w.Store.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.AddSubstitute(path, metastore.SubstituteRecord{Program: goodScript}); err != nil {
		t.Fatal(err)
	}
	if err := txn.AddSubstitute(path, metastore.SubstituteRecord{Program: badScript}); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	goal := newSubstitutionGoal(w, path)
	w.AddTopGoal(goal)

	if err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !goal.IsDone() || !goal.Succeeded() {
		t.Fatalf("expected goal to eventually succeed via the remaining candidate, err=%v", goal.Err())
	}

	got, err := os.ReadFile(string(path))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second candidate" {
		t.Fatalf("expected content from the surviving candidate, got %q", got)
	}
}
