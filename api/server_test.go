package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/pathforge/castore"
	"github.com/pathforge/castore/gcroots"
	"github.com/pathforge/castore/metastore"
	"github.com/pathforge/castore/pathlock"
	"github.com/pathforge/castore/scheduler"
)

func newTestServer(t *testing.T) (*Server, *metastore.MetaStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	storeDir := t.TempDir()
	store, err := metastore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	locker, err := pathlock.NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	worker := scheduler.NewWorker(castore.Config{StoreDir: storeDir}, store, locker)

	roots, err := gcroots.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	return NewServer(worker, store, roots, storeDir), store
}

func TestHealthzReportsOK(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStorePathReportsNotFoundForUnregisteredPath(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/store/aaa-missing", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStorePathReportsReferencesForValidPath(t *testing.T) {
	s, store := newTestServer(t)

	txn, err := store.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.RegisterValidPath(castore.StorePath(s.storeDir+"/aaa-present"), "sha256:deadbeef", nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/store/aaa-present", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGoalsReturnsEmptyListInitially(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/goals", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "[]" {
		t.Fatalf("expected empty JSON array, got %s", rec.Body.String())
	}
}

func TestRealiseRegistersTopGoal(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/realise/aaa-missing", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	goalsReq := httptest.NewRequest(http.MethodGet, "/goals", nil)
	goalsRec := httptest.NewRecorder()
	s.router.ServeHTTP(goalsRec, goalsReq)

	if goalsRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", goalsRec.Code, goalsRec.Body.String())
	}
	if goalsRec.Body.String() == "[]" {
		t.Fatal("expected the submitted goal to show up in /goals")
	}
}

func TestHandleAddToStoreImportsSourceFile(t *testing.T) {
	s, store := newTestServer(t)

	src := filepath.Join(t.TempDir(), "foo.txt")
	if err := os.WriteFile(src, []byte("hello castore"), 0644); err != nil {
		t.Fatal(err)
	}

	body, err := json.Marshal(map[string]string{"path": src})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/store/import", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Path castore.StorePath `json:"path"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	valid, err := store.IsValidPath(resp.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatalf("expected %s to be registered valid", resp.Path)
	}
}

func TestHandleAddTextToStoreDepositsLiteral(t *testing.T) {
	s, store := newTestServer(t)

	body, err := json.Marshal(map[string]string{"suffix": "msg", "content": "hello"})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/store/text", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Path castore.StorePath `json:"path"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	valid, err := store.IsValidPath(resp.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatalf("expected %s to be registered valid", resp.Path)
	}
}

func TestGCRemovesUnreferencedPaths(t *testing.T) {
	s, store := newTestServer(t)

	txn, err := store.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.RegisterValidPath(castore.StorePath(s.storeDir+"/aaa-orphan"), "sha256:deadbeef", nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/gc", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	valid, err := store.IsValidPath(castore.StorePath(s.storeDir + "/aaa-orphan"))
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Fatal("expected aaa-orphan to be collected")
	}
}
