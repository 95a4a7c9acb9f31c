package metastore

import (
	"fmt"

	"github.com/pathforge/castore"
)

// IsValidPath reports whether path is registered valid, using a fresh snapshot.
func (m *MetaStore) IsValidPath(path castore.StorePath) (bool, error) {
	txn, err := m.beginRead()
	if err != nil {
		return false, err
	}
	defer txn.Rollback()
	_, ok, err := txn.Get(TableValidPaths, string(path))
	return ok, err
}

// beginRead opens a transaction usable for reads even against a read-only store.
// Badger allows read transactions regardless of DB-level read-only mode; only Commit
// of writes is restricted, so this bypasses MetaStore.Begin's read-only guard.
func (m *MetaStore) beginRead() (*Txn, error) {
	return &Txn{store: m, tx: m.db.NewTransaction(false)}, nil
}

// GetContentHash returns the registered "sha256:<hex>" content hash for a valid path.
func (t *Txn) GetContentHash(path castore.StorePath) (string, bool, error) {
	raw, ok, err := t.Get(TableValidPaths, string(path))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(raw), true, nil
}

// GetReferences returns the ordered list of outgoing references for path.
func (t *Txn) GetReferences(path castore.StorePath) ([]castore.StorePath, error) {
	vs, _, err := t.GetStrings(TableReferences, string(path))
	return toStorePaths(vs), err
}

// GetReferrers returns the set of incoming references to path.
func (t *Txn) GetReferrers(path castore.StorePath) ([]castore.StorePath, error) {
	vs, _, err := t.GetStrings(TableReferrers, string(path))
	return toStorePaths(vs), err
}

// GetDeriver returns the derivation path that produced path, or "" if unknown/source-added.
func (t *Txn) GetDeriver(path castore.StorePath) (castore.StorePath, error) {
	vs, ok, err := t.Get(TableDerivers, string(path))
	if err != nil || !ok {
		return "", err
	}
	return castore.StorePath(vs), nil
}

// RegisterValidPath atomically registers path as valid with the given content hash,
// outgoing references, and deriver, maintaining both the references and referrers
// tables (invariant 1) and refusing to register a reference to a path that is not
// itself usable (invariant 2 -- see isUsable).
func (t *Txn) RegisterValidPath(path castore.StorePath, contentHash string, references []castore.StorePath, deriver castore.StorePath) error {
	for _, ref := range references {
		usable, err := t.isUsable(ref)
		if err != nil {
			return err
		}
		if !usable {
			return castore.UsageError(fmt.Sprintf("cannot register %s: reference %s is neither valid nor substitutable", path, ref), path)
		}
	}

	if err := t.Put(TableValidPaths, string(path), []byte(contentHash)); err != nil {
		return err
	}
	if err := t.PutStrings(TableReferences, string(path), toStrings(references)); err != nil {
		return err
	}
	for _, ref := range references {
		if err := t.addReferrer(ref, path); err != nil {
			return err
		}
	}
	if deriver != "" {
		if err := t.Put(TableDerivers, string(path), []byte(deriver)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Txn) addReferrer(target, source castore.StorePath) error {
	existing, _, err := t.GetStrings(TableReferrers, string(target))
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e == string(source) {
			return nil
		}
	}
	existing = append(existing, string(source))
	return t.PutStrings(TableReferrers, string(target), existing)
}

func (t *Txn) removeReferrer(target, source castore.StorePath) error {
	existing, ok, err := t.GetStrings(TableReferrers, string(target))
	if err != nil || !ok {
		return err
	}
	out := existing[:0:0]
	for _, e := range existing {
		if e != string(source) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return t.Delete(TableReferrers, string(target))
	}
	return t.PutStrings(TableReferrers, string(target), out)
}

// isUsable reports whether path may legally appear as a references/referrers/derivers
// key: it must be valid, or have at least one registered substitute (invariant 2).
func (t *Txn) isUsable(path castore.StorePath) (bool, error) {
	_, valid, err := t.Get(TableValidPaths, string(path))
	if err != nil {
		return false, err
	}
	if valid {
		return true, nil
	}
	subs, err := t.GetSubstitutes(path)
	if err != nil {
		return false, err
	}
	return len(subs) > 0, nil
}

// Invalidate removes path from validPaths. Per the cleanup invariant, references and
// derivers are cleared only if no substitutes remain for path; this keeps references/
// referrers/derivers keyed only by usable paths (invariant 2). The caller is
// responsible for checking that no other valid path still references path (invariant 5)
// before calling Invalidate; see gcroots.CollectGarbage for that check.
func (t *Txn) Invalidate(path castore.StorePath) error {
	refs, err := t.GetReferences(path)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := t.removeReferrer(ref, path); err != nil {
			return err
		}
	}

	subs, err := t.GetSubstitutes(path)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		if err := t.Delete(TableReferences, string(path)); err != nil {
			return err
		}
		if err := t.Delete(TableDerivers, string(path)); err != nil {
			return err
		}
	}

	return t.Delete(TableValidPaths, string(path))
}

func toStrings(paths []castore.StorePath) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = string(p)
	}
	return out
}

func toStorePaths(vs []string) []castore.StorePath {
	out := make([]castore.StorePath, len(vs))
	for i, v := range vs {
		out[i] = castore.StorePath(v)
	}
	return out
}
