package metastore

import (
	"fmt"

	"github.com/pathforge/castore"
)

// Inconsistency describes a single violation found by Verify.
type Inconsistency struct {
	Path   castore.StorePath
	Reason string
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Reason)
}

// Verify walks every table and checks the data-model invariants: that references and
// referrers agree in both directions, that every reference target is usable, and
// (when checkContents is true) that each valid path's on-disk content still hashes to
// its registered content hash. It takes a single read snapshot, so the result reflects
// one consistent point in time even under concurrent writers.
func Verify(m *MetaStore, checkContents bool, hashPath func(castore.StorePath) (string, error)) ([]Inconsistency, error) {
	txn, err := m.beginRead()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	var problems []Inconsistency

	validKeys, err := txn.Enumerate(TableValidPaths)
	if err != nil {
		return nil, err
	}
	valid := make(map[castore.StorePath]bool, len(validKeys))
	for _, k := range validKeys {
		valid[castore.StorePath(k)] = true
	}

	for p := range valid {
		refs, err := txn.GetReferences(p)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			usable, err := txn.isUsable(ref)
			if err != nil {
				return nil, err
			}
			if !usable {
				problems = append(problems, Inconsistency{p, fmt.Sprintf("references %s, which is neither valid nor substitutable", ref)})
				continue
			}
			referrers, err := txn.GetReferrers(ref)
			if err != nil {
				return nil, err
			}
			if !containsPath(referrers, p) {
				problems = append(problems, Inconsistency{p, fmt.Sprintf("references %s, but %s has no matching referrer entry", ref, ref)})
			}
		}

		if checkContents && hashPath != nil {
			want, ok, err := txn.GetContentHash(p)
			if err != nil {
				return nil, err
			}
			if ok {
				got, err := hashPath(p)
				if err != nil {
					problems = append(problems, Inconsistency{p, fmt.Sprintf("hashing failed: %v", err)})
				} else if got != want {
					problems = append(problems, Inconsistency{p, fmt.Sprintf("content hash mismatch: registered %s, computed %s", want, got)})
				}
			}
		}
	}

	referrerKeys, err := txn.Enumerate(TableReferrers)
	if err != nil {
		return nil, err
	}
	for _, k := range referrerKeys {
		target := castore.StorePath(k)
		sources, err := txn.GetReferrers(target)
		if err != nil {
			return nil, err
		}
		for _, src := range sources {
			refs, err := txn.GetReferences(src)
			if err != nil {
				return nil, err
			}
			if !containsPath(refs, target) {
				problems = append(problems, Inconsistency{target, fmt.Sprintf("has referrer %s, but %s does not reference it back", src, src)})
			}
		}
	}

	return problems, nil
}

func containsPath(haystack []castore.StorePath, needle castore.StorePath) bool {
	for _, p := range haystack {
		if p == needle {
			return true
		}
	}
	return false
}
