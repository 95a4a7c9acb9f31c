package gcroots

import (
	"github.com/pathforge/castore"
	"github.com/pathforge/castore/closure"
	"github.com/pathforge/castore/metastore"
)

// CollectGarbage invalidates every valid path not reachable from roots
// (including their derivers), returning the paths it removed. It enforces
// invariant 5 — a path is never invalidated while some other still-valid
// path references it — by repeatedly sweeping the dead set and only
// invalidating a candidate once every one of its current referrers has
// already been invalidated in this same sweep; a referrer that is live, or
// dead but not yet invalidated, keeps the candidate valid for now.
//
// Deleting content from disk is the caller's responsibility; this only
// updates the MetaStore bookkeeping.
func CollectGarbage(m *metastore.MetaStore, roots []castore.StorePath) ([]castore.StorePath, error) {
	liveList, err := closure.ComputeFSClosure(m, roots, false, true)
	if err != nil {
		return nil, err
	}
	live := make(map[castore.StorePath]bool, len(liveList))
	for _, p := range liveList {
		live[p] = true
	}

	txn, err := m.Begin()
	if err != nil {
		return nil, err
	}

	validKeys, err := txn.Enumerate(metastore.TableValidPaths)
	if err != nil {
		txn.Rollback()
		return nil, err
	}

	var dead []castore.StorePath
	for _, k := range validKeys {
		p := castore.StorePath(k)
		if !live[p] {
			dead = append(dead, p)
		}
	}

	deleted := make(map[castore.StorePath]bool, len(dead))
	var removed []castore.StorePath

	for progress := true; progress; {
		progress = false
		for _, p := range dead {
			if deleted[p] {
				continue
			}
			referrers, err := txn.GetReferrers(p)
			if err != nil {
				txn.Rollback()
				return nil, err
			}

			blocked := false
			for _, r := range referrers {
				if live[r] || !deleted[r] {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}

			if err := txn.Invalidate(p); err != nil {
				txn.Rollback()
				return nil, err
			}
			deleted[p] = true
			removed = append(removed, p)
			progress = true
		}
	}

	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return removed, nil
}
