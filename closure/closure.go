// Package closure computes the transitive reference closure of a set of
// store paths and scans on-disk content for references to other store paths.
package closure

import (
	"context"

	"github.com/pathforge/castore"
	"github.com/pathforge/castore/metastore"
)

// ComputeFSClosure walks the references table outward from roots (inclusive),
// breadth-first, and returns every store path reachable from them. The walk
// uses a single read transaction so the result reflects one consistent
// snapshot even if other writers commit concurrently.
func ComputeFSClosure(m *metastore.MetaStore, roots []castore.StorePath, includeOutputs, includeDerivers bool) ([]castore.StorePath, error) {
	txn, err := m.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	seen := make(map[castore.StorePath]bool)
	var order []castore.StorePath
	queue := append([]castore.StorePath{}, roots...)

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p] {
			continue
		}
		seen[p] = true
		order = append(order, p)

		refs, err := txn.GetReferences(p)
		if err != nil {
			return nil, err
		}
		queue = append(queue, refs...)

		if includeDerivers {
			deriver, err := txn.GetDeriver(p)
			if err != nil {
				return nil, err
			}
			if deriver != "" && !seen[deriver] {
				queue = append(queue, deriver)
			}
		}
	}

	return order, nil
}

// ComputeFSClosures is like ComputeFSClosure but runs independently for each
// root and returns one slice per root, in root order. Each closure is
// computed in its own read transaction, so the closures of different roots
// are not taken from one common snapshot.
func ComputeFSClosures(ctx context.Context, m *metastore.MetaStore, roots []castore.StorePath) ([][]castore.StorePath, error) {
	out := make([][]castore.StorePath, len(roots))
	for i, r := range roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := ComputeFSClosure(m, []castore.StorePath{r}, false, false)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}
