// Package pathlock provides advisory, cross-process locking of store paths so
// that concurrent builders and substituters never write to the same path at
// once. Locks are acquired all-or-nothing over a sorted key set to avoid
// lock-ordering deadlocks between processes racing for overlapping path sets.
package pathlock

import (
	"context"
	"sort"
)

// Locker acquires and releases advisory locks over a set of store paths.
// Implementations must make Acquire atomic: either every path in keys is
// locked, or none are.
type Locker interface {
	// Acquire blocks until every key in keys is locked by this Locker, or ctx
	// is done. Keys already held by this same Locker are re-entrant no-ops.
	Acquire(ctx context.Context, keys []string) error
	// Release drops the locks held for keys. Releasing an unheld key is a no-op.
	Release(keys []string) error
	// Close releases every lock still held and frees any underlying resources.
	Close() error
}

// SortKeys returns a sorted copy of keys. Every Locker implementation must
// acquire locks in this order to avoid the classic "two processes lock the
// same two paths in opposite order" deadlock.
func SortKeys(keys []string) []string {
	out := make([]string, len(keys))
	copy(out, keys)
	sort.Strings(out)
	return out
}
