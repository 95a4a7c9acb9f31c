//go:build !unix

package nar

// canonicaliseOwnership is a no-op on non-Unix platforms, which have no
// uid/gid concept matching canonicalisePathMetaData's chown step.
func canonicaliseOwnership(path string) {}
