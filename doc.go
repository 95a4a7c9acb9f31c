// Package castore implements a content-addressed build and package store
// engine: deterministic store-path naming, a transactional metadata
// database of valid paths/references/substitutes/derivers, cross-process
// path locking, a concurrent goal scheduler that realizes derivations by
// building or substituting, and closure/reference scanning of build
// outputs.
//
// The surface expression language, CLI front-ends, and remote-build
// transport are not part of this package; they are external collaborators
// specified only by the interfaces this package exposes.
package castore
