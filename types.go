package castore

import "sort"

// StorePath is an absolute path of the form <storeDir>/<nameHash>-<suffix>.
// Store paths are immutable names; whether content for a given name is present
// on disk is independent of whether the metadata database considers it valid.
type StorePath string

// Output describes one named output of a Derivation.
type Output struct {
	// Name is the output name, e.g. "out".
	Name string
	// Path is the computed store path for this output.
	Path StorePath
	// HashAlgo and Hash are non-empty only for fixed-output derivations, in which
	// case Hash is the expected content hash under HashAlgo (e.g. "sha256").
	HashAlgo string
	Hash     string
}

// IsFixedOutput reports whether this output declares an a-priori content hash.
func (o Output) IsFixedOutput() bool {
	return o.Hash != ""
}

// Derivation is a pure, serializable build recipe.
type Derivation struct {
	// Outputs maps output name to its Output record.
	Outputs map[string]Output
	// InputDrvs maps a derivation path to the set of its output names this derivation needs.
	InputDrvs map[StorePath]map[string]bool
	// InputSrcs is the set of source store paths consumed directly.
	InputSrcs map[StorePath]bool
	// Platform identifies the required build platform, e.g. "x86_64-linux".
	Platform string
	// Builder is the absolute path of the program to execute.
	Builder string
	// Args is the ordered list of builder arguments.
	Args []string
	// Env maps environment variable name to value, passed verbatim to the builder.
	Env map[string]string
}

// OutputNames returns the derivation's output names in a stable, sorted order.
func (d *Derivation) OutputNames() []string {
	names := make([]string, 0, len(d.Outputs))
	for n := range d.Outputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Substitute is an alternative means of producing a store path's contents by
// running an external program that writes the path's contents.
type Substitute struct {
	// Deriver is the derivation path that would have produced this output, if known.
	Deriver StorePath
	// Program is the absolute path of the substituter program, or an s3:// URI
	// handled by the substituter package's S3 backend.
	Program string
	// Args is the ordered list of extra arguments appended after the store path.
	Args []string
}
