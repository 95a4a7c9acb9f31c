package closure

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pathforge/castore"
)

// hashPart returns the base32 hash component of a store path's basename,
// i.e. everything before the first '-'.
func hashPart(p castore.StorePath) string {
	base := filepath.Base(string(p))
	if i := strings.IndexByte(base, '-'); i >= 0 {
		return base[:i]
	}
	return base
}

// FilterReferences scans the file tree rooted at path for occurrences of any
// candidate store path's hash component, and returns the subset of
// candidates actually found. It is the supplemental counterpart of the
// original implementation's build-time reference scanner: a derivation
// output might only really use a handful of its declared input closure, and
// this narrows the registered reference set down to paths whose hash
// genuinely appears in the output's content.
//
// Scanning is skipped entirely, returning candidates unfiltered, if path
// contains a nix-support/no-scan marker file.
func FilterReferences(path string, candidates []castore.StorePath) ([]castore.StorePath, error) {
	if _, err := os.Stat(filepath.Join(path, "nix-support", "no-scan")); err == nil {
		return candidates, nil
	}

	hashes := make(map[string]castore.StorePath, len(candidates))
	for _, c := range candidates {
		hashes[hashPart(c)] = c
	}

	found := make(map[castore.StorePath]bool)
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			scanBytes([]byte(target), hashes, found)
		case info.Mode().IsRegular():
			content, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			scanBytes(content, hashes, found)
		}
		return nil
	})
	if err != nil {
		return nil, castore.SysError("closure: scanning "+path+" for references", err)
	}

	out := make([]castore.StorePath, 0, len(found))
	for _, c := range candidates {
		if found[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

func scanBytes(content []byte, hashes map[string]castore.StorePath, found map[castore.StorePath]bool) {
	s := string(content)
	for hash, path := range hashes {
		if found[path] {
			continue
		}
		if strings.Contains(s, hash) {
			found[path] = true
		}
	}
}
