package castore

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// EncodeDerivation renders d in the canonical on-disk term format
// Derive(outputs, inputDrvs, inputSrcs, platform, builder, args, env).
// Outputs, input derivations (and their output names), input sources and env
// are printed in sorted order so that the encoding — and hence its hash — is
// stable regardless of map iteration order; args keep their given order.
func EncodeDerivation(d Derivation) string {
	var b strings.Builder
	b.WriteString("Derive(")

	outputNames := d.OutputNames()
	b.WriteByte('[')
	for i, name := range outputNames {
		if i > 0 {
			b.WriteByte(',')
		}
		o := d.Outputs[name]
		b.WriteString(quoteTuple(o.Name, string(o.Path), o.HashAlgo, o.Hash))
	}
	b.WriteString("],[")

	inputDrvPaths := make([]string, 0, len(d.InputDrvs))
	for p := range d.InputDrvs {
		inputDrvPaths = append(inputDrvPaths, string(p))
	}
	sort.Strings(inputDrvPaths)
	for i, p := range inputDrvPaths {
		if i > 0 {
			b.WriteByte(',')
		}
		outs := make([]string, 0, len(d.InputDrvs[StorePath(p)]))
		for o := range d.InputDrvs[StorePath(p)] {
			outs = append(outs, o)
		}
		sort.Strings(outs)
		b.WriteString(quotePathWithOutputs(p, outs))
	}
	b.WriteString("],[")

	inputSrcs := make([]string, 0, len(d.InputSrcs))
	for p := range d.InputSrcs {
		inputSrcs = append(inputSrcs, string(p))
	}
	sort.Strings(inputSrcs)
	for i, p := range inputSrcs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quoteString(p))
	}
	b.WriteString("],")

	b.WriteString(quoteString(d.Platform))
	b.WriteByte(',')
	b.WriteString(quoteString(d.Builder))
	b.WriteByte(',')

	b.WriteByte('[')
	for i, a := range d.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quoteString(a))
	}
	b.WriteString("],[")

	envKeys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for i, k := range envKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quoteTuple(k, d.Env[k]))
	}
	b.WriteString("])")

	return b.String()
}

func quoteString(s string) string {
	return strconv.Quote(s)
}

func quoteTuple(parts ...string) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quoteString(p))
	}
	b.WriteByte(')')
	return b.String()
}

func quotePathWithOutputs(path string, outs []string) string {
	var b strings.Builder
	b.WriteByte('(')
	b.WriteString(quoteString(path))
	b.WriteString(",[")
	for i, o := range outs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quoteString(o))
	}
	b.WriteString("])")
	return b.String()
}

// HashDerivation returns the "sha256:<hex>" digest of d's canonical encoding,
// used as the basis for computing its output paths via PathNamer.
func HashDerivation(d Derivation) string {
	sum := sha256.Sum256([]byte(EncodeDerivation(d)))
	return fmt.Sprintf("sha256:%x", sum)
}
