// Package pathname computes deterministic, collision-resistant store paths
// from content or recipe hashes, following the naming scheme described in
// the store engine's data model: <storeDir>/<nameHash>-<suffix>, where
// nameHash is a 160-bit truncated SHA-256 digest encoded in a 32-character
// base-32 alphabet.
package pathname

import (
	"crypto/sha256"
	"fmt"
)

// base32Chars is Nix's own base-32 alphabet: the digits and lowercase letters
// with E, O, U and T omitted to reduce visual ambiguity. Order matters: it is
// not the RFC 4648 alphabet.
const base32Chars = "0123456789abcdfghijklmnpqrsvwxyz"

// CompressedHashSize is the number of bytes a full hash is folded down to
// before base-32 encoding, giving the 160-bit name hash.
const CompressedHashSize = 20

// CompressHash XORs hash down to newSize bytes by folding each input byte
// into hash[i % newSize]. This is a lossy, deterministic compression used to
// turn a 256-bit SHA-256 digest into the 160-bit name hash.
func CompressHash(hash []byte, newSize int) []byte {
	out := make([]byte, newSize)
	for i, b := range hash {
		out[i%newSize] ^= b
	}
	return out
}

// EncodeBase32 renders b using Nix's base-32 alphabet, left-padded with '0'
// to the width that exactly represents len(b) bytes (ceil(len(b)*8/5) digits).
// This is an arbitrary-precision base conversion that reads b as one
// little-endian integer (b[len(b)-1] is the most significant byte), not
// per-byte grouping, so it must process the whole digest as one integer.
func EncodeBase32(b []byte) string {
	length := (len(b)*8-1)/5 + 1
	buf := make([]byte, length)

	// Work on a copy since the divMod below is destructive.
	n := make([]byte, len(b))
	copy(n, b)

	for pos := length - 1; pos >= 0; pos-- {
		digit := divMod32(n)
		buf[pos] = base32Chars[digit]
	}
	return string(buf)
}

// divMod32 divides n, read as a little-endian integer, by 32 in place and returns the
// remainder (0-31), mirroring the original implementation's divMod(bytes, 32).
func divMod32(n []byte) byte {
	var borrow uint
	pos := len(n) - 1
	for pos >= 0 && n[pos] == 0 {
		pos--
	}
	for ; pos >= 0; pos-- {
		s := uint(n[pos]) + borrow<<8
		n[pos] = byte(s / 32)
		borrow = s % 32
	}
	return byte(borrow)
}

// HashString computes the raw SHA-256 digest of s.
func HashString(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

// MakeStorePath builds the canonical store path string
// "<storeDir>/<base32(compress(sha256(type:sha256:hex(hash):storeDir:suffix)))>-<suffix>".
//
// type is "source" for an imported directory, "text" for a literal with declared
// references, or "output:<name>" for a derivation output. hash is the hex-encoded
// content or recipe hash already embedded by the caller in the canonical string;
// this function hashes the whole canonical string again per the scheme.
func MakeStorePath(storeDir, pathType, hashHex, suffix string) string {
	s := fmt.Sprintf("%s:sha256:%s:%s:%s", pathType, hashHex, storeDir, suffix)
	full := HashString(s)
	compressed := CompressHash(full[:], CompressedHashSize)
	return fmt.Sprintf("%s/%s-%s", storeDir, EncodeBase32(compressed), suffix)
}

// MakeOutputPath computes the store path for one output of a derivation, given
// the derivation's own content hash (hex), the output name, and the suffix
// (conventionally the derivation's base name without the output qualifier).
// It is a thin alias over MakeStorePath using a pathType that embeds the output
// name, so two outputs of the same derivation never collide.
func MakeOutputPath(storeDir, drvHashHex, outputName, suffix string) string {
	pathType := fmt.Sprintf("output:%s", outputName)
	return MakeStorePath(storeDir, pathType, drvHashHex, suffix)
}
