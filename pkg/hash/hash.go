// Package hash is the content-hash type shared by every component that
// talks to the object database. The object database itself belongs to
// the collaborator (pkg/objdb) - this package only defines the identifier
// it hands back, sized and encoded the way the collaborator (git) does:
// a 20-byte SHA-1 digest, hex-encoded.
package hash

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
)

// ByteLen is the width of a Hash in bytes.
const ByteLen = 20

// StringLen is the width of a Hash's hex encoding.
const StringLen = ByteLen * 2

// Hash identifies an immutable object (blob, tree or commit) by the SHA-1
// digest of its canonical encoding. The zero value is the "empty" hash and
// never identifies a real object.
type Hash [ByteLen]byte

// Empty is the zero hash, used as a sentinel (e.g. "no parent commit", "no
// prior base tree").
var Empty Hash

// Of hashes data and returns the resulting Hash. Callers that need a
// streaming hasher (e.g. the fast-importer encoding a blob on the fly)
// should use New with sha1.New() directly instead.
func Of(data []byte) Hash {
	sum := sha1.Sum(data)
	return Hash(sum)
}

// New wraps a raw 20-byte digest, e.g. from a hash.Hash's Sum(nil).
func New(digest []byte) Hash {
	var h Hash
	copy(h[:], digest)
	return h
}

// String returns the lower-case hex encoding, matching git's object-id
// textual form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsEmpty reports whether h is the zero hash.
func (h Hash) IsEmpty() bool { return h == Empty }

// Less orders hashes lexicographically by their byte representation; used
// to keep tree entries and HashSlice sorted canonically.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// Parse decodes a hex string into a Hash. It panics on malformed input,
// mirroring the collaborator's own "this should never happen for a value
// that came out of the object database" assumption - callers parsing
// untrusted input should use MaybeParse instead.
func Parse(s string) Hash {
	h, ok := MaybeParse(s)
	if !ok {
		panic(fmt.Sprintf("hash: invalid hash string %q", s))
	}
	return h
}

// MaybeParse decodes a hex string into a Hash, returning ok=false instead
// of panicking on malformed input.
func MaybeParse(s string) (Hash, bool) {
	if len(s) != StringLen {
		return Empty, false
	}
	var buf [ByteLen]byte
	if _, err := hex.Decode(buf[:], []byte(s)); err != nil {
		return Empty, false
	}
	return Hash(buf), true
}

// Slice is a sortable list of hashes, used when serializing tree entries
// or hash-sets deterministically.
type Slice []Hash

func (s Slice) Len() int           { return len(s) }
func (s Slice) Less(i, j int) bool { return s[i].Less(s[j]) }
func (s Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// Equals reports whether two slices contain the same hashes in the same
// order.
func (s Slice) Equals(other Slice) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Sorted returns a sorted copy of s.
func (s Slice) Sorted() Slice {
	out := make(Slice, len(s))
	copy(out, s)
	sort.Sort(out)
	return out
}

// Set is an unordered set of hashes.
type Set map[Hash]struct{}

// NewSet builds a Set from a list of hashes.
func NewSet(hashes ...Hash) Set {
	s := make(Set, len(hashes))
	for _, h := range hashes {
		s[h] = struct{}{}
	}
	return s
}

func (s Set) Insert(h Hash)       { s[h] = struct{}{} }
func (s Set) Has(h Hash) bool     { _, ok := s[h]; return ok }
func (s Set) Remove(h Hash)       { delete(s, h) }
func (s Set) Size() int           { return len(s) }

// ToSlice returns the set's members as a Slice, in no particular order.
func (s Set) ToSlice() Slice {
	out := make(Slice, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	return out
}
