// Package pathenc maps dataset keys - primary-key tuples for tabular
// datasets, filenames for tile datasets - to bounded-fanout tree paths
// (§4.B). Two levels of 256-way fanout by default keeps any one tree
// object under a few hundred entries regardless of dataset size, and the
// mapping is stable across a dataset's lifetime: the same key always
// encodes to the same path.
package pathenc

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/schema"
)

// FanoutParams controls the shape of the feature tree, read from a
// dataset's meta/path-structure.json so it can evolve without a code
// change (original_source/kart/dataset_util.py: PathStructure).
type FanoutParams struct {
	// Width is the number of children per fanout level; a fanout byte
	// selects among Width values, so Width must be <= 256.
	Width int
	// Depth is the number of fanout levels before the leaf blob.
	Depth int
}

// DefaultFanout is two levels of 256-way fanout, the spec's default.
var DefaultFanout = FanoutParams{Width: 256, Depth: 2}

func (p FanoutParams) validate() error {
	if p.Width <= 0 || p.Width > 256 {
		return errors.Errorf("pathenc: fanout width %d out of range (1-256)", p.Width)
	}
	if p.Depth < 0 {
		return errors.Errorf("pathenc: fanout depth %d must be >= 0", p.Depth)
	}
	return nil
}

// FeaturePath is the result of encoding a primary-key tuple: the ordered
// subtree names leading to the leaf, and the leaf blob's filename.
type FeaturePath struct {
	Subtrees []string
	Leaf     string
}

// String joins the path components with "/", e.g. "a4/9f/<leaf>".
func (p FeaturePath) String() string {
	return path.Join(append(append([]string(nil), p.Subtrees...), p.Leaf)...)
}

// CanonicalizeKey renders a primary-key tuple to a deterministic byte
// string: integers as fixed-width big-endian, strings as UTF-8, each
// value length-prefixed so that no two distinct tuples can canonicalise
// to the same bytes (§4.B, "decode_path(encode_path(pk)) = pk exactly").
func CanonicalizeKey(pk []any, types []schema.Type) ([]byte, error) {
	if len(pk) != len(types) {
		return nil, errors.Errorf("pathenc: primary key has %d values but schema has %d PK columns", len(pk), len(types))
	}
	var buf []byte
	for i, v := range pk {
		enc, err := canonicalizeValue(v, types[i])
		if err != nil {
			return nil, errors.Wrapf(err, "pathenc: column %d", i)
		}
		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(enc)))
		buf = append(buf, lenPrefix[:]...)
		buf = append(buf, enc...)
	}
	return buf, nil
}

func canonicalizeValue(v any, t schema.Type) ([]byte, error) {
	switch t.Kind {
	case schema.KindInteger:
		n, ok := asInt64(v)
		if !ok {
			return nil, errors.Errorf("want integer primary key component, got %T", v)
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		return b[:], nil
	case schema.KindText:
		s, ok := v.(string)
		if !ok {
			return nil, errors.Errorf("want string primary key component, got %T", v)
		}
		return []byte(s), nil
	default:
		return nil, errors.Errorf("unsupported primary key column type %v", t.Kind)
	}
}

// UncanonicalizeKey is CanonicalizeKey's inverse: given the canonical
// bytes recovered from a leaf filename and the PK column types in order,
// it reconstructs the original primary-key tuple.
func UncanonicalizeKey(raw []byte, types []schema.Type) ([]any, error) {
	out := make([]any, 0, len(types))
	pos := 0
	for i, t := range types {
		if pos+4 > len(raw) {
			return nil, errors.Errorf("pathenc: truncated canonical key at column %d", i)
		}
		n := int(binary.BigEndian.Uint32(raw[pos : pos+4]))
		pos += 4
		if pos+n > len(raw) {
			return nil, errors.Errorf("pathenc: truncated canonical key value at column %d", i)
		}
		chunk := raw[pos : pos+n]
		pos += n

		switch t.Kind {
		case schema.KindInteger:
			if n != 8 {
				return nil, errors.Errorf("pathenc: integer key component has %d bytes, want 8", n)
			}
			out = append(out, int64(binary.BigEndian.Uint64(chunk)))
		case schema.KindText:
			out = append(out, string(chunk))
		default:
			return nil, errors.Errorf("unsupported primary key column type %v", t.Kind)
		}
	}
	if pos != len(raw) {
		return nil, errors.New("pathenc: trailing bytes after decoding canonical key")
	}
	return out, nil
}

// EncodeFeaturePath computes the bounded-fanout path for a primary-key
// tuple. The hash's high bits select each fanout level so that the
// distribution across subtrees is uniform regardless of key shape; the
// leaf filename is the URL-safe, unpadded base64 of the exact canonical
// key bytes, which is what lets DecodeFeaturePath recover the key
// without consulting the object database.
func EncodeFeaturePath(pk []any, types []schema.Type, params FanoutParams) (FeaturePath, error) {
	if err := params.validate(); err != nil {
		return FeaturePath{}, err
	}
	canon, err := CanonicalizeKey(pk, types)
	if err != nil {
		return FeaturePath{}, err
	}

	sum := sha256.Sum256(canon)
	subtrees := make([]string, params.Depth)
	for i := 0; i < params.Depth; i++ {
		b := sum[i]
		if params.Width < 256 {
			b = byte(int(b) * params.Width / 256)
		}
		subtrees[i] = fmt.Sprintf("%02x", b)
	}

	return FeaturePath{
		Subtrees: subtrees,
		Leaf:     base64.RawURLEncoding.EncodeToString(canon),
	}, nil
}

// DecodeFeaturePath recovers the primary-key tuple encoded in a leaf
// filename. The fanout subtree names are not needed: the leaf alone
// carries the full canonical key.
func DecodeFeaturePath(leaf string, types []schema.Type) ([]any, error) {
	canon, err := base64.RawURLEncoding.DecodeString(leaf)
	if err != nil {
		return nil, errors.Wrap(err, "pathenc: decoding leaf filename")
	}
	return UncanonicalizeKey(canon, types)
}

// PartitionOf returns which of n parallel-import workers owns a subtree
// given its name - the first fanout level is the partition key (§4.E),
// so workers never contend for the same subtree.
func PartitionOf(firstSubtreeName string, n int) int {
	if n <= 1 {
		return 0
	}
	h := sha256.Sum256([]byte(firstSubtreeName))
	return int(h[0]) % n
}

// TilePath is the result of encoding a tile filename: two one-byte
// fanout directories derived from the SHA-1 of the filename, and the
// normalised filename itself (§4.B: "tile/<aa>/<bb>/<filename>").
type TilePath struct {
	DirA     string
	DirB     string
	Filename string
}

func (p TilePath) String() string {
	return path.Join("tile", p.DirA, p.DirB, p.Filename)
}

// EncodeTilePath computes a tile's working path. The filename's
// extension is lower-cased before hashing and storing, so that two
// uploads differing only in extension case land at the same path.
func EncodeTilePath(filename string) TilePath {
	normalised := normaliseTileFilename(filename)
	sum := sha1.Sum([]byte(normalised))
	return TilePath{
		DirA:     fmt.Sprintf("%02x", sum[0]),
		DirB:     fmt.Sprintf("%02x", sum[1]),
		Filename: normalised,
	}
}

func normaliseTileFilename(filename string) string {
	ext := path.Ext(filename)
	if ext == "" {
		return filename
	}
	base := strings.TrimSuffix(filename, ext)
	return base + strings.ToLower(ext)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
