package blobcodec

import (
	"encoding/binary"

	"github.com/go-spatial/geom/encoding/gpkg"
	"github.com/go-spatial/geom/encoding/wkb"
	"github.com/pkg/errors"
)

// gpkgMagic is the two-byte "GP" signature that opens every GeoPackage
// binary geometry header (OGC GeoPackage §2.1.3).
var gpkgMagic = [2]byte{'G', 'P'}

const (
	gpbHeaderFixedLen = 8 // magic(2) + version(1) + flags(1) + srs_id(4)
)

// NormalizeGeometry rewrites a GeoPackage binary geometry value to the
// canonical committed form (§4.A): little-endian header flags,
// envelope indicator forced to 0 (no envelope), CRS-ID zeroed, and the
// WKB body itself re-encoded little-endian. Two geometries that are
// byte-for-byte different only in envelope presence, header byte order
// or embedded CRS-ID normalise to the same bytes, which is what lets
// feature blobs diff cleanly on geometry edits rather than on
// representation noise picked up from whichever working-copy driver
// last wrote them.
func NormalizeGeometry(raw []byte) ([]byte, error) {
	if len(raw) < gpbHeaderFixedLen {
		return nil, errors.New("blobcodec: geometry shorter than GeoPackage binary header")
	}
	if raw[0] != gpkgMagic[0] || raw[1] != gpkgMagic[1] {
		return nil, errors.New("blobcodec: not a GeoPackage binary geometry (bad magic)")
	}
	version := raw[2]
	flags := raw[3]

	littleEndian := flags&0x01 != 0
	envelopeCode := (flags >> 1) & 0x07
	isEmpty := flags&0x10 != 0

	envelopeLen, err := envelopeByteLen(envelopeCode)
	if err != nil {
		return nil, err
	}

	bo := binary.ByteOrder(binary.BigEndian)
	if littleEndian {
		bo = binary.LittleEndian
	}
	_ = bo.Uint32(raw[4:8]) // original SRS ID, discarded: committed geometry is CRS-less per §4.A

	wkbStart := gpbHeaderFixedLen + envelopeLen
	if len(raw) < wkbStart {
		return nil, errors.New("blobcodec: geometry truncated before WKB body")
	}
	wkbBody := raw[wkbStart:]

	normWKB := wkbBody
	if len(wkbBody) > 0 {
		geometry, err := wkb.DecodeBytes(wkbBody)
		if err != nil {
			return nil, errors.Wrap(err, "blobcodec: decoding WKB body")
		}
		normWKB, err = wkb.EncodeBytes(wkb.NDR, geometry)
		if err != nil {
			return nil, errors.Wrap(err, "blobcodec: re-encoding WKB body little-endian")
		}
	}

	out := make([]byte, 0, gpbHeaderFixedLen+len(normWKB))
	out = append(out, gpkgMagic[0], gpkgMagic[1], version)

	newFlags := byte(0x01) // little-endian, no envelope (bits 1-3 left zero)
	if isEmpty {
		newFlags |= 0x10
	}
	out = append(out, newFlags)

	var srsBuf [4]byte
	binary.LittleEndian.PutUint32(srsBuf[:], 0)
	out = append(out, srsBuf[:]...)
	out = append(out, normWKB...)
	return out, nil
}

func envelopeByteLen(code byte) (int, error) {
	switch code {
	case 0:
		return 0, nil
	case 1:
		return 32, nil // minx,maxx,miny,maxy
	case 2, 3:
		return 48, nil // + minz,maxz or minm,maxm
	case 4:
		return 64, nil // + both
	default:
		return 0, errors.Errorf("blobcodec: reserved envelope indicator %d", code)
	}
}

// DecodeGeometry parses a (already normalised or raw) GeoPackage binary
// geometry into a library geometry value, for callers that need to
// inspect coordinates (e.g. pkg/spatialfilter's envelope fast path).
func DecodeGeometry(raw []byte) (*gpkg.Geometry, error) {
	g, err := gpkg.DecodeGeometry(raw)
	if err != nil {
		return nil, errors.Wrap(err, "blobcodec: decoding GeoPackage geometry")
	}
	return g, nil
}
