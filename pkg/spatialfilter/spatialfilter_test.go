package spatialfilter

import (
	"math"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const squareWKT = "POLYGON((0 0, 0 10, 10 10, 10 0, 0 0))"

func encodedPoint(t *testing.T, x, y float64) []byte {
	t.Helper()
	// minimal GeoPackage binary header (no envelope) + little-endian WKB point
	b := make([]byte, 8+21)
	b[0], b[1] = 'G', 'P'
	b[3] = 0x01
	b[8] = 1
	putLE(b[9:13], 1)
	putF64LE(b[13:21], x)
	putF64LE(b[21:29], y)
	return b
}

func putLE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putF64LE(b []byte, v float64) {
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (8 * i))
	}
}

func TestMatchAllAcceptsEverything(t *testing.T) {
	f := MatchAll()
	ok, err := f.Matches(encodedPoint(t, 1000, 1000), "EPSG:4326")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchesPointInsidePolygon(t *testing.T) {
	f, err := New("EPSG:4326", squareWKT, IdentityReprojector{})
	require.NoError(t, err)

	ok, err := f.Matches(encodedPoint(t, 5, 5), "EPSG:4326")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRejectsPointOutsidePolygon(t *testing.T) {
	f, err := New("EPSG:4326", squareWKT, IdentityReprojector{})
	require.NoError(t, err)

	ok, err := f.Matches(encodedPoint(t, 1000, 1000), "EPSG:4326")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNullGeometryAlwaysMatches(t *testing.T) {
	f, err := New("EPSG:4326", squareWKT, IdentityReprojector{})
	require.NoError(t, err)

	ok, err := f.Matches(nil, "EPSG:4326")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReprojectionFailureIsConservative(t *testing.T) {
	f, err := New("EPSG:27700", squareWKT, IdentityReprojector{})
	require.NoError(t, err)

	ok, err := f.Matches(encodedPoint(t, 1000, 1000), "EPSG:4326")
	require.NoError(t, err)
	assert.True(t, ok, "mismatched CRS with no reprojector support must match conservatively")
}

func TestEnvelopeOfPolygon(t *testing.T) {
	p := geom.Polygon{{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}}
	e := envelopeOf(p)
	assert.Equal(t, 0.0, e.minX)
	assert.Equal(t, 10.0, e.maxX)
}
