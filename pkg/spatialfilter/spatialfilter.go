// Package spatialfilter implements the (CRS, polygon) predicate used to
// restrict a working copy or a diff to a geographic area of interest
// (§4.H): a match-all filter, or a pair of a CRS identifier and a
// polygon, tested against each feature's geometry with an envelope
// fast-path before falling back to exact intersection.
package spatialfilter

import (
	"sync"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/koordinates/kart/pkg/blobcodec"
)

var log = logrus.WithField("component", "spatialfilter")

// Reprojector transforms a geometry from one CRS to another. Real
// reprojection (proj4/GDAL-backed) is out of scope (§1 Non-goals); the
// default Reprojector only handles the identity case and reports every
// other transform as unsupported, which Matches treats as the
// conservative "reprojection failed" case.
type Reprojector interface {
	Reproject(g geom.Geometry, fromCRS, toCRS string) (geom.Geometry, error)
}

// IdentityReprojector only succeeds when fromCRS == toCRS.
type IdentityReprojector struct{}

func (IdentityReprojector) Reproject(g geom.Geometry, fromCRS, toCRS string) (geom.Geometry, error) {
	if fromCRS == toCRS {
		return g, nil
	}
	return nil, errors.Errorf("spatialfilter: reprojection from %s to %s is not supported", fromCRS, toCRS)
}

// Filter is either match-all (the zero value) or a CRS + polygon pair.
type Filter struct {
	crs     string
	polygon geom.Geometry
	envelope envelope

	reprojector Reprojector
	mu          sync.Mutex
	cache       map[string]cachedTransform
	warned      map[string]bool
}

type cachedTransform struct {
	polygon  geom.Geometry
	envelope envelope
	ok       bool
}

// MatchAll is the filter that accepts every feature.
func MatchAll() *Filter { return &Filter{} }

// New builds a spatial filter from a CRS identifier and a polygon's WKT
// text, passed as separate arguments. This package has no parser for the
// single-string or two-section text encodings of a filter.
func New(crs, polygonWKT string, reprojector Reprojector) (*Filter, error) {
	g, err := wkt.DecodeString(polygonWKT)
	if err != nil {
		return nil, errors.Wrap(err, "spatialfilter: parsing polygon WKT")
	}
	if reprojector == nil {
		reprojector = IdentityReprojector{}
	}
	return &Filter{
		crs:         crs,
		polygon:     g,
		envelope:    envelopeOf(g),
		reprojector: reprojector,
		cache:       map[string]cachedTransform{},
		warned:      map[string]bool{},
	}, nil
}

// IsMatchAll reports whether this filter accepts everything.
func (f *Filter) IsMatchAll() bool { return f == nil || f.polygon == nil }

// Matches reports whether a feature's geometry, in the dataset's CRS,
// intersects the filter. A null geometry or a dataset with no geometry
// column always matches (§4.H).
func (f *Filter) Matches(featureGeom blobcodec.Geometry, datasetCRS string) (bool, error) {
	if f.IsMatchAll() {
		return true, nil
	}
	if len(featureGeom) == 0 {
		return true, nil
	}

	g, err := blobcodec.DecodeGeometry(featureGeom)
	if err != nil {
		return false, errors.Wrap(err, "spatialfilter: decoding feature geometry")
	}

	transformed, env, ok := f.transformFor(datasetCRS)
	if !ok {
		// conservative: reprojection failed, treat as matching the
		// whole dataset (§4.H failure mode).
		return true, nil
	}

	featureEnv := envelopeOf(g.Geometry)
	if !env.intersects(featureEnv) {
		return false, nil
	}
	return intersects(transformed, g.Geometry), nil
}

// MatchesExtentWKT reports whether an extent already given as WKT (rather
// than an encoded feature geometry) intersects the filter. Tile datasets
// record each tile's extent as WKT directly (§3.2 "Tile entry"), so
// tiledir filters this way instead of going through Matches.
func (f *Filter) MatchesExtentWKT(extentWKT, extentCRS string) (bool, error) {
	if f.IsMatchAll() || extentWKT == "" {
		return true, nil
	}
	g, err := wkt.DecodeString(extentWKT)
	if err != nil {
		return false, errors.Wrap(err, "spatialfilter: decoding tile extent WKT")
	}

	transformed, env, ok := f.transformFor(extentCRS)
	if !ok {
		return true, nil
	}

	extentEnv := envelopeOf(g)
	if !env.intersects(extentEnv) {
		return false, nil
	}
	return intersects(transformed, g), nil
}

func (f *Filter) transformFor(datasetCRS string) (geom.Geometry, envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.cache[datasetCRS]; ok {
		return c.polygon, c.envelope, c.ok
	}

	transformed, err := f.reprojector.Reproject(f.polygon, f.crs, datasetCRS)
	if err != nil {
		if !f.warned[datasetCRS] {
			f.warned[datasetCRS] = true
			log.WithFields(logrus.Fields{
				"from": f.crs,
				"to":   datasetCRS,
			}).Warn("spatial filter could not be reprojected into dataset CRS; matching whole dataset")
		}
		f.cache[datasetCRS] = cachedTransform{ok: false}
		return nil, envelope{}, false
	}

	env := envelopeOf(transformed)
	f.cache[datasetCRS] = cachedTransform{polygon: transformed, envelope: env, ok: true}
	return transformed, env, true
}
