// Package dataset presents a single committed dataset (a tabular feature
// table or a tile set) as a read-only view over an object-database tree
// (§4.D): meta items, features, CRS definitions, schema, and diffs
// against another revision of the same dataset.
package dataset

import (
	"context"
	"encoding/json"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/blobcodec"
	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/objdb"
	"github.com/koordinates/kart/pkg/pathenc"
	"github.com/koordinates/kart/pkg/schema"
)

// Kind distinguishes the two dataset shapes the object database can
// hold: tabular feature tables and tile sets (raster/point-cloud).
type Kind int

const (
	KindTabular Kind = iota
	KindTile
)

const (
	metaSubtree    = "meta"
	featureSubtree = "feature"
	tileSubtree    = "tile"
	legendSubtree  = "legend"
	crsSubtree     = "crs"
	schemaItem     = "schema.json"
	fanoutItem     = "path-structure.json"
)

// cacheEntry is what's kept in the per-tree-hash LRU: the decoded meta
// items and CRS WKT, which are the expensive-to-recompute parts of
// opening a dataset (everything else is read on demand from the tree).
type cacheEntry struct {
	metaItems map[string]any
	crs       map[string]string
	sch       schema.Schema
	legend    schema.Legend
	fanout    pathenc.FanoutParams
}

// Cache is a bounded LRU of cacheEntry keyed by dataset tree hash,
// shared across Dataset instances the way dolt's chunk store caches
// decoded chunks rather than re-decoding them on every access.
type Cache struct {
	inner *lru.Cache[hash.Hash, *cacheEntry]
}

// NewCache returns a Cache holding up to size decoded dataset trees.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New[hash.Hash, *cacheEntry](size)
	if err != nil {
		return nil, errors.Wrap(err, "dataset: creating meta cache")
	}
	return &Cache{inner: c}, nil
}

// Dataset is a read-only view of one dataset's tree.
type Dataset struct {
	store    objdb.Store
	path     string
	treeHash hash.Hash
	tree     objdb.Tree
	kind     Kind
	cache    *Cache
}

// Open loads the dataset rooted at treeHash. kind must be known by the
// caller (derived from the repository's dataset registry, outside this
// package's scope) since meta/schema.json alone does not distinguish
// tabular from tile datasets for an empty dataset.
func Open(ctx context.Context, store objdb.Store, path string, treeHash hash.Hash, kind Kind, cache *Cache) (*Dataset, error) {
	tree, err := store.ReadTree(ctx, treeHash)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: reading tree for %s", path)
	}
	return &Dataset{store: store, path: path, treeHash: treeHash, tree: tree, kind: kind, cache: cache}, nil
}

// Path returns the dataset's path within its commit tree.
func (d *Dataset) Path() string { return d.path }

// Kind returns whether this is a tabular or tile dataset.
func (d *Dataset) Kind() Kind { return d.kind }

func (d *Dataset) decode(ctx context.Context) (*cacheEntry, error) {
	if d.cache != nil {
		if e, ok := d.cache.inner.Get(d.treeHash); ok {
			return e, nil
		}
	}

	metaEntry, ok := d.tree.Lookup(metaSubtree)
	if !ok {
		return nil, kerr.Newf(kerr.KindSchemaViolation, "dataset %s has no meta subtree", d.path)
	}
	metaTree, err := d.store.ReadTree(ctx, metaEntry.Hash)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: reading meta tree for %s", d.path)
	}

	e := &cacheEntry{metaItems: map[string]any{}, crs: map[string]string{}, fanout: pathenc.DefaultFanout}
	for _, entry := range metaTree {
		if entry.Kind != objdb.KindBlob {
			continue
		}
		data, err := d.store.ReadBlob(ctx, entry.Hash)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset: reading meta item %s", entry.Name)
		}
		if strings.HasSuffix(entry.Name, ".json") {
			var v any
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, kerr.Wrapf(kerr.KindSchemaViolation, err, "dataset %s: meta item %s is not valid JSON", d.path, entry.Name)
			}
			e.metaItems[entry.Name] = v
		} else {
			e.metaItems[entry.Name] = string(data)
		}
	}

	if rawFanout, ok := e.metaItems[fanoutItem]; ok {
		if m, ok := rawFanout.(map[string]any); ok {
			if w, ok := m["width"].(float64); ok {
				e.fanout.Width = int(w)
			}
			if depth, ok := m["depth"].(float64); ok {
				e.fanout.Depth = int(depth)
			}
		}
	}

	if rawSchema, ok := e.metaItems[schemaItem]; ok {
		sch, err := decodeSchema(rawSchema)
		if err != nil {
			return nil, kerr.Wrapf(kerr.KindSchemaViolation, err, "dataset %s: invalid schema.json", d.path)
		}
		e.sch = sch
		e.legend = schema.LegendOf(sch)
	}

	if crsEntry, ok := metaTree.Lookup(crsSubtree); ok && crsEntry.Kind == objdb.KindTree {
		crsTree, err := d.store.ReadTree(ctx, crsEntry.Hash)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset: reading crs tree for %s", d.path)
		}
		for _, entry := range crsTree {
			data, err := d.store.ReadBlob(ctx, entry.Hash)
			if err != nil {
				return nil, errors.Wrapf(err, "dataset: reading crs definition %s", entry.Name)
			}
			e.crs[entry.Name] = string(data)
		}
	}

	if d.cache != nil {
		d.cache.inner.Add(d.treeHash, e)
	}
	return e, nil
}

func decodeSchema(raw any) (schema.Schema, error) {
	arr, ok := raw.([]any)
	if !ok {
		return schema.Schema{}, errors.New("schema.json must be a JSON array of columns")
	}
	cols := make([]schema.Column, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			return schema.Schema{}, errors.New("schema.json entry must be an object")
		}
		col, err := decodeColumn(m)
		if err != nil {
			return schema.Schema{}, err
		}
		cols = append(cols, col)
	}
	return schema.New(cols)
}

func decodeColumn(m map[string]any) (schema.Column, error) {
	name, _ := m["name"].(string)
	if name == "" {
		return schema.Column{}, errors.New("schema column missing name")
	}
	idStr, _ := m["id"].(string)
	id, err := parseColumnID(idStr)
	if err != nil {
		return schema.Column{}, errors.Wrapf(err, "column %s", name)
	}
	pkIndex := -1
	if v, ok := m["pkIndex"].(float64); ok {
		pkIndex = int(v)
	}
	kindStr, _ := m["type"].(string)
	t, err := parseTypeKind(kindStr)
	if err != nil {
		return schema.Column{}, errors.Wrapf(err, "column %s", name)
	}
	return schema.Column{ID: id, Name: name, Type: t, PKIndex: pkIndex}, nil
}

// MetaItems returns every decoded meta item, JSON items unmarshalled,
// everything else as a raw string (§4.D).
func (d *Dataset) MetaItems(ctx context.Context) (map[string]any, error) {
	e, err := d.decode(ctx)
	if err != nil {
		return nil, err
	}
	return e.metaItems, nil
}

// CRSDefinitions returns the dataset's CRS identifier -> WKT mapping.
func (d *Dataset) CRSDefinitions(ctx context.Context) (map[string]string, error) {
	e, err := d.decode(ctx)
	if err != nil {
		return nil, err
	}
	return e.crs, nil
}

// Schema returns the dataset's current schema.
func (d *Dataset) Schema(ctx context.Context) (schema.Schema, error) {
	e, err := d.decode(ctx)
	if err != nil {
		return schema.Schema{}, err
	}
	return e.sch, nil
}

// Row is a decoded feature, keyed by column name, alongside its
// primary-key tuple.
type Row struct {
	PK  []any
	Row blobcodec.Row
}

// GetFeature looks up a single feature by primary key in O(log N) via
// the path encoder's bounded fanout.
func (d *Dataset) GetFeature(ctx context.Context, pk []any) (blobcodec.Row, error) {
	e, err := d.decode(ctx)
	if err != nil {
		return nil, err
	}
	pkTypes := pkTypesOf(e.sch)
	p, err := pathenc.EncodeFeaturePath(pk, pkTypes, e.fanout)
	if err != nil {
		return nil, err
	}

	entry, ok := d.tree.Lookup(featureSubtree)
	if !ok {
		return nil, kerr.Newf(kerr.KindNotFound, "dataset %s has no feature subtree", d.path)
	}
	cur := entry.Hash
	for _, name := range p.Subtrees {
		t, err := d.store.ReadTree(ctx, cur)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset: walking feature path for %s", d.path)
		}
		next, ok := t.Lookup(name)
		if !ok {
			return nil, kerr.Newf(kerr.KindNotFound, "feature not found: %v", pk)
		}
		cur = next.Hash
	}
	leafTree, err := d.store.ReadTree(ctx, cur)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: reading feature leaf tree for %s", d.path)
	}
	leafEntry, ok := leafTree.Lookup(p.Leaf)
	if !ok {
		return nil, kerr.Newf(kerr.KindNotFound, "feature not found: %v", pk)
	}
	data, err := d.store.ReadBlob(ctx, leafEntry.Hash)
	if err != nil {
		return nil, errors.Wrapf(err, "dataset: reading feature blob for %s", d.path)
	}
	return blobcodec.DecodeFeature(e.sch, e.legend, data)
}

// GetFeatures is the batch variant of GetFeature. If ignoreMissing is
// false, a single missing key aborts the whole call.
func (d *Dataset) GetFeatures(ctx context.Context, pks [][]any, ignoreMissing bool) ([]blobcodec.Row, error) {
	var out []blobcodec.Row
	for _, pk := range pks {
		row, err := d.GetFeature(ctx, pk)
		if err != nil {
			if ignoreMissing && kerr.Is(err, kerr.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// Features returns every feature in the dataset's feature subtree, in a
// deterministic (tree-walk) but otherwise unspecified order. The
// returned slice is materialised eagerly; large datasets should prefer
// a future streaming variant (§4.D calls this a "lazy sequence" - here
// realised as a fully-buffered slice since objdb has no true generator
// API, consistent with how the teacher's own tree-walk helpers return
// []X rather than channels for in-process callers).
func (d *Dataset) Features(ctx context.Context) ([]blobcodec.Row, error) {
	e, err := d.decode(ctx)
	if err != nil {
		return nil, err
	}
	entry, ok := d.tree.Lookup(featureSubtree)
	if !ok {
		return nil, nil
	}
	var out []blobcodec.Row
	err = walkBlobs(ctx, d.store, entry.Hash, func(data []byte) error {
		row, err := blobcodec.DecodeFeature(e.sch, e.legend, data)
		if err != nil {
			return err
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

func walkBlobs(ctx context.Context, store objdb.Store, h hash.Hash, visit func([]byte) error) error {
	t, err := store.ReadTree(ctx, h)
	if err != nil {
		return err
	}
	sorted := append(objdb.Tree(nil), t...)
	sorted.Sort()
	for _, entry := range sorted {
		switch entry.Kind {
		case objdb.KindBlob:
			data, err := store.ReadBlob(ctx, entry.Hash)
			if err != nil {
				return err
			}
			if err := visit(data); err != nil {
				return err
			}
		case objdb.KindTree:
			if err := walkBlobs(ctx, store, entry.Hash, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

func pkTypesOf(s schema.Schema) []schema.Type {
	pk := s.PrimaryKey()
	types := make([]schema.Type, len(pk))
	for i, c := range pk {
		types[i] = c.Type
	}
	return types
}
