package dataset

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/objdb"
	"github.com/koordinates/kart/pkg/pathenc"
)

// TileEntry is one entry under a tile dataset's tile/ subtree (§3.2
// "Tile entry"): a pointer file naming an externally-stored blob rather
// than the tile content itself.
type TileEntry struct {
	Name         string
	OID          string
	Size         int64
	SidecarOID   string
	SidecarSize  int64
	HasSidecar   bool
	Format       string
	NativeExtent string
	CRS84Extent  string
	SourceOID    string
	HasSourceOID bool
}

// tilePointer mirrors the JSON shape of a tile pointer-file blob.
type tilePointer struct {
	OID          string `json:"oid"`
	Size         int64  `json:"size"`
	SidecarOID   string `json:"sidecarOid,omitempty"`
	SidecarSize  int64  `json:"sidecarSize,omitempty"`
	Format       string `json:"format"`
	NativeExtent string `json:"nativeExtent,omitempty"`
	CRS84Extent  string `json:"crs84Extent,omitempty"`
	SourceOID    string `json:"sourceOid,omitempty"`
}

// Tiles returns every tile entry in the dataset's tile subtree (§4.D,
// the tile-set analogue of Features). Only KindTile datasets have a
// tile subtree; calling this on a tabular dataset returns nil.
func (d *Dataset) Tiles(ctx context.Context) ([]TileEntry, error) {
	entry, ok := d.tree.Lookup(tileSubtree)
	if !ok {
		return nil, nil
	}
	var out []TileEntry
	err := walkTilePointers(ctx, d.store, entry.Hash, func(name string, data []byte) error {
		te, err := decodeTilePointer(name, data)
		if err != nil {
			return err
		}
		out = append(out, te)
		return nil
	})
	return out, err
}

// GetTile looks up a single tile entry by filename.
func (d *Dataset) GetTile(ctx context.Context, name string) (TileEntry, error) {
	entry, ok := d.tree.Lookup(tileSubtree)
	if !ok {
		return TileEntry{}, kerr.Newf(kerr.KindNotFound, "dataset %s has no tile subtree", d.path)
	}
	p := pathenc.EncodeTilePath(name)
	cur := entry.Hash
	for _, subtreeName := range []string{p.DirA, p.DirB} {
		t, err := d.store.ReadTree(ctx, cur)
		if err != nil {
			return TileEntry{}, errors.Wrapf(err, "dataset: walking tile path for %s", d.path)
		}
		next, ok := t.Lookup(subtreeName)
		if !ok {
			return TileEntry{}, kerr.Newf(kerr.KindNotFound, "tile not found: %s", name)
		}
		cur = next.Hash
	}
	leafTree, err := d.store.ReadTree(ctx, cur)
	if err != nil {
		return TileEntry{}, errors.Wrapf(err, "dataset: reading tile leaf tree for %s", d.path)
	}
	leafEntry, ok := leafTree.Lookup(p.Filename)
	if !ok {
		return TileEntry{}, kerr.Newf(kerr.KindNotFound, "tile not found: %s", name)
	}
	data, err := d.store.ReadBlob(ctx, leafEntry.Hash)
	if err != nil {
		return TileEntry{}, errors.Wrapf(err, "dataset: reading tile pointer blob for %s", d.path)
	}
	return decodeTilePointer(p.Filename, data)
}

// walkTilePointers visits every (filename, pointer-blob) pair under a
// tile subtree, recursing through the two fanout levels EncodeTilePath
// introduces before reaching the leaf blobs.
func walkTilePointers(ctx context.Context, store objdb.Store, h hash.Hash, visit func(string, []byte) error) error {
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
			if err := visit(entry.Name, data); err != nil {
				return err
			}
		case objdb.KindTree:
			if err := walkTilePointers(ctx, store, entry.Hash, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeTilePointer(name string, data []byte) (TileEntry, error) {
	var p tilePointer
	if err := json.Unmarshal(data, &p); err != nil {
		return TileEntry{}, kerr.Wrapf(kerr.KindSchemaViolation, err, "tile %s: invalid pointer file", name)
	}
	return TileEntry{
		Name:         name,
		OID:          p.OID,
		Size:         p.Size,
		SidecarOID:   p.SidecarOID,
		SidecarSize:  p.SidecarSize,
		HasSidecar:   p.SidecarOID != "",
		Format:       p.Format,
		NativeExtent: p.NativeExtent,
		CRS84Extent:  p.CRS84Extent,
		SourceOID:    p.SourceOID,
		HasSourceOID: p.SourceOID != "",
	}, nil
}
