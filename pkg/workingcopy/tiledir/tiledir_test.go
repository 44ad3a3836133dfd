package tiledir

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/objdb"
	"github.com/koordinates/kart/pkg/objdb/memstore"
	"github.com/koordinates/kart/pkg/pathenc"
	"github.com/koordinates/kart/pkg/repo"
	"github.com/koordinates/kart/pkg/spatialfilter"
)

// fakeBlobSource is an in-memory BlobSource keyed by OID, standing in
// for a populated local LFS-style cache.
type fakeBlobSource struct {
	content map[string][]byte
}

func (f fakeBlobSource) Open(ctx context.Context, oid string) (io.ReadCloser, error) {
	data, ok := f.content[oid]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func newTestRepo(t *testing.T) (*repo.Repository, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	workDir := t.TempDir()
	r, err := repo.Open(store, workDir, workDir, repo.Tidy, nil)
	require.NoError(t, err)
	return r, store
}

// buildTileDatasetTree builds a minimal tile-dataset tree (meta/format.json
// marks it as a tile dataset per repo.classifyDataset) with one tile
// pointer entry per name->oid pair.
func buildTileDatasetTree(t *testing.T, ctx context.Context, store *memstore.Store, tiles map[string]string) objdb.TreeEntry {
	t.Helper()
	return buildTileDatasetTreeWithExtents(t, ctx, store, tiles, nil)
}

// buildTileDatasetTreeWithExtents is buildTileDatasetTree plus an
// optional per-tile CRS84Extent WKT, for spatial-filter tests.
func buildTileDatasetTreeWithExtents(t *testing.T, ctx context.Context, store *memstore.Store, tiles map[string]string, extents map[string]string) objdb.TreeEntry {
	t.Helper()

	formatHash, err := store.WriteBlob(ctx, []byte(`{"format":"geotiff/cog"}`))
	require.NoError(t, err)
	metaTree := objdb.Tree{{Name: "format.json", Kind: objdb.KindBlob, Hash: formatHash}}
	metaTreeHash, err := store.WriteTree(ctx, metaTree)
	require.NoError(t, err)

	builder := pathenc.NewTreeBuilder(store)
	for name, oid := range tiles {
		pointer := map[string]any{
			"oid":    oid,
			"size":   int64(len(oid)),
			"format": "geotiff/cog",
		}
		if ext, ok := extents[name]; ok {
			pointer["crs84Extent"] = ext
		}
		data, err := json.Marshal(pointer)
		require.NoError(t, err)
		blobHash, err := store.WriteBlob(ctx, data)
		require.NoError(t, err)
		p := pathenc.EncodeTilePath(name)
		// p.String() is rooted at "tile/..."; the builder here only
		// spans the tile subtree itself, so strip that leading segment.
		builder.Add(p.DirA+"/"+p.DirB+"/"+p.Filename, blobHash)
	}
	tileTreeHash, err := builder.Flush(ctx)
	require.NoError(t, err)

	rootTree := objdb.Tree{
		{Name: "meta", Kind: objdb.KindTree, Hash: metaTreeHash},
		{Name: "tile", Kind: objdb.KindTree, Hash: tileTreeHash},
	}
	rootHash, err := store.WriteTree(ctx, rootTree)
	require.NoError(t, err)
	return objdb.TreeEntry{Name: "aerial", Kind: objdb.KindTree, Hash: rootHash}
}

func buildRepoTree(t *testing.T, ctx context.Context, store *memstore.Store, datasetEntry objdb.TreeEntry) (hash.Hash, error) {
	t.Helper()
	root := objdb.Tree{datasetEntry}
	return store.WriteTree(ctx, root)
}

func TestCreateProvisionsDirectoryAndState(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "wc")

	wc := New(r, root, fakeBlobSource{})
	require.NoError(t, wc.Create(ctx))

	_, err := os.Stat(wc.statePath())
	require.NoError(t, err)
}

func TestWriteFullMaterializesTileFiles(t *testing.T) {
	r, store := newTestRepo(t)
	ctx := context.Background()

	dsEntry := buildTileDatasetTree(t, ctx, store, map[string]string{
		"tile_0_0.tif": "oid-aaa",
		"tile_0_1.tif": "oid-bbb",
	})
	treeHash, err := buildRepoTree(t, ctx, store, dsEntry)
	require.NoError(t, err)

	blobs := fakeBlobSource{content: map[string][]byte{
		"oid-aaa": []byte("tile bytes a"),
		"oid-bbb": []byte("tile bytes b"),
	}}

	root := filepath.Join(t.TempDir(), "wc")
	wc := New(r, root, blobs)
	require.NoError(t, wc.Create(ctx))
	require.NoError(t, wc.WriteFull(ctx, treeHash, spatialfilter.MatchAll(), "aerial"))

	data, err := os.ReadFile(filepath.Join(wc.datasetDir("aerial"), "tile_0_0.tif"))
	require.NoError(t, err)
	assert.Equal(t, "tile bytes a", string(data))

	data, err = os.ReadFile(filepath.Join(wc.datasetDir("aerial"), "tile_0_1.tif"))
	require.NoError(t, err)
	assert.Equal(t, "tile bytes b", string(data))

	base, err := wc.baseTree()
	require.NoError(t, err)
	assert.Equal(t, treeHash, base)
}

func TestCheckNotDirtyReflectsTrackSidecar(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "wc")

	wc := New(r, root, fakeBlobSource{})
	require.NoError(t, wc.Create(ctx))
	require.NoError(t, wc.CheckNotDirty(ctx))

	require.NoError(t, wc.RecordEdit(ctx, "aerial", "tile_0_0.tif"))

	err := wc.CheckNotDirty(ctx)
	require.Error(t, err)
}

func TestRecordEditIsIdempotent(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "wc")

	wc := New(r, root, fakeBlobSource{})
	require.NoError(t, wc.Create(ctx))

	require.NoError(t, wc.RecordEdit(ctx, "aerial", "tile_0_0.tif"))
	require.NoError(t, wc.RecordEdit(ctx, "aerial", "tile_0_0.tif"))
	assert.Len(t, wc.track.Entries, 1)
}

func TestSoftResetAfterCommitClearsTrackAndUpdatesState(t *testing.T) {
	r, store := newTestRepo(t)
	ctx := context.Background()

	dsEntry := buildTileDatasetTree(t, ctx, store, map[string]string{"tile_0_0.tif": "oid-aaa"})
	treeHash, err := buildRepoTree(t, ctx, store, dsEntry)
	require.NoError(t, err)

	root := filepath.Join(t.TempDir(), "wc")
	wc := New(r, root, fakeBlobSource{})
	require.NoError(t, wc.Create(ctx))
	require.NoError(t, wc.RecordEdit(ctx, "aerial", "tile_0_0.tif"))

	require.NoError(t, wc.SoftResetAfterCommit(ctx, treeHash))
	require.NoError(t, wc.CheckNotDirty(ctx))

	base, err := wc.baseTree()
	require.NoError(t, err)
	assert.Equal(t, treeHash, base)
}

func TestDiffToTreeReportsInsertForNewTileFile(t *testing.T) {
	r, store := newTestRepo(t)
	ctx := context.Background()

	dsEntry := buildTileDatasetTree(t, ctx, store, map[string]string{"tile_0_0.tif": "oid-aaa"})
	treeHash, err := buildRepoTree(t, ctx, store, dsEntry)
	require.NoError(t, err)

	blobs := fakeBlobSource{content: map[string][]byte{"oid-aaa": []byte("a")}}
	root := filepath.Join(t.TempDir(), "wc")
	wc := New(r, root, blobs)
	require.NoError(t, wc.Create(ctx))
	require.NoError(t, wc.WriteFull(ctx, treeHash, spatialfilter.MatchAll(), "aerial"))

	// Simulate an externally-added tile file plus the corresponding
	// RecordEdit call a real writer would make.
	require.NoError(t, os.WriteFile(filepath.Join(wc.datasetDir("aerial"), "tile_new.tif"), []byte("new"), 0o644))
	require.NoError(t, wc.RecordEdit(ctx, "aerial", "tile_new.tif"))

	diffs, err := wc.DiffToTree(ctx, treeHash, spatialfilter.MatchAll())
	require.NoError(t, err)
	require.Contains(t, diffs, "aerial")
	deltas := diffs["aerial"].Deltas
	require.Len(t, deltas, 1)
	assert.Equal(t, "tile_new.tif", deltas[0].Key)
}

func TestResetRefusesToDiscardDirtyChangesByDefault(t *testing.T) {
	r, store := newTestRepo(t)
	ctx := context.Background()

	dsEntry := buildTileDatasetTree(t, ctx, store, map[string]string{"tile_0_0.tif": "oid-aaa"})
	treeHash, err := buildRepoTree(t, ctx, store, dsEntry)
	require.NoError(t, err)

	root := filepath.Join(t.TempDir(), "wc")
	wc := New(r, root, fakeBlobSource{})
	require.NoError(t, wc.Create(ctx))
	require.NoError(t, wc.RecordEdit(ctx, "aerial", "tile_0_0.tif"))

	err = wc.Reset(ctx, treeHash, false, spatialfilter.MatchAll())
	require.Error(t, err)
}

const tileSquareFilterWKT = "POLYGON((0 0, 0 10, 10 10, 10 0, 0 0))"

func TestWriteFullOmitsTilesOutsideSpatialFilter(t *testing.T) {
	r, store := newTestRepo(t)
	ctx := context.Background()

	dsEntry := buildTileDatasetTreeWithExtents(t, ctx, store, map[string]string{
		"tile_in.tif":  "oid-in",
		"tile_out.tif": "oid-out",
	}, map[string]string{
		"tile_in.tif":  "POLYGON((1 1, 1 2, 2 2, 2 1, 1 1))",
		"tile_out.tif": "POLYGON((1000 1000, 1000 1001, 1001 1001, 1001 1000, 1000 1000))",
	})
	treeHash, err := buildRepoTree(t, ctx, store, dsEntry)
	require.NoError(t, err)

	blobs := fakeBlobSource{content: map[string][]byte{
		"oid-in":  []byte("tile bytes in"),
		"oid-out": []byte("tile bytes out"),
	}}

	filter, err := spatialfilter.New("CRS84", tileSquareFilterWKT, spatialfilter.IdentityReprojector{})
	require.NoError(t, err)

	root := filepath.Join(t.TempDir(), "wc")
	wc := New(r, root, blobs)
	require.NoError(t, wc.Create(ctx))
	require.NoError(t, wc.WriteFull(ctx, treeHash, filter, "aerial"))

	_, err = os.Stat(filepath.Join(wc.datasetDir("aerial"), "tile_in.tif"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(wc.datasetDir("aerial"), "tile_out.tif"))
	require.True(t, os.IsNotExist(err))
}

func TestDiffToTreeDoesNotReportFilteredOutTileAsDeleted(t *testing.T) {
	r, store := newTestRepo(t)
	ctx := context.Background()

	dsEntry := buildTileDatasetTreeWithExtents(t, ctx, store, map[string]string{
		"tile_out.tif": "oid-out",
	}, map[string]string{
		"tile_out.tif": "POLYGON((1000 1000, 1000 1001, 1001 1001, 1001 1000, 1000 1000))",
	})
	treeHash, err := buildRepoTree(t, ctx, store, dsEntry)
	require.NoError(t, err)

	filter, err := spatialfilter.New("CRS84", tileSquareFilterWKT, spatialfilter.IdentityReprojector{})
	require.NoError(t, err)

	root := filepath.Join(t.TempDir(), "wc")
	wc := New(r, root, fakeBlobSource{content: map[string][]byte{"oid-out": []byte("x")}})
	require.NoError(t, wc.Create(ctx))
	require.NoError(t, wc.WriteFull(ctx, treeHash, filter, "aerial"))

	_, err = os.Stat(filepath.Join(wc.datasetDir("aerial"), "tile_out.tif"))
	require.True(t, os.IsNotExist(err))

	// Simulate a trigger-less track entry naming the filtered-out tile,
	// the tiledir analogue of the gpkg track-table case: without the
	// filter check this would surface as a spurious delete of a tile
	// that was never actually materialized in the working copy.
	wc.track.Entries = append(wc.track.Entries, trackEntry{Dataset: "aerial", Name: "tile_out.tif"})

	diffs, err := wc.DiffToTree(ctx, treeHash, filter)
	require.NoError(t, err)
	assert.NotContains(t, diffs, "aerial")
}
