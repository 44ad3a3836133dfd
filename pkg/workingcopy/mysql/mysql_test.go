package mysql

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/blobcodec"
	"github.com/koordinates/kart/pkg/objdb"
	"github.com/koordinates/kart/pkg/objdb/memstore"
	"github.com/koordinates/kart/pkg/pathenc"
	"github.com/koordinates/kart/pkg/repo"
	"github.com/koordinates/kart/pkg/schema"
	"github.com/koordinates/kart/pkg/spatialfilter"
)

// pointWKB builds a minimal little-endian "POINT(x y)" WKB body.
func pointWKB(x, y float64) []byte {
	b := make([]byte, 21)
	b[0] = 1
	binary.LittleEndian.PutUint32(b[1:5], 1)
	binary.LittleEndian.PutUint64(b[5:13], math.Float64bits(x))
	binary.LittleEndian.PutUint64(b[13:21], math.Float64bits(y))
	return b
}

// gpbPoint wraps a WKB point body in an envelope-free GeoPackage Binary
// header, the wire form blobcodec.Geometry columns carry regardless of
// which working-copy backend is writing them.
func gpbPoint(x, y float64) blobcodec.Geometry {
	out := []byte{'G', 'P', 0, 0x01}
	var srsBuf [4]byte
	binary.LittleEndian.PutUint32(srsBuf[:], 4326)
	out = append(out, srsBuf[:]...)
	out = append(out, pointWKB(x, y)...)
	return blobcodec.Geometry(out)
}

const testSalt = "mysql-test"

// These tests exercise a real MySQL server and are skipped unless
// KART_TEST_MYSQL_DSN names one to connect to, for the same reason the
// postgres backend's tests are gated: there is no pure-Go in-process
// MySQL to fall back to.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("KART_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("KART_TEST_MYSQL_DSN not set, skipping mysql working copy tests")
	}
	return dsn
}

func testSchema(t *testing.T) schema.Schema {
	t.Helper()
	return testSchemaWithGeom(t, false)
}

func testSchemaWithGeom(t *testing.T, withGeometry bool) schema.Schema {
	t.Helper()
	idType := schema.Type{Kind: schema.KindInteger, Size: 64}
	nameType := schema.Type{Kind: schema.KindText}
	cols := []schema.Column{
		{ID: schema.EncodeColumnID("id", idType, testSalt), Name: "id", Type: idType, PKIndex: 0},
		{ID: schema.EncodeColumnID("name", nameType, testSalt), Name: "name", Type: nameType, PKIndex: -1},
	}
	if withGeometry {
		geomType := schema.Type{Kind: schema.KindGeometry, GeometrySubtype: "POINT", GeometryCRS: "EPSG:4326"}
		cols = append(cols, schema.Column{ID: schema.EncodeColumnID("geom", geomType, testSalt), Name: "geom", Type: geomType, PKIndex: -1})
	}
	sch, err := schema.New(cols)
	require.NoError(t, err)
	return sch
}

type testRow struct {
	id   int64
	name string
	x, y float64
}

func buildTabularDatasetTree(t *testing.T, ctx context.Context, store *memstore.Store, name string, sch schema.Schema, rows []testRow) objdb.TreeEntry {
	t.Helper()
	return buildTabularDatasetTreeWithGeom(t, ctx, store, name, sch, rows, false)
}

func buildTabularDatasetTreeWithGeom(t *testing.T, ctx context.Context, store *memstore.Store, name string, sch schema.Schema, rows []testRow, hasGeom bool) objdb.TreeEntry {
	t.Helper()
	legend := schema.LegendOf(sch)

	colsJSON := ""
	for i, c := range sch.Columns {
		if i > 0 {
			colsJSON += ","
		}
		pk := -1
		if c.PKIndex >= 0 {
			pk = c.PKIndex
		}
		colsJSON += `{"name":"` + c.Name + `","id":"` + c.ID.String() + `","type":"` + c.Type.Kind.String() + `","pkIndex":` + itoa(pk) + `}`
	}
	schemaHash, err := store.WriteBlob(ctx, []byte("["+colsJSON+"]"))
	require.NoError(t, err)
	metaTreeHash, err := store.WriteTree(ctx, objdb.Tree{{Name: "schema.json", Kind: objdb.KindBlob, Hash: schemaHash}})
	require.NoError(t, err)

	builder := pathenc.NewTreeBuilder(store)
	for _, r := range rows {
		row := blobcodec.Row{"id": r.id, "name": r.name}
		if hasGeom {
			row["geom"] = gpbPoint(r.x, r.y)
		}
		data, err := blobcodec.EncodeFeature(sch, legend, row)
		require.NoError(t, err)
		blobHash, err := store.WriteBlob(ctx, data)
		require.NoError(t, err)
		p, err := pathenc.EncodeFeaturePath([]any{r.id}, []schema.Type{sch.Columns[0].Type}, pathenc.DefaultFanout)
		require.NoError(t, err)
		builder.Add(p.String(), blobHash)
	}
	featureTreeHash, err := builder.Flush(ctx)
	require.NoError(t, err)

	rootHash, err := store.WriteTree(ctx, objdb.Tree{
		{Name: "meta", Kind: objdb.KindTree, Hash: metaTreeHash},
		{Name: "feature", Kind: objdb.KindTree, Hash: featureTreeHash},
	})
	require.NoError(t, err)
	return objdb.TreeEntry{Name: name, Kind: objdb.KindTree, Hash: rootHash}
}

func itoa(n int) string {
	if n < 0 {
		return "-" + itoa(-n)
	}
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}

func newTestRepo(t *testing.T) (*repo.Repository, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	workDir := t.TempDir()
	r, err := repo.Open(store, workDir, workDir, repo.Tidy, nil)
	require.NoError(t, err)
	return r, store
}

func newTestWorkingCopy(t *testing.T, r *repo.Repository) *WorkingCopy {
	t.Helper()
	dsn := testDSN(t)
	dbName := "kart_test_" + t.Name()
	wc, err := New(r, dsn, dbName)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = wc.db.Exec("DROP DATABASE IF EXISTS " + quoteIdent(dbName))
		_ = wc.Close()
	})
	require.NoError(t, wc.Create(context.Background()))
	return wc
}

func TestCreateProvisionsDatabaseAndKartTables(t *testing.T) {
	r, _ := newTestRepo(t)
	wc := newTestWorkingCopy(t, r)
	ctx := context.Background()

	var n int
	err := wc.db.QueryRowContext(ctx, "SELECT count(*) FROM "+wc.q(kartStateTable)).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWriteFullPopulatesTableAndBaseTree(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRepo(t)
	sch := testSchema(t)
	entry := buildTabularDatasetTree(t, ctx, store, "points", sch, []testRow{
		{id: 1, name: "a"},
		{id: 2, name: "b"},
	})
	rootHash, err := store.WriteTree(ctx, objdb.Tree{entry})
	require.NoError(t, err)

	wc := newTestWorkingCopy(t, r)
	require.NoError(t, wc.WriteFull(ctx, rootHash, spatialfilter.MatchAll()))

	var rowCount int
	require.NoError(t, wc.db.QueryRowContext(ctx, "SELECT count(*) FROM "+wc.q("points")).Scan(&rowCount))
	assert.Equal(t, 2, rowCount)

	base, err := wc.baseTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, rootHash, base)
}

func TestCheckNotDirtyAndDiffToTreeTrackEditedRows(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRepo(t)
	sch := testSchema(t)
	entry := buildTabularDatasetTree(t, ctx, store, "points", sch, []testRow{{id: 1, name: "a"}})
	rootHash, err := store.WriteTree(ctx, objdb.Tree{entry})
	require.NoError(t, err)

	wc := newTestWorkingCopy(t, r)
	require.NoError(t, wc.WriteFull(ctx, rootHash, spatialfilter.MatchAll()))
	require.NoError(t, wc.CheckNotDirty(ctx))

	_, err = wc.db.ExecContext(ctx, "UPDATE "+wc.q("points")+" SET name = 'changed' WHERE id = 1")
	require.NoError(t, err)

	err = wc.CheckNotDirty(ctx)
	assert.Error(t, err)

	diffs, err := wc.DiffToTree(ctx, rootHash, spatialfilter.MatchAll())
	require.NoError(t, err)
	require.Contains(t, diffs, "points")
	deltas := diffs["points"].Deltas
	require.Len(t, deltas, 1)
	assert.Equal(t, "1", deltas[0].Key)

	require.NoError(t, wc.SoftResetAfterCommit(ctx, rootHash))
	require.NoError(t, wc.CheckNotDirty(ctx))
}

func TestResetRefusesToDiscardDirtyChangesByDefault(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRepo(t)
	sch := testSchema(t)
	entry := buildTabularDatasetTree(t, ctx, store, "points", sch, []testRow{{id: 1, name: "a"}})
	rootHash, err := store.WriteTree(ctx, objdb.Tree{entry})
	require.NoError(t, err)

	wc := newTestWorkingCopy(t, r)
	require.NoError(t, wc.WriteFull(ctx, rootHash, spatialfilter.MatchAll()))

	_, err = wc.db.ExecContext(ctx, "UPDATE "+wc.q("points")+" SET name = 'changed' WHERE id = 1")
	require.NoError(t, err)

	err = wc.Reset(ctx, rootHash, false, spatialfilter.MatchAll())
	assert.Error(t, err)

	require.NoError(t, wc.Reset(ctx, rootHash, true, spatialfilter.MatchAll()))
	require.NoError(t, wc.CheckNotDirty(ctx))
}

const squareFilterWKT = "POLYGON((0 0, 0 10, 10 10, 10 0, 0 0))"

func TestWriteFullOmitsFeaturesOutsideSpatialFilter(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRepo(t)
	sch := testSchemaWithGeom(t, true)
	entry := buildTabularDatasetTreeWithGeom(t, ctx, store, "points", sch, []testRow{
		{id: 1, name: "inside", x: 5, y: 5},
		{id: 2, name: "outside", x: 1000, y: 1000},
	}, true)
	rootHash, err := store.WriteTree(ctx, objdb.Tree{entry})
	require.NoError(t, err)

	filter, err := spatialfilter.New("EPSG:4326", squareFilterWKT, spatialfilter.IdentityReprojector{})
	require.NoError(t, err)

	wc := newTestWorkingCopy(t, r)
	require.NoError(t, wc.WriteFull(ctx, rootHash, filter))

	rows, err := wc.db.QueryContext(ctx, "SELECT name FROM "+wc.q("points")+" ORDER BY name")
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"inside"}, names)
}

func TestDiffToTreeDoesNotReportFilteredOutFeatureAsDeleted(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRepo(t)
	sch := testSchemaWithGeom(t, true)
	entry := buildTabularDatasetTreeWithGeom(t, ctx, store, "points", sch, []testRow{
		{id: 1, name: "outside", x: 1000, y: 1000},
	}, true)
	rootHash, err := store.WriteTree(ctx, objdb.Tree{entry})
	require.NoError(t, err)

	filter, err := spatialfilter.New("EPSG:4326", squareFilterWKT, spatialfilter.IdentityReprojector{})
	require.NoError(t, err)

	wc := newTestWorkingCopy(t, r)
	require.NoError(t, wc.WriteFull(ctx, rootHash, filter))

	var rowCount int
	require.NoError(t, wc.db.QueryRowContext(ctx, "SELECT count(*) FROM "+wc.q("points")).Scan(&rowCount))
	require.Equal(t, 0, rowCount)

	// Simulate the track table naming this pk as touched, the way a
	// trigger would if the row had briefly existed and been removed
	// again; without the spatial filter check this would otherwise
	// surface as a spurious delete of a feature that was never
	// actually materialized in the working copy.
	_, err = wc.db.ExecContext(ctx, "INSERT INTO "+wc.q(kartTrackTable)+" (table_name, pk) VALUES ('points', '1')")
	require.NoError(t, err)

	diffs, err := wc.DiffToTree(ctx, rootHash, filter)
	require.NoError(t, err)
	assert.NotContains(t, diffs, "points")
}
