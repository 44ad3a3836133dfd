// Package gpkg is the GeoPackage working-copy backend (§4.F): a plain
// .gpkg SQLite file holding one ordinary table per tabular dataset,
// the standard gpkg_contents/gpkg_geometry_columns/gpkg_spatial_ref_sys
// bookkeeping tables GeoPackage readers expect, and kart's own
// gpkg_kart_state/gpkg_kart_track tables recording which tree the
// working copy was last written from and which rows have since been
// touched. Grounded on kart's WorkingCopy_GPKG and its GpkgTables/
// GpkgKartTables table definitions, adapted from SQLAlchemy's Core
// table/engine API onto jmoiron/sqlx over mattn/go-sqlite3.
package gpkg

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkb"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/koordinates/kart/pkg/blobcodec"
	"github.com/koordinates/kart/pkg/dataset"
	"github.com/koordinates/kart/pkg/diff"
	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/repo"
	"github.com/koordinates/kart/pkg/schema"
	"github.com/koordinates/kart/pkg/workingcopy"
)

// Kart-branded table names, following GpkgKartTables(is_kart_branding=True).
const (
	kartStateTable = "gpkg_kart_state"
	kartTrackTable = "gpkg_kart_track"
)

const gpbHeaderLen = 8 // blobcodec.NormalizeGeometry always strips the envelope, so the body starts right after the fixed header.

// WorkingCopy is a GeoPackage working copy rooted at one .gpkg file.
type WorkingCopy struct {
	repo    *repo.Repository
	relPath string
	db      *sqlx.DB

	tx      *sqlx.Tx
	depth   int
	aborted bool
}

// New opens (but does not create) the GeoPackage file at relPath,
// relative to r.WorkDir().
func New(r *repo.Repository, relPath string) (*WorkingCopy, error) {
	full := filepath.Join(r.WorkDir(), relPath)
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", full))
	if err != nil {
		return nil, errors.Wrap(err, "gpkg: opening database")
	}
	db.SetMaxOpenConns(1) // one file, one writer - sqlite3 serialises anyway
	return &WorkingCopy{repo: r, relPath: relPath, db: db}, nil
}

func (w *WorkingCopy) Close() error {
	return w.db.Close()
}

// outerSession owns the transaction; nestedSession just tracks depth so
// an inner Session() call reuses the same transaction, matching the
// teacher's "calling again yields the same connection" contextmanager.
type outerSession struct{ wc *WorkingCopy }
type nestedSession struct{ wc *WorkingCopy }

func (s *outerSession) Commit(ctx context.Context) error {
	tx := s.wc.tx
	s.wc.tx, s.wc.depth = nil, 0
	if s.wc.aborted {
		s.wc.aborted = false
		_ = tx.Rollback()
		return kerr.Newf(kerr.KindInvalidOperation, "gpkg: session had a nested rollback, transaction discarded")
	}
	return tx.Commit()
}

func (s *outerSession) Rollback(ctx context.Context) error {
	tx := s.wc.tx
	s.wc.tx, s.wc.depth, s.wc.aborted = nil, 0, false
	if tx == nil {
		return nil
	}
	return tx.Rollback()
}

func (s *nestedSession) Commit(ctx context.Context) error {
	s.wc.depth--
	return nil
}

func (s *nestedSession) Rollback(ctx context.Context) error {
	s.wc.depth--
	s.wc.aborted = true
	return nil
}

// Session opens (or, for a nested call, reuses) the working copy's one
// exclusive transaction (§5 "Transactions").
func (w *WorkingCopy) Session(ctx context.Context) (workingcopy.Session, error) {
	if w.tx != nil {
		w.depth++
		return &nestedSession{wc: w}, nil
	}
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "gpkg: beginning transaction")
	}
	w.tx = tx
	w.depth = 1
	return &outerSession{wc: w}, nil
}

// Create provisions the standard GeoPackage core tables plus kart's own
// state/track tables, but writes no dataset tables or rows (those come
// from WriteFull).
func (w *WorkingCopy) Create(ctx context.Context) error {
	sess, err := w.Session(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range gpkgCoreTableDDL {
		if _, err := w.tx.ExecContext(ctx, stmt); err != nil {
			sess.Rollback(ctx)
			return errors.Wrap(err, "gpkg: creating core tables")
		}
	}
	if _, err := w.tx.ExecContext(ctx, srsSeedDML); err != nil {
		sess.Rollback(ctx)
		return errors.Wrap(err, "gpkg: seeding gpkg_spatial_ref_sys")
	}
	for _, stmt := range kartTableDDL {
		if _, err := w.tx.ExecContext(ctx, stmt); err != nil {
			sess.Rollback(ctx)
			return errors.Wrap(err, "gpkg: creating kart tables")
		}
	}
	return sess.Commit(ctx)
}

// gpkgCoreTableDDL are the GeoPackage spec's own tables (§ http://www.geopackage.org/spec/#table_definition_sql).
var gpkgCoreTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS gpkg_spatial_ref_sys (
		srs_name TEXT NOT NULL,
		srs_id INTEGER PRIMARY KEY,
		organization TEXT NOT NULL,
		organization_coordsys_id INTEGER NOT NULL,
		definition TEXT NOT NULL,
		description TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS gpkg_contents (
		table_name TEXT NOT NULL PRIMARY KEY,
		data_type TEXT NOT NULL,
		identifier TEXT UNIQUE,
		description TEXT DEFAULT '',
		last_change TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
		srs_id INTEGER REFERENCES gpkg_spatial_ref_sys(srs_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gpkg_geometry_columns (
		table_name TEXT NOT NULL PRIMARY KEY REFERENCES gpkg_contents(table_name),
		column_name TEXT NOT NULL,
		geometry_type_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL REFERENCES gpkg_spatial_ref_sys(srs_id),
		z TINYINT NOT NULL,
		m TINYINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gpkg_metadata (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		md_scope TEXT NOT NULL DEFAULT 'dataset',
		md_standard_uri TEXT NOT NULL,
		mime_type TEXT NOT NULL DEFAULT 'text/xml',
		metadata TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS gpkg_metadata_reference (
		reference_scope TEXT NOT NULL,
		table_name TEXT,
		column_name TEXT,
		row_id_value INTEGER,
		timestamp TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		md_file_id INTEGER NOT NULL REFERENCES gpkg_metadata(id),
		md_parent_id INTEGER REFERENCES gpkg_metadata(id)
	)`,
	`CREATE TABLE IF NOT EXISTS gpkg_extensions (
		table_name TEXT,
		column_name TEXT,
		extension_name TEXT NOT NULL,
		definition TEXT NOT NULL,
		scope TEXT NOT NULL,
		UNIQUE (table_name, column_name, extension_name)
	)`,
}

const espg4326WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`

var srsSeedDML = fmt.Sprintf(`
	INSERT OR REPLACE INTO gpkg_spatial_ref_sys
	(srs_name, srs_id, organization, organization_coordsys_id, definition, description)
	VALUES
	('Undefined cartesian SRS', -1, 'NONE', -1, 'undefined', 'undefined cartesian coordinate reference system'),
	('Undefined geographic SRS', 0, 'NONE', 0, 'undefined', 'undefined geographic coordinate reference system'),
	('WGS 84 geodetic', 4326, 'EPSG', 4326, '%s', 'longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid')
`, espg4326WKT)

var kartTableDDL = []string{
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		table_name TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (table_name, key)
	)`, kartStateTable),
	fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		table_name TEXT NOT NULL,
		pk TEXT,
		PRIMARY KEY (table_name, pk)
	)`, kartTrackTable),
}

// tableNameFor maps a dataset path to a flat SQL table name - GeoPackage
// has no notion of a nested namespace the way the object database's tree
// does.
func tableNameFor(datasetPath string) string {
	return strings.ReplaceAll(datasetPath, "/", "__")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func triggerName(kind, tableName string) string {
	return quoteIdent(fmt.Sprintf("gpkg_kart_%s_%s", tableName, kind))
}

// pkColumn picks the schema's primary key column. Only single-column
// primary keys are supported - a composite key would need a separate
// surrogate-key table to track per-row state, which is left as a
// follow-up (recorded as an open question in the repository's design
// notes) rather than built speculatively here.
func pkColumn(sch schema.Schema) (schema.Column, error) {
	pk := sch.PrimaryKey()
	if len(pk) != 1 {
		return schema.Column{}, kerr.Newf(kerr.KindSchemaViolation, "gpkg working copy requires exactly one primary key column, found %d", len(pk))
	}
	return pk[0], nil
}

// needsDemotion reports whether col's type can't serve directly as a
// GeoPackage INTEGER PRIMARY KEY (a GPKG feature table's primary key
// must be an integer rowid alias, §4.F "integer-PK demotion").
func needsDemotion(col schema.Column) bool {
	return col.Type.Kind != schema.KindInteger
}

func sqlTypeName(t schema.Type) (string, error) {
	switch t.Kind {
	case schema.KindBoolean:
		return "BOOLEAN", nil
	case schema.KindInteger:
		switch t.Size {
		case 8:
			return "TINYINT", nil
		case 16:
			return "SMALLINT", nil
		case 32:
			return "MEDIUMINT", nil
		default:
			return "INTEGER", nil
		}
	case schema.KindFloat:
		if t.Size == 32 {
			return "FLOAT", nil
		}
		return "DOUBLE", nil
	case schema.KindNumeric:
		// GPKG has no fixed-point type; approximated as text, same as
		// the teacher's APPROXIMATED_TYPES table.
		return "TEXT", nil
	case schema.KindText:
		if t.Length > 0 {
			return fmt.Sprintf("TEXT(%d)", t.Length), nil
		}
		return "TEXT", nil
	case schema.KindBlob:
		return "BLOB", nil
	case schema.KindDate:
		return "DATE", nil
	case schema.KindTime:
		return "TEXT", nil
	case schema.KindTimestamp:
		return "DATETIME", nil
	case schema.KindInterval:
		return "TEXT", nil
	case schema.KindGeometry:
		if t.GeometrySubtype != "" {
			return strings.ToUpper(t.GeometrySubtype), nil
		}
		return "GEOMETRY", nil
	default:
		return "", errors.Errorf("gpkg: unsupported column type kind %v", t.Kind)
	}
}

func geometryColumn(sch schema.Schema) (schema.Column, bool) {
	for _, c := range sch.Columns {
		if c.Type.Kind == schema.KindGeometry {
			return c, true
		}
	}
	return schema.Column{}, false
}

func srsIDFor(crs string) int {
	parts := strings.SplitN(crs, ":", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "EPSG") {
		if n, err := strconv.Atoi(parts[1]); err == nil {
			return n
		}
	}
	return 0
}

// createTable issues CREATE TABLE for ds, applying integer-PK demotion
// when the dataset's primary key isn't already an integer.
func (w *WorkingCopy) createTable(ctx context.Context, tableName string, sch schema.Schema) (demoted bool, err error) {
	pk, err := pkColumn(sch)
	if err != nil {
		return false, err
	}
	demoted = needsDemotion(pk)

	var cols []string
	if demoted {
		cols = append(cols, quoteIdent("fid")+" INTEGER PRIMARY KEY AUTOINCREMENT")
	}
	for _, c := range sch.Columns {
		typeName, err := sqlTypeName(c.Type)
		if err != nil {
			return false, err
		}
		def := quoteIdent(c.Name) + " " + typeName
		switch {
		case !demoted && c.Name == pk.Name:
			def += " PRIMARY KEY"
		case demoted && c.Name == pk.Name:
			def += " NOT NULL UNIQUE"
		}
		cols = append(cols, def)
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(tableName), strings.Join(cols, ", "))
	if _, err := w.tx.ExecContext(ctx, stmt); err != nil {
		return false, errors.Wrapf(err, "gpkg: creating table %s", tableName)
	}
	return demoted, nil
}

func (w *WorkingCopy) dropTableIfExists(ctx context.Context, tableName string) error {
	if _, err := w.tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(tableName))); err != nil {
		return errors.Wrapf(err, "gpkg: dropping table %s", tableName)
	}
	var rtrees []string
	if err := w.tx.SelectContext(ctx, &rtrees, "SELECT name FROM sqlite_master WHERE type = 'table' AND sql LIKE 'CREATE VIRTUAL TABLE%' AND name LIKE ?",
		quoteIdentPrefix(rtreeTableName(tableName, ""))); err != nil {
		return errors.Wrap(err, "gpkg: listing rtree indexes")
	}
	for _, rtree := range rtrees {
		if _, err := w.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(rtree)); err != nil {
			return errors.Wrapf(err, "gpkg: dropping rtree index %s", rtree)
		}
	}
	if _, err := w.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE table_name = ?", kartTrackTable), tableName); err != nil {
		return errors.Wrap(err, "gpkg: clearing track table")
	}
	_, err := w.tx.ExecContext(ctx, "DELETE FROM gpkg_contents WHERE table_name = ?", tableName)
	if err != nil {
		return errors.Wrap(err, "gpkg: clearing gpkg_contents")
	}
	_, err = w.tx.ExecContext(ctx, "DELETE FROM gpkg_geometry_columns WHERE table_name = ?", tableName)
	if err != nil {
		return errors.Wrap(err, "gpkg: clearing gpkg_geometry_columns")
	}
	_, err = w.tx.ExecContext(ctx, "DELETE FROM gpkg_extensions WHERE table_name = ?", tableName)
	return errors.Wrap(err, "gpkg: clearing gpkg_extensions")
}

func rtreeTableName(tableName, geomCol string) string {
	if geomCol == "" {
		return "rtree_" + tableName + "_%"
	}
	return "rtree_" + tableName + "_" + geomCol
}

func quoteIdentPrefix(likePattern string) string {
	// Only used with a LIKE-style "%" suffix, which must stay unquoted
	// text rather than a quoted identifier.
	return likePattern
}

func (w *WorkingCopy) writeMeta(ctx context.Context, tableName string, ds *dataset.Dataset, sch schema.Schema, minX, minY, maxX, maxY float64, hasExtent bool) error {
	metaItems, err := ds.MetaItems(ctx)
	if err != nil {
		return err
	}
	title := tableName
	if t, ok := metaItems["title"].(string); ok && t != "" {
		title = t
	}
	description, _ := metaItems["description"].(string)

	geomCol, hasGeom := geometryColumn(sch)
	srsID := 0
	if hasGeom {
		srsID = srsIDFor(geomCol.Type.GeometryCRS)
		crsDefs, err := ds.CRSDefinitions(ctx)
		if err != nil {
			return err
		}
		if wkt, ok := crsDefs[geomCol.Type.GeometryCRS]; ok {
			if _, err := w.tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO gpkg_spatial_ref_sys
				(srs_name, srs_id, organization, organization_coordsys_id, definition)
				VALUES (?, ?, ?, ?, ?)`,
				geomCol.Type.GeometryCRS, srsID, "EPSG", srsID, wkt); err != nil {
				return errors.Wrap(err, "gpkg: writing gpkg_spatial_ref_sys")
			}
		}
	}

	dataType := "features"
	if !hasGeom {
		dataType = "attributes"
	}

	var existing int
	if err := w.tx.GetContext(ctx, &existing, `SELECT count(*) FROM gpkg_contents WHERE identifier = ? AND table_name != ?`, title, tableName); err != nil {
		return errors.Wrap(err, "gpkg: checking gpkg_contents identifier")
	}
	if existing > 0 {
		title = tableName + ": " + title
	}

	args := []any{tableName, dataType, title, description}
	query := `INSERT OR REPLACE INTO gpkg_contents (table_name, data_type, identifier, description`
	if hasExtent {
		query += `, min_x, min_y, max_x, max_y`
		args = append(args, minX, minY, maxX, maxY)
	}
	if hasGeom {
		query += `, srs_id`
		args = append(args, srsID)
	}
	placeholders := make([]string, len(args))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	query += `) VALUES (` + strings.Join(placeholders, ", ") + `)`
	if _, err := w.tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "gpkg: writing gpkg_contents")
	}

	if hasGeom {
		z, m := byte(0), byte(0) // 0 = prohibited (GPKG spec): kart's geometries carry no z/m dimension tracking.
		if _, err := w.tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO gpkg_geometry_columns
			(table_name, column_name, geometry_type_name, srs_id, z, m)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tableName, geomCol.Name, geometryTypeName(geomCol.Type), srsID, z, m); err != nil {
			return errors.Wrap(err, "gpkg: writing gpkg_geometry_columns")
		}
	}

	if xml, ok := metaItems["metadata.xml"].(string); ok && xml != "" {
		if err := w.writeMetadataXML(ctx, tableName, xml); err != nil {
			return err
		}
	}
	return nil
}

// writeMetadataXML replaces tableName's gpkg_metadata/gpkg_metadata_reference
// rows with xml (§4.F "gpkg_metadata* tables synced with commits"). Any
// prior rows for the table are cleared first since WriteFull always
// rewrites a table's metadata from scratch along with its data.
func (w *WorkingCopy) writeMetadataXML(ctx context.Context, tableName, xml string) error {
	var oldIDs []int64
	if err := w.tx.SelectContext(ctx, &oldIDs, `SELECT md_file_id FROM gpkg_metadata_reference WHERE table_name = ?`, tableName); err != nil {
		return errors.Wrap(err, "gpkg: reading gpkg_metadata_reference")
	}
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM gpkg_metadata_reference WHERE table_name = ?`, tableName); err != nil {
		return errors.Wrap(err, "gpkg: clearing gpkg_metadata_reference")
	}
	for _, id := range oldIDs {
		if _, err := w.tx.ExecContext(ctx, `DELETE FROM gpkg_metadata WHERE id = ?`, id); err != nil {
			return errors.Wrap(err, "gpkg: clearing gpkg_metadata")
		}
	}

	res, err := w.tx.ExecContext(ctx, `
		INSERT INTO gpkg_metadata (md_scope, md_standard_uri, mime_type, metadata)
		VALUES ('dataset', 'http://www.isotc211.org/2005/gmd', 'text/xml', ?)`, xml)
	if err != nil {
		return errors.Wrap(err, "gpkg: writing gpkg_metadata")
	}
	mdID, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "gpkg: reading gpkg_metadata insert id")
	}
	if _, err := w.tx.ExecContext(ctx, `
		INSERT INTO gpkg_metadata_reference (reference_scope, table_name, md_file_id)
		VALUES ('table', ?, ?)`, tableName, mdID); err != nil {
		return errors.Wrap(err, "gpkg: writing gpkg_metadata_reference")
	}
	return nil
}

func geometryTypeName(t schema.Type) string {
	if t.GeometrySubtype != "" {
		return strings.ToUpper(t.GeometrySubtype)
	}
	return "GEOMETRY"
}

func (w *WorkingCopy) createTriggers(ctx context.Context, tableName, pkColName string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s BEGIN
			INSERT OR REPLACE INTO %s (table_name, pk) VALUES ('%s', NEW.%s);
		END`, triggerName("ins", tableName), quoteIdent(tableName), kartTrackTable, tableName, quoteIdent(pkColName)),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE ON %s BEGIN
			INSERT OR REPLACE INTO %s (table_name, pk) VALUES ('%s', NEW.%s), ('%s', OLD.%s);
		END`, triggerName("upd", tableName), quoteIdent(tableName), kartTrackTable, tableName, quoteIdent(pkColName), tableName, quoteIdent(pkColName)),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER DELETE ON %s BEGIN
			INSERT OR REPLACE INTO %s (table_name, pk) VALUES ('%s', OLD.%s);
		END`, triggerName("del", tableName), quoteIdent(tableName), kartTrackTable, tableName, quoteIdent(pkColName)),
	}
	for _, stmt := range stmts {
		if _, err := w.tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "gpkg: creating trigger on %s", tableName)
		}
	}
	return nil
}

func (w *WorkingCopy) dropTriggers(ctx context.Context, tableName string) error {
	for _, kind := range []string{"ins", "upd", "del"} {
		if _, err := w.tx.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+triggerName(kind, tableName)); err != nil {
			return errors.Wrapf(err, "gpkg: dropping trigger on %s", tableName)
		}
	}
	return nil
}

// createSpatialIndex builds the GeoPackage RTree extension's virtual
// table and registers it in gpkg_extensions (§4.F "RTree spatial index
// maintenance"). Populated once, at write time, from the feature set
// just inserted: keeping it live against arbitrary subsequent edits
// would need the gpkgAddSpatialIndex scalar/trigger machinery GDAL's
// mod_spatialite provides in C, which has no equivalent reachable from
// pure-Go mattn/go-sqlite3 - so a dirty rtree is rebuilt by the next
// WriteFull/Reset rather than incrementally maintained.
func (w *WorkingCopy) createSpatialIndex(ctx context.Context, tableName string, geomCol schema.Column, rows []rowExtent) error {
	rtree := rtreeTableName(tableName, geomCol.Name)
	if _, err := w.tx.ExecContext(ctx, fmt.Sprintf(
		"CREATE VIRTUAL TABLE %s USING rtree(id, minx, maxx, miny, maxy)", quoteIdent(rtree))); err != nil {
		return errors.Wrapf(err, "gpkg: creating rtree index %s (requires go-sqlite3 built with the sqlite_rtree tag)", rtree)
	}
	for _, r := range rows {
		if !r.hasExtent {
			continue
		}
		if _, err := w.tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, minx, maxx, miny, maxy) VALUES (?, ?, ?, ?, ?)", quoteIdent(rtree)),
			r.id, r.minX, r.maxX, r.minY, r.maxY); err != nil {
			return errors.Wrapf(err, "gpkg: populating rtree index %s", rtree)
		}
	}
	if _, err := w.tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO gpkg_extensions (table_name, column_name, extension_name, definition, scope)
		VALUES (?, ?, 'gpkg_rtree_index', 'http://www.geopackage.org/spec/#extension_rtree', 'write-only')`,
		tableName, geomCol.Name); err != nil {
		return errors.Wrap(err, "gpkg: registering rtree extension")
	}
	return nil
}

type rowExtent struct {
	id                     any
	minX, minY, maxX, maxY float64
	hasExtent              bool
}

// extentOf computes a geometry's bounding box by decoding its WKB body
// (blobcodec.NormalizeGeometry guarantees an envelope-free 8-byte
// header, so the body starts right after it), walking its coordinates
// the same way pkg/spatialfilter's envelope helper does.
func extentOf(raw []byte) (minX, minY, maxX, maxY float64, ok bool) {
	if len(raw) <= gpbHeaderLen {
		return 0, 0, 0, 0, false
	}
	g, err := wkb.DecodeBytes(raw[gpbHeaderLen:])
	if err != nil {
		return 0, 0, 0, 0, false
	}
	minX, minY, maxX, maxY = 0, 0, 0, 0
	first := true
	visit := func(x, y float64) {
		if first {
			minX, maxX, minY, maxY = x, x, y, y
			first = false
			return
		}
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}
	}
	visitCoords(g, visit)
	return minX, minY, maxX, maxY, !first
}

func visitCoords(g geom.Geometry, visit func(x, y float64)) {
	switch t := g.(type) {
	case geom.Point:
		visit(t[0], t[1])
	case geom.MultiPoint:
		for _, p := range t {
			visit(p[0], p[1])
		}
	case geom.LineString:
		for _, p := range t {
			visit(p[0], p[1])
		}
	case geom.MultiLineString:
		for _, line := range t {
			for _, p := range line {
				visit(p[0], p[1])
			}
		}
	case geom.Polygon:
		for _, ring := range t {
			for _, p := range ring {
				visit(p[0], p[1])
			}
		}
	case geom.MultiPolygon:
		for _, poly := range t {
			for _, ring := range poly {
				for _, p := range ring {
					visit(p[0], p[1])
				}
			}
		}
	case geom.Collection:
		for _, child := range t {
			visitCoords(child, visit)
		}
	}
}

// valueToSQL converts a blobcodec.Row value to something database/sql
// can bind directly.
func valueToSQL(t schema.Type, val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	switch t.Kind {
	case schema.KindDate:
		tm, ok := val.(time.Time)
		if !ok {
			return nil, errors.Errorf("want time.Time for date column, got %T", val)
		}
		return tm.UTC().Format("2006-01-02"), nil
	case schema.KindTime:
		tm, ok := val.(time.Time)
		if !ok {
			return nil, errors.Errorf("want time.Time for time column, got %T", val)
		}
		return tm.UTC().Format("15:04:05.999999999"), nil
	case schema.KindTimestamp:
		tm, ok := val.(time.Time)
		if !ok {
			return nil, errors.Errorf("want time.Time for timestamp column, got %T", val)
		}
		return tm.UTC().Format("2006-01-02T15:04:05.000Z"), nil
	case schema.KindNumeric:
		d, ok := val.(decimal.Decimal)
		if !ok {
			return nil, errors.Errorf("want decimal.Decimal for numeric column, got %T", val)
		}
		return d.String(), nil
	case schema.KindInterval:
		iv, ok := val.(blobcodec.Interval)
		if !ok {
			return nil, errors.Errorf("want blobcodec.Interval for interval column, got %T", val)
		}
		return fmt.Sprintf("%dM%dDT%dN", iv.Months, iv.Days, iv.Nanos), nil
	case schema.KindGeometry:
		switch g := val.(type) {
		case blobcodec.Geometry:
			return []byte(g), nil
		case []byte:
			return g, nil
		default:
			return nil, errors.Errorf("want Geometry for geometry column, got %T", val)
		}
	default:
		return val, nil
	}
}

// sqlToValue is valueToSQL's inverse, used when reading a working
// copy's live rows back for diffing.
func sqlToValue(t schema.Type, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch t.Kind {
	case schema.KindDate:
		s, ok := raw.(string)
		if !ok {
			return nil, errors.Errorf("want string for date column, got %T", raw)
		}
		return time.ParseInLocation("2006-01-02", s, time.UTC)
	case schema.KindTime:
		s, ok := raw.(string)
		if !ok {
			return nil, errors.Errorf("want string for time column, got %T", raw)
		}
		return time.ParseInLocation("15:04:05.999999999", s, time.UTC)
	case schema.KindTimestamp:
		s, ok := raw.(string)
		if !ok {
			return nil, errors.Errorf("want string for timestamp column, got %T", raw)
		}
		return time.ParseInLocation("2006-01-02T15:04:05.000Z", s, time.UTC)
	case schema.KindNumeric:
		s, ok := raw.(string)
		if !ok {
			return nil, errors.Errorf("want string for numeric column, got %T", raw)
		}
		return decimal.NewFromString(s)
	case schema.KindBoolean:
		switch v := raw.(type) {
		case int64:
			return v != 0, nil
		case bool:
			return v, nil
		default:
			return nil, errors.Errorf("want int64/bool for boolean column, got %T", raw)
		}
	case schema.KindGeometry:
		b, ok := raw.([]byte)
		if !ok {
			return nil, errors.Errorf("want []byte for geometry column, got %T", raw)
		}
		return blobcodec.Geometry(b), nil
	default:
		return raw, nil
	}
}

func (w *WorkingCopy) recordState(ctx context.Context, tree hash.Hash) error {
	_, err := w.tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (table_name, key, value) VALUES ('*', 'tree', ?)`, kartStateTable), tree.String())
	return errors.Wrap(err, "gpkg: recording base tree")
}

func (w *WorkingCopy) baseTree(ctx context.Context) (hash.Hash, error) {
	var s string
	err := w.db.GetContext(ctx, &s, fmt.Sprintf(`SELECT value FROM %s WHERE table_name = '*' AND key = 'tree'`, kartStateTable))
	if err == sql.ErrNoRows {
		return hash.Hash{}, nil
	}
	if err != nil {
		return hash.Hash{}, errors.Wrap(err, "gpkg: reading base tree")
	}
	h, ok := hash.MaybeParse(s)
	if !ok {
		return hash.Hash{}, kerr.Newf(kerr.KindSchemaViolation, "gpkg: %s.tree is not a valid hash: %q", kartStateTable, s)
	}
	return h, nil
}
