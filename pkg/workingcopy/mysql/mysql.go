// Package mysql is the MySQL working-copy backend (§4.F). MySQL has no
// schema-within-a-database namespace the way PostgreSQL does, so unlike
// pkg/workingcopy/postgres this backend manages every dataset table
// directly inside one database. Grounded on kart's
// original_source/kart/working_copy/mysql.py (WorkingCopy_MySql) and
// table_defs.py's MySqlKartTables.
//
// As with postgres, MySQL supports arbitrary primary-key column types
// directly, so there is no integer-PK demotion. Tracking uses one
// trigger per operation (INSERT/UPDATE/DELETE) rather than postgres's
// single combined trigger, since MySQL trigger syntax has no OR
// between trigger events.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/koordinates/kart/pkg/blobcodec"
	"github.com/koordinates/kart/pkg/dataset"
	"github.com/koordinates/kart/pkg/diff"
	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/repo"
	"github.com/koordinates/kart/pkg/schema"
	"github.com/koordinates/kart/pkg/spatialfilter"
	"github.com/koordinates/kart/pkg/workingcopy"
)

const (
	kartStateTable = "_kart_state"
	kartTrackTable = "_kart_track"
)

// WorkingCopy is a MySQL working copy rooted at one database.
type WorkingCopy struct {
	repo   *repo.Repository
	dbName string
	db     *sql.DB

	tx      *sql.Tx
	depth   int
	aborted bool
}

// New opens a connection to connStr (a mysql DSN, host[:port]/ without
// the trailing database name) and targets dbName for every table this
// working copy manages.
func New(r *repo.Repository, connStr, dbName string) (*WorkingCopy, error) {
	db, err := sql.Open("mysql", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "mysql: opening connection")
	}
	return &WorkingCopy{repo: r, dbName: dbName, db: db}, nil
}

func (w *WorkingCopy) Close() error { return w.db.Close() }

func (w *WorkingCopy) q(name string) string {
	return quoteIdent(w.dbName) + "." + quoteIdent(name)
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

type outerSession struct{ wc *WorkingCopy }
type nestedSession struct{ wc *WorkingCopy }

func (s *outerSession) Commit(ctx context.Context) error {
	tx := s.wc.tx
	s.wc.tx, s.wc.depth = nil, 0
	if s.wc.aborted {
		s.wc.aborted = false
		_ = tx.Rollback()
		return kerr.Newf(kerr.KindInvalidOperation, "mysql: session had a nested rollback, transaction discarded")
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
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "mysql: beginning transaction")
	}
	w.tx = tx
	w.depth = 1
	return &outerSession{wc: w}, nil
}

// Create provisions dbName (if missing) and kart's own state/track
// tables, but writes no dataset tables or rows.
//
// The track table's pk/key columns are VARCHAR(256) rather than
// unbounded TEXT, because MySQL cannot build an index over an
// unbounded text column - matching MySqlKartTables's own departure
// from the generic (PostgreSQL/GeoPackage) table definition.
func (w *WorkingCopy) Create(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", quoteIdent(w.dbName))); err != nil {
		return errors.Wrap(err, "mysql: creating database")
	}

	sess, err := w.Session(ctx)
	if err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_name VARCHAR(256) NOT NULL,
			` + "`key`" + ` VARCHAR(256) NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (table_name, ` + "`key`" + `)
		)`, w.q(kartStateTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			table_name VARCHAR(256) NOT NULL,
			pk VARCHAR(256),
			PRIMARY KEY (table_name, pk)
		)`, w.q(kartTrackTable)),
	}
	for _, stmt := range stmts {
		if _, err := w.tx.ExecContext(ctx, stmt); err != nil {
			sess.Rollback(ctx)
			return errors.Wrap(err, "mysql: provisioning tables")
		}
	}
	return sess.Commit(ctx)
}

func pkColumn(sch schema.Schema) (schema.Column, error) {
	pk := sch.PrimaryKey()
	if len(pk) != 1 {
		return schema.Column{}, kerr.Newf(kerr.KindSchemaViolation, "mysql working copy requires exactly one primary key column, found %d", len(pk))
	}
	return pk[0], nil
}

func sqlTypeName(t schema.Type) (string, error) {
	switch t.Kind {
	case schema.KindBoolean:
		return "BOOLEAN", nil
	case schema.KindInteger:
		switch {
		case t.Size <= 16:
			return "SMALLINT", nil
		case t.Size <= 32:
			return "INT", nil
		default:
			return "BIGINT", nil
		}
	case schema.KindFloat:
		if t.Size == 32 {
			return "FLOAT", nil
		}
		return "DOUBLE", nil
	case schema.KindNumeric:
		if t.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", t.Precision, t.Scale), nil
		}
		return "NUMERIC", nil
	case schema.KindText:
		if t.Length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", t.Length), nil
		}
		return "TEXT", nil
	case schema.KindBlob:
		return "LONGBLOB", nil
	case schema.KindDate:
		return "DATE", nil
	case schema.KindTime:
		return "TIME", nil
	case schema.KindTimestamp:
		return "DATETIME(6)", nil
	case schema.KindInterval:
		return "VARCHAR(64)", nil
	case schema.KindGeometry:
		return "GEOMETRY", nil
	default:
		return "", errors.Errorf("mysql: unsupported column type kind %v", t.Kind)
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

func tableNameFor(datasetPath string) string {
	return strings.ReplaceAll(datasetPath, "/", "__")
}

// WriteFull replaces every row of the named datasets (or, with none
// given, every dataset in tree) with tree's content (§4.F). filter
// restricts which features are written; a nil filter matches everything.
func (w *WorkingCopy) WriteFull(ctx context.Context, tree hash.Hash, filter *spatialfilter.Filter, datasetPaths ...string) error {
	datasets, err := w.repo.DatasetsAtTree(ctx, tree)
	if err != nil {
		return err
	}
	targets := datasetPaths
	if len(targets) == 0 {
		for p := range datasets {
			targets = append(targets, p)
		}
	}

	sess, err := w.Session(ctx)
	if err != nil {
		return err
	}
	for _, path := range targets {
		ds, ok := datasets[path]
		if !ok {
			sess.Rollback(ctx)
			return kerr.Newf(kerr.KindNotFound, "mysql: no such dataset %q", path).WithCode(kerr.ExitNoTable)
		}
		if ds.Kind() != dataset.KindTabular {
			sess.Rollback(ctx)
			return kerr.Newf(kerr.KindInvalidOperation, "mysql working copies only support tabular datasets, %q is not one", path)
		}
		if err := w.writeDatasetFull(ctx, path, ds, filter); err != nil {
			sess.Rollback(ctx)
			return err
		}
	}
	if err := w.recordState(ctx, tree); err != nil {
		sess.Rollback(ctx)
		return err
	}
	return sess.Commit(ctx)
}

func (w *WorkingCopy) writeDatasetFull(ctx context.Context, path string, ds *dataset.Dataset, filter *spatialfilter.Filter) error {
	tableName := tableNameFor(path)
	if _, err := w.tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", w.q(tableName))); err != nil {
		return errors.Wrapf(err, "mysql: dropping table %s", tableName)
	}
	if _, err := w.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE table_name = ?", w.q(kartTrackTable)), tableName); err != nil {
		return errors.Wrap(err, "mysql: clearing track table")
	}

	sch, err := ds.Schema(ctx)
	if err != nil {
		return err
	}
	pk, err := pkColumn(sch)
	if err != nil {
		return err
	}

	var cols []string
	for _, c := range sch.Columns {
		typeName, err := sqlTypeName(c.Type)
		if err != nil {
			return err
		}
		def := quoteIdent(c.Name) + " " + typeName
		if c.Name == pk.Name {
			def += " PRIMARY KEY"
		}
		cols = append(cols, def)
	}
	if _, err := w.tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", w.q(tableName), strings.Join(cols, ", "))); err != nil {
		return errors.Wrapf(err, "mysql: creating table %s", tableName)
	}

	rows, err := ds.Features(ctx)
	if err != nil {
		return err
	}
	colNames := make([]string, len(sch.Columns))
	placeholders := make([]string, len(sch.Columns))
	for i, c := range sch.Columns {
		colNames[i] = quoteIdent(c.Name)
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", w.q(tableName), strings.Join(colNames, ", "), strings.Join(placeholders, ", "))
	stmt, err := w.tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return errors.Wrapf(err, "mysql: preparing insert for %s", tableName)
	}
	defer stmt.Close()

	geomCol, hasGeom := geometryColumn(sch)
	for _, row := range rows {
		if hasGeom {
			g, _ := row[geomCol.Name].(blobcodec.Geometry)
			match, err := filter.Matches(g, geomCol.Type.GeometryCRS)
			if err != nil {
				return errors.Wrapf(err, "mysql: applying spatial filter to %s", tableName)
			}
			if !match {
				continue
			}
		}
		args := make([]any, len(sch.Columns))
		for i, c := range sch.Columns {
			v, err := valueToSQL(c.Type, row[c.Name])
			if err != nil {
				return errors.Wrapf(err, "mysql: table %s column %s", tableName, c.Name)
			}
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return errors.Wrapf(err, "mysql: inserting row into %s", tableName)
		}
	}

	// Spatial indexing is deferred (see DESIGN.md): MySQL only allows a
	// SPATIAL INDEX over a column declared NOT NULL, which a dataset's
	// v2 schema does not currently distinguish.

	return w.createTriggers(ctx, tableName, pk.Name)
}

func (w *WorkingCopy) triggerName(tableName, op string) string {
	return "_kart_track_" + tableName + "_" + op
}

func (w *WorkingCopy) createTriggers(ctx context.Context, tableName, pkColName string) error {
	table := w.q(tableName)
	pk := quoteIdent(pkColName)
	track := w.q(kartTrackTable)

	stmts := []string{
		fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW
			REPLACE INTO %s (table_name, pk) VALUES (%s, NEW.%s)`,
			quoteIdent(w.triggerName(tableName, "ins")), table, track, quoteLiteral(tableName), pk),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE ON %s FOR EACH ROW
			REPLACE INTO %s (table_name, pk) VALUES (%s, OLD.%s), (%s, NEW.%s)`,
			quoteIdent(w.triggerName(tableName, "upd")), table, track,
			quoteLiteral(tableName), pk, quoteLiteral(tableName), pk),
		fmt.Sprintf(`CREATE TRIGGER %s AFTER DELETE ON %s FOR EACH ROW
			REPLACE INTO %s (table_name, pk) VALUES (%s, OLD.%s)`,
			quoteIdent(w.triggerName(tableName, "del")), table, track, quoteLiteral(tableName), pk),
	}
	for _, stmt := range stmts {
		if _, err := w.tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "mysql: creating trigger on %s", tableName)
		}
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Reset rewrites the working copy to match tree, refusing to discard
// uncommitted edits unless discardChanges is set (§4.F).
func (w *WorkingCopy) Reset(ctx context.Context, tree hash.Hash, discardChanges bool, filter *spatialfilter.Filter) error {
	if !discardChanges {
		if err := w.CheckNotDirty(ctx); err != nil {
			return err
		}
	}
	return w.WriteFull(ctx, tree, filter)
}

// CheckNotDirty returns a KindUncommittedChanges error if any row has
// been tracked as changed since the working copy's base tree.
func (w *WorkingCopy) CheckNotDirty(ctx context.Context) error {
	var n int
	if err := w.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", w.q(kartTrackTable))).Scan(&n); err != nil {
		return errors.Wrap(err, "mysql: checking track table")
	}
	if n > 0 {
		return kerr.Newf(kerr.KindUncommittedChanges, "working copy has uncommitted changes").WithCode(kerr.ExitUncommittedChanges)
	}
	return nil
}

// SoftResetAfterCommit updates only the recorded base tree and clears
// the track table after a commit built from this working copy's own
// edits succeeds.
func (w *WorkingCopy) SoftResetAfterCommit(ctx context.Context, newTree hash.Hash) error {
	sess, err := w.Session(ctx)
	if err != nil {
		return err
	}
	if _, err := w.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", w.q(kartTrackTable))); err != nil {
		sess.Rollback(ctx)
		return errors.Wrap(err, "mysql: clearing track table")
	}
	if err := w.recordState(ctx, newTree); err != nil {
		sess.Rollback(ctx)
		return err
	}
	return sess.Commit(ctx)
}

// DiffToTree computes one DeltaDiff per dataset between the working
// copy's current rows and tree, visiting only the rows the track table
// names as touched.
func (w *WorkingCopy) DiffToTree(ctx context.Context, tree hash.Hash, filter *spatialfilter.Filter) (map[string]diff.DeltaDiff, error) {
	datasets, err := w.repo.DatasetsAtTree(ctx, tree)
	if err != nil {
		return nil, err
	}
	byTable := make(map[string]*dataset.Dataset, len(datasets))
	for path, ds := range datasets {
		byTable[tableNameFor(path)] = ds
	}

	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("SELECT table_name, pk FROM %s", w.q(kartTrackTable)))
	if err != nil {
		return nil, errors.Wrap(err, "mysql: reading track table")
	}
	defer rows.Close()

	pksByTable := map[string][]string{}
	for rows.Next() {
		var tableName string
		var pk sql.NullString
		if err := rows.Scan(&tableName, &pk); err != nil {
			return nil, errors.Wrap(err, "mysql: scanning track row")
		}
		if pk.Valid {
			pksByTable[tableName] = append(pksByTable[tableName], pk.String)
		}
	}

	out := map[string]diff.DeltaDiff{}
	for tableName, pks := range pksByTable {
		ds, ok := byTable[tableName]
		if !ok {
			continue
		}
		deltas, err := w.diffTrackedRows(ctx, ds, tableName, pks, filter)
		if err != nil {
			return nil, err
		}
		if len(deltas) > 0 {
			out[ds.Path()] = diff.DeltaDiff{Deltas: deltas}
		}
	}
	return out, nil
}

func (w *WorkingCopy) diffTrackedRows(ctx context.Context, ds *dataset.Dataset, tableName string, pks []string, filter *spatialfilter.Filter) ([]diff.Delta, error) {
	sch, err := ds.Schema(ctx)
	if err != nil {
		return nil, err
	}
	pk, err := pkColumn(sch)
	if err != nil {
		return nil, err
	}
	legend := schema.LegendOf(sch)
	geomCol, hasGeom := geometryColumn(sch)

	var deltas []diff.Delta
	for _, pkText := range pks {
		pkVal, err := parsePKText(pkText, pk.Type)
		if err != nil {
			return nil, err
		}

		newRow, newFound, err := w.readRow(ctx, tableName, sch, pk, pkText)
		if err != nil {
			return nil, err
		}

		oldRow, err := ds.GetFeature(ctx, []any{pkVal})
		oldFound := true
		if err != nil {
			if kerr.Is(err, kerr.KindNotFound) {
				oldFound = false
			} else {
				return nil, err
			}
		}

		if oldFound && hasGeom {
			g, _ := oldRow[geomCol.Name].(blobcodec.Geometry)
			match, err := filter.Matches(g, geomCol.Type.GeometryCRS)
			if err != nil {
				return nil, errors.Wrapf(err, "mysql: applying spatial filter to %s", tableName)
			}
			if !match {
				continue
			}
		}

		delta, err := buildDelta(ctx, w, ds.Path(), sch, legend, pkText, oldFound, oldRow, newFound, newRow)
		if err != nil {
			return nil, err
		}
		if delta != nil {
			deltas = append(deltas, *delta)
		}
	}
	return deltas, nil
}

func buildDelta(ctx context.Context, w *WorkingCopy, path string, sch schema.Schema, legend schema.Legend, key string, oldFound bool, oldRow blobcodec.Row, newFound bool, newRow blobcodec.Row) (*diff.Delta, error) {
	switch {
	case !oldFound && newFound:
		h, err := w.writeValue(ctx, sch, legend, newRow)
		if err != nil {
			return nil, err
		}
		return &diff.Delta{DatasetPath: path, Kind: diff.KindFeature, Key: key, Change: diff.Insert, New: diff.NewValue(w.repo.Store, h)}, nil
	case oldFound && !newFound:
		h, err := w.writeValue(ctx, sch, legend, oldRow)
		if err != nil {
			return nil, err
		}
		return &diff.Delta{DatasetPath: path, Kind: diff.KindFeature, Key: key, Change: diff.Delete, Old: diff.NewValue(w.repo.Store, h)}, nil
	case oldFound && newFound:
		oldHash, err := w.writeValue(ctx, sch, legend, oldRow)
		if err != nil {
			return nil, err
		}
		newHash, err := w.writeValue(ctx, sch, legend, newRow)
		if err != nil {
			return nil, err
		}
		if oldHash == newHash {
			return nil, nil
		}
		return &diff.Delta{DatasetPath: path, Kind: diff.KindFeature, Key: key, Change: diff.Update, Old: diff.NewValue(w.repo.Store, oldHash), New: diff.NewValue(w.repo.Store, newHash)}, nil
	default:
		return nil, nil
	}
}

func (w *WorkingCopy) writeValue(ctx context.Context, sch schema.Schema, legend schema.Legend, row blobcodec.Row) (hash.Hash, error) {
	data, err := blobcodec.EncodeFeature(sch, legend, row)
	if err != nil {
		return hash.Hash{}, err
	}
	return w.repo.Store.WriteBlob(ctx, data)
}

func (w *WorkingCopy) readRow(ctx context.Context, tableName string, sch schema.Schema, pk schema.Column, pkText string) (blobcodec.Row, bool, error) {
	cols := make([]string, len(sch.Columns))
	for i, c := range sch.Columns {
		cols[i] = quoteIdent(c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(cols, ", "), w.q(tableName), quoteIdent(pk.Name))
	rows, err := w.db.QueryContext(ctx, query, pkText)
	if err != nil {
		return nil, false, errors.Wrapf(err, "mysql: reading row from %s", tableName)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, nil
	}
	raws := make([]any, len(sch.Columns))
	ptrs := make([]any, len(sch.Columns))
	for i := range raws {
		ptrs[i] = &raws[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, errors.Wrap(err, "mysql: scanning row")
	}
	row := make(blobcodec.Row, len(sch.Columns))
	for i, c := range sch.Columns {
		v, err := sqlToValue(c.Type, raws[i])
		if err != nil {
			return nil, false, errors.Wrapf(err, "mysql: column %s", c.Name)
		}
		row[c.Name] = v
	}
	return row, true, nil
}

func parsePKText(s string, t schema.Type) (any, error) {
	switch t.Kind {
	case schema.KindInteger:
		var n int64
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return nil, errors.Wrapf(err, "mysql: parsing tracked integer pk %q", s)
		}
		return n, nil
	default:
		return s, nil
	}
}

func valueToSQL(t schema.Type, val any) (any, error) {
	if val == nil {
		return nil, nil
	}
	switch t.Kind {
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
		return fmt.Sprintf("%dmo%dd%dns", iv.Months, iv.Days, iv.Nanos), nil
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

func sqlToValue(t schema.Type, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch t.Kind {
	case schema.KindNumeric:
		switch v := raw.(type) {
		case string:
			return decimal.NewFromString(v)
		case []byte:
			return decimal.NewFromString(string(v))
		default:
			return nil, errors.Errorf("want string for numeric column, got %T", raw)
		}
	case schema.KindTimestamp:
		if t, ok := raw.(time.Time); ok {
			return t, nil
		}
		return nil, errors.Errorf("want time.Time for timestamp column, got %T", raw)
	default:
		return raw, nil
	}
}

func (w *WorkingCopy) recordState(ctx context.Context, tree hash.Hash) error {
	_, err := w.tx.ExecContext(ctx, fmt.Sprintf(
		"REPLACE INTO %s (table_name, `key`, value) VALUES ('*', 'tree', ?)", w.q(kartStateTable)), tree.String())
	return errors.Wrap(err, "mysql: recording base tree")
}

func (w *WorkingCopy) baseTree(ctx context.Context) (hash.Hash, error) {
	var s string
	err := w.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT value FROM %s WHERE table_name = '*' AND `key` = 'tree'", w.q(kartStateTable))).Scan(&s)
	if err == sql.ErrNoRows {
		return hash.Hash{}, nil
	}
	if err != nil {
		return hash.Hash{}, errors.Wrap(err, "mysql: reading base tree")
	}
	h, ok := hash.MaybeParse(s)
	if !ok {
		return hash.Hash{}, kerr.Newf(kerr.KindSchemaViolation, "mysql: %s.tree is not a valid hash: %q", kartStateTable, s)
	}
	return h, nil
}
