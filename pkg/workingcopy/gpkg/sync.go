package gpkg

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/blobcodec"
	"github.com/koordinates/kart/pkg/dataset"
	"github.com/koordinates/kart/pkg/diff"
	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/schema"
	"github.com/koordinates/kart/pkg/spatialfilter"
)

// WriteFull replaces every row of the named datasets (or, with none
// given, every dataset in tree) with tree's content, and records tree
// as the working copy's new base (§4.F). filter restricts which
// features are written; a nil filter matches everything.
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
			return kerr.Newf(kerr.KindNotFound, "gpkg: no such dataset %q", path).WithCode(kerr.ExitNoTable)
		}
		if ds.Kind() != dataset.KindTabular {
			sess.Rollback(ctx)
			return kerr.Newf(kerr.KindInvalidOperation, "gpkg working copies only support tabular datasets, %q is not one", path)
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
	if err := w.dropTableIfExists(ctx, tableName); err != nil {
		return err
	}
	sch, err := ds.Schema(ctx)
	if err != nil {
		return err
	}
	pk, err := pkColumn(sch)
	if err != nil {
		return err
	}
	demoted, err := w.createTable(ctx, tableName, sch)
	if err != nil {
		return err
	}

	rows, err := ds.Features(ctx)
	if err != nil {
		return err
	}

	geomCol, hasGeom := geometryColumn(sch)

	colNames := make([]string, len(sch.Columns))
	placeholders := make([]string, len(sch.Columns))
	for i, c := range sch.Columns {
		colNames[i] = quoteIdent(c.Name)
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(tableName), strings.Join(colNames, ", "), strings.Join(placeholders, ", "))

	stmt, err := w.tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return errors.Wrapf(err, "gpkg: preparing insert for %s", tableName)
	}
	defer stmt.Close()

	var extents []rowExtent
	var minX, minY, maxX, maxY float64
	var hasAnyExtent bool

	for _, row := range rows {
		if hasGeom {
			g, _ := row[geomCol.Name].(blobcodec.Geometry)
			match, err := filter.Matches(g, geomCol.Type.GeometryCRS)
			if err != nil {
				return errors.Wrapf(err, "gpkg: applying spatial filter to %s", tableName)
			}
			if !match {
				continue
			}
		}
		args := make([]any, len(sch.Columns))
		for i, c := range sch.Columns {
			v, err := valueToSQL(c.Type, row[c.Name])
			if err != nil {
				return errors.Wrapf(err, "gpkg: table %s column %s", tableName, c.Name)
			}
			args[i] = v
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return errors.Wrapf(err, "gpkg: inserting row into %s", tableName)
		}

		if hasGeom {
			id := any(row[pk.Name])
			if demoted {
				lastID, err := res.LastInsertId()
				if err != nil {
					return errors.Wrapf(err, "gpkg: reading last insert id for %s", tableName)
				}
				id = lastID
			}
			if g, ok := row[geomCol.Name].(blobcodec.Geometry); ok {
				mnX, mnY, mxX, mxY, ok := extentOf(g)
				extents = append(extents, rowExtent{id: id, minX: mnX, minY: mnY, maxX: mxX, maxY: mxY, hasExtent: ok})
				if ok {
					if !hasAnyExtent {
						minX, minY, maxX, maxY, hasAnyExtent = mnX, mnY, mxX, mxY, true
					} else {
						minX, minY, maxX, maxY = fmin(minX, mnX), fmin(minY, mnY), fmax(maxX, mxX), fmax(maxY, mxY)
					}
				}
			}
		}
	}

	if err := w.writeMeta(ctx, tableName, ds, sch, minX, minY, maxX, maxY, hasAnyExtent); err != nil {
		return err
	}
	if hasGeom {
		if err := w.createSpatialIndex(ctx, tableName, geomCol, extents); err != nil {
			return err
		}
	}
	return w.createTriggers(ctx, tableName, pk.Name)
}

func fmin(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func fmax(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Reset rewrites the working copy to match tree, refusing to discard
// uncommitted edits unless discardChanges is set (§4.F, §8 scenario
// 3/4). It is implemented as a full WriteFull rather than a row-level
// reconciliation - a future incremental reset is possible once the
// track table is consulted to limit the rewrite to touched rows, but a
// full rewrite is always correct and Reset is not a hot path.
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
	if err := w.db.GetContext(ctx, &n, fmt.Sprintf("SELECT count(*) FROM %s", kartTrackTable)); err != nil {
		return errors.Wrap(err, "gpkg: checking track table")
	}
	if n > 0 {
		return kerr.Newf(kerr.KindUncommittedChanges, "working copy has uncommitted changes").WithCode(kerr.ExitUncommittedChanges)
	}
	return nil
}

// SoftResetAfterCommit updates only the recorded base tree and clears
// the track table after a commit built from this working copy's own
// edits succeeds - the rows themselves already match newTree's content.
func (w *WorkingCopy) SoftResetAfterCommit(ctx context.Context, newTree hash.Hash) error {
	sess, err := w.Session(ctx)
	if err != nil {
		return err
	}
	if _, err := w.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", kartTrackTable)); err != nil {
		sess.Rollback(ctx)
		return errors.Wrap(err, "gpkg: clearing track table")
	}
	if err := w.recordState(ctx, newTree); err != nil {
		sess.Rollback(ctx)
		return err
	}
	return sess.Commit(ctx)
}

// DiffToTree computes one DeltaDiff per dataset between the working
// copy's current rows and tree, by visiting only the rows the track
// table names as touched (§4.F, §5 "the track table... lets diffing
// and committing skip untouched rows").
func (w *WorkingCopy) DiffToTree(ctx context.Context, tree hash.Hash, filter *spatialfilter.Filter) (map[string]diff.DeltaDiff, error) {
	datasets, err := w.repo.DatasetsAtTree(ctx, tree)
	if err != nil {
		return nil, err
	}
	byTable := make(map[string]*dataset.Dataset, len(datasets))
	for path, ds := range datasets {
		byTable[tableNameFor(path)] = ds
	}

	type trackedRow struct {
		TableName string         `db:"table_name"`
		PK        sql.NullString `db:"pk"`
	}
	var tracked []trackedRow
	if err := w.db.SelectContext(ctx, &tracked, fmt.Sprintf("SELECT table_name, pk FROM %s", kartTrackTable)); err != nil {
		return nil, errors.Wrap(err, "gpkg: reading track table")
	}

	pksByTable := map[string][]string{}
	for _, t := range tracked {
		if !t.PK.Valid {
			continue
		}
		pksByTable[t.TableName] = append(pksByTable[t.TableName], t.PK.String)
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

		newRow, newFound, err := w.readRow(ctx, tableName, sch, pk, pkVal)
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
				return nil, errors.Wrapf(err, "gpkg: applying spatial filter to %s", tableName)
			}
			if !match {
				// a feature outside the area of interest was never
				// written out, so it is not a genuine delete (§4.H).
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

func (w *WorkingCopy) readRow(ctx context.Context, tableName string, sch schema.Schema, pk schema.Column, pkVal any) (blobcodec.Row, bool, error) {
	cols := make([]string, len(sch.Columns))
	for i, c := range sch.Columns {
		cols[i] = quoteIdent(c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(cols, ", "), quoteIdent(tableName), quoteIdent(pk.Name))
	raw, err := valueToSQL(pk.Type, pkVal)
	if err != nil {
		return nil, false, err
	}
	rows, err := w.db.QueryxContext(ctx, query, raw)
	if err != nil {
		return nil, false, errors.Wrapf(err, "gpkg: reading row from %s", tableName)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, nil
	}
	raws, err := rows.SliceScan()
	if err != nil {
		return nil, false, errors.Wrap(err, "gpkg: scanning row")
	}
	row := make(blobcodec.Row, len(sch.Columns))
	for i, c := range sch.Columns {
		v, err := sqlToValue(c.Type, raws[i])
		if err != nil {
			return nil, false, errors.Wrapf(err, "gpkg: column %s", c.Name)
		}
		row[c.Name] = v
	}
	return row, true, nil
}

// parsePKText converts a tracked primary key - stored as text in the
// track table regardless of the dataset's own PK type, per GPKG's
// TEXT-affinity tracking table - back into the typed value the dataset
// and SQL layers expect.
func parsePKText(s string, t schema.Type) (any, error) {
	switch t.Kind {
	case schema.KindInteger:
		return strconv.ParseInt(s, 10, 64)
	default:
		return s, nil
	}
}
