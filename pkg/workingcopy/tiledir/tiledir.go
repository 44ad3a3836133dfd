// Package tiledir is the directory-based working-copy backend for tile
// datasets (§4.F, §1's "or a directory of tile files" working-copy
// kind). Tile content itself is never stored in the object database
// (§3.2 "Tile entry" — pointer files only); this backend pulls tile
// bytes out of a local content-addressed LFS-style cache and writes
// them as plain files, alongside small sidecar JSON state/track files
// that stand in for the SQL-backed adapters' state/track tables.
//
// Supplemented from original_source/kart/tile/tile_source.py, which the
// distilled spec's explicit backend list omits even though §1 names
// tile directories as a working-copy kind directly.
package tiledir

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/dataset"
	"github.com/koordinates/kart/pkg/diff"
	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/repo"
	"github.com/koordinates/kart/pkg/spatialfilter"
	"github.com/koordinates/kart/pkg/workingcopy"
)

// tileExtentCRS is the CRS a tile's CRS84Extent is always recorded in
// (§3.2 "Tile entry" - CRS84Extent, as opposed to the dataset's own
// NativeExtent).
const tileExtentCRS = "CRS84"

const (
	stateFileName = ".kart-state.json"
	trackFileName = ".kart-track.json"
)

// BlobSource resolves a tile's content-hash OID to its bytes. A real
// deployment backs this with a local LFS-style object cache
// (oid[:2]/oid[2:4]/oid, mirroring git-lfs's own layout) populated by
// the import/fetch path; tests can supply an in-memory fake.
type BlobSource interface {
	Open(ctx context.Context, oid string) (io.ReadCloser, error)
}

// LocalCache is a BlobSource backed by a directory laid out the way
// git-lfs (and kart's own lfs_util) shard their object cache.
type LocalCache struct {
	Root string
}

func (c LocalCache) Open(ctx context.Context, oid string) (io.ReadCloser, error) {
	return os.Open(c.pathFor(oid))
}

func (c LocalCache) pathFor(oid string) string {
	if len(oid) < 4 {
		return filepath.Join(c.Root, oid)
	}
	return filepath.Join(c.Root, oid[:2], oid[2:4], oid)
}

// state is the sidecar file standing in for the SQL backends' state
// table: just the distinguished (*, tree) row, since tile datasets have
// no other per-dataset metadata worth tracking outside the files
// themselves.
type state struct {
	Tree string `json:"tree"`
}

// trackFile is the sidecar standing in for the SQL backends' track
// table: one entry per (dataset, tile filename) touched since the base
// tree was set.
type trackFile struct {
	Entries []trackEntry `json:"entries"`
}

type trackEntry struct {
	Dataset string `json:"dataset"`
	Name    string `json:"name"`
}

// WorkingCopy is a plain directory of tile files, one subdirectory per
// tile dataset, plus the sidecar state/track files.
type WorkingCopy struct {
	repo   *repo.Repository
	root   string
	blobs  BlobSource
	track  trackFile
	opened bool
}

// New roots a tile-directory working copy at root (relative to the
// repository's work directory if not absolute), pulling tile content
// from blobs.
func New(r *repo.Repository, root string, blobs BlobSource) *WorkingCopy {
	if !filepath.IsAbs(root) {
		root = filepath.Join(r.WorkDir(), root)
	}
	return &WorkingCopy{repo: r, root: root, blobs: blobs}
}

func (w *WorkingCopy) Close() error { return nil }

func (w *WorkingCopy) statePath() string { return filepath.Join(w.root, stateFileName) }
func (w *WorkingCopy) trackPath() string { return filepath.Join(w.root, trackFileName) }
func (w *WorkingCopy) datasetDir(path string) string {
	return filepath.Join(w.root, strings.ReplaceAll(path, "/", "__"))
}

// fileSession has no real transaction to begin/commit - file writes and
// the state sidecar are applied directly - but it persists the track
// sidecar at Commit time, and discards in-memory track additions on
// Rollback, giving callers the same two-phase contract the SQL backends
// provide.
type fileSession struct {
	wc      *WorkingCopy
	prior   trackFile
	applied bool
}

func (s *fileSession) Commit(ctx context.Context) error {
	if s.applied {
		return nil
	}
	s.applied = true
	return s.wc.persistTrack()
}

func (s *fileSession) Rollback(ctx context.Context) error {
	if s.applied {
		return nil
	}
	s.applied = true
	s.wc.track = s.prior
	return nil
}

// Session snapshots the in-memory track state so a failed operation can
// roll back the additions it made before persisting anything to disk.
func (w *WorkingCopy) Session(ctx context.Context) (workingcopy.Session, error) {
	if err := w.ensureLoaded(); err != nil {
		return nil, err
	}
	prior := trackFile{Entries: append([]trackEntry(nil), w.track.Entries...)}
	return &fileSession{wc: w, prior: prior}, nil
}

func (w *WorkingCopy) ensureLoaded() error {
	if w.opened {
		return nil
	}
	if data, err := os.ReadFile(w.trackPath()); err == nil {
		if err := json.Unmarshal(data, &w.track); err != nil {
			return errors.Wrap(err, "tiledir: parsing track sidecar")
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "tiledir: reading track sidecar")
	}
	w.opened = true
	return nil
}

func (w *WorkingCopy) persistTrack() error {
	data, err := json.Marshal(w.track)
	if err != nil {
		return errors.Wrap(err, "tiledir: encoding track sidecar")
	}
	return errors.Wrap(os.WriteFile(w.trackPath(), data, 0o644), "tiledir: writing track sidecar")
}

func (w *WorkingCopy) persistState(tree hash.Hash) error {
	data, err := json.Marshal(state{Tree: tree.String()})
	if err != nil {
		return errors.Wrap(err, "tiledir: encoding state sidecar")
	}
	return errors.Wrap(os.WriteFile(w.statePath(), data, 0o644), "tiledir: writing state sidecar")
}

// Create provisions the working copy's root directory and empty
// sidecar files, but writes no tile files.
func (w *WorkingCopy) Create(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return errors.Wrap(err, "tiledir: creating working copy directory")
	}
	sess, err := w.Session(ctx)
	if err != nil {
		return err
	}
	if err := w.persistState(hash.Hash{}); err != nil {
		sess.Rollback(ctx)
		return err
	}
	return sess.Commit(ctx)
}

// WriteFull replaces every tile file of the named datasets (or, with
// none given, every tile dataset in tree) with tree's content. filter
// restricts which tiles are written, tested against each tile's
// CRS84Extent; a nil filter matches everything.
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
			return kerr.Newf(kerr.KindNotFound, "tiledir: no such dataset %q", path).WithCode(kerr.ExitNoTable)
		}
		if ds.Kind() != dataset.KindTile {
			sess.Rollback(ctx)
			return kerr.Newf(kerr.KindInvalidOperation, "tiledir working copies only support tile datasets, %q is not one", path)
		}
		if err := w.writeDatasetFull(ctx, path, ds, filter); err != nil {
			sess.Rollback(ctx)
			return err
		}
	}
	w.clearTrackForDatasets(targets)
	if err := w.persistState(tree); err != nil {
		sess.Rollback(ctx)
		return err
	}
	return sess.Commit(ctx)
}

func (w *WorkingCopy) writeDatasetFull(ctx context.Context, path string, ds *dataset.Dataset, filter *spatialfilter.Filter) error {
	dir := w.datasetDir(path)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "tiledir: clearing dataset directory %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "tiledir: creating dataset directory %s", dir)
	}

	tiles, err := ds.Tiles(ctx)
	if err != nil {
		return err
	}
	for _, t := range tiles {
		match, err := filter.MatchesExtentWKT(t.CRS84Extent, tileExtentCRS)
		if err != nil {
			return errors.Wrapf(err, "tiledir: applying spatial filter to tile %s", t.Name)
		}
		if !match {
			continue
		}
		if err := w.writeTileFile(ctx, dir, t); err != nil {
			return err
		}
	}
	return nil
}

func (w *WorkingCopy) writeTileFile(ctx context.Context, dir string, t dataset.TileEntry) error {
	src, err := w.blobs.Open(ctx, t.OID)
	if err != nil {
		return errors.Wrapf(err, "tiledir: opening tile blob %s", t.OID)
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(dir, t.Name))
	if err != nil {
		return errors.Wrapf(err, "tiledir: creating tile file %s", t.Name)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errors.Wrapf(err, "tiledir: writing tile file %s", t.Name)
	}
	return nil
}

// Reset rewrites the working copy to match tree, refusing to discard
// uncommitted edits unless discardChanges is set.
func (w *WorkingCopy) Reset(ctx context.Context, tree hash.Hash, discardChanges bool, filter *spatialfilter.Filter) error {
	if !discardChanges {
		if err := w.CheckNotDirty(ctx); err != nil {
			return err
		}
	}
	return w.WriteFull(ctx, tree, filter)
}

// CheckNotDirty returns a KindUncommittedChanges error if any tile has
// been tracked as changed since the working copy's base tree.
func (w *WorkingCopy) CheckNotDirty(ctx context.Context) error {
	if err := w.ensureLoaded(); err != nil {
		return err
	}
	if len(w.track.Entries) > 0 {
		return kerr.Newf(kerr.KindUncommittedChanges, "working copy has uncommitted changes").WithCode(kerr.ExitUncommittedChanges)
	}
	return nil
}

// SoftResetAfterCommit updates only the recorded base tree and clears
// the track sidecar after a commit built from this working copy's own
// edits succeeds.
func (w *WorkingCopy) SoftResetAfterCommit(ctx context.Context, newTree hash.Hash) error {
	sess, err := w.Session(ctx)
	if err != nil {
		return err
	}
	w.track = trackFile{}
	if err := w.persistState(newTree); err != nil {
		sess.Rollback(ctx)
		return err
	}
	return sess.Commit(ctx)
}

func (w *WorkingCopy) clearTrackForDatasets(paths []string) {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	var kept []trackEntry
	for _, e := range w.track.Entries {
		if !set[e.Dataset] {
			kept = append(kept, e)
		}
	}
	w.track.Entries = kept
}

// DiffToTree computes one DeltaDiff per dataset between the working
// copy's current tile files and tree, comparing only the tiles the
// track sidecar names as touched against tree's own tile entries.
//
// Unlike the SQL backends, tile files are not re-hashed and the track
// sidecar records only each touched tile's dataset and name (see
// RecordEdit), so the deltas are keyed by tile name and carry no tile
// values: inserts and updates carry no old or new value, and a delete's
// old value is the empty hash. No filesystem walk is made, so DiffToTree
// only reports datasets with track entries.
func (w *WorkingCopy) DiffToTree(ctx context.Context, tree hash.Hash, filter *spatialfilter.Filter) (map[string]diff.DeltaDiff, error) {
	if err := w.ensureLoaded(); err != nil {
		return nil, err
	}
	datasets, err := w.repo.DatasetsAtTree(ctx, tree)
	if err != nil {
		return nil, err
	}

	byDataset := map[string][]string{}
	for _, e := range w.track.Entries {
		byDataset[e.Dataset] = append(byDataset[e.Dataset], e.Name)
	}

	out := map[string]diff.DeltaDiff{}
	for path, names := range byDataset {
		ds, ok := datasets[path]
		if !ok {
			continue
		}
		deltas, err := w.diffTrackedTiles(ctx, ds, path, names, filter)
		if err != nil {
			return nil, err
		}
		if len(deltas) > 0 {
			out[path] = diff.DeltaDiff{Deltas: deltas}
		}
	}
	return out, nil
}

func (w *WorkingCopy) diffTrackedTiles(ctx context.Context, ds *dataset.Dataset, path string, names []string, filter *spatialfilter.Filter) ([]diff.Delta, error) {
	dir := w.datasetDir(path)
	var deltas []diff.Delta
	for _, name := range names {
		_, statErr := os.Stat(filepath.Join(dir, name))
		newExists := statErr == nil

		oldEntry, err := ds.GetTile(ctx, name)
		oldExists := true
		if err != nil {
			if kerr.Is(err, kerr.KindNotFound) {
				oldExists = false
			} else {
				return nil, err
			}
		}

		if oldExists {
			match, err := filter.MatchesExtentWKT(oldEntry.CRS84Extent, tileExtentCRS)
			if err != nil {
				return nil, errors.Wrapf(err, "tiledir: applying spatial filter to tile %s", name)
			}
			if !match {
				// never written out by WriteFull, so not a genuine
				// delete (§4.H).
				continue
			}
		}

		switch {
		case !oldExists && newExists:
			deltas = append(deltas, diff.Delta{DatasetPath: path, Kind: diff.KindTile, Key: name, Change: diff.Insert})
		case oldExists && !newExists:
			deltas = append(deltas, diff.Delta{DatasetPath: path, Kind: diff.KindTile, Key: name, Change: diff.Delete, Old: diff.NewValue(w.repo.Store, hash.Hash{})})
			_ = oldEntry
		case oldExists && newExists:
			deltas = append(deltas, diff.Delta{DatasetPath: path, Kind: diff.KindTile, Key: name, Change: diff.Update})
		}
	}
	return deltas, nil
}

// RecordEdit marks name within dataset as touched since the base tree,
// the tile-directory analogue of the SQL backends' on-write triggers.
// There is no filesystem-level change-notification wired up here, so
// whatever writes into a dataset's directory on the user's behalf
// (an external tool, a future file-watcher) is responsible for calling
// this once per edited tile.
func (w *WorkingCopy) RecordEdit(ctx context.Context, datasetPath, name string) error {
	if err := w.ensureLoaded(); err != nil {
		return err
	}
	for _, e := range w.track.Entries {
		if e.Dataset == datasetPath && e.Name == name {
			return nil
		}
	}
	w.track.Entries = append(w.track.Entries, trackEntry{Dataset: datasetPath, Name: name})
	return w.persistTrack()
}

func (w *WorkingCopy) baseTree() (hash.Hash, error) {
	data, err := os.ReadFile(w.statePath())
	if os.IsNotExist(err) {
		return hash.Hash{}, nil
	}
	if err != nil {
		return hash.Hash{}, errors.Wrap(err, "tiledir: reading state sidecar")
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return hash.Hash{}, errors.Wrap(err, "tiledir: parsing state sidecar")
	}
	if s.Tree == "" {
		return hash.Hash{}, nil
	}
	h, ok := hash.MaybeParse(s.Tree)
	if !ok {
		return hash.Hash{}, kerr.Newf(kerr.KindSchemaViolation, "tiledir: state sidecar has invalid tree %q", s.Tree)
	}
	return h, nil
}
