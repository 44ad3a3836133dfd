// Package workingcopy defines the common contract every concrete
// working-copy backend implements (§4.F): GeoPackage, PostgreSQL,
// MySQL, SQL Server, and a plain tile directory. pkg/repo talks to
// whichever backend is configured only through this interface; the
// backends themselves live in workingcopy/gpkg, workingcopy/postgres,
// workingcopy/mysql, workingcopy/sqlserver and workingcopy/tiledir.
package workingcopy

import (
	"context"

	"github.com/koordinates/kart/pkg/diff"
	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/spatialfilter"
)

// Session is one exclusive backend transaction. Nested Session calls
// from inside the same logical operation reuse the enclosing session
// rather than opening a second one (§5 "Transactions").
type Session interface {
	// Commit finalises the session's writes.
	Commit(ctx context.Context) error
	// Rollback discards the session's writes. Safe to call after a
	// successful Commit as a no-op.
	Rollback(ctx context.Context) error
}

// WorkingCopy is the contract pkg/repo drives a backend through. Every
// mutating method opens (or reuses) exactly one Session for the
// duration of the call.
type WorkingCopy interface {
	// Create provisions the backend's schema/file for a freshly
	// initialised repository; it does not populate any rows.
	Create(ctx context.Context) error

	// WriteFull replaces the working copy's entire content for the
	// named datasets with the features/tiles found in tree, dropping
	// and reinstalling triggers around the bulk write under the same
	// transaction (§5 "Transactions"). filter restricts which features
	// are written out; a feature the filter rejects is simply never
	// materialised (§4.H). A nil filter matches everything.
	WriteFull(ctx context.Context, tree hash.Hash, filter *spatialfilter.Filter, datasetPaths ...string) error

	// Reset rewrites the working copy to match tree. If discardChanges
	// is false and the working copy has uncommitted edits, Reset
	// returns a kerr.KindUncommittedChanges error instead of
	// discarding them (§4.F, §8 scenario 3/4). filter is applied the
	// same way as in WriteFull.
	Reset(ctx context.Context, tree hash.Hash, discardChanges bool, filter *spatialfilter.Filter) error

	// DiffToTree computes the DeltaDiff between the working copy's
	// current content and tree, one diff.DeltaDiff per dataset path.
	// filter suppresses deltas for features outside the area of
	// interest: a feature the filter rejects is never reported as a
	// delete just because it was never written to the working copy
	// (§4.H).
	DiffToTree(ctx context.Context, tree hash.Hash, filter *spatialfilter.Filter) (map[string]diff.DeltaDiff, error)

	// SoftResetAfterCommit updates only the working copy's recorded
	// base tree and clears its tracking table after a commit succeeds,
	// without rewriting any rows (the new tree's content already
	// matches what's in the working copy, since the commit was built
	// from its edits).
	SoftResetAfterCommit(ctx context.Context, newTree hash.Hash) error

	// CheckNotDirty returns a kerr.KindUncommittedChanges error if the
	// working copy has uncommitted edits relative to its recorded base
	// tree.
	CheckNotDirty(ctx context.Context) error

	// Session opens or reuses the current exclusive backend
	// transaction.
	Session(ctx context.Context) (Session, error)

	// Close releases any held connection/file handle.
	Close() error
}
