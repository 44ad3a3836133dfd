package gitstore

import (
	"context"

	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/objdb"
)

// bulkWriter is a thin BulkWriter over the same *Store. libgit2's odb
// accepts concurrent writes, so every fast-import worker's session writes
// through the one shared Store and there is no separate "bulk mode" to
// enter - the session exists to give the fast-importer a single owned,
// closeable handle per worker (§5's RAII requirement).
type bulkWriter struct {
	store   *Store
	written []hash.Hash
	aborted bool
}

func (s *Store) BulkWriter(_ context.Context) (objdb.BulkWriter, error) {
	return &bulkWriter{store: s}, nil
}

func (b *bulkWriter) WriteBlob(ctx context.Context, data []byte) (hash.Hash, error) {
	h, err := b.store.WriteBlob(ctx, data)
	if err == nil {
		b.written = append(b.written, h)
	}
	return h, err
}

func (b *bulkWriter) WriteTree(ctx context.Context, t objdb.Tree) (hash.Hash, error) {
	h, err := b.store.WriteTree(ctx, t)
	if err == nil {
		b.written = append(b.written, h)
	}
	return h, err
}

// Abort is a best-effort no-op: loose objects already written to the odb
// by this worker are simply left unreferenced and will be reclaimed by a
// future GC, since libgit2's odb has no per-session rollback. The
// controller's own rollback (§4.E) is to never move a ref at all when any
// worker fails, so the unreferenced objects are harmless.
func (b *bulkWriter) Abort(_ context.Context) error {
	b.aborted = true
	return nil
}

func (b *bulkWriter) Close(_ context.Context) error { return nil }
