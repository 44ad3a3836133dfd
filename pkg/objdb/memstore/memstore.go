// Package memstore is an in-memory objdb.Store used by unit tests so they
// don't need a real git repository on disk. It mirrors the Get/Has/Put
// shape of dolt's store/chunks.TestStorage/MemoryStorage fixtures: a map
// keyed by content hash, plus simple ref and ancestry bookkeeping.
package memstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/objdb"
)

type object struct {
	kind objdb.Kind // reused loosely: KindBlob for blobs, KindTree for trees
	blob []byte
	tree objdb.Tree
}

// Store is a thread-safe in-memory object database.
type Store struct {
	mu      sync.RWMutex
	blobs   map[hash.Hash][]byte
	trees   map[hash.Hash]objdb.Tree
	commits map[hash.Hash]objdb.Commit
	refs    map[string]hash.Hash

	Reads  int
	Writes int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		blobs:   map[hash.Hash][]byte{},
		trees:   map[hash.Hash]objdb.Tree{},
		commits: map[hash.Hash]objdb.Commit{},
		refs:    map[string]hash.Hash{},
	}
}

func (s *Store) ReadBlob(_ context.Context, h hash.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.Reads++
	data, ok := s.blobs[h]
	if !ok {
		return nil, errors.Errorf("memstore: no blob %s", h)
	}
	return data, nil
}

func (s *Store) WriteBlob(_ context.Context, data []byte) (hash.Hash, error) {
	h := hash.Of(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes++
	s.blobs[h] = append([]byte(nil), data...)
	return h, nil
}

func (s *Store) ReadTree(_ context.Context, h hash.Hash) (objdb.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.Reads++
	t, ok := s.trees[h]
	if !ok {
		return nil, errors.Errorf("memstore: no tree %s", h)
	}
	out := make(objdb.Tree, len(t))
	copy(out, t)
	return out, nil
}

func encodeTreeForHash(t objdb.Tree) []byte {
	var buf []byte
	for _, e := range t {
		buf = append(buf, byte(e.Kind))
		buf = append(buf, []byte(e.Name)...)
		buf = append(buf, 0)
		buf = append(buf, e.Hash[:]...)
	}
	return buf
}

func (s *Store) WriteTree(_ context.Context, t objdb.Tree) (hash.Hash, error) {
	cp := make(objdb.Tree, len(t))
	copy(cp, t)
	cp.Sort()

	h := hash.Of(encodeTreeForHash(cp))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes++
	s.trees[h] = cp
	return h, nil
}

func encodeCommitForHash(c objdb.Commit) []byte {
	var buf []byte
	buf = append(buf, c.Tree[:]...)
	for _, p := range c.Parents {
		buf = append(buf, p[:]...)
	}
	buf = append(buf, []byte(c.Message)...)
	buf = append(buf, []byte(c.Author.Name)...)
	buf = append(buf, []byte(c.Committer.Name)...)
	buf = append(buf, []byte(c.Author.When.String())...)
	return buf
}

func (s *Store) ReadCommit(_ context.Context, h hash.Hash) (objdb.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.Reads++
	c, ok := s.commits[h]
	if !ok {
		return objdb.Commit{}, errors.Errorf("memstore: no commit %s", h)
	}
	return c, nil
}

func (s *Store) WriteCommit(_ context.Context, c objdb.Commit) (hash.Hash, error) {
	h := hash.Of(encodeCommitForHash(c))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes++
	s.commits[h] = c
	return h, nil
}

func (s *Store) ResolveRef(_ context.Context, name string) (hash.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.refs[name]
	if !ok {
		return hash.Empty, errors.Errorf("memstore: no ref %s", name)
	}
	return h, nil
}

func (s *Store) UpdateRef(_ context.Context, name string, h hash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[name] = h
	return nil
}

func (s *Store) WalkAncestry(ctx context.Context, from hash.Hash, visit func(hash.Hash, objdb.Commit) bool) error {
	h := from
	for !h.IsEmpty() {
		c, err := s.ReadCommit(ctx, h)
		if err != nil {
			return err
		}
		if !visit(h, c) {
			return nil
		}
		if len(c.Parents) == 0 {
			return nil
		}
		h = c.Parents[0]
	}
	return nil
}

type bulkWriter struct{ store *Store }

func (s *Store) BulkWriter(_ context.Context) (objdb.BulkWriter, error) {
	return &bulkWriter{store: s}, nil
}

func (b *bulkWriter) WriteBlob(ctx context.Context, data []byte) (hash.Hash, error) {
	return b.store.WriteBlob(ctx, data)
}
func (b *bulkWriter) WriteTree(ctx context.Context, t objdb.Tree) (hash.Hash, error) {
	return b.store.WriteTree(ctx, t)
}
func (b *bulkWriter) Abort(_ context.Context) error { return nil }
func (b *bulkWriter) Close(_ context.Context) error { return nil }

func (s *Store) GC(_ context.Context) error { return nil }

var _ objdb.Store = (*Store)(nil)
