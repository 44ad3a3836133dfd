// Package diff is the reconcile pipeline (§4.G): computing a DeltaDiff
// between two trees (or a tree and a working copy), applying one to a
// base tree to produce a new tree, and committing the result.
package diff

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/blobcodec"
	"github.com/koordinates/kart/pkg/fastimport"
	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/objdb"
	"github.com/koordinates/kart/pkg/pathenc"
)

// parallelRebuildThreshold is the leaf count above which rebuilding a
// changed feature/tile subtree is handed to fastimport's worker-parallel
// tree builder (§4.E) instead of a single in-process TreeBuilder pass -
// below it the overhead of spinning up workers costs more than it saves.
// Above it, the same protocol bulk dataset imports use also carries the
// bulk inserts/deletes a commit's diff can contain (spec.md:9).
const parallelRebuildThreshold = 256

// bulkRebuildWorkers bounds how many goroutines fastimport.BuildTree uses
// for a diff-triggered rebuild; it is deliberately smaller than
// fastimport.MaxWorkers since a commit's diff is rebuilding one subtree,
// not fanning a whole dataset import across the machine.
const bulkRebuildWorkers = 8

// DeltaKind is the delta's dataset-section discriminant.
type DeltaKind int

const (
	KindMeta DeltaKind = iota
	KindFeature
	KindTile
)

func (k DeltaKind) String() string {
	switch k {
	case KindMeta:
		return "meta"
	case KindTile:
		return "tile"
	default:
		return "feature"
	}
}

// ChangeType is what happened to the key between old and new.
type ChangeType int

const (
	Insert ChangeType = iota
	Update
	Delete
)

// Value is a lazily-loaded half of a delta: the content is not read
// from the object database until Load is called, matching §4.G's "each
// half is a lazy promise".
type Value struct {
	hash  hash.Hash
	store objdb.Store
}

// Load reads the referenced blob. Calling Load twice re-reads; callers
// that need the value more than once should cache it themselves.
func (v Value) Load(ctx context.Context) ([]byte, error) {
	if v.store == nil {
		return nil, errors.New("diff: value has no backing store")
	}
	return v.store.ReadBlob(ctx, v.hash)
}

// Hash returns the value's content hash without reading it.
func (v Value) Hash() hash.Hash { return v.hash }

func (v Value) IsZero() bool { return v.store == nil }

// NewValue wraps a blob already written to store as a Value, for
// callers outside this package that build deltas from data that didn't
// come from walking an existing tree - a working-copy backend diffing
// its live content against a tree writes the changed rows as blobs and
// wraps the resulting hashes with this before assembling a DeltaDiff.
func NewValue(store objdb.Store, h hash.Hash) Value {
	return Value{hash: h, store: store}
}

// Delta is one changed (dataset path, kind, key) entry, keyed per §4.G.
type Delta struct {
	DatasetPath string
	Kind        DeltaKind
	// Key is the PK leaf filename for features/tiles (path.Base of its
	// full fanout path) or the meta item name for meta. Path carries the
	// full fanout-relative path ("aa/bb/<leaf>") needed to graft the
	// change back into the bounded-fanout tree structure; Key is what a
	// human-facing diff report names.
	Key    string
	Path   string
	Change ChangeType
	Old    Value
	New    Value
}

// DeltaDiff is the full set of changes between two revisions of (some
// subset of) a repository's datasets.
type DeltaDiff struct {
	Deltas []Delta
}

// IsEmpty reports whether the diff has no deltas at all.
func (d DeltaDiff) IsEmpty() bool { return len(d.Deltas) == 0 }

// TreesDiff walks two dataset subtrees (e.g. the "feature" or "tile"
// subtree of the same dataset at two commits) via the object database's
// own tree structure and emits one delta per (kind, key) that changed.
// Trees are walked to full depth; feature/tile trees are kept shallow
// by the bounded-fanout path encoder (§4.B) so this remains cheap.
func TreesDiff(ctx context.Context, store objdb.Store, datasetPath string, kind DeltaKind, oldTree, newTree hash.Hash) (DeltaDiff, error) {
	oldLeaves, err := leaves(ctx, store, oldTree)
	if err != nil {
		return DeltaDiff{}, err
	}
	newLeaves, err := leaves(ctx, store, newTree)
	if err != nil {
		return DeltaDiff{}, err
	}

	var out DeltaDiff
	for path, newHash := range newLeaves {
		key := leafName(path)
		oldHash, existed := oldLeaves[path]
		switch {
		case !existed:
			out.Deltas = append(out.Deltas, Delta{
				DatasetPath: datasetPath, Kind: kind, Key: key, Path: path, Change: Insert,
				New: Value{hash: newHash, store: store},
			})
		case oldHash != newHash:
			out.Deltas = append(out.Deltas, Delta{
				DatasetPath: datasetPath, Kind: kind, Key: key, Path: path, Change: Update,
				Old: Value{hash: oldHash, store: store},
				New: Value{hash: newHash, store: store},
			})
		}
	}
	for path, oldHash := range oldLeaves {
		if _, stillPresent := newLeaves[path]; !stillPresent {
			out.Deltas = append(out.Deltas, Delta{
				DatasetPath: datasetPath, Kind: kind, Key: leafName(path), Path: path, Change: Delete,
				Old: Value{hash: oldHash, store: store},
			})
		}
	}
	return out, nil
}

// leaves walks h and returns every blob it contains keyed by its full
// slash-joined path relative to h, which is what lets Apply graft
// changes back in at the same fanout position they came from.
func leaves(ctx context.Context, store objdb.Store, h hash.Hash) (map[string]hash.Hash, error) {
	out := map[string]hash.Hash{}
	if h.IsEmpty() {
		return out, nil
	}
	var walk func(hash.Hash, string) error
	walk = func(cur hash.Hash, prefix string) error {
		t, err := store.ReadTree(ctx, cur)
		if err != nil {
			return err
		}
		for _, e := range t {
			p := e.Name
			if prefix != "" {
				p = prefix + "/" + e.Name
			}
			switch e.Kind {
			case objdb.KindBlob:
				out[p] = e.Hash
			case objdb.KindTree:
				if err := walk(e.Hash, p); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(h, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func leafName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// Conflict is one delta that could not be applied, and why.
type Conflict struct {
	Delta  Delta
	Reason string
}

// Apply applies diff on top of baseTree, returning the resulting tree
// hash. It accumulates conflicts rather than failing fast: a delete
// requires the base to contain the old value, an insert requires the
// base to hold nothing or the same new value at that path, and an update
// requires the base to contain the old value. allowMissingOldValues lifts
// the insert and update checks (not the delete check). If any
// conflicts are found, Apply returns kerr.KindPatchDoesNotApply carrying
// every conflict (§4.G).
func Apply(ctx context.Context, store objdb.Store, baseTree hash.Hash, d DeltaDiff, allowMissingOldValues bool) (hash.Hash, []Conflict, error) {
	// Group deltas by (datasetPath, kind) so each feature/tile subtree is
	// patched once rather than once per key.
	type groupKey struct {
		path string
		kind DeltaKind
	}
	groups := map[groupKey][]Delta{}
	var order []groupKey
	for _, delta := range d.Deltas {
		gk := groupKey{delta.DatasetPath, delta.Kind}
		if _, seen := groups[gk]; !seen {
			order = append(order, gk)
		}
		groups[gk] = append(groups[gk], delta)
	}

	var conflicts []Conflict
	newTree := baseTree
	for _, gk := range order {
		subtreePath := subtreePathFor(gk.path, gk.kind)
		curHash, err := lookupNested(ctx, store, newTree, subtreePath)
		if err != nil {
			return hash.Hash{}, nil, err
		}

		existing, err := leaves(ctx, store, curHash)
		if err != nil {
			return hash.Hash{}, nil, err
		}

		for _, delta := range groups[gk] {
			path := deltaPath(delta)
			switch delta.Change {
			case Delete:
				if existingHash, ok := existing[path]; !ok || existingHash != delta.Old.hash {
					conflicts = append(conflicts, Conflict{Delta: delta, Reason: "delete: base does not contain old value"})
					continue
				}
				delete(existing, path)
			case Insert:
				if existingHash, ok := existing[path]; ok && existingHash != delta.New.hash && !allowMissingOldValues {
					conflicts = append(conflicts, Conflict{Delta: delta, Reason: "insert: base already contains a different value"})
					continue
				}
				existing[path] = delta.New.hash
			case Update:
				if existingHash, ok := existing[path]; !ok || existingHash != delta.Old.hash {
					if !allowMissingOldValues {
						conflicts = append(conflicts, Conflict{Delta: delta, Reason: "update: base does not contain old value"})
						continue
					}
				}
				existing[path] = delta.New.hash
			}
		}

		if len(conflicts) > 0 {
			continue
		}

		var newSubtreeHash hash.Hash
		if gk.kind == KindMeta {
			newSubtreeHash, err = rebuildFlat(ctx, store, existing)
		} else {
			newSubtreeHash, err = rebuildFanout(ctx, store, existing)
		}
		if err != nil {
			return hash.Hash{}, nil, err
		}
		newTree, err = graftNested(ctx, store, newTree, subtreePath, newSubtreeHash)
		if err != nil {
			return hash.Hash{}, nil, err
		}
	}

	if len(conflicts) > 0 {
		reasons := make([]string, 0, len(conflicts))
		for _, c := range conflicts {
			reasons = append(reasons, fmt.Sprintf("%s/%s %s: %s", c.Delta.DatasetPath, c.Delta.Key, c.Delta.Kind, c.Reason))
		}
		return hash.Hash{}, conflicts, kerr.Newf(kerr.KindPatchDoesNotApply, "diff: %d conflicts: %v", len(conflicts), reasons)
	}
	return newTree, nil, nil
}

func subtreePathFor(datasetPath string, kind DeltaKind) string {
	switch kind {
	case KindMeta:
		return datasetPath + "/meta"
	case KindTile:
		return datasetPath + "/tile"
	default:
		return datasetPath + "/feature"
	}
}

// CommitResult is the outcome of a successful Commit call.
type CommitResult struct {
	CommitHash hash.Hash
	TreeHash   hash.Hash
}

// Commit applies diff on top of the commit at headHash's tree, writes a
// new commit with message, and advances no ref itself - callers (pkg/repo)
// own ref update and the working copy's soft_reset_after_commit (§4.G).
func Commit(ctx context.Context, store objdb.Store, head objdb.Commit, headHash hash.Hash, d DeltaDiff, message string, allowEmpty bool, author, committer objdb.Signature) (CommitResult, error) {
	newTree, conflicts, err := Apply(ctx, store, head.Tree, d, false)
	if err != nil {
		return CommitResult{}, err
	}
	_ = conflicts // nil on success; Apply already returns an error otherwise

	if newTree == head.Tree && !allowEmpty {
		return CommitResult{}, kerr.Newf(kerr.KindInvalidOperation, "diff: no changes to commit")
	}

	var parents []hash.Hash
	if !headHash.IsEmpty() {
		parents = []hash.Hash{headHash}
	}
	commitHash, err := store.WriteCommit(ctx, objdb.Commit{
		Tree:      newTree,
		Parents:   parents,
		Author:    author,
		Committer: committer,
		Message:   message,
	})
	if err != nil {
		return CommitResult{}, errors.Wrap(err, "diff: writing commit")
	}
	return CommitResult{CommitHash: commitHash, TreeHash: newTree}, nil
}

func lookupNested(ctx context.Context, store objdb.Store, root hash.Hash, p string) (hash.Hash, error) {
	segments := splitPath(p)
	cur := root
	for _, seg := range segments {
		if cur.IsEmpty() {
			return hash.Hash{}, nil
		}
		t, err := store.ReadTree(ctx, cur)
		if err != nil {
			return hash.Hash{}, err
		}
		e, ok := t.Lookup(seg)
		if !ok {
			return hash.Hash{}, nil
		}
		cur = e.Hash
	}
	return cur, nil
}

func graftNested(ctx context.Context, store objdb.Store, root hash.Hash, p string, leaf hash.Hash) (hash.Hash, error) {
	segments := splitPath(p)
	return graftSegment(ctx, store, root, segments, leaf)
}

func graftSegment(ctx context.Context, store objdb.Store, cur hash.Hash, segments []string, leaf hash.Hash) (hash.Hash, error) {
	var t objdb.Tree
	if !cur.IsEmpty() {
		existing, err := store.ReadTree(ctx, cur)
		if err != nil {
			return hash.Hash{}, err
		}
		t = append(objdb.Tree(nil), existing...)
	}
	if len(segments) == 1 {
		t = replaceOrAppend(t, objdb.TreeEntry{Name: segments[0], Kind: objdb.KindTree, Hash: leaf})
		t.Sort()
		return store.WriteTree(ctx, t)
	}
	var childHash hash.Hash
	if e, ok := t.Lookup(segments[0]); ok {
		childHash = e.Hash
	}
	newChild, err := graftSegment(ctx, store, childHash, segments[1:], leaf)
	if err != nil {
		return hash.Hash{}, err
	}
	t = replaceOrAppend(t, objdb.TreeEntry{Name: segments[0], Kind: objdb.KindTree, Hash: newChild})
	t.Sort()
	return store.WriteTree(ctx, t)
}

func replaceOrAppend(t objdb.Tree, e objdb.TreeEntry) objdb.Tree {
	for i, existing := range t {
		if existing.Name == e.Name {
			t[i] = e
			return t
		}
	}
	return append(t, e)
}

// rebuildFlat writes a single-level tree from a flat key->hash map, used
// for the meta subtree, which has no fanout structure.
func rebuildFlat(ctx context.Context, store objdb.Store, leaves map[string]hash.Hash) (hash.Hash, error) {
	var t objdb.Tree
	for name, h := range leaves {
		t = append(t, objdb.TreeEntry{Name: name, Kind: objdb.KindBlob, Hash: h})
	}
	t.Sort()
	return store.WriteTree(ctx, t)
}

// rebuildFanout rebuilds a feature/tile subtree from its surviving
// leaves, keyed by their full fanout-relative path (e.g. "aa/bb/<leaf>"),
// via pathenc.TreeBuilder so the bounded-fanout structure (§4.B) is
// preserved rather than collapsed into one flat tree.
func rebuildFanout(ctx context.Context, store objdb.Store, leaves map[string]hash.Hash) (hash.Hash, error) {
	if len(leaves) == 0 {
		return store.WriteTree(ctx, nil)
	}
	if len(leaves) >= parallelRebuildThreshold {
		return fastimport.BuildTree(ctx, store, leaves, bulkRebuildWorkers)
	}
	builder := pathenc.NewTreeBuilder(store)
	for path, h := range leaves {
		builder.Add(path, h)
	}
	return builder.Flush(ctx)
}

// deltaPath returns the full fanout-relative path a delta's leaf lives
// at, falling back to Key for deltas constructed without one (meta
// deltas, or deltas built by callers other than TreesDiff).
func deltaPath(d Delta) string {
	if d.Path != "" {
		return d.Path
	}
	return d.Key
}

func splitPath(p string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			if i > start {
				segs = append(segs, p[start:i])
			}
			start = i + 1
		}
	}
	if start < len(p) {
		segs = append(segs, p[start:])
	}
	return segs
}

// DecodeFeatureDelta is a convenience for callers that know the delta's
// kind is feature/tabular: decode both halves (where present) as rows
// given the respective schema/legend pairs.
func DecodeFeatureDelta(ctx context.Context, delta Delta, oldSchema, newSchema interface{ Decode([]byte) (blobcodec.Row, error) }) (old, new blobcodec.Row, err error) {
	if !delta.Old.IsZero() {
		data, err := delta.Old.Load(ctx)
		if err != nil {
			return nil, nil, err
		}
		old, err = oldSchema.Decode(data)
		if err != nil {
			return nil, nil, err
		}
	}
	if !delta.New.IsZero() {
		data, err := delta.New.Load(ctx)
		if err != nil {
			return nil, nil, err
		}
		new, err = newSchema.Decode(data)
		if err != nil {
			return nil, nil, err
		}
	}
	return old, new, nil
}
