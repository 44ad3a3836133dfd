package diff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/objdb"
	"github.com/koordinates/kart/pkg/objdb/memstore"
	"github.com/koordinates/kart/pkg/pathenc"
)

// buildFanoutSubtree writes each path -> content as a blob, arranges them
// through a pathenc.TreeBuilder so the result has the same bounded-fanout
// shape fastimport/pathenc would have produced, and returns the subtree's
// hash.
func buildFanoutSubtree(t *testing.T, ctx context.Context, store objdb.Store, entries map[string]string) hash.Hash {
	t.Helper()
	builder := pathenc.NewTreeBuilder(store)
	for path, content := range entries {
		h, err := store.WriteBlob(ctx, []byte(content))
		require.NoError(t, err)
		builder.Add(path, h)
	}
	if len(entries) == 0 {
		h, err := store.WriteTree(ctx, nil)
		require.NoError(t, err)
		return h
	}
	h, err := builder.Flush(ctx)
	require.NoError(t, err)
	return h
}

func buildRootWithSubtree(t *testing.T, ctx context.Context, store objdb.Store, datasetPath string, kind DeltaKind, subtree hash.Hash) hash.Hash {
	t.Helper()
	root, err := graftNested(ctx, store, hash.Hash{}, subtreePathFor(datasetPath, kind), subtree)
	require.NoError(t, err)
	return root
}

func TestTreesDiffDetectsInsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	oldSubtree := buildFanoutSubtree(t, ctx, store, map[string]string{
		"aa/bb/leaf1": "old-one",
		"aa/bb/leaf2": "old-two",
	})
	newSubtree := buildFanoutSubtree(t, ctx, store, map[string]string{
		"aa/bb/leaf1": "new-one", // updated
		"aa/cc/leaf3": "new-three", // inserted
		// leaf2 deleted
	})

	d, err := TreesDiff(ctx, store, "mydataset", KindFeature, oldSubtree, newSubtree)
	require.NoError(t, err)
	assert.Len(t, d.Deltas, 3)

	byKey := map[string]Delta{}
	for _, delta := range d.Deltas {
		byKey[delta.Key] = delta
	}

	require.Contains(t, byKey, "leaf1")
	assert.Equal(t, Update, byKey["leaf1"].Change)
	assert.Equal(t, "aa/bb/leaf1", byKey["leaf1"].Path)

	require.Contains(t, byKey, "leaf2")
	assert.Equal(t, Delete, byKey["leaf2"].Change)

	require.Contains(t, byKey, "leaf3")
	assert.Equal(t, Insert, byKey["leaf3"].Change)
	assert.Equal(t, "aa/cc/leaf3", byKey["leaf3"].Path)
}

func TestApplyPreservesFanoutStructure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	oldSubtree := buildFanoutSubtree(t, ctx, store, map[string]string{
		"aa/bb/leaf1": "old-one",
		"aa/bb/leaf2": "old-two",
	})
	newSubtree := buildFanoutSubtree(t, ctx, store, map[string]string{
		"aa/bb/leaf1": "new-one",
		"aa/cc/leaf3": "new-three",
	})
	baseRoot := buildRootWithSubtree(t, ctx, store, "mydataset", KindFeature, oldSubtree)

	d, err := TreesDiff(ctx, store, "mydataset", KindFeature, oldSubtree, newSubtree)
	require.NoError(t, err)

	resultRoot, conflicts, err := Apply(ctx, store, baseRoot, d, false)
	require.NoError(t, err)
	assert.Nil(t, conflicts)

	subtreeHash, err := lookupNested(ctx, store, resultRoot, subtreePathFor("mydataset", KindFeature))
	require.NoError(t, err)

	topLevel, err := store.ReadTree(ctx, subtreeHash)
	require.NoError(t, err)
	for _, e := range topLevel {
		assert.Equal(t, objdb.KindTree, e.Kind, "top level of a feature subtree must stay directories, not flattened blobs")
	}

	got, err := leaves(ctx, store, subtreeHash)
	require.NoError(t, err)
	assert.Equal(t, map[string]hash.Hash{
		"aa/bb/leaf1": hash.Of([]byte("new-one")),
		"aa/cc/leaf3": hash.Of([]byte("new-three")),
	}, got)
}

func TestApplyConflictOnStaleDelete(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	oldSubtree := buildFanoutSubtree(t, ctx, store, map[string]string{
		"aa/bb/leaf1": "one",
	})
	baseRoot := buildRootWithSubtree(t, ctx, store, "mydataset", KindFeature, oldSubtree)

	staleDelta := Delta{
		DatasetPath: "mydataset",
		Kind:        KindFeature,
		Key:         "leaf1",
		Path:        "aa/bb/leaf1",
		Change:      Delete,
		Old:         Value{hash: hash.Of([]byte("not-what-is-there")), store: store},
	}

	_, conflicts, err := Apply(ctx, store, baseRoot, DeltaDiff{Deltas: []Delta{staleDelta}}, false)
	require.Error(t, err)
	require.Len(t, conflicts, 1)
	assert.True(t, kerr.Is(err, kerr.KindPatchDoesNotApply))
}

func TestCommitRejectsNoOpWithoutAllowEmpty(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	oldSubtree := buildFanoutSubtree(t, ctx, store, map[string]string{
		"aa/bb/leaf1": "one",
	})
	baseRoot := buildRootWithSubtree(t, ctx, store, "mydataset", KindFeature, oldSubtree)
	head := objdb.Commit{Tree: baseRoot}

	_, err := Commit(ctx, store, head, hash.Hash{}, DeltaDiff{}, "no changes", false, objdb.Signature{}, objdb.Signature{})
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.KindInvalidOperation))
}

func TestCommitWritesNewCommitOnTopOfParent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	oldSubtree := buildFanoutSubtree(t, ctx, store, map[string]string{
		"aa/bb/leaf1": "one",
	})
	newSubtree := buildFanoutSubtree(t, ctx, store, map[string]string{
		"aa/bb/leaf1": "one",
		"aa/cc/leaf2": "two",
	})
	baseRoot := buildRootWithSubtree(t, ctx, store, "mydataset", KindFeature, oldSubtree)
	headHash, err := store.WriteCommit(ctx, objdb.Commit{Tree: baseRoot})
	require.NoError(t, err)
	head, err := store.ReadCommit(ctx, headHash)
	require.NoError(t, err)

	d, err := TreesDiff(ctx, store, "mydataset", KindFeature, oldSubtree, newSubtree)
	require.NoError(t, err)

	sig := objdb.Signature{Name: "tester", Email: "t@example.com"}
	result, err := Commit(ctx, store, head, headHash, d, "add leaf2", false, sig, sig)
	require.NoError(t, err)

	commit, err := store.ReadCommit(ctx, result.CommitHash)
	require.NoError(t, err)
	require.Len(t, commit.Parents, 1)
	assert.Equal(t, headHash, commit.Parents[0])
	assert.Equal(t, result.TreeHash, commit.Tree)
}
