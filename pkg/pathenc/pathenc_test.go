package pathenc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/objdb/memstore"
	"github.com/koordinates/kart/pkg/schema"
)

func intPK() []schema.Type { return []schema.Type{{Kind: schema.KindInteger, Size: 64}} }

func TestEncodeDecodeFeaturePathRoundTrips(t *testing.T) {
	types := intPK()
	for _, pk := range [][]any{{int64(1)}, {int64(-42)}, {int64(1 << 40)}} {
		p, err := EncodeFeaturePath(pk, types, DefaultFanout)
		require.NoError(t, err)
		require.Len(t, p.Subtrees, 2)

		decoded, err := DecodeFeaturePath(p.Leaf, types)
		require.NoError(t, err)
		assert.Equal(t, pk, decoded)
	}
}

func TestEncodeFeaturePathRoundTripsStringPK(t *testing.T) {
	types := []schema.Type{{Kind: schema.KindText}}
	pk := []any{"Ōtorohanga"}

	p, err := EncodeFeaturePath(pk, types, DefaultFanout)
	require.NoError(t, err)
	decoded, err := DecodeFeaturePath(p.Leaf, types)
	require.NoError(t, err)
	assert.Equal(t, pk, decoded)
}

func TestEncodeFeaturePathRoundTripsCompositePK(t *testing.T) {
	types := []schema.Type{{Kind: schema.KindInteger, Size: 64}, {Kind: schema.KindText}}
	pk := []any{int64(7), "part-b"}

	p, err := EncodeFeaturePath(pk, types, DefaultFanout)
	require.NoError(t, err)
	decoded, err := DecodeFeaturePath(p.Leaf, types)
	require.NoError(t, err)
	assert.Equal(t, pk, decoded)
}

func TestEncodeFeaturePathIsDeterministic(t *testing.T) {
	types := intPK()
	p1, err := EncodeFeaturePath([]any{int64(99)}, types, DefaultFanout)
	require.NoError(t, err)
	p2, err := EncodeFeaturePath([]any{int64(99)}, types, DefaultFanout)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestEncodeFeaturePathDistinctLeavesForDistinctKeys(t *testing.T) {
	types := intPK()
	seen := map[string]bool{}
	for i := int64(0); i < 500; i++ {
		p, err := EncodeFeaturePath([]any{i}, types, DefaultFanout)
		require.NoError(t, err)
		assert.False(t, seen[p.Leaf], "leaf collision for key %d", i)
		seen[p.Leaf] = true
	}
}

func TestEncodeTilePathLowercasesExtension(t *testing.T) {
	p := EncodeTilePath("Tile_0_0.TIF")
	assert.Equal(t, "Tile_0_0.tif", p.Filename)
	assert.Len(t, p.DirA, 2)
	assert.Len(t, p.DirB, 2)
}

func TestEncodeTilePathIsDeterministic(t *testing.T) {
	p1 := EncodeTilePath("tile_1_2.tif")
	p2 := EncodeTilePath("tile_1_2.tif")
	assert.Equal(t, p1, p2)
}

func TestPartitionOfIsStableAndBounded(t *testing.T) {
	for _, n := range []int{1, 4, 64} {
		p := PartitionOf("a4", n)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, n)
		assert.Equal(t, p, PartitionOf("a4", n))
	}
}

func TestTreeBuilderFlushIsDeterministic(t *testing.T) {
	types := intPK()
	store := memstore.New()

	build := func() string {
		b := NewTreeBuilder(store)
		for i := int64(0); i < 20; i++ {
			p, err := EncodeFeaturePath([]any{i}, types, DefaultFanout)
			require.NoError(t, err)
			h, err := store.WriteBlob(context.Background(), []byte(p.Leaf))
			require.NoError(t, err)
			b.Add(p.String(), h)
		}
		root, err := b.Flush(context.Background())
		require.NoError(t, err)
		return root.String()
	}

	assert.Equal(t, build(), build())
}

func TestTreeBuilderFlushProducesReadableTree(t *testing.T) {
	store := memstore.New()
	b := NewTreeBuilder(store)
	ctx := context.Background()

	h1, err := store.WriteBlob(ctx, []byte("one"))
	require.NoError(t, err)
	h2, err := store.WriteBlob(ctx, []byte("two"))
	require.NoError(t, err)
	b.Add("aa/bb/leaf1", h1)
	b.Add("aa/cc/leaf2", h2)

	root, err := b.Flush(ctx)
	require.NoError(t, err)

	rootTree, err := store.ReadTree(ctx, root)
	require.NoError(t, err)
	require.Len(t, rootTree, 1)
	assert.Equal(t, "aa", rootTree[0].Name)

	aaTree, err := store.ReadTree(ctx, rootTree[0].Hash)
	require.NoError(t, err)
	require.Len(t, aaTree, 2)
}
