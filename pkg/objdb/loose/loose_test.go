package loose

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/objdb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Init(t.TempDir(), true)
	require.NoError(t, err)
	return s
}

func TestBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	h, err := s.WriteBlob(ctx, []byte("feature payload"))
	require.NoError(t, err)

	got, err := s.ReadBlob(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "feature payload", string(got))
}

func TestTreeRoundTripIsSorted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bh, err := s.WriteBlob(ctx, []byte("x"))
	require.NoError(t, err)

	th, err := s.WriteTree(ctx, objdb.Tree{
		{Name: "zzz", Kind: objdb.KindBlob, Hash: bh},
		{Name: "aaa", Kind: objdb.KindBlob, Hash: bh},
	})
	require.NoError(t, err)

	got, err := s.ReadTree(ctx, th)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "aaa", got[0].Name)
	assert.Equal(t, "zzz", got[1].Name)
}

func TestCommitRoundTripAndWalkAncestry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bh, err := s.WriteBlob(ctx, []byte("v1"))
	require.NoError(t, err)
	th, err := s.WriteTree(ctx, objdb.Tree{{Name: "f", Kind: objdb.KindBlob, Hash: bh}})
	require.NoError(t, err)

	when := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sig := objdb.Signature{Name: "kart", Email: "kart@example.com", When: when}

	root, err := s.WriteCommit(ctx, objdb.Commit{Tree: th, Author: sig, Committer: sig, Message: "root"})
	require.NoError(t, err)

	bh2, err := s.WriteBlob(ctx, []byte("v2"))
	require.NoError(t, err)
	th2, err := s.WriteTree(ctx, objdb.Tree{{Name: "f", Kind: objdb.KindBlob, Hash: bh2}})
	require.NoError(t, err)

	child, err := s.WriteCommit(ctx, objdb.Commit{
		Tree: th2, Parents: []hash.Hash{root}, Author: sig, Committer: sig, Message: "child",
	})
	require.NoError(t, err)

	got, err := s.ReadCommit(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, "child", got.Message)
	require.Len(t, got.Parents, 1)
	assert.Equal(t, root, got.Parents[0])

	var seen []string
	err = s.WalkAncestry(ctx, child, func(h hash.Hash, c objdb.Commit) bool {
		seen = append(seen, c.Message)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"child", "root"}, seen)
}

func TestWalkAncestryStopsEarly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sig := objdb.Signature{Name: "kart", Email: "kart@example.com", When: time.Now().UTC()}
	bh, err := s.WriteBlob(ctx, []byte("v1"))
	require.NoError(t, err)
	th, err := s.WriteTree(ctx, objdb.Tree{{Name: "f", Kind: objdb.KindBlob, Hash: bh}})
	require.NoError(t, err)

	root, err := s.WriteCommit(ctx, objdb.Commit{Tree: th, Author: sig, Committer: sig, Message: "root"})
	require.NoError(t, err)
	child, err := s.WriteCommit(ctx, objdb.Commit{
		Tree: th, Parents: []hash.Hash{root}, Author: sig, Committer: sig, Message: "child",
	})
	require.NoError(t, err)

	var seen int
	err = s.WalkAncestry(ctx, child, func(h hash.Hash, c objdb.Commit) bool {
		seen++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestRefUpdateAndResolve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sig := objdb.Signature{Name: "kart", Email: "kart@example.com", When: time.Now().UTC()}
	bh, err := s.WriteBlob(ctx, []byte("v1"))
	require.NoError(t, err)
	th, err := s.WriteTree(ctx, objdb.Tree{{Name: "f", Kind: objdb.KindBlob, Hash: bh}})
	require.NoError(t, err)
	commitHash, err := s.WriteCommit(ctx, objdb.Commit{Tree: th, Author: sig, Committer: sig, Message: "root"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateRef(ctx, "refs/heads/main", commitHash))

	got, err := s.ResolveRef(ctx, "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, commitHash, got)
}
