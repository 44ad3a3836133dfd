package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/blobcodec"
	"github.com/koordinates/kart/pkg/config"
	"github.com/koordinates/kart/pkg/dataset"
	"github.com/koordinates/kart/pkg/diff"
	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/objdb"
	"github.com/koordinates/kart/pkg/objdb/lockedindex"
	"github.com/koordinates/kart/pkg/objdb/memstore"
	"github.com/koordinates/kart/pkg/pathenc"
	"github.com/koordinates/kart/pkg/schema"
)

// subtreeHash walks a slash-joined path from root, for tests that need
// a dataset's feature subtree hash directly rather than through a
// decoded dataset.Dataset.
func subtreeHash(t *testing.T, ctx context.Context, store objdb.Store, root hash.Hash, path string) hash.Hash {
	t.Helper()
	cur := root
	for _, seg := range splitTestPath(path) {
		tree, err := store.ReadTree(ctx, cur)
		require.NoError(t, err)
		entry, ok := tree.Lookup(seg)
		require.True(t, ok, "missing path segment %q in %q", seg, path)
		cur = entry.Hash
	}
	return cur
}

func splitTestPath(p string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			segs = append(segs, p[start:i])
			start = i + 1
		}
	}
	segs = append(segs, p[start:])
	return segs
}

const testSalt = "repo-test"

// buildDatasetTree writes a one-column tabular dataset ("fid" int64 PK)
// with one feature per row, and returns the entry to graft into a root
// tree at name.
func buildDatasetTree(t *testing.T, ctx context.Context, store *memstore.Store, name string, rows map[string]int64) objdb.TreeEntry {
	t.Helper()

	fidType := schema.Type{Kind: schema.KindInteger, Size: 64}
	sch, err := schema.New([]schema.Column{
		{ID: schema.EncodeColumnID("fid", fidType, testSalt), Name: "fid", Type: fidType, PKIndex: 0},
	})
	require.NoError(t, err)
	legend := schema.LegendOf(sch)

	schemaJSON := `[{"name":"fid","id":"` + sch.Columns[0].ID.String() + `","type":"integer","pkIndex":0}]`
	schemaHash, err := store.WriteBlob(ctx, []byte(schemaJSON))
	require.NoError(t, err)

	metaTree := objdb.Tree{{Name: "schema.json", Kind: objdb.KindBlob, Hash: schemaHash}}
	metaTreeHash, err := store.WriteTree(ctx, metaTree)
	require.NoError(t, err)

	builder := pathenc.NewTreeBuilder(store)
	for _, fid := range rows {
		data, err := blobcodec.EncodeFeature(sch, legend, blobcodec.Row{"fid": fid})
		require.NoError(t, err)
		blobHash, err := store.WriteBlob(ctx, data)
		require.NoError(t, err)
		p, err := pathenc.EncodeFeaturePath([]any{fid}, []schema.Type{fidType}, pathenc.DefaultFanout)
		require.NoError(t, err)
		builder.Add(p.String(), blobHash)
	}
	featureTreeHash, err := builder.Flush(ctx)
	require.NoError(t, err)

	rootTree := objdb.Tree{
		{Name: "meta", Kind: objdb.KindTree, Hash: metaTreeHash},
		{Name: "feature", Kind: objdb.KindTree, Hash: featureTreeHash},
	}
	rootHash, err := store.WriteTree(ctx, rootTree)
	require.NoError(t, err)
	return objdb.TreeEntry{Name: name, Kind: objdb.KindTree, Hash: rootHash}
}

func commitWithDataset(t *testing.T, ctx context.Context, store *memstore.Store, version string, datasetEntries ...objdb.TreeEntry) (hash.Hash, hash.Hash) {
	t.Helper()
	versionHash, err := store.WriteBlob(ctx, []byte(version))
	require.NoError(t, err)

	root := objdb.Tree{{Name: RepoVersionBlob, Kind: objdb.KindBlob, Hash: versionHash}}
	root = append(root, datasetEntries...)
	rootHash, err := store.WriteTree(ctx, root)
	require.NoError(t, err)

	commitHash, err := store.WriteCommit(ctx, objdb.Commit{Tree: rootHash})
	require.NoError(t, err)
	return commitHash, rootHash
}

func TestStructureDiscoversDatasetsAndClassifiesKind(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	dsEntry := buildDatasetTree(t, ctx, store, "my_dataset", map[string]int64{"a": 1, "b": 2})
	commitHash, _ := commitWithDataset(t, ctx, store, "2", dsEntry)
	require.NoError(t, store.UpdateRef(ctx, "HEAD", commitHash))

	r, err := Open(store, "/tmp/gitdir", "/tmp/workdir", Bare, nil)
	require.NoError(t, err)

	structure, err := r.Structure(ctx, "HEAD")
	require.NoError(t, err)

	datasets, err := structure.Datasets(ctx)
	require.NoError(t, err)
	require.Contains(t, datasets, "my_dataset")
	assert.Equal(t, dataset.KindTabular, datasets["my_dataset"].Kind())

	rows, err := datasets["my_dataset"].Features(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestEnsureVersionSupportedRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	commitHash, _ := commitWithDataset(t, ctx, store, "99")
	require.NoError(t, store.UpdateRef(ctx, "HEAD", commitHash))

	r, err := Open(store, "/tmp/gitdir", "/tmp/workdir", Bare, nil)
	require.NoError(t, err)

	_, err = r.Structure(ctx, "HEAD")
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.KindUnsupportedVersion))
}

func TestCommitDiffAdvancesRef(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	oldEntry := buildDatasetTree(t, ctx, store, "my_dataset", map[string]int64{"a": 1})
	commitHash, _ := commitWithDataset(t, ctx, store, "2", oldEntry)
	require.NoError(t, store.UpdateRef(ctx, "HEAD", commitHash))

	r, err := Open(store, "/tmp/gitdir", "/tmp/workdir", Bare, nil)
	require.NoError(t, err)

	structure, err := r.Structure(ctx, "HEAD")
	require.NoError(t, err)

	oldDatasets, err := structure.Datasets(ctx)
	require.NoError(t, err)
	_ = oldDatasets
	oldFeatureTreeHash := subtreeHash(t, ctx, store, structure.Tree(), "my_dataset/feature")

	newEntry := buildDatasetTree(t, ctx, store, "my_dataset", map[string]int64{"a": 1, "b": 2})
	newFeatureTreeHash := subtreeHash(t, ctx, store, newEntry.Hash, "feature")

	d, err := diff.TreesDiff(ctx, store, "my_dataset", diff.KindFeature, oldFeatureTreeHash, newFeatureTreeHash)
	require.NoError(t, err)
	require.Len(t, d.Deltas, 1)

	result, err := structure.CommitDiff(ctx, d, "add b", false)
	require.NoError(t, err)

	newHead, err := store.ResolveRef(ctx, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, result.CommitHash, newHead)

	newStructure, err := r.Structure(ctx, "HEAD")
	require.NoError(t, err)
	datasets, err := newStructure.Datasets(ctx)
	require.NoError(t, err)
	rows, err := datasets["my_dataset"].Features(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCommitDiffRejectsNoOpWithoutAllowEmpty(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	entry := buildDatasetTree(t, ctx, store, "my_dataset", map[string]int64{"a": 1})
	commitHash, _ := commitWithDataset(t, ctx, store, "2", entry)
	require.NoError(t, store.UpdateRef(ctx, "HEAD", commitHash))

	r, err := Open(store, "/tmp/gitdir", "/tmp/workdir", Bare, nil)
	require.NoError(t, err)
	structure, err := r.Structure(ctx, "HEAD")
	require.NoError(t, err)

	_, err = structure.CommitDiff(ctx, diff.DeltaDiff{}, "nothing", false)
	require.Error(t, err)
	assert.True(t, kerr.Is(err, kerr.KindInvalidOperation))
}

func TestStateIsNormalThenMergingWhenSentinelWritten(t *testing.T) {
	gitDir := t.TempDir()
	r, err := Open(memstore.New(), gitDir, gitDir, Bare, nil)
	require.NoError(t, err)

	state, err := r.State()
	require.NoError(t, err)
	assert.Equal(t, Normal, state)

	require.NoError(t, os.WriteFile(filepath.Join(gitDir, MergeHeadFile), []byte("abc"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, MergeIndexFile), []byte(""), 0o644))

	state, err = r.State()
	require.NoError(t, err)
	assert.Equal(t, Merging, state)

	require.NoError(t, r.EnsureStateIs(Merging))
	assert.Error(t, r.EnsureStateIs(Normal))
}

func TestInitLayoutWritesLockedIndexForTidyRepo(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, ".repo")
	require.NoError(t, os.MkdirAll(gitDir, 0o755))

	require.NoError(t, InitLayout(gitDir, root, Tidy))

	locked, err := lockedindex.IsLocked(filepath.Join(gitDir, "index"))
	require.NoError(t, err)
	assert.True(t, locked)

	pointer, err := os.ReadFile(filepath.Join(root, ".git"))
	require.NoError(t, err)
	assert.Equal(t, "gitdir: .repo\n", string(pointer))
}

func TestInitLayoutIsNoOpForBareRepo(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, InitLayout(root, root, Bare))

	_, err := os.Stat(filepath.Join(root, ".git"))
	assert.True(t, os.IsNotExist(err))
}

func TestAuthorSignatureFallsBackToUserConfig(t *testing.T) {
	cfg := config.New(map[string]string{"user.name": "Ada", "user.email": "ada@example.com"})
	r, err := Open(memstore.New(), "/tmp/gitdir", "/tmp/workdir", Bare, cfg)
	require.NoError(t, err)

	sig := r.AuthorSignature(objdb.Signature{})
	assert.Equal(t, "Ada", sig.Name)
	assert.Equal(t, "ada@example.com", sig.Email)

	overridden := r.AuthorSignature(objdb.Signature{Name: "Override"})
	assert.Equal(t, "Override", overridden.Name)
	assert.Equal(t, "ada@example.com", overridden.Email)
}
