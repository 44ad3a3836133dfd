package repo

import (
	"context"

	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/dataset"
	"github.com/koordinates/kart/pkg/diff"
	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/objdb"
)

// Structure is a repository's dataset tree at one revision, the way
// sno's RepositoryStructure pins a refish to a concrete commit before
// handing out datasets from it.
type Structure struct {
	repo       *Repository
	ref        string
	commitHash hash.Hash
	commit     objdb.Commit
}

// Structure resolves ref (a ref name, or "HEAD") to a commit and
// returns the dataset tree rooted there (§4.I "structure(ref)").
func (r *Repository) Structure(ctx context.Context, ref string) (*Structure, error) {
	if ref == "" {
		ref = "HEAD"
	}
	commitHash, err := r.Store.ResolveRef(ctx, ref)
	if err != nil {
		return nil, kerr.Wrapf(kerr.KindNotFound, err, "repo: no such ref %q", ref).WithCode(kerr.ExitNoCommit)
	}
	commit, err := r.Store.ReadCommit(ctx, commitHash)
	if err != nil {
		return nil, errors.Wrapf(err, "repo: reading commit for ref %q", ref)
	}
	if err := r.EnsureVersionSupported(ctx, commit.Tree); err != nil {
		return nil, err
	}
	return &Structure{repo: r, ref: ref, commitHash: commitHash, commit: commit}, nil
}

// CommitHash returns the commit this structure is pinned to.
func (s *Structure) CommitHash() hash.Hash { return s.commitHash }

// Tree returns the tree this structure is pinned to.
func (s *Structure) Tree() hash.Hash { return s.commit.Tree }

// Datasets returns every dataset found in this structure's tree, keyed
// by its path. A dataset is any subtree that has its own "meta"
// subtree; discovery does not recurse past a dataset's own boundary,
// since feature/tile/meta subtrees never themselves contain further
// datasets.
func (s *Structure) Datasets(ctx context.Context) (map[string]*dataset.Dataset, error) {
	found, err := discoverDatasets(ctx, s.repo.Store, s.commit.Tree, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*dataset.Dataset, len(found))
	for _, d := range found {
		ds, err := dataset.Open(ctx, s.repo.Store, d.path, d.treeHash, d.kind, s.repo.datasetCache)
		if err != nil {
			return nil, err
		}
		out[d.path] = ds
	}
	return out, nil
}

// Dataset opens a single named dataset, or returns a KindNotFound error
// if no dataset exists at that path.
func (s *Structure) Dataset(ctx context.Context, path string) (*dataset.Dataset, error) {
	datasets, err := s.Datasets(ctx)
	if err != nil {
		return nil, err
	}
	ds, ok := datasets[path]
	if !ok {
		return nil, kerr.Newf(kerr.KindNotFound, "no dataset at %q", path).WithCode(kerr.ExitNoData)
	}
	return ds, nil
}

// Datasets is a convenience equal to Structure(ref).Datasets(ctx)
// (§4.I "datasets(ref = HEAD)").
func (r *Repository) Datasets(ctx context.Context, ref string) (map[string]*dataset.Dataset, error) {
	structure, err := r.Structure(ctx, ref)
	if err != nil {
		return nil, err
	}
	return structure.Datasets(ctx)
}

// DatasetsAtTree opens every dataset found under treeHash directly,
// without pinning a ref or checking .repo-version - the working copy
// backends use this to read dataset content at an arbitrary target
// tree (e.g. a merge's result tree) rather than always HEAD.
func (r *Repository) DatasetsAtTree(ctx context.Context, treeHash hash.Hash) (map[string]*dataset.Dataset, error) {
	found, err := discoverDatasets(ctx, r.Store, treeHash, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*dataset.Dataset, len(found))
	for _, d := range found {
		ds, err := dataset.Open(ctx, r.Store, d.path, d.treeHash, d.kind, r.datasetCache)
		if err != nil {
			return nil, err
		}
		out[d.path] = ds
	}
	return out, nil
}

type discoveredDataset struct {
	path     string
	treeHash hash.Hash
	kind     dataset.Kind
}

const metaSubtreeName = "meta"
const tileFormatItem = "format.json"

func discoverDatasets(ctx context.Context, store objdb.Store, treeHash hash.Hash, prefix string) ([]discoveredDataset, error) {
	if treeHash.IsEmpty() {
		return nil, nil
	}
	tree, err := store.ReadTree(ctx, treeHash)
	if err != nil {
		return nil, errors.Wrapf(err, "repo: reading tree at %q", prefix)
	}

	metaEntry, isDataset := tree.Lookup(metaSubtreeName)
	if isDataset && metaEntry.Kind == objdb.KindTree {
		kind, err := classifyDataset(ctx, store, metaEntry.Hash)
		if err != nil {
			return nil, err
		}
		return []discoveredDataset{{path: prefix, treeHash: treeHash, kind: kind}}, nil
	}

	var out []discoveredDataset
	for _, e := range tree {
		if e.Kind != objdb.KindTree {
			continue
		}
		childPath := e.Name
		if prefix != "" {
			childPath = prefix + "/" + e.Name
		}
		children, err := discoverDatasets(ctx, store, e.Hash, childPath)
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	}
	return out, nil
}

// classifyDataset distinguishes a tabular dataset from a tile dataset
// by the presence of meta/format.json (§6.2: tile datasets have
// format.json, tabular datasets don't).
func classifyDataset(ctx context.Context, store objdb.Store, metaTreeHash hash.Hash) (dataset.Kind, error) {
	metaTree, err := store.ReadTree(ctx, metaTreeHash)
	if err != nil {
		return dataset.KindTabular, errors.Wrap(err, "repo: reading meta tree")
	}
	if _, ok := metaTree.Lookup(tileFormatItem); ok {
		return dataset.KindTile, nil
	}
	return dataset.KindTabular, nil
}

// CommitDiff applies d on top of this structure's tree and writes a new
// commit advancing ref to it (§4.I "structure(ref).commit_diff(diff,
// message, allow_empty)"). It does not touch the working copy; callers
// (the command layer) are responsible for the working copy's own
// soft-reset-after-commit. ref is passed through to UpdateRef as given
// to Structure; resolving "HEAD" to the branch it currently points at
// is the object database collaborator's job (pkg/objdb/gitstore uses
// libgit2's own symbolic-ref handling for reads, and a caller wanting
// symbolic HEAD updates should pass the concrete branch ref instead).
func (s *Structure) CommitDiff(ctx context.Context, d diff.DeltaDiff, message string, allowEmpty bool) (diff.CommitResult, error) {
	author := s.repo.AuthorSignature(objdb.Signature{})
	committer := s.repo.CommitterSignature(objdb.Signature{})

	result, err := diff.Commit(ctx, s.repo.Store, s.commit, s.commitHash, d, message, allowEmpty, author, committer)
	if err != nil {
		return diff.CommitResult{}, err
	}
	if err := s.repo.Store.UpdateRef(ctx, s.ref, result.CommitHash); err != nil {
		return diff.CommitResult{}, errors.Wrapf(err, "repo: updating ref %q", s.ref)
	}
	return result, nil
}
