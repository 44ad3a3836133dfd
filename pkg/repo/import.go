package repo

import (
	"context"

	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/fastimport"
	"github.com/koordinates/kart/pkg/hash"
)

// ImportDataset creates (or replaces, per req.Replace) a dataset at
// req.DatasetPath from a batch of already-decoded features, the way
// sno's fast_import path builds a brand-new dataset's tree in one pass
// across several worker goroutines rather than one feature at a time
// (§4.E). ref is resolved to its current tree to serve as the import's
// base and is advanced to the resulting commit on success; "HEAD" is
// resolved the same way Structure does.
func (r *Repository) ImportDataset(ctx context.Context, ref string, req fastimport.Request) (fastimport.Result, error) {
	if ref == "" {
		ref = "HEAD"
	}
	req.Store = r.Store

	baseTree, err := r.headTree(ctx, ref)
	if err != nil {
		return fastimport.Result{}, err
	}
	req.BaseTree = baseTree
	req.Author = r.AuthorSignature(req.Author)
	req.Committer = r.CommitterSignature(req.Committer)

	result, err := fastimport.Run(ctx, req)
	if err != nil {
		return fastimport.Result{}, err
	}
	if err := r.Store.UpdateRef(ctx, ref, result.CommitHash); err != nil {
		return fastimport.Result{}, errors.Wrapf(err, "repo: updating ref %q after import", ref)
	}
	return result, nil
}

// headTree resolves ref to its current tree, or hash.Empty if ref does
// not exist yet - the same "brand-new repository" case fastimport.Run's
// BaseTree documents.
func (r *Repository) headTree(ctx context.Context, ref string) (hash.Hash, error) {
	commitHash, err := r.Store.ResolveRef(ctx, ref)
	if err != nil {
		return hash.Empty, nil
	}
	commit, err := r.Store.ReadCommit(ctx, commitHash)
	if err != nil {
		return hash.Empty, errors.Wrapf(err, "repo: reading commit for ref %q", ref)
	}
	return commit.Tree, nil
}
