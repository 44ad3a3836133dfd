// Package loose binds pkg/objdb.Store to a plain git repository through
// go-git and go-billy instead of libgit2/git2go, using git.Open/git.Init
// against a storage.Storer rather than linking a C library. This lets
// tests and tooling exercise the same repository layout
// pkg/objdb/gitstore talks to without a cgo dependency; pkg/repo.Open
// takes whichever Store its caller opened, and is otherwise agnostic
// between them.
package loose

import (
	"context"
	"io"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/objdb"
)

// Store wraps a *git.Repository opened through go-git and satisfies
// objdb.Store.
type Store struct {
	repo *git.Repository
}

// Open opens the git object store rooted at gitDir through go-billy's
// osfs, the way go-git's own low-level Open(storer, worktree) is used
// when a caller wants to manage the dotgit layout directly rather than
// through PlainOpen's working-tree detection. kart never uses go-git's
// own worktree checkout (pkg/workingcopy owns that), so the worktree
// filesystem is always nil here - both bare and tidy repositories are
// treated as a bare object store at gitDir.
func Open(gitDir string) (*Store, error) {
	st := filesystem.NewStorage(osfs.New(gitDir), cache.NewObjectLRUDefault())
	repo, err := git.Open(st, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "loose: open %s", gitDir)
	}
	return &Store{repo: repo}, nil
}

// Init creates a new repository at gitDir, mirroring gitstore.Init's
// bare/tidy split (§6.1): bare repositories store objects directly at
// gitDir, tidy ones call Init on a ".repo" subdirectory. bare only
// affects the caller's own directory layout decision, not this
// function - see Open's worktree note.
func Init(gitDir string, bare bool) (*Store, error) {
	_ = bare
	st := filesystem.NewStorage(osfs.New(gitDir), cache.NewObjectLRUDefault())
	repo, err := git.Init(st, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "loose: init %s", gitDir)
	}
	return &Store{repo: repo}, nil
}

func toHash(h hash.Hash) plumbing.Hash {
	return plumbing.Hash(h)
}

func fromHash(h plumbing.Hash) hash.Hash {
	return hash.Hash(h)
}

func (s *Store) ReadBlob(_ context.Context, h hash.Hash) ([]byte, error) {
	obj, err := s.repo.Storer.EncodedObject(plumbing.BlobObject, toHash(h))
	if err != nil {
		return nil, errors.Wrapf(err, "loose: read blob %s", h)
	}
	blob := &object.Blob{}
	if err := blob.Decode(obj); err != nil {
		return nil, errors.Wrapf(err, "loose: decode blob %s", h)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, errors.Wrapf(err, "loose: open blob reader %s", h)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "loose: read blob content %s", h)
	}
	return data, nil
}

func (s *Store) WriteBlob(_ context.Context, data []byte) (hash.Hash, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return hash.Empty, errors.Wrap(err, "loose: open blob writer")
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return hash.Empty, errors.Wrap(err, "loose: write blob")
	}
	if err := w.Close(); err != nil {
		return hash.Empty, errors.Wrap(err, "loose: close blob writer")
	}
	h, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return hash.Empty, errors.Wrap(err, "loose: store blob")
	}
	return fromHash(h), nil
}

func (s *Store) ReadTree(_ context.Context, h hash.Hash) (objdb.Tree, error) {
	obj, err := s.repo.Storer.EncodedObject(plumbing.TreeObject, toHash(h))
	if err != nil {
		return nil, errors.Wrapf(err, "loose: read tree %s", h)
	}
	tree, err := object.DecodeTree(s.repo.Storer, obj)
	if err != nil {
		return nil, errors.Wrapf(err, "loose: decode tree %s", h)
	}
	out := make(objdb.Tree, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		kind := objdb.KindBlob
		if e.Mode == filemode.Dir {
			kind = objdb.KindTree
		}
		out = append(out, objdb.TreeEntry{Name: e.Name, Kind: kind, Hash: fromHash(e.Hash)})
	}
	out.Sort()
	return out, nil
}

func (s *Store) WriteTree(_ context.Context, t objdb.Tree) (hash.Hash, error) {
	t.Sort()
	tree := &object.Tree{}
	for _, e := range t {
		mode := filemode.Regular
		if e.Kind == objdb.KindTree {
			mode = filemode.Dir
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: e.Name, Mode: mode, Hash: toHash(e.Hash)})
	}

	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	if err := tree.Encode(obj); err != nil {
		return hash.Empty, errors.Wrap(err, "loose: encode tree")
	}
	h, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return hash.Empty, errors.Wrap(err, "loose: store tree")
	}
	return fromHash(h), nil
}

func (s *Store) ReadCommit(_ context.Context, h hash.Hash) (objdb.Commit, error) {
	obj, err := s.repo.Storer.EncodedObject(plumbing.CommitObject, toHash(h))
	if err != nil {
		return objdb.Commit{}, errors.Wrapf(err, "loose: read commit %s", h)
	}
	commit, err := object.DecodeCommit(s.repo.Storer, obj)
	if err != nil {
		return objdb.Commit{}, errors.Wrapf(err, "loose: decode commit %s", h)
	}
	c := objdb.Commit{
		Tree:    fromHash(commit.TreeHash),
		Message: commit.Message,
		Author: objdb.Signature{
			Name: commit.Author.Name, Email: commit.Author.Email, When: commit.Author.When,
		},
		Committer: objdb.Signature{
			Name: commit.Committer.Name, Email: commit.Committer.Email, When: commit.Committer.When,
		},
	}
	for _, p := range commit.ParentHashes {
		c.Parents = append(c.Parents, fromHash(p))
	}
	return c, nil
}

func (s *Store) WriteCommit(_ context.Context, c objdb.Commit) (hash.Hash, error) {
	commit := &object.Commit{
		TreeHash: toHash(c.Tree),
		Message:  c.Message,
		Author: object.Signature{
			Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When,
		},
		Committer: object.Signature{
			Name: c.Committer.Name, Email: c.Committer.Email, When: c.Committer.When,
		},
	}
	for _, p := range c.Parents {
		commit.ParentHashes = append(commit.ParentHashes, toHash(p))
	}

	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	if err := commit.Encode(obj); err != nil {
		return hash.Empty, errors.Wrap(err, "loose: encode commit")
	}
	h, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return hash.Empty, errors.Wrap(err, "loose: store commit")
	}
	return fromHash(h), nil
}

func (s *Store) ResolveRef(_ context.Context, name string) (hash.Hash, error) {
	ref, err := s.repo.Reference(plumbing.ReferenceName(name), true)
	if err != nil {
		ref, err = s.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	}
	if err != nil {
		return hash.Empty, errors.Wrapf(err, "loose: resolve ref %s", name)
	}
	return fromHash(ref.Hash()), nil
}

func (s *Store) UpdateRef(_ context.Context, name string, h hash.Hash) error {
	ref := plumbing.NewHashReference(plumbing.ReferenceName(name), toHash(h))
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return errors.Wrapf(err, "loose: update ref %s", name)
	}
	return nil
}

func (s *Store) WalkAncestry(_ context.Context, from hash.Hash, visit func(hash.Hash, objdb.Commit) bool) error {
	iter, err := s.repo.Log(&git.LogOptions{From: toHash(from)})
	if err != nil {
		return errors.Wrapf(err, "loose: log from %s", from)
	}
	defer iter.Close()

	return iter.ForEach(func(gc *object.Commit) error {
		c := objdb.Commit{
			Tree:    fromHash(gc.TreeHash),
			Message: gc.Message,
			Author: objdb.Signature{
				Name: gc.Author.Name, Email: gc.Author.Email, When: gc.Author.When,
			},
			Committer: objdb.Signature{
				Name: gc.Committer.Name, Email: gc.Committer.Email, When: gc.Committer.When,
			},
		}
		for _, p := range gc.ParentHashes {
			c.Parents = append(c.Parents, fromHash(p))
		}
		if !visit(fromHash(gc.Hash), c) {
			return storer.ErrStop
		}
		return nil
	})
}

func (s *Store) GC(_ context.Context) error {
	_, err := s.repo.Prune(git.PruneOptions{})
	return errors.Wrap(err, "loose: prune")
}

// bulkWriter writes straight through to the same storer; go-git's
// filesystem storer has no separate batched-pack-writing session, so,
// like gitstore.BulkWriter, this buffers nothing - Abort is therefore
// unable to undo objects already written,
// a known limitation of this pure-Go fallback documented where it's
// wired in.
type bulkWriter struct {
	store *Store
}

func (s *Store) BulkWriter(_ context.Context) (objdb.BulkWriter, error) {
	return &bulkWriter{store: s}, nil
}

func (b *bulkWriter) WriteBlob(ctx context.Context, data []byte) (hash.Hash, error) {
	return b.store.WriteBlob(ctx, data)
}

func (b *bulkWriter) WriteTree(ctx context.Context, t objdb.Tree) (hash.Hash, error) {
	return b.store.WriteTree(ctx, t)
}

func (b *bulkWriter) Abort(_ context.Context) error {
	return errors.New("loose: bulk writer cannot discard objects already written to the filesystem storer")
}

func (b *bulkWriter) Close(_ context.Context) error { return nil }

var _ objdb.Store = (*Store)(nil)
