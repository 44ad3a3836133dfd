// Package gitstore binds pkg/objdb.Store to a real git repository via
// libgit2 (git2go), the way navytux-git-backup's gitobjects.go reads and
// writes raw git objects through a repository's Odb. This is the only
// place in the module that imports git2go; everything else programs
// against pkg/objdb.Store.
package gitstore

import (
	"context"

	git "github.com/libgit2/git2go/v31"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/objdb"
)

var log = logrus.WithField("component", "objdb/gitstore")

// Store wraps a *git.Repository and satisfies objdb.Store.
type Store struct {
	repo *git.Repository
}

// Open opens the git repository (bare or not) rooted at gitDir.
func Open(gitDir string) (*Store, error) {
	repo, err := git.OpenRepository(gitDir)
	if err != nil {
		return nil, errors.Wrapf(err, "gitstore: open %s", gitDir)
	}
	return &Store{repo: repo}, nil
}

// Init creates a new repository at gitDir. bare mirrors §6.1's
// bare-style layout; tidy-style repos instead call Init with bare=true
// on a ".repo" subdirectory and keep the working copy files beside it.
func Init(gitDir string, bare bool) (*Store, error) {
	repo, err := git.InitRepository(gitDir, bare)
	if err != nil {
		return nil, errors.Wrapf(err, "gitstore: init %s", gitDir)
	}
	return &Store{repo: repo}, nil
}

func (s *Store) odb() (*git.Odb, error) {
	odb, err := s.repo.Odb()
	if err != nil {
		return nil, &ErrOdbNotReady{err: err}
	}
	return odb, nil
}

// ErrOdbNotReady wraps a failure to open the repository's object database,
// matching the collaborator's own OdbNotReady error shape.
type ErrOdbNotReady struct{ err error }

func (e *ErrOdbNotReady) Error() string { return errors.Wrap(e.err, "odb not ready").Error() }
func (e *ErrOdbNotReady) Unwrap() error { return e.err }

func toOid(h hash.Hash) *git.Oid {
	oid := git.NewOidFromBytes(h[:])
	return oid
}

func fromOid(oid *git.Oid) hash.Hash {
	return hash.New(oid[:])
}

func (s *Store) ReadBlob(_ context.Context, h hash.Hash) ([]byte, error) {
	odb, err := s.odb()
	if err != nil {
		return nil, err
	}
	obj, err := odb.Read(toOid(h))
	if err != nil {
		return nil, errors.Wrapf(err, "gitstore: read blob %s", h)
	}
	if obj.Type() != git.ObjectBlob {
		return nil, errors.Errorf("gitstore: %s is a %s, not a blob", h, obj.Type())
	}
	return obj.Data(), nil
}

func (s *Store) WriteBlob(_ context.Context, data []byte) (hash.Hash, error) {
	odb, err := s.odb()
	if err != nil {
		return hash.Empty, err
	}
	oid, err := odb.Write(data, git.ObjectBlob)
	if err != nil {
		return hash.Empty, errors.Wrap(err, "gitstore: write blob")
	}
	return fromOid(oid), nil
}

func (s *Store) ReadTree(_ context.Context, h hash.Hash) (objdb.Tree, error) {
	gitTree, err := s.repo.LookupTree(toOid(h))
	if err != nil {
		return nil, errors.Wrapf(err, "gitstore: read tree %s", h)
	}
	defer gitTree.Free()

	out := make(objdb.Tree, 0, gitTree.EntryCount())
	for i := uint64(0); i < gitTree.EntryCount(); i++ {
		e := gitTree.EntryByIndex(i)
		kind := objdb.KindBlob
		if e.Type == git.ObjectTree {
			kind = objdb.KindTree
		}
		out = append(out, objdb.TreeEntry{Name: e.Name, Kind: kind, Hash: fromOid(e.Id)})
	}
	out.Sort()
	return out, nil
}

func (s *Store) WriteTree(_ context.Context, t objdb.Tree) (hash.Hash, error) {
	t.Sort()
	builder, err := s.repo.TreeBuilder()
	if err != nil {
		return hash.Empty, errors.Wrap(err, "gitstore: new tree builder")
	}
	defer builder.Free()

	for _, e := range t {
		filemode := git.FilemodeBlob
		if e.Kind == objdb.KindTree {
			filemode = git.FilemodeTree
		}
		if err := builder.Insert(e.Name, toOid(e.Hash), filemode); err != nil {
			return hash.Empty, errors.Wrapf(err, "gitstore: insert %s into tree", e.Name)
		}
	}
	oid, err := builder.Write()
	if err != nil {
		return hash.Empty, errors.Wrap(err, "gitstore: write tree")
	}
	return fromOid(oid), nil
}

func (s *Store) ReadCommit(_ context.Context, h hash.Hash) (objdb.Commit, error) {
	gitCommit, err := s.repo.LookupCommit(toOid(h))
	if err != nil {
		return objdb.Commit{}, errors.Wrapf(err, "gitstore: read commit %s", h)
	}
	defer gitCommit.Free()

	c := objdb.Commit{
		Tree:    fromOid(gitCommit.TreeId()),
		Message: gitCommit.Message(),
		Author: objdb.Signature{
			Name: gitCommit.Author().Name, Email: gitCommit.Author().Email, When: gitCommit.Author().When,
		},
		Committer: objdb.Signature{
			Name: gitCommit.Committer().Name, Email: gitCommit.Committer().Email, When: gitCommit.Committer().When,
		},
	}
	for i := uint(0); i < gitCommit.ParentCount(); i++ {
		c.Parents = append(c.Parents, fromOid(gitCommit.ParentId(i)))
	}
	return c, nil
}

func (s *Store) WriteCommit(_ context.Context, c objdb.Commit) (hash.Hash, error) {
	tree, err := s.repo.LookupTree(toOid(c.Tree))
	if err != nil {
		return hash.Empty, errors.Wrapf(err, "gitstore: lookup tree %s for commit", c.Tree)
	}
	defer tree.Free()

	parents := make([]*git.Commit, 0, len(c.Parents))
	for _, p := range c.Parents {
		pc, err := s.repo.LookupCommit(toOid(p))
		if err != nil {
			return hash.Empty, errors.Wrapf(err, "gitstore: lookup parent %s", p)
		}
		defer pc.Free()
		parents = append(parents, pc)
	}

	author := &git.Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When}
	committer := &git.Signature{Name: c.Committer.Name, Email: c.Committer.Email, When: c.Committer.When}

	oid, err := s.repo.CreateCommit("", author, committer, c.Message, tree, parents...)
	if err != nil {
		return hash.Empty, errors.Wrap(err, "gitstore: create commit")
	}
	return fromOid(oid), nil
}

func (s *Store) ResolveRef(_ context.Context, name string) (hash.Hash, error) {
	ref, err := s.repo.References.Dwim(name)
	if err != nil {
		return hash.Empty, errors.Wrapf(err, "gitstore: resolve ref %s", name)
	}
	defer ref.Free()
	resolved, err := ref.Resolve()
	if err != nil {
		return hash.Empty, errors.Wrapf(err, "gitstore: resolve ref %s", name)
	}
	defer resolved.Free()
	return fromOid(resolved.Target()), nil
}

func (s *Store) UpdateRef(_ context.Context, name string, h hash.Hash) error {
	_, err := s.repo.References.Create(name, toOid(h), true, "kart: update ref")
	if err != nil {
		return errors.Wrapf(err, "gitstore: update ref %s", name)
	}
	return nil
}

func (s *Store) WalkAncestry(_ context.Context, from hash.Hash, visit func(hash.Hash, objdb.Commit) bool) error {
	walker, err := s.repo.Walk()
	if err != nil {
		return errors.Wrap(err, "gitstore: new revwalk")
	}
	defer walker.Free()

	walker.Sorting(git.SortTopological | git.SortTime)
	if err := walker.Push(toOid(from)); err != nil {
		return errors.Wrapf(err, "gitstore: push %s onto revwalk", from)
	}

	return walker.Iterate(func(gitCommit *git.Commit) bool {
		h := fromOid(gitCommit.Id())
		c, err := s.ReadCommit(context.Background(), h)
		if err != nil {
			log.WithError(err).WithField("commit", h).Warn("failed to decode commit during walk")
			return false
		}
		return visit(h, c)
	})
}

func (s *Store) GC(_ context.Context) error {
	// libgit2 does not expose `git gc` directly. This binding performs no
	// maintenance (no repacking or pruning), so pkg/repo.Repository.GC
	// does nothing on a gitstore-backed repository.
	return nil
}

var _ objdb.Store = (*Store)(nil)
