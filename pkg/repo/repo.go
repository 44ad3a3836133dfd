// Package repo is the repository facade (§4.I): it owns the object
// database handle, the layered config, the head reference, the lazy
// working-copy instance, and the small NORMAL/MERGING state machine,
// the way sno.repo.SnoRepo ties the same collaborators together.
package repo

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/koordinates/kart/pkg/config"
	"github.com/koordinates/kart/pkg/dataset"
	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/objdb"
	"github.com/koordinates/kart/pkg/objdb/lockedindex"
	"github.com/koordinates/kart/pkg/workingcopy"
)

// Layout distinguishes the two on-disk shapes a repository can take
// (§6.1).
type Layout int

const (
	// Bare repositories keep the object database at the root and have
	// no working-copy files.
	Bare Layout = iota
	// Tidy repositories hide the object database in a .repo
	// subdirectory and use the root for working-copy files.
	Tidy
)

// State is the repository's merge state machine (§4.I).
type State int

const (
	Normal State = iota
	Merging
)

func (s State) String() string {
	if s == Merging {
		return "merging"
	}
	return "normal"
}

const (
	// RepoVersionBlob is the path, at the tree root, of the blob
	// recording the dataset format version this repository's commits
	// use (§6.2).
	RepoVersionBlob = ".repo-version"
	// MergeHeadFile and MergeIndexFile are gitdir-relative sentinel
	// files; their presence together is what puts a repository into
	// Merging state (following sno's MERGE_HEAD/MERGE_INDEX pairing).
	MergeHeadFile  = "MERGE_HEAD"
	MergeIndexFile = "MERGE_INDEX"
	indexFile      = "index"
)

// MinSupportedVersion and MaxSupportedVersion bound the repo versions
// this implementation can open; outside that range EnsureVersionSupported
// (which Structure calls) raises KindUnsupportedVersion (§6.2, §7).
const (
	MinSupportedVersion = 2
	MaxSupportedVersion = 3
)

// Repository is the facade every command-level operation is built on.
type Repository struct {
	gitDir  string
	workDir string
	layout  Layout

	Store  objdb.Store
	Config *config.Config

	datasetCache *dataset.Cache

	wc       workingcopy.WorkingCopy
	wcOpened bool

	newWorkingCopy func(*Repository) (workingcopy.WorkingCopy, error)
}

// Option configures a Repository at construction time.
type Option func(*Repository)

// WithWorkingCopyFactory installs the function used to lazily open the
// configured working copy the first time WorkingCopy is called. Without
// one, WorkingCopy always returns nil (a bare repository, or a caller
// that doesn't need the working copy).
func WithWorkingCopyFactory(f func(*Repository) (workingcopy.WorkingCopy, error)) Option {
	return func(r *Repository) { r.newWorkingCopy = f }
}

// Open wraps an already-open object-database store as a Repository
// rooted at gitDir/workDir with the given layout and config layers.
func Open(store objdb.Store, gitDir, workDir string, layout Layout, cfg *config.Config, opts ...Option) (*Repository, error) {
	if cfg == nil {
		cfg = config.New()
	}
	cache, err := dataset.NewCache(256)
	if err != nil {
		return nil, err
	}
	r := &Repository{
		gitDir:       gitDir,
		workDir:      workDir,
		layout:       layout,
		Store:        store,
		Config:       cfg,
		datasetCache: cache,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// InitLayout lays out a fresh tidy-style or bare-style repository's
// non-object-database files on disk: for tidy-style, the locked-index
// sentinel (§6.5) and the ".git" pointer file that makes foreign
// tooling find, but refuse to operate on, the object database.
func InitLayout(gitDir, workDir string, layout Layout) error {
	if layout == Bare {
		return nil
	}
	if err := lockedindex.WriteTo(filepath.Join(gitDir, indexFile)); err != nil {
		return err
	}
	pointer := "gitdir: " + relGitDir(gitDir, workDir) + "\n"
	if err := os.WriteFile(filepath.Join(workDir, ".git"), []byte(pointer), 0o644); err != nil {
		return errors.Wrap(err, "repo: writing .git pointer file")
	}
	return nil
}

func relGitDir(gitDir, workDir string) string {
	rel, err := filepath.Rel(workDir, gitDir)
	if err != nil {
		return gitDir
	}
	return rel
}

// GitDir returns the directory the object database lives in: the
// repository root for a bare-style layout, or the hidden .repo
// subdirectory for a tidy-style one.
func (r *Repository) GitDir() string { return r.gitDir }

// WorkDir returns the directory working-copy files live in (equal to
// GitDir for a bare-style repository, which has no working copy).
func (r *Repository) WorkDir() string { return r.workDir }

// Layout reports whether this repository is bare-style or tidy-style.
func (r *Repository) Layout() Layout { return r.layout }

// State reports the repository's current NORMAL/MERGING state by
// checking for the merge sentinel files next to the object database
// (§4.I "A sentinel file is written next to the object database").
func (r *Repository) State() (State, error) {
	mergeHead := filepath.Join(r.gitDir, MergeHeadFile)
	mergeIndex := filepath.Join(r.gitDir, MergeIndexFile)

	headExists, err := fileExists(mergeHead)
	if err != nil {
		return Normal, err
	}
	indexExists, err := fileExists(mergeIndex)
	if err != nil {
		return Normal, err
	}

	if headExists && !indexExists {
		return Normal, kerr.Newf(kerr.KindInvalidOperation,
			"repository is in merging state but %s is missing; abort the merge to recover", MergeIndexFile)
	}
	if headExists {
		return Merging, nil
	}
	return Normal, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "repo: stat %s", path)
}

// EnsureStateIs fails with KindInvalidOperation unless the repository's
// current state is one of allowed.
func (r *Repository) EnsureStateIs(allowed ...State) error {
	cur, err := r.State()
	if err != nil {
		return err
	}
	for _, a := range allowed {
		if cur == a {
			return nil
		}
	}
	return kerr.Newf(kerr.KindInvalidOperation, "this operation does not work while the repository is in %q state", cur)
}

// EnsureVersionSupported reads the .repo-version blob from tree and
// raises KindUnsupportedVersion if it falls outside
// [MinSupportedVersion, MaxSupportedVersion] (§6.2, supplemented from
// sno's ensure_supported_version, which this implementation generalises
// into a range rather than a single exact-match version).
func (r *Repository) EnsureVersionSupported(ctx context.Context, tree hash.Hash) error {
	version, err := r.repoVersion(ctx, tree)
	if err != nil {
		return err
	}
	if version == 0 {
		// Empty repository: no commits yet, nothing to validate.
		return nil
	}
	if version < MinSupportedVersion || version > MaxSupportedVersion {
		return kerr.Newf(kerr.KindUnsupportedVersion,
			"this repository uses dataset format version %d, but this build supports v%d-v%d",
			version, MinSupportedVersion, MaxSupportedVersion).WithCode(kerr.ExitUnsupportedVersion)
	}
	return nil
}

func (r *Repository) repoVersion(ctx context.Context, tree hash.Hash) (int, error) {
	if tree.IsEmpty() {
		return 0, nil
	}
	root, err := r.Store.ReadTree(ctx, tree)
	if err != nil {
		return 0, errors.Wrap(err, "repo: reading root tree")
	}
	entry, ok := root.Lookup(RepoVersionBlob)
	if !ok {
		return 0, nil
	}
	data, err := r.Store.ReadBlob(ctx, entry.Hash)
	if err != nil {
		return 0, errors.Wrap(err, "repo: reading .repo-version blob")
	}
	version, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, kerr.Wrapf(kerr.KindUnsupportedVersion, err, "repo: .repo-version blob is not a decimal integer")
	}
	return version, nil
}

// WorkingCopy lazily opens (and caches) the repository's configured
// working copy, returning nil if none is configured or no factory was
// installed (§4.I "working_copy property (lazy)").
func (r *Repository) WorkingCopy() (workingcopy.WorkingCopy, error) {
	if r.wcOpened {
		return r.wc, nil
	}
	r.wcOpened = true
	if r.newWorkingCopy == nil {
		return nil, nil
	}
	wc, err := r.newWorkingCopy(r)
	if err != nil {
		return nil, err
	}
	r.wc = wc
	return wc, nil
}

// AuthorSignature and CommitterSignature fill in a name/email the
// overrides leave empty from the repository config ("<role>.name" and
// "<role>.email", falling back to user.name and user.email). The object
// database is not consulted, and When is returned as given: no timestamp
// is filled in.
func (r *Repository) AuthorSignature(overrides objdb.Signature) objdb.Signature {
	return r.resolveSignature("author", overrides)
}

func (r *Repository) CommitterSignature(overrides objdb.Signature) objdb.Signature {
	return r.resolveSignature("committer", overrides)
}

func (r *Repository) resolveSignature(role string, overrides objdb.Signature) objdb.Signature {
	sig := overrides
	if sig.Name == "" {
		sig.Name = r.Config.GetDefault(role+".name", r.Config.GetDefault("user.name", ""))
	}
	if sig.Email == "" {
		sig.Email = r.Config.GetDefault(role+".email", r.Config.GetDefault("user.email", ""))
	}
	return sig
}

// GC runs the object database's bounded periodic maintenance pass
// (§4.I "gc(args…)"), delegating to the collaborator's own GC hook
// rather than reimplementing repacking/pruning here.
func (r *Repository) GC(ctx context.Context) error {
	return r.Store.GC(ctx)
}
