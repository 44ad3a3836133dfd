// Package fastimport builds a dataset's tree (and the commit that
// references it) from a batch of features, optionally fanning the work
// out across multiple workers (§4.E). The object database is the single
// collaborator every worker writes through; "worker process" here is a
// goroutine with its own objdb.BulkWriter session, not a real OS
// process, since the object database is already in-process (git2go) or
// network-free (the pure-Go fallback) - the spec's worker-pipe protocol
// is realised as one BulkWriter per goroutine rather than literal pipes.
package fastimport

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/koordinates/kart/pkg/blobcodec"
	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/kerr"
	"github.com/koordinates/kart/pkg/objdb"
	"github.com/koordinates/kart/pkg/pathenc"
	"github.com/koordinates/kart/pkg/schema"
)

// MaxWorkers is the documented worker-count ceiling (§4.E).
const MaxWorkers = 64

// ReplaceMode controls what happens to a pre-existing dataset at the
// destination path.
type ReplaceMode int

const (
	// DontReplace fails if a dataset already exists at the destination.
	DontReplace ReplaceMode = iota
	// ReplaceGiven rebuilds the dataset's tree from the given features,
	// reusing the previous revision's blob at a path when the new encoding
	// is byte-identical. No legend blobs are written or kept.
	ReplaceGiven
	// ReplaceAll rebuilds the dataset's tree from the given features
	// without comparing against the previous revision's blobs.
	ReplaceAll
)

// MetaBlob is one meta-subtree item to write alongside the schema
// (schema.json itself is derived from Schema and written automatically).
type MetaBlob struct {
	Name string
	Data []byte
}

// Feature is one row to import, already carrying its primary key.
type Feature struct {
	PK  []any
	Row blobcodec.Row
}

// Request describes one dataset import.
type Request struct {
	Store       objdb.Store
	BaseTree    hash.Hash // HEAD's tree; hash.Empty for a brand-new repository
	DatasetPath string
	Schema      schema.Schema
	Meta        []MetaBlob
	Features    []Feature
	Fanout      pathenc.FanoutParams
	Replace     ReplaceMode
	Workers     int // clamped to [1, MaxWorkers]

	Author    objdb.Signature
	Committer objdb.Signature
	Message   string
}

// Result reports what was written.
type Result struct {
	CommitHash   hash.Hash
	TreeHash     hash.Hash
	RowsWritten  int
	BytesWritten int64
	BlobsReused  int
}

var log = logrus.WithField("component", "fastimport")

// Run executes the parallel import protocol (§4.E, steps 1-6) and
// returns the new commit. On any worker failure no reference is moved
// and Run returns the first error encountered.
func Run(ctx context.Context, req Request) (Result, error) {
	n := req.Workers
	if n <= 0 {
		n = 1
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	fanout := req.Fanout
	if fanout.Width == 0 {
		fanout = pathenc.DefaultFanout
	}

	existingEntry, existingFeatureTree, err := resolveExisting(ctx, req.Store, req.BaseTree, req.DatasetPath)
	if err != nil {
		return Result{}, err
	}
	if existingEntry && req.Replace == DontReplace {
		return Result{}, kerr.Newf(kerr.KindInvalidOperation, "dataset already exists at %s", req.DatasetPath)
	}

	pkTypes := pkTypesOf(req.Schema)
	type prepared struct {
		feature Feature
		path    pathenc.FeaturePath
		data    []byte
	}
	preparedFeatures := make([]prepared, len(req.Features))
	for i, f := range req.Features {
		p, err := pathenc.EncodeFeaturePath(f.PK, pkTypes, fanout)
		if err != nil {
			return Result{}, errors.Wrapf(err, "fastimport: encoding path for feature %d", i)
		}
		legend := schema.LegendOf(req.Schema)
		data, err := blobcodec.EncodeFeature(req.Schema, legend, f.Row)
		if err != nil {
			return Result{}, errors.Wrapf(err, "fastimport: encoding feature %d", i)
		}
		preparedFeatures[i] = prepared{feature: f, path: p, data: data}
	}

	buckets := make([][]prepared, n)
	for _, pf := range preparedFeatures {
		first := pf.path.Subtrees[0]
		w := pathenc.PartitionOf(first, n)
		buckets[w] = append(buckets[w], pf)
	}

	partialFeatureTrees := make([]hash.Hash, n)
	rowCounts := make([]int, n)
	byteCounts := make([]int64, n)
	reuseCounts := make([]int, n)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		w := w
		g.Go(func() error {
			bw, err := req.Store.BulkWriter(gctx)
			if err != nil {
				return kerr.Wrapf(kerr.KindSubprocessError, err, "fastimport: worker %d: opening bulk session", w)
			}
			defer bw.Close(gctx)

			builder := pathenc.NewTreeBuilder(storeAdapter{bw})
			for _, pf := range buckets[w] {
				data := pf.data
				if req.Replace != ReplaceAll && !existingFeatureTree.Hash.IsEmpty() {
					if reused, ok := dedupeAgainstExisting(gctx, req.Store, existingFeatureTree.Hash, pf.path, data); ok {
						builder.Add(pf.path.String(), reused)
						rowCounts[w]++
						byteCounts[w] += int64(len(data))
						reuseCounts[w]++
						continue
					}
				}
				h, err := bw.WriteBlob(gctx, data)
				if err != nil {
					bw.Abort(gctx)
					return kerr.Wrapf(kerr.KindSubprocessError, err, "fastimport: worker %d: writing feature blob", w)
				}
				builder.Add(pf.path.String(), h)
				rowCounts[w]++
				byteCounts[w] += int64(len(data))
			}
			treeHash, err := builder.Flush(gctx)
			if err != nil {
				bw.Abort(gctx)
				return kerr.Wrapf(kerr.KindSubprocessError, err, "fastimport: worker %d: flushing tree", w)
			}
			partialFeatureTrees[w] = treeHash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	mergedFeatureTree, err := mergePartitions(ctx, req.Store, partialFeatureTrees)
	if err != nil {
		return Result{}, err
	}

	metaTreeHash, err := writeMetaTree(ctx, req.Store, req.Schema, req.Meta)
	if err != nil {
		return Result{}, err
	}

	datasetTree := objdb.Tree{
		{Name: "meta", Kind: objdb.KindTree, Hash: metaTreeHash},
	}
	if len(mergedFeatureTree) > 0 {
		featureTreeHash, err := req.Store.WriteTree(ctx, mergedFeatureTree)
		if err != nil {
			return Result{}, errors.Wrap(err, "fastimport: writing merged feature tree")
		}
		datasetTree = append(datasetTree, objdb.TreeEntry{Name: "feature", Kind: objdb.KindTree, Hash: featureTreeHash})
	}
	datasetTree.Sort()
	datasetTreeHash, err := req.Store.WriteTree(ctx, datasetTree)
	if err != nil {
		return Result{}, errors.Wrap(err, "fastimport: writing dataset tree")
	}

	newRootTree, err := graftPath(ctx, req.Store, req.BaseTree, req.DatasetPath, datasetTreeHash)
	if err != nil {
		return Result{}, err
	}

	var parents []hash.Hash
	if !req.BaseTree.IsEmpty() {
		// the caller passes the parent commit's tree, not the commit
		// itself; callers that need a real parent link pass it through
		// Request in a future revision. For now a root-tree commit has
		// no parent recorded here - pkg/repo supplies parents when it
		// drives a normal commit.
	}
	commitHash, err := req.Store.WriteCommit(ctx, objdb.Commit{
		Tree:      newRootTree,
		Parents:   parents,
		Author:    req.Author,
		Committer: req.Committer,
		Message:   req.Message,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "fastimport: writing commit")
	}

	var totalRows int
	var totalBytes int64
	var totalReused int
	for w := 0; w < n; w++ {
		totalRows += rowCounts[w]
		totalBytes += byteCounts[w]
		totalReused += reuseCounts[w]
		log.WithFields(logrus.Fields{
			"worker": w,
			"rows":   rowCounts[w],
			"bytes":  humanize.Bytes(uint64(byteCounts[w])),
			"reused": reuseCounts[w],
		}).Debug("fastimport worker finished")
	}
	log.WithFields(logrus.Fields{
		"dataset": req.DatasetPath,
		"rows":    totalRows,
		"bytes":   humanize.Bytes(uint64(totalBytes)),
		"reused":  totalReused,
		"commit":  commitHash.String(),
	}).Info("fastimport complete")

	return Result{
		CommitHash:   commitHash,
		TreeHash:     newRootTree,
		RowsWritten:  totalRows,
		BytesWritten: totalBytes,
		BlobsReused:  totalReused,
	}, nil
}

// BuildTree parallelises building a single fanout tree (a dataset's
// feature or tile subtree) from a flat set of already-encoded (path,
// hash) leaf entries, using the same worker-partition-merge protocol Run
// uses when importing a brand-new dataset's features (§4.E steps 3-4):
// entries are bucketed by their first fanout subtree name across up to
// workers goroutines, each goroutine builds its bucket through its own
// objdb.BulkWriter session, and the partial trees are merged by taking
// the union of their top-level entries (no collisions are possible since
// partitioning is keyed the same way on both sides). pkg/diff calls this
// instead of a single TreeBuilder pass when a commit's diff rebuilds
// enough leaves at once for the parallel path to pay for itself.
func BuildTree(ctx context.Context, store objdb.Store, leaves map[string]hash.Hash, workers int) (hash.Hash, error) {
	if workers <= 0 {
		workers = 1
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	if len(leaves) == 0 {
		return store.WriteTree(ctx, nil)
	}

	type entry struct {
		path string
		hash hash.Hash
	}
	buckets := make([][]entry, workers)
	for p, h := range leaves {
		w := pathenc.PartitionOf(firstSegment(p), workers)
		buckets[w] = append(buckets[w], entry{path: p, hash: h})
	}

	partials := make([]hash.Hash, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		if len(buckets[w]) == 0 {
			continue
		}
		g.Go(func() error {
			bw, err := store.BulkWriter(gctx)
			if err != nil {
				return kerr.Wrapf(kerr.KindSubprocessError, err, "fastimport: buildtree worker %d: opening bulk session", w)
			}
			defer bw.Close(gctx)

			builder := pathenc.NewTreeBuilder(storeAdapter{bw})
			for _, e := range buckets[w] {
				builder.Add(e.path, e.hash)
			}
			th, err := builder.Flush(gctx)
			if err != nil {
				bw.Abort(gctx)
				return kerr.Wrapf(kerr.KindSubprocessError, err, "fastimport: buildtree worker %d: flushing tree", w)
			}
			partials[w] = th
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return hash.Hash{}, err
	}

	merged, err := mergePartitions(ctx, store, partials)
	if err != nil {
		return hash.Hash{}, err
	}
	return store.WriteTree(ctx, merged)
}

func firstSegment(p string) string {
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return p
}

// storeAdapter lets pathenc.TreeBuilder (which wants an objdb.Store) write
// through a worker's objdb.BulkWriter instead.
type storeAdapter struct {
	bw objdb.BulkWriter
}

func (s storeAdapter) ReadBlob(context.Context, hash.Hash) ([]byte, error) {
	return nil, errors.New("fastimport: bulk session is write-only")
}
func (s storeAdapter) WriteBlob(ctx context.Context, data []byte) (hash.Hash, error) {
	return s.bw.WriteBlob(ctx, data)
}
func (s storeAdapter) ReadTree(context.Context, hash.Hash) (objdb.Tree, error) {
	return nil, errors.New("fastimport: bulk session is write-only")
}
func (s storeAdapter) WriteTree(ctx context.Context, t objdb.Tree) (hash.Hash, error) {
	return s.bw.WriteTree(ctx, t)
}
func (s storeAdapter) ReadCommit(context.Context, hash.Hash) (objdb.Commit, error) {
	return objdb.Commit{}, errors.New("fastimport: bulk session is write-only")
}
func (s storeAdapter) WriteCommit(context.Context, objdb.Commit) (hash.Hash, error) {
	return hash.Hash{}, errors.New("fastimport: bulk session cannot write commits")
}
func (s storeAdapter) ResolveRef(context.Context, string) (hash.Hash, error) {
	return hash.Hash{}, errors.New("fastimport: bulk session has no refs")
}
func (s storeAdapter) UpdateRef(context.Context, string, hash.Hash) error {
	return errors.New("fastimport: bulk session has no refs")
}
func (s storeAdapter) WalkAncestry(context.Context, hash.Hash, func(hash.Hash, objdb.Commit) bool) error {
	return errors.New("fastimport: bulk session has no commit graph")
}
func (s storeAdapter) BulkWriter(context.Context) (objdb.BulkWriter, error) { return s.bw, nil }
func (s storeAdapter) GC(context.Context) error                            { return nil }

// mergePartitions takes all non-feature... actually only feature trees
// are partitioned in this package's worker protocol (meta is written
// once by the controller, not per worker, since every worker's meta
// copy would be byte-identical and deduplicated by content hash anyway)
// - merging here means taking the union of every worker's first-level
// fanout entries. No collisions are possible because pathenc.PartitionOf
// assigns a worker by the first subtree name's hash (§4.E step 3).
func mergePartitions(ctx context.Context, store objdb.Store, partials []hash.Hash) (objdb.Tree, error) {
	merged := map[string]objdb.TreeEntry{}
	for _, h := range partials {
		if h.IsEmpty() {
			continue
		}
		t, err := store.ReadTree(ctx, h)
		if err != nil {
			return nil, errors.Wrap(err, "fastimport: reading worker partition tree")
		}
		for _, e := range t {
			if existing, ok := merged[e.Name]; ok && existing.Hash != e.Hash {
				return nil, kerr.Newf(kerr.KindInvalidOperation,
					"fastimport: partition collision on %s - partitioning invariant violated", e.Name)
			}
			merged[e.Name] = e
		}
	}
	var out objdb.Tree
	for _, e := range merged {
		out = append(out, e)
	}
	out.Sort()
	return out, nil
}

func writeMetaTree(ctx context.Context, store objdb.Store, sch schema.Schema, extra []MetaBlob) (hash.Hash, error) {
	schemaJSON, err := marshalSchema(sch)
	if err != nil {
		return hash.Hash{}, err
	}
	schemaHash, err := store.WriteBlob(ctx, schemaJSON)
	if err != nil {
		return hash.Hash{}, errors.Wrap(err, "fastimport: writing schema.json")
	}
	t := objdb.Tree{{Name: "schema.json", Kind: objdb.KindBlob, Hash: schemaHash}}
	for _, m := range extra {
		h, err := store.WriteBlob(ctx, m.Data)
		if err != nil {
			return hash.Hash{}, errors.Wrapf(err, "fastimport: writing meta item %s", m.Name)
		}
		t = append(t, objdb.TreeEntry{Name: m.Name, Kind: objdb.KindBlob, Hash: h})
	}
	t.Sort()
	return store.WriteTree(ctx, t)
}

func marshalSchema(sch schema.Schema) ([]byte, error) {
	var buf []byte
	buf = append(buf, '[')
	for i, c := range sch.Columns {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, []byte(fmt.Sprintf(
			`{"name":%q,"id":%q,"type":%q,"pkIndex":%d}`,
			c.Name, c.ID.String(), c.Type.Kind.String(), c.PKIndex))...)
	}
	buf = append(buf, ']')
	return buf, nil
}

func resolveExisting(ctx context.Context, store objdb.Store, baseTree hash.Hash, datasetPath string) (bool, objdb.TreeEntry, error) {
	if baseTree.IsEmpty() {
		return false, objdb.TreeEntry{}, nil
	}
	entry, ok, err := lookupPath(ctx, store, baseTree, datasetPath)
	if err != nil {
		return false, objdb.TreeEntry{}, err
	}
	if !ok {
		return false, objdb.TreeEntry{}, nil
	}
	datasetTree, err := store.ReadTree(ctx, entry.Hash)
	if err != nil {
		return true, objdb.TreeEntry{}, errors.Wrap(err, "fastimport: reading existing dataset tree")
	}
	featureEntry, ok := datasetTree.Lookup("feature")
	if !ok {
		return true, objdb.TreeEntry{}, nil
	}
	return true, featureEntry, nil
}

func lookupPath(ctx context.Context, store objdb.Store, root hash.Hash, p string) (objdb.TreeEntry, bool, error) {
	segments := splitPath(p)
	cur := root
	var entry objdb.TreeEntry
	for i, seg := range segments {
		t, err := store.ReadTree(ctx, cur)
		if err != nil {
			return objdb.TreeEntry{}, false, err
		}
		e, ok := t.Lookup(seg)
		if !ok {
			return objdb.TreeEntry{}, false, nil
		}
		entry = e
		if i < len(segments)-1 {
			cur = e.Hash
		}
	}
	return entry, true, nil
}

// dedupeAgainstExisting reuses the previous revision's blob at the same
// path if it is byte-identical to the newly encoded feature (§4.E:
// "compares each incoming feature's encoded form against the previous
// revision's blob at the same path").
func dedupeAgainstExisting(ctx context.Context, store objdb.Store, existingFeatureTree hash.Hash, p pathenc.FeaturePath, data []byte) (hash.Hash, bool) {
	cur := existingFeatureTree
	for _, seg := range p.Subtrees {
		t, err := store.ReadTree(ctx, cur)
		if err != nil {
			return hash.Hash{}, false
		}
		e, ok := t.Lookup(seg)
		if !ok {
			return hash.Hash{}, false
		}
		cur = e.Hash
	}
	leafTree, err := store.ReadTree(ctx, cur)
	if err != nil {
		return hash.Hash{}, false
	}
	leaf, ok := leafTree.Lookup(p.Leaf)
	if !ok {
		return hash.Hash{}, false
	}
	existing, err := store.ReadBlob(ctx, leaf.Hash)
	if err == nil && string(existing) == string(data) {
		return leaf.Hash, true
	}
	return hash.Hash{}, false
}

// graftPath writes datasetTreeHash in at path within baseTree, creating
// or replacing intermediate trees as needed, and returns the new root
// tree hash. baseTree may be hash.Empty for a brand-new repository.
func graftPath(ctx context.Context, store objdb.Store, baseTree hash.Hash, p string, datasetTreeHash hash.Hash) (hash.Hash, error) {
	segments := splitPath(p)
	return graftSegment(ctx, store, baseTree, segments, datasetTreeHash)
}

func graftSegment(ctx context.Context, store objdb.Store, cur hash.Hash, segments []string, leaf hash.Hash) (hash.Hash, error) {
	var t objdb.Tree
	if !cur.IsEmpty() {
		existing, err := store.ReadTree(ctx, cur)
		if err != nil {
			return hash.Hash{}, errors.Wrap(err, "fastimport: reading tree while grafting path")
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

func pkTypesOf(s schema.Schema) []schema.Type {
	pk := s.PrimaryKey()
	types := make([]schema.Type, len(pk))
	for i, c := range pk {
		types[i] = c.Type
	}
	return types
}
