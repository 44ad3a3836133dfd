package pathenc

import (
	"context"
	"strings"

	"github.com/google/btree"

	"github.com/koordinates/kart/pkg/hash"
	"github.com/koordinates/kart/pkg/objdb"
)

// pathEntry is one pending leaf awaiting a tree flush, ordered by its
// full slash-joined path the way objdb.Tree orders by name.
type pathEntry struct {
	fullPath string
	hash     hash.Hash
}

func (e *pathEntry) Less(other btree.Item) bool {
	return e.fullPath < other.(*pathEntry).fullPath
}

// trieNode is one directory (or the root) in the tree being assembled.
type trieNode struct {
	children map[string]*trieNode
	leaf     *hash.Hash
}

func newTrieNode() *trieNode {
	return &trieNode{children: map[string]*trieNode{}}
}

// TreeBuilder accumulates (path, blob-hash) pairs in sorted order using
// a B-tree - the same shape dolt's prolly trees keep their ordered
// key/value pairs in - then flushes the implied directory structure
// bottom-up into the object database. Entries may arrive in any order;
// Flush always produces the same root hash for the same set of entries.
type TreeBuilder struct {
	store objdb.Store
	tree  *btree.BTree
}

// NewTreeBuilder returns a builder that writes trees through store.
func NewTreeBuilder(store objdb.Store) *TreeBuilder {
	return &TreeBuilder{store: store, tree: btree.New(32)}
}

// Add stages a blob hash at fullPath (slash-joined, e.g.
// "a4/9f/<leaf>").
func (b *TreeBuilder) Add(fullPath string, h hash.Hash) {
	b.tree.ReplaceOrInsert(&pathEntry{fullPath: fullPath, hash: h})
}

// Flush writes every subtree implied by the staged entries, bottom-up,
// and returns the root tree's hash. Call once per builder; construct a
// fresh TreeBuilder to build another tree.
func (b *TreeBuilder) Flush(ctx context.Context) (hash.Hash, error) {
	root := newTrieNode()
	b.tree.Ascend(func(item btree.Item) bool {
		e := item.(*pathEntry)
		insert(root, strings.Split(e.fullPath, "/"), e.hash)
		return true
	})
	return b.flushNode(ctx, root)
}

func insert(node *trieNode, segments []string, h hash.Hash) {
	if len(segments) == 1 {
		child, ok := node.children[segments[0]]
		if !ok {
			child = newTrieNode()
			node.children[segments[0]] = child
		}
		hh := h
		child.leaf = &hh
		return
	}
	child, ok := node.children[segments[0]]
	if !ok {
		child = newTrieNode()
		node.children[segments[0]] = child
	}
	insert(child, segments[1:], h)
}

func (b *TreeBuilder) flushNode(ctx context.Context, node *trieNode) (hash.Hash, error) {
	var t objdb.Tree
	for name, child := range node.children {
		if child.leaf != nil && len(child.children) == 0 {
			t = append(t, objdb.TreeEntry{Name: name, Kind: objdb.KindBlob, Hash: *child.leaf})
			continue
		}
		childHash, err := b.flushNode(ctx, child)
		if err != nil {
			return hash.Hash{}, err
		}
		t = append(t, objdb.TreeEntry{Name: name, Kind: objdb.KindTree, Hash: childHash})
	}
	t.Sort()
	return b.store.WriteTree(ctx, t)
}
