// Package trees holds named values (usually model parameters) organized as a tree.
//
// A PyTorch state dict maps dotted names ("transformer.layers.0.mlp.dense_h_to_4h.weight") to tensors,
// and may itself be saved inside a container (e.g. {"module": {...}}). The tree mirrors that nesting,
// which makes it easy to unwrap such checkpoints, and Flatten gives back the dotted names.
package trees

import (
	"fmt"
	"iter"
	"strings"

	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Node is either a leaf holding a Value, or a Map of its children -- but not both.
type Node[T any] struct {
	// Value is set for leaf nodes only.
	Value T

	// Map is set for non-leaf nodes (and nil in leaf nodes).
	Map map[string]*Node[T]
}

// IsLeaf returns whether the node holds a value.
func (n *Node[T]) IsLeaf() bool { return n.Map == nil }

// Tree of values of type T.
type Tree[T any] struct {
	Root *Node[T] // The root node is always a map.
}

// Path from the root node to some node.
type Path []string

// String joins the path with ".", the convention of PyTorch parameter names.
func (p Path) String() string { return strings.Join(p, ".") }

// New creates a new empty tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{Root: NewMapNode[T]()}
}

// NewMapNode creates a new empty non-leaf node.
func NewMapNode[T any]() *Node[T] {
	return &Node[T]{Map: make(map[string]*Node[T])}
}

// NewLeafNode creates a new leaf node with the given value.
func NewLeafNode[T any](value T) *Node[T] {
	return &Node[T]{Value: value}
}

// cleanPath removes empty path elements, without modifying the caller's slice.
func cleanPath(p Path) Path {
	if slices.Index(p, "") == -1 {
		return p
	}
	return slices.DeleteFunc(slices.Clone(p), func(s string) bool { return s == "" })
}

// Set value at treePath, creating intermediary nodes where needed.
// Empty elements of treePath are ignored.
//
// It returns an error if treePath is empty, if it goes through an existing leaf, or if it
// points to an existing non-leaf node.
func (tree *Tree[T]) Set(treePath Path, value T) error {
	treePath = cleanPath(treePath)
	if len(treePath) == 0 {
		var t T
		return errors.Errorf("trees.Tree[%T].Set() requires a non-empty path", t)
	}
	node := tree.Root
	for ii, pathElement := range treePath {
		if node.IsLeaf() {
			var t T
			return errors.Errorf("trees.Tree[%T].Set(%q) trying to create a path using an existing leaf node (%q) as a non-leaf node",
				t, treePath, treePath[:ii])
		}
		child := node.Map[pathElement]
		if child == nil {
			if ii == len(treePath)-1 {
				child = NewLeafNode[T](value)
			} else {
				child = NewMapNode[T]()
			}
			node.Map[pathElement] = child
		}
		node = child
	}
	if !node.IsLeaf() {
		var t T
		return errors.Errorf("trees.Tree[%T].Set(%q) trying to set the value to a non-leaf node -- each node can either be a leaf node, or be a structural map of the tree",
			t, treePath)
	}
	node.Value = value
	return nil
}

// Get returns the value of the leaf at treePath, and whether it was found.
func (tree *Tree[T]) Get(treePath Path) (value T, found bool) {
	node := tree.node(cleanPath(treePath))
	if node == nil || !node.IsLeaf() {
		return
	}
	return node.Value, true
}

func (tree *Tree[T]) node(treePath Path) *Node[T] {
	node := tree.Root
	for _, pathElement := range treePath {
		if node.IsLeaf() {
			return nil
		}
		node = node.Map[pathElement]
		if node == nil {
			return nil
		}
	}
	return node
}

// SubTree returns a tree rooted at the non-leaf node at treePath. The returned tree shares nodes with tree.
// It returns nil if there is no such node or if it is a leaf.
func (tree *Tree[T]) SubTree(treePath ...string) *Tree[T] {
	node := tree.node(cleanPath(treePath))
	if node == nil || node.IsLeaf() {
		return nil
	}
	return &Tree[T]{Root: node}
}

// String implements fmt.Stringer.
func (tree *Tree[T]) String() string {
	parts := nodeToString(nil, "/", tree.Root, 0)
	return strings.Join(parts, "\n") + "\n"
}

func nodeToString[T any](parts []string, name string, subTree *Node[T], indent int) []string {
	indentSpaces := strings.Repeat("  ", indent)
	if subTree.IsLeaf() {
		var valueAny any = subTree.Value
		if valueStr, ok := valueAny.(fmt.Stringer); ok {
			return append(parts, fmt.Sprintf("%s%q: %s", indentSpaces, name, valueStr))
		}
		return append(parts, fmt.Sprintf("%s%q: %v", indentSpaces, name, subTree.Value))
	}
	parts = append(parts, fmt.Sprintf("%s%q: {", indentSpaces, name))
	for _, key := range xslices.SortedKeys(subTree.Map) {
		parts = nodeToString(parts, key, subTree.Map[key], indent+1)
	}
	return append(parts, fmt.Sprintf("%s}", indentSpaces))
}

// Leaves returns an iterator over all leaf nodes of the Tree, in no particular order.
func (tree *Tree[T]) Leaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, false, yield)
	}
}

// OrderedLeaves returns an iterator over all leaf nodes of the Tree, depth-first in alphabetical order.
func (tree *Tree[T]) OrderedLeaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, true, yield)
	}
}

// NumLeaves traverses the tree and returns the number of leaf nodes.
func (tree *Tree[T]) NumLeaves() int {
	var count int
	for range tree.Leaves() {
		count++
	}
	return count
}

func recursiveLeaves[T any](treePath Path, node *Node[T], ordered bool, yield func(Path, T) bool) bool {
	if node.IsLeaf() {
		return yield(slices.Clone(treePath), node.Value)
	}
	if ordered {
		for _, key := range xslices.SortedKeys(node.Map) {
			if !recursiveLeaves(append(treePath, key), node.Map[key], ordered, yield) {
				return false
			}
		}
		return true
	}
	for key, subNode := range node.Map {
		if !recursiveLeaves(append(treePath, key), subNode, ordered, yield) {
			return false
		}
	}
	return true
}

// Flatten returns the leaves keyed by their path joined with sep.
func (tree *Tree[T]) Flatten(sep string) map[string]T {
	flat := make(map[string]T, tree.NumLeaves())
	for p, v := range tree.Leaves() {
		flat[strings.Join(p, sep)] = v
	}
	return flat
}
