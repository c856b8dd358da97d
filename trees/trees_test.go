package trees

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type expectedTreeValueType[T any] struct {
	p Path
	v T
}

func verifyTreeValues[T any](t *testing.T, tree *Tree[T], wantValues []expectedTreeValueType[T]) {
	count := 0
	for p, v := range tree.OrderedLeaves() {
		if count >= len(wantValues) {
			t.Fatalf("tree ranged over more leaves than the %d expected", len(wantValues))
		}
		require.Equalf(t, wantValues[count].p, p, "Unexpected path %q -- maybe out-of-order?", p)
		require.Equalf(t, wantValues[count].v, v, "Unexpected value for path %q", p)
		count++
	}
	if count != len(wantValues) {
		t.Fatalf("tree only ranged over %d leaf-values, but we expected %d values", count, len(wantValues))
	}
}

func createTestTree(t *testing.T) *Tree[int] {
	tree := New[int]()
	require.NoError(t, tree.Set([]string{"a"}, 1))
	require.NoError(t, tree.Set([]string{"b", "y"}, 3))
	require.NoError(t, tree.Set([]string{"b", "x"}, 2))
	return tree
}

func TestNewAndSet(t *testing.T) {
	tree := createTestTree(t)
	fmt.Printf("Tree:\n%v\n", tree)

	require.Equal(t, 1, tree.Root.Map["a"].Value)
	require.Equal(t, 2, tree.Root.Map["b"].Map["x"].Value)
	require.Equal(t, 3, tree.Root.Map["b"].Map["y"].Value)

	err := tree.Set([]string{"b"}, 4)
	require.ErrorContains(t, err, "trying to set the value to a non-leaf node")

	err = tree.Set([]string{"b", "x", "0"}, 5)
	require.ErrorContains(t, err, "trying to create a path using an existing leaf node")

	require.Error(t, tree.Set(nil, 6))

	// Empty path elements are ignored.
	require.NoError(t, tree.Set([]string{"b", "", "x"}, 7))
	require.Equal(t, 7, tree.Root.Map["b"].Map["x"].Value)
}

func TestGetAndSubTree(t *testing.T) {
	tree := createTestTree(t)
	v, found := tree.Get(Path{"b", "y"})
	require.True(t, found)
	require.Equal(t, 3, v)

	_, found = tree.Get(Path{"b"})
	require.False(t, found, "non-leaf nodes have no value")
	_, found = tree.Get(Path{"c"})
	require.False(t, found)

	sub := tree.SubTree("b")
	require.NotNil(t, sub)
	verifyTreeValues(t, sub, []expectedTreeValueType[int]{
		{Path{"x"}, 2},
		{Path{"y"}, 3},
	})
	require.Nil(t, tree.SubTree("a"), "leaf can't be a sub-tree")
	require.Nil(t, tree.SubTree("missing"))
}

func TestOrderedLeaves(t *testing.T) {
	tree := createTestTree(t)
	verifyTreeValues(t, tree, []expectedTreeValueType[int]{
		{Path{"a"}, 1},
		{Path{"b", "x"}, 2},
		{Path{"b", "y"}, 3},
	})
	require.Equal(t, 3, tree.NumLeaves())
}

func TestFlatten(t *testing.T) {
	tree := createTestTree(t)
	require.Equal(t, map[string]int{"a": 1, "b.x": 2, "b.y": 3}, tree.Flatten("."))

	// Leaves keyed by a whole dotted name flatten to the same name.
	state := New[int]()
	require.NoError(t, state.Set(Path{"module", "to_logits.1.bias"}, 1))
	require.NoError(t, state.Set(Path{"module.step"}, 2))
	require.Equal(t, map[string]int{"module.to_logits.1.bias": 1, "module.step": 2}, state.Flatten("."))
	require.Equal(t, map[string]int{"to_logits.1.bias": 1}, state.SubTree("module").Flatten("."))
	require.Empty(t, New[int]().Flatten("."))
}

func TestPathString(t *testing.T) {
	require.Equal(t, "to_logits.1.bias", Path{"to_logits", "1", "bias"}.String())
}
