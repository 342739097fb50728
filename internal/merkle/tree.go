// Package merkle rebuilds the fixed-depth commitment tree the pool contract
// maintains on-chain, from the ordered deposit leaves, and produces inclusion
// paths for the withdraw circuit. Hashing order follows the contract exactly:
// at each level the node's side is the parity of its index.
package merkle

import (
	"errors"
	"fmt"
	"math/big"

	"zkpulse-backend/internal/fieldhash"
)

// Height is the depth of every deployed pool tree.
const Height = 20

// zeroLeafDec is keccak256("tornado") mod the field, the padding value the
// contracts were deployed with.
const zeroLeafDec = "21663839004416932945382355908790599225266501822907911457504978515578255421292"

// ErrNotFound is returned when a commitment is not among the tree's leaves.
// This is the primary "deposit not found" signal.
var ErrNotFound = errors.New("commitment not found in tree")

// Path is an inclusion proof for one leaf.
type Path struct {
	Elements []*big.Int
	Indices  []int
	Root     *big.Int
}

// Tree is a reconstructed commitment tree. Build once per leaf set; all
// methods are read-only afterwards.
type Tree struct {
	oracle fieldhash.Oracle
	height int
	// layers[0] holds the leaves, layers[height] the root.
	layers [][]*big.Int
	zeros  []*big.Int
	index  map[string]int
}

// NewTree builds the tree from leaves already ordered by leafIndex. The
// caller owns the ordering; building from event-arrival order produces a root
// the contract never had.
func NewTree(o fieldhash.Oracle, height int, leaves []*big.Int) (*Tree, error) {
	if height <= 0 {
		return nil, fmt.Errorf("invalid tree height %d", height)
	}
	if len(leaves) > 1<<uint(height) {
		return nil, fmt.Errorf("tree overflow: %d leaves exceed capacity 2^%d", len(leaves), height)
	}

	zeroLeaf, ok := new(big.Int).SetString(zeroLeafDec, 10)
	if !ok {
		panic("merkle: bad zero leaf constant")
	}
	zeros := make([]*big.Int, height+1)
	zeros[0] = zeroLeaf
	for i := 0; i < height; i++ {
		zeros[i+1] = o.HashPair(zeros[i], zeros[i])
	}

	t := &Tree{
		oracle: o,
		height: height,
		layers: make([][]*big.Int, height+1),
		zeros:  zeros,
		index:  make(map[string]int, len(leaves)),
	}

	t.layers[0] = make([]*big.Int, len(leaves))
	copy(t.layers[0], leaves)
	for i, leaf := range leaves {
		t.index[leaf.String()] = i
	}

	for level := 0; level < height; level++ {
		cur := t.layers[level]
		next := make([]*big.Int, (len(cur)+1)/2)
		for i := range next {
			left := t.node(level, 2*i)
			right := t.node(level, 2*i+1)
			next[i] = o.HashPair(left, right)
		}
		t.layers[level+1] = next
	}
	return t, nil
}

// node returns the tree node at (level, i), falling back to the zero subtree
// beyond the populated range.
func (t *Tree) node(level, i int) *big.Int {
	if i < len(t.layers[level]) {
		return t.layers[level][i]
	}
	return t.zeros[level]
}

// Root returns the tree root.
func (t *Tree) Root() *big.Int {
	if len(t.layers[t.height]) > 0 {
		return t.layers[t.height][0]
	}
	return t.zeros[t.height]
}

// Locate returns the leaf index of commitment, or ErrNotFound.
func (t *Tree) Locate(commitment *big.Int) (int, error) {
	i, ok := t.index[commitment.String()]
	if !ok {
		return 0, ErrNotFound
	}
	return i, nil
}

// PathFor returns the inclusion path for the leaf at index. The element at
// each level is the sibling; the index bit is the leaf side (0 = left).
func (t *Tree) PathFor(index int) (*Path, error) {
	if index < 0 || index >= len(t.layers[0]) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(t.layers[0]))
	}

	p := &Path{
		Elements: make([]*big.Int, t.height),
		Indices:  make([]int, t.height),
		Root:     t.Root(),
	}
	i := index
	for level := 0; level < t.height; level++ {
		p.Indices[level] = i % 2
		p.Elements[level] = t.node(level, i^1)
		i /= 2
	}
	return p, nil
}

// LeafCount reports how many real (non-padding) leaves the tree holds.
func (t *Tree) LeafCount() int {
	return len(t.layers[0])
}
