package merkle

import (
	"math/big"
	"testing"

	"zkpulse-backend/internal/fieldhash"
)

func testLeaves(n int) []*big.Int {
	leaves := make([]*big.Int, n)
	for i := range leaves {
		leaves[i] = big.NewInt(int64(1000 + i))
	}
	return leaves
}

func TestTreeDeterministic(t *testing.T) {
	o := fieldhash.MiMC{}
	t1, err := NewTree(o, Height, testLeaves(10))
	if err != nil {
		t.Fatalf("NewTree failed: %v", err)
	}
	t2, _ := NewTree(o, Height, testLeaves(10))

	if t1.Root().Cmp(t2.Root()) != 0 {
		t.Fatalf("roots differ for identical leaves: %s vs %s", t1.Root(), t2.Root())
	}

	p1, err := t1.PathFor(3)
	if err != nil {
		t.Fatalf("PathFor failed: %v", err)
	}
	p2, _ := t2.PathFor(3)
	for i := range p1.Elements {
		if p1.Elements[i].Cmp(p2.Elements[i]) != 0 {
			t.Errorf("path element %d differs", i)
		}
		if p1.Indices[i] != p2.Indices[i] {
			t.Errorf("path index %d differs", i)
		}
	}
}

func TestLeafOrderChangesRoot(t *testing.T) {
	o := fieldhash.MiMC{}
	leaves := testLeaves(10)
	ordered, _ := NewTree(o, Height, leaves)

	swapped := testLeaves(10)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	reordered, _ := NewTree(o, Height, swapped)

	if ordered.Root().Cmp(reordered.Root()) == 0 {
		t.Fatalf("root insensitive to leaf order")
	}
}

func TestPathRecomputesRoot(t *testing.T) {
	o := fieldhash.MiMC{}
	leaves := testLeaves(7)
	tree, _ := NewTree(o, Height, leaves)

	for index, leaf := range leaves {
		p, err := tree.PathFor(index)
		if err != nil {
			t.Fatalf("PathFor(%d) failed: %v", index, err)
		}
		// Fold the path back up; must land on the root.
		node := leaf
		for level := 0; level < Height; level++ {
			if p.Indices[level] == 0 {
				node = o.HashPair(node, p.Elements[level])
			} else {
				node = o.HashPair(p.Elements[level], node)
			}
		}
		if node.Cmp(p.Root) != 0 {
			t.Errorf("leaf %d: folded path does not reach root", index)
		}
		if p.Root.Cmp(tree.Root()) != 0 {
			t.Errorf("leaf %d: path root differs from tree root", index)
		}
	}
}

func TestLocate(t *testing.T) {
	o := fieldhash.MiMC{}
	leaves := testLeaves(10)
	tree, _ := NewTree(o, Height, leaves)

	i, err := tree.Locate(big.NewInt(1003))
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if i != 3 {
		t.Errorf("Locate returned %d, want 3", i)
	}

	if _, err := tree.Locate(big.NewInt(9999)); err != ErrNotFound {
		t.Errorf("absent commitment: got %v, want ErrNotFound", err)
	}
}

func TestEmptyTreeRoot(t *testing.T) {
	o := fieldhash.MiMC{}
	tree, err := NewTree(o, Height, nil)
	if err != nil {
		t.Fatalf("NewTree failed: %v", err)
	}
	if tree.Root().Sign() == 0 {
		t.Errorf("empty tree root should be the zero-subtree hash, not 0")
	}
	if tree.LeafCount() != 0 {
		t.Errorf("LeafCount = %d, want 0", tree.LeafCount())
	}
}

func TestOverflow(t *testing.T) {
	o := fieldhash.MiMC{}
	if _, err := NewTree(o, 2, testLeaves(5)); err == nil {
		t.Fatalf("expected overflow error for 5 leaves at height 2")
	}
}

func TestPathIndexOutOfRange(t *testing.T) {
	o := fieldhash.MiMC{}
	tree, _ := NewTree(o, Height, testLeaves(3))
	if _, err := tree.PathFor(3); err == nil {
		t.Errorf("expected error for index past last leaf")
	}
	if _, err := tree.PathFor(-1); err == nil {
		t.Errorf("expected error for negative index")
	}
}
