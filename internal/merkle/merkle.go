// Package merkle builds domain-separated Merkle trees over ordered leaf
// sequences and generates/verifies inclusion proofs, per the forest
// composition rules: a per-table tree of rows and a top-level tree of
// table roots.
package merkle

import (
	"errors"
	"fmt"

	"github.com/pgverity/pgverity/internal/hashcore"
)

// ErrInvalidIndex is returned by Proof when index is out of range: a
// programmer error, not a verification failure.
var ErrInvalidIndex = errors.New("merkle: invalid leaf index")

// Direction records which side of a fold the sibling occupied.
type Direction int

const (
	// Left means the sibling was the left child: fold as H(INTERNAL, sibling||current).
	Left Direction = iota
	// Right means the sibling was the right child: fold as H(INTERNAL, current||sibling).
	Right
)

// ProofItem is one level of an inclusion proof.
type ProofItem struct {
	Sibling   hashcore.Hash
	Direction Direction
}

// Proof is a self-contained inclusion proof for one leaf.
type Proof struct {
	LeafData []byte
	Position uint64
	Items    []ProofItem
}

// Tree is an in-memory Merkle tree over an ordered leaf sequence.
type Tree struct {
	hasher *hashcore.Hasher
	leaves [][]byte
	levels [][]hashcore.Hash // levels[0] = leaf hashes, levels[last] = single pre-root node
}

// Build constructs a tree over leaves in the given order. Leaves are not
// re-sorted; callers that need row_id or table-name ordering must sort
// before calling Build.
func Build(hasher *hashcore.Hasher, leaves [][]byte) (*Tree, error) {
	t := &Tree{hasher: hasher, leaves: leaves}
	if len(leaves) == 0 {
		return t, nil
	}

	level := make([]hashcore.Hash, len(leaves))
	for i, leaf := range leaves {
		h, err := hasher.Hash(hashcore.DomainLeaf, leaf)
		if err != nil {
			return nil, fmt.Errorf("merkle: hash leaf %d: %w", i, err)
		}
		level[i] = h
	}
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		next := make([]hashcore.Hash, 0, (len(level)+1)/2)
		i := 0
		for ; i+1 < len(level); i += 2 {
			h, err := hasher.HashMulti(hashcore.DomainInternal, level[i].Bytes(), level[i+1].Bytes())
			if err != nil {
				return nil, fmt.Errorf("merkle: fold internal node: %w", err)
			}
			next = append(next, h)
		}
		if i < len(level) {
			// Odd trailing node is promoted unchanged, not duplicated.
			next = append(next, level[i])
		}
		level = next
		t.levels = append(t.levels, level)
	}
	return t, nil
}

// Root returns the published root: H(ROOT, .) applied to the single
// surviving pre-root node, or the defined empty-tree root if there are no
// leaves.
func (t *Tree) Root() (hashcore.Hash, error) {
	if len(t.leaves) == 0 {
		empty, err := t.hasher.Hash(hashcore.DomainEmpty, nil)
		if err != nil {
			return hashcore.Hash{}, err
		}
		return t.hasher.Hash(hashcore.DomainRoot, empty.Bytes())
	}
	top := t.levels[len(t.levels)-1][0]
	return t.hasher.Hash(hashcore.DomainRoot, top.Bytes())
}

// Len reports the number of leaves in the tree.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// Proof builds an inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (*Proof, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, ErrInvalidIndex
	}
	proof := &Proof{
		LeafData: t.leaves[index],
		Position: uint64(index),
	}

	idx := index
	for level := 0; level < len(t.levels)-1; level++ {
		cur := t.levels[level]
		// The trailing promoted node (no sibling) contributes no proof item.
		if idx == len(cur)-1 && len(cur)%2 == 1 {
			idx = idx / 2 // position in the next level is unchanged by the promotion
			continue
		}
		if idx%2 == 0 {
			// current is the left child; sibling is to the right.
			proof.Items = append(proof.Items, ProofItem{Sibling: cur[idx+1], Direction: Right})
		} else {
			proof.Items = append(proof.Items, ProofItem{Sibling: cur[idx-1], Direction: Left})
		}
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from proof and reports whether it equals root.
// An invalid proof never errors; it returns false.
func Verify(hasher *hashcore.Hasher, proof *Proof, root hashcore.Hash) bool {
	current, err := hasher.Hash(hashcore.DomainLeaf, proof.LeafData)
	if err != nil {
		return false
	}
	for _, item := range proof.Items {
		var folded hashcore.Hash
		var ferr error
		switch item.Direction {
		case Left:
			folded, ferr = hasher.HashMulti(hashcore.DomainInternal, item.Sibling.Bytes(), current.Bytes())
		case Right:
			folded, ferr = hasher.HashMulti(hashcore.DomainInternal, current.Bytes(), item.Sibling.Bytes())
		default:
			return false
		}
		if ferr != nil {
			return false
		}
		current = folded
	}
	computed, err := hasher.Hash(hashcore.DomainRoot, current.Bytes())
	if err != nil {
		return false
	}
	return computed.Equal(root)
}
