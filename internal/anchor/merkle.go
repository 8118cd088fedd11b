// Package anchor batches ledger entries into Merkle trees and commits the
// roots to a chain, giving the ledger externally verifiable tamper evidence.
package anchor

import (
	"crypto/sha256"
	"fmt"
)

// Direction tells the verifier which side a sibling hash sits on.
type Direction string

const (
	Left  Direction = "left"
	Right Direction = "right"
)

// ProofStep is one level of an authentication path.
type ProofStep struct {
	Hash      [32]byte  `json:"hash"`
	Direction Direction `json:"direction"`
}

// merkleTree holds every level, leaves first. Odd nodes are paired with
// themselves.
type merkleTree struct {
	levels [][][32]byte
}

func hashPair(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// buildTree constructs the tree bottom-up from leaf hashes.
func buildTree(leaves [][32]byte) (*merkleTree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("anchor: empty leaf set")
	}
	levels := [][][32]byte{append([][32]byte{}, leaves...)}
	for len(levels[len(levels)-1]) > 1 {
		current := levels[len(levels)-1]
		next := make([][32]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, hashPair(current[i], current[i+1]))
			} else {
				next = append(next, hashPair(current[i], current[i]))
			}
		}
		levels = append(levels, next)
	}
	return &merkleTree{levels: levels}, nil
}

func (t *merkleTree) root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// proof returns the authentication path for the leaf at index.
func (t *merkleTree) proof(index int) ([]ProofStep, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, fmt.Errorf("anchor: leaf index %d out of range", index)
	}
	var path []ProofStep
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling >= len(level) {
			sibling = index // odd node pairs with itself
		}
		dir := Left
		if sibling > index || sibling == index {
			dir = Right
		}
		path = append(path, ProofStep{Hash: level[sibling], Direction: dir})
		index /= 2
	}
	return path, nil
}

// VerifyProof walks the path from a leaf hash and reports whether it
// recomputes the root.
func VerifyProof(leaf [32]byte, path []ProofStep, root [32]byte) bool {
	current := leaf
	for _, step := range path {
		if step.Direction == Left {
			current = hashPair(step.Hash, current)
		} else {
			current = hashPair(current, step.Hash)
		}
	}
	return current == root
}
