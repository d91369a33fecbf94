package merkle

import (
	"fmt"

	"github.com/swapmesh/marketd/pkg/contracts"
)

// RebuildFromLeafHashes reconstructs a tree's node levels from an
// already-computed, path-ordered sequence of leaf hashes, without
// access to the original leaf values. Used to regenerate an inclusion
// proof against a persisted InventorySnapshot, whose recorded
// HoldingLeaf.LeafHash values may no longer match the provider's
// current live holdings.
func RebuildFromLeafHashes(leafHashes []string) *MerkleTree {
	if len(leafHashes) == 0 {
		return &MerkleTree{}
	}

	leaves := make([]MerkleLeaf, len(leafHashes))
	for i, h := range leafHashes {
		leaves[i] = MerkleLeaf{LeafHash: h}
	}

	tree := &MerkleTree{Leaves: leaves}
	currentLevel := extractHashes(leaves)
	for len(currentLevel) > 1 {
		tree.Nodes = append(tree.Nodes, currentLevel)
		currentLevel = buildNextLevel(currentLevel)
	}
	tree.Root = currentLevel[0]
	tree.Nodes = append(tree.Nodes, currentLevel)
	return tree
}

// GenerateInclusionProof builds the sibling path proving that the leaf at
// leafIndex belongs to tree, in the order BuildMerkleTree assigned
// (sorted by path). The returned proof recomputes to tree.Root under
// VerifyInclusionProof.
func GenerateInclusionProof(tree *MerkleTree, leafIndex int) (contracts.InclusionProof, error) {
	if leafIndex < 0 || leafIndex >= len(tree.Leaves) {
		return contracts.InclusionProof{}, fmt.Errorf("merkle: leaf index %d out of range", leafIndex)
	}

	proof := contracts.InclusionProof{LeafIndex: leafIndex}
	index := leafIndex
	for _, level := range tree.Nodes {
		if len(level) <= 1 {
			break
		}
		var sibling string
		var position string
		if index%2 == 0 {
			if index+1 < len(level) {
				sibling = level[index+1]
			} else {
				sibling = level[index] // odd-length level duplicates the last hash
			}
			position = "right"
		} else {
			sibling = level[index-1]
			position = "left"
		}
		proof.Siblings = append(proof.Siblings, contracts.ProofSibling{Hash: sibling, Position: position})
		index /= 2
	}
	return proof, nil
}

// VerifyInclusionProof recomputes the root from leafHash and proof's
// sibling path and reports whether it equals expectedRoot.
func VerifyInclusionProof(proof contracts.InclusionProof, leafHash, expectedRoot string) bool {
	current := leafHash
	for _, sib := range proof.Siblings {
		var left, right string
		switch sib.Position {
		case "left":
			left, right = sib.Hash, current
		case "right":
			left, right = current, sib.Hash
		default:
			return false
		}
		current = buildNodeHash(left, right)
	}
	return current == expectedRoot
}
