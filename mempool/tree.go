package mempool

import (
	"fmt"
	"slices"
	"sort"

	"github.com/cloudx-io/auctionpool/core"
)

// MerkleProof proves that a leaf is part of the tree with the given root.
type MerkleProof struct {
	LeafIndex int         `json:"leaf_index" cbor:"1,keyasint"`
	Siblings  []core.Hash `json:"proof_hashes" cbor:"2,keyasint"`
	Root      core.Hash   `json:"root" cbor:"3,keyasint"`
}

// CommitmentTree keeps transactions in auction order and a Merkle tree over that order.
// The root always reflects the current sequence: every mutation rebuilds the tree.
//
// CommitmentTree is not safe for concurrent use; CommitmentPool adds the locking.
type CommitmentTree struct {
	transactions []core.AuctionTransaction
	levels       [][]core.Hash // levels[0] are the leaves, the last level holds the root
	root         core.Hash
}

// NewCommitmentTree returns an empty tree. Its root is the zero hash.
func NewCommitmentTree() *CommitmentTree {
	return &CommitmentTree{}
}

// BuildCommitmentTree builds a tree over txs after sorting a copy into auction order.
func BuildCommitmentTree(txs []core.AuctionTransaction) *CommitmentTree {
	sorted := slices.Clone(txs)
	core.SortForAuction(sorted)
	tree := &CommitmentTree{transactions: sorted}
	tree.rebuild()
	return tree
}

// Insert places tx at its auction position, after any transaction with equal keys.
func (t *CommitmentTree) Insert(tx core.AuctionTransaction) {
	pos := sort.Search(len(t.transactions), func(i int) bool {
		return core.CompareForAuction(&t.transactions[i], &tx) > 0
	})
	t.transactions = slices.Insert(t.transactions, pos, tx)
	t.rebuild()
}

// Remove deletes the first transaction with the given id.
func (t *CommitmentTree) Remove(id core.Hash) bool {
	pos := t.indexOf(id)
	if pos < 0 {
		return false
	}
	t.transactions = slices.Delete(t.transactions, pos, pos+1)
	t.rebuild()
	return true
}

// removeIndices deletes the transactions at the given ascending positions with a
// single rebuild.
func (t *CommitmentTree) removeIndices(positions []int) {
	if len(positions) == 0 {
		return
	}
	kept := t.transactions[:0]
	next := 0
	for i, tx := range t.transactions {
		if next < len(positions) && positions[next] == i {
			next++
			continue
		}
		kept = append(kept, tx)
	}
	clear(t.transactions[len(kept):])
	t.transactions = kept
	t.rebuild()
}

// Top returns a copy of the first n transactions.
func (t *CommitmentTree) Top(n int) []core.AuctionTransaction {
	if n < 0 {
		n = 0
	}
	n = min(n, len(t.transactions))
	return slices.Clone(t.transactions[:n])
}

// WithinGasLimit greedily selects transactions in auction order. A transaction that
// does not fit in the remaining budget is skipped and the walk continues, so the
// budget may stay partly unused. This is not an optimal knapsack packing.
func (t *CommitmentTree) WithinGasLimit(gasLimit uint64) []core.AuctionTransaction {
	positions := t.selectWithinGasLimit(gasLimit)
	selected := make([]core.AuctionTransaction, 0, len(positions))
	for _, pos := range positions {
		selected = append(selected, t.transactions[pos])
	}
	return selected
}

func (t *CommitmentTree) selectWithinGasLimit(gasLimit uint64) []int {
	positions := make([]int, 0)
	var totalGas uint64
	for i := range t.transactions {
		next, ok := core.AddChecked(totalGas, t.transactions[i].GasLimit)
		if !ok || next > gasLimit {
			continue
		}
		positions = append(positions, i)
		totalGas = next
	}
	return positions
}

// Get returns the transaction with the given id.
func (t *CommitmentTree) Get(id core.Hash) (core.AuctionTransaction, bool) {
	pos := t.indexOf(id)
	if pos < 0 {
		return core.AuctionTransaction{}, false
	}
	return t.transactions[pos], true
}

// Transactions returns a copy of the ordered sequence.
func (t *CommitmentTree) Transactions() []core.AuctionTransaction {
	return slices.Clone(t.transactions)
}

// Root returns the current Merkle root.
func (t *CommitmentTree) Root() core.Hash {
	return t.root
}

// Len returns the number of transactions.
func (t *CommitmentTree) Len() int {
	return len(t.transactions)
}

// GenerateProof collects the sibling of every node on the path from the leaf to the
// root. A node without a sibling is paired with itself.
func (t *CommitmentTree) GenerateProof(id core.Hash) (*MerkleProof, error) {
	leafIndex := t.indexOf(id)
	if leafIndex < 0 {
		return nil, fmt.Errorf("transaction %s not in tree: %w", id, core.ErrNotFound)
	}

	siblings := make([]core.Hash, 0, len(t.levels))
	index := leafIndex
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		sibling := index ^ 1
		if sibling < len(nodes) {
			siblings = append(siblings, nodes[sibling])
		} else {
			siblings = append(siblings, nodes[index])
		}
		index /= 2
	}

	return &MerkleProof{
		LeafIndex: leafIndex,
		Siblings:  siblings,
		Root:      t.root,
	}, nil
}

// VerifyProof checks proof against the tree's current root. Proofs generated before
// any later mutation no longer verify.
func (t *CommitmentTree) VerifyProof(tx *core.AuctionTransaction, proof *MerkleProof) bool {
	if proof == nil || proof.Root != t.root {
		return false
	}
	return VerifyProof(tx, proof, t.root)
}

// VerifyProof recomputes the path from tx's leaf and compares it with root.
func VerifyProof(tx *core.AuctionTransaction, proof *MerkleProof, root core.Hash) bool {
	if proof == nil || proof.LeafIndex < 0 || proof.Root != root {
		return false
	}

	current := core.ComputeLeafHash(tx)
	index := proof.LeafIndex
	for _, sibling := range proof.Siblings {
		if index%2 == 0 {
			current = core.ComputeNodeHash(current, sibling)
		} else {
			current = core.ComputeNodeHash(sibling, current)
		}
		index /= 2
	}

	// A valid path ends at index 0; anything else means the index does not match
	// the proof length
	return index == 0 && current == root
}

func (t *CommitmentTree) indexOf(id core.Hash) int {
	return slices.IndexFunc(t.transactions, func(tx core.AuctionTransaction) bool {
		return tx.ID == id
	})
}

func (t *CommitmentTree) rebuild() {
	t.levels = t.levels[:0]
	if len(t.transactions) == 0 {
		t.root = core.Hash{}
		return
	}

	leaves := make([]core.Hash, len(t.transactions))
	for i := range t.transactions {
		leaves[i] = core.ComputeLeafHash(&t.transactions[i])
	}
	t.levels = append(t.levels, leaves)

	for current := leaves; len(current) > 1; {
		next := make([]core.Hash, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			right := current[i]
			if i+1 < len(current) {
				right = current[i+1]
			}
			next = append(next, core.ComputeNodeHash(current[i], right))
		}
		t.levels = append(t.levels, next)
		current = next
	}

	t.root = t.levels[len(t.levels)-1][0]
}
