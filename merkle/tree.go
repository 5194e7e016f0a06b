// Package merkle builds a binary Merkle tree over a set of key-value
// pairs and produces inclusion proofs verifiable against the root.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"sort"
)

// HashSize is the size of every leaf, internal, and root hash.
const HashSize = sha256.Size

// Domain-separation prefixes. Leaf and internal hashes use distinct
// first bytes so an internal node can never be reinterpreted as a leaf.
const (
	leafPrefix     = 0x00
	internalPrefix = 0x01
)

// Side records which side a sibling hash occupies when combining.
type Side uint8

const (
	SideLeft  Side = iota // sibling is the left child
	SideRight             // sibling is the right child
)

// Pair is one key-value leaf input.
type Pair struct {
	Key   []byte
	Value []byte
}

// Sibling is one step of a proof path.
type Sibling struct {
	Hash []byte `msgpack:"hash"`
	Side Side   `msgpack:"side"`
}

// Proof lets a verifier recompute the root from a single leaf without
// seeing the rest of the set.
type Proof struct {
	Key       []byte    `msgpack:"key"`
	Value     []byte    `msgpack:"value"`
	LeafIndex int       `msgpack:"leaf_index"`
	Siblings  []Sibling `msgpack:"siblings"`
}

// Tree is an immutable Merkle tree frozen at construction. Mutating
// the underlying pair set requires building a fresh tree; two trees
// built from the same set always share the same root regardless of
// input order.
type Tree struct {
	pairs  []Pair   // sorted by key
	levels [][][]byte // levels[0] = leaf hashes, last level has one node
}

// New builds a tree over pairs. Input order is irrelevant: pairs are
// sorted by lexicographic key order to fix a canonical leaf order.
// Keys are assumed unique.
func New(pairs []Pair) *Tree {
	t := &Tree{pairs: make([]Pair, len(pairs))}
	copy(t.pairs, pairs)
	sort.Slice(t.pairs, func(i, j int) bool {
		return bytes.Compare(t.pairs[i].Key, t.pairs[j].Key) < 0
	})
	if len(t.pairs) == 0 {
		return t
	}

	leaves := make([][]byte, len(t.pairs))
	for i, p := range t.pairs {
		leaves[i] = hashLeaf(p.Key, p.Value)
	}
	t.levels = append(t.levels, leaves)

	for level := leaves; len(level) > 1; {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashInternal(level[i], level[i+1]))
			} else {
				// Odd node out: pair it with itself.
				next = append(next, hashInternal(level[i], level[i]))
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.pairs) }

// Root returns the root hash, or nil for an empty tree.
func (t *Tree) Root() []byte {
	if len(t.levels) == 0 {
		return nil
	}
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns an inclusion proof for key, or nil if key is absent.
func (t *Tree) Proof(key []byte) *Proof {
	i := sort.Search(len(t.pairs), func(i int) bool {
		return bytes.Compare(t.pairs[i].Key, key) >= 0
	})
	if i >= len(t.pairs) || !bytes.Equal(t.pairs[i].Key, key) {
		return nil
	}

	p := &Proof{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), t.pairs[i].Value...),
		LeafIndex: i,
	}
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sib := idx ^ 1
		if sib >= len(level) {
			sib = idx // odd node pairs with itself
		}
		side := SideRight
		if sib < idx {
			side = SideLeft
		}
		p.Siblings = append(p.Siblings, Sibling{
			Hash: append([]byte(nil), level[sib]...),
			Side: side,
		})
		idx /= 2
	}
	return p
}

// VerifyProof recomputes the root implied by proof and compares it to
// root. Malformed proofs fail verification; they never panic.
func VerifyProof(proof *Proof, root []byte) bool {
	if proof == nil || len(root) != HashSize {
		return false
	}
	h := hashLeaf(proof.Key, proof.Value)
	for _, s := range proof.Siblings {
		if len(s.Hash) != HashSize {
			return false
		}
		switch s.Side {
		case SideLeft:
			h = hashInternal(s.Hash, h)
		case SideRight:
			h = hashInternal(h, s.Hash)
		default:
			return false
		}
	}
	return bytes.Equal(h, root)
}

func hashLeaf(key, value []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(key)
	h.Write(value)
	return h.Sum(nil)
}

func hashInternal(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{internalPrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
