package dtable

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// MerkleRoot computes a single digest over every locally stored key/value
// pair, used as the anti-entropy comparison point between two replicas of
// the same key range: equal roots mean the replicas agree without having to
// exchange their full key sets. Sorted leaf hashes are folded pairwise up
// to a root.
func (t *Table) MerkleRoot() (string, error) {
	keys, err := t.ListKeys()
	if err != nil {
		return "", err
	}
	sort.Strings(keys)

	if len(keys) == 0 {
		return hex.EncodeToString(sha256.New().Sum(nil)), nil
	}

	leaves := make([][]byte, len(keys))
	for i, k := range keys {
		v, _, err := t.Get(k)
		if err != nil {
			return "", err
		}
		leaves[i] = leafHash(k, v)
	}
	return hex.EncodeToString(fold(leaves)), nil
}

func leafHash(key, value string) []byte {
	h := sha256.New()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(value))
	return h.Sum(nil)
}

// fold reduces a slice of hashes to one root hash by pairwise concatenation,
// carrying an odd trailing hash up unchanged.
func fold(hashes [][]byte) []byte {
	for len(hashes) > 1 {
		next := make([][]byte, 0, (len(hashes)+1)/2)
		for i := 0; i < len(hashes); i += 2 {
			if i+1 == len(hashes) {
				next = append(next, hashes[i])
				continue
			}
			h := sha256.New()
			h.Write(hashes[i])
			h.Write(hashes[i+1])
			next = append(next, h.Sum(nil))
		}
		hashes = next
	}
	return hashes[0]
}
