// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package synctest provides helpers for building deterministic state
// tries and range proofs in tests.
package synctest

import (
	"bytes"
	"math/big"
	"math/rand"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/stretchr/testify/require"

	"github.com/statelabs/snapsync/statedb"
)

var emptyCodeHash = crypto.Keccak256Hash(nil)

// GenerateTrie creates a trie inside [trieDB] from a deterministic
// random source with [numKeys] key-value pairs. Returns the committed
// root, the keys in lexicographic order and the corresponding values.
func GenerateTrie(t *testing.T, trieDB *trie.Database, numKeys int) (common.Hash, [][]byte, [][]byte) {
	return GenerateTrieWithSeed(t, trieDB, numKeys, int64(numKeys))
}

// GenerateTrieWithSeed is GenerateTrie with an explicit random seed, for
// callers that need several distinct tries of the same size.
func GenerateTrieWithSeed(t *testing.T, trieDB *trie.Database, numKeys int, seed int64) (common.Hash, [][]byte, [][]byte) {
	t.Helper()
	tr, err := trie.New(common.Hash{}, common.Hash{}, trieDB)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(seed))

	keys := make([][]byte, 0, numKeys)
	values := make([][]byte, 0, numKeys)
	for i := 0; i < numKeys; i++ {
		key := make([]byte, common.HashLength)
		_, err := rng.Read(key)
		require.NoError(t, err)
		value := make([]byte, rng.Intn(128)+32)
		_, err = rng.Read(value)
		require.NoError(t, err)

		require.NoError(t, tr.TryUpdate(key, value))
		keys = append(keys, key)
		values = append(values, value)
	}
	sortKeyVals(keys, values)

	root, nodes, err := tr.Commit(false)
	require.NoError(t, err)
	require.NoError(t, trieDB.Update(trie.NewWithNodeSet(nodes)))
	require.NoError(t, trieDB.Commit(root, false, nil))
	return root, keys, values
}

// FillAccounts inserts [numAccounts] random accounts into a trie rooted
// at [root] inside [trieDB]. The optional [onAccount] hook lets callers
// attach code or storage before the account is encoded. Returns the new
// root and the inserted accounts keyed by account hash.
func FillAccounts(
	t *testing.T, trieDB *trie.Database, root common.Hash, numAccounts int,
	onAccount func(*testing.T, int, types.StateAccount) types.StateAccount,
) (common.Hash, map[common.Hash]types.StateAccount) {
	t.Helper()
	tr, err := trie.New(common.Hash{}, root, trieDB)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	accounts := make(map[common.Hash]types.StateAccount, numAccounts)
	for i := 0; i < numAccounts; i++ {
		acc := types.StateAccount{
			Nonce:    uint64(i),
			Balance:  big.NewInt(int64(i % 1337)),
			Root:     types.EmptyRootHash,
			CodeHash: emptyCodeHash[:],
		}
		if onAccount != nil {
			acc = onAccount(t, i, acc)
		}

		accBytes, err := rlp.EncodeToBytes(&acc)
		require.NoError(t, err)

		hash := make([]byte, common.HashLength)
		_, err = rng.Read(hash)
		require.NoError(t, err)
		require.NoError(t, tr.TryUpdate(hash, accBytes))
		accounts[common.BytesToHash(hash)] = acc
	}

	newRoot, nodes, err := tr.Commit(false)
	require.NoError(t, err)
	require.NoError(t, trieDB.Update(trie.NewWithNodeSet(nodes)))
	require.NoError(t, trieDB.Commit(newRoot, false, nil))
	return newRoot, accounts
}

// FillAccountsWithStorage fills a trie with accounts where every third
// account carries contract code and a 16-slot storage trie. Code is
// written to [trieDB]'s disk database keyed as the syncer stores it.
func FillAccountsWithStorage(t *testing.T, trieDB *trie.Database, root common.Hash, numAccounts int) (common.Hash, map[common.Hash]types.StateAccount) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	return FillAccounts(t, trieDB, root, numAccounts, func(t *testing.T, index int, acc types.StateAccount) types.StateAccount {
		if index%3 != 0 {
			return acc
		}
		code := make([]byte, 256)
		_, err := rng.Read(code)
		require.NoError(t, err)
		codeHash := crypto.Keccak256Hash(code)
		statedb.WriteCode(trieDB.DiskDB(), codeHash, code)
		acc.CodeHash = codeHash[:]

		acc.Root, _, _ = GenerateTrieWithSeed(t, trieDB, 16, int64(index)+1000)
		return acc
	})
}

// RangeProof proves the boundaries of a key range in the trie rooted at
// [root] and returns the proof nodes as raw blobs.
func RangeProof(t *testing.T, trieDB *trie.Database, root common.Hash, origin []byte, lastKey []byte) [][]byte {
	t.Helper()
	tr, err := trie.New(common.Hash{}, root, trieDB)
	require.NoError(t, err)

	proof := memorydb.New()
	require.NoError(t, tr.Prove(origin, 0, proof))
	if len(lastKey) > 0 {
		require.NoError(t, tr.Prove(lastKey, 0, proof))
	}
	return flattenProof(t, proof)
}

// flattenProof extracts the proof node blobs from a proof database.
func flattenProof(t *testing.T, proof *memorydb.Database) [][]byte {
	t.Helper()
	it := proof.NewIterator(nil, nil)
	defer it.Release()

	var blobs [][]byte
	for it.Next() {
		blobs = append(blobs, common.CopyBytes(it.Value()))
	}
	require.NoError(t, it.Error())
	return blobs
}

// TrieRange returns the leaves of the trie rooted at [root] whose keys
// fall in [origin, limit], up to [max] entries, in key order.
func TrieRange(t *testing.T, trieDB *trie.Database, root common.Hash, origin, limit []byte, max int) ([][]byte, [][]byte) {
	t.Helper()
	tr, err := trie.New(common.Hash{}, root, trieDB)
	require.NoError(t, err)

	var (
		keys [][]byte
		vals [][]byte
	)
	it := trie.NewIterator(tr.NodeIterator(origin))
	for it.Next() {
		if len(limit) > 0 && bytes.Compare(it.Key, limit) > 0 {
			break
		}
		keys = append(keys, common.CopyBytes(it.Key))
		vals = append(vals, common.CopyBytes(it.Value))
		if max > 0 && len(keys) >= max {
			break
		}
	}
	require.NoError(t, it.Err)
	return keys, vals
}

func sortKeyVals(keys, values [][]byte) {
	sort.Sort(&keyValSorter{keys: keys, values: values})
}

type keyValSorter struct {
	keys   [][]byte
	values [][]byte
}

func (s *keyValSorter) Len() int           { return len(s.keys) }
func (s *keyValSorter) Less(i, j int) bool { return bytes.Compare(s.keys[i], s.keys[j]) < 0 }
func (s *keyValSorter) Swap(i, j int) {
	s.keys[i], s.keys[j] = s.keys[j], s.keys[i]
	s.values[i], s.values[j] = s.values[j], s.values[i]
}
