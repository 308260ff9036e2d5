// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package verify_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statelabs/snapsync/message"
	"github.com/statelabs/snapsync/synctest"
	"github.com/statelabs/snapsync/verify"
)

func accountRangeResponse(keys, vals [][]byte, proof [][]byte) *message.AccountRangeResponse {
	resp := &message.AccountRangeResponse{Proof: proof}
	for i, key := range keys {
		resp.Accounts = append(resp.Accounts, message.AccountData{
			Hash: common.BytesToHash(key),
			Body: vals[i],
		})
	}
	return resp
}

func TestVerifyAccountRange(t *testing.T) {
	trieDB := trie.NewDatabase(rawdb.NewMemoryDatabase())
	root, _ := synctest.FillAccounts(t, trieDB, common.Hash{}, 100, nil)
	keys, vals := synctest.TrieRange(t, trieDB, root, nil, nil, 50)
	require.Len(t, keys, 50)

	origin := common.Hash{}
	proof := synctest.RangeProof(t, trieDB, root, origin.Bytes(), keys[len(keys)-1])

	result, err := verify.VerifyAccountRange(accountRangeResponse(keys, vals, proof), root, origin)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 50, result.Accounts)
	assert.True(t, result.More)
}

func TestVerifyAccountRangeFinalBatchHasNoMore(t *testing.T) {
	trieDB := trie.NewDatabase(rawdb.NewMemoryDatabase())
	root, _ := synctest.FillAccounts(t, trieDB, common.Hash{}, 20, nil)
	keys, vals := synctest.TrieRange(t, trieDB, root, nil, nil, 0)
	require.Len(t, keys, 20)

	origin := common.Hash{}
	proof := synctest.RangeProof(t, trieDB, root, origin.Bytes(), keys[len(keys)-1])

	result, err := verify.VerifyAccountRange(accountRangeResponse(keys, vals, proof), root, origin)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.False(t, result.More)
}

func TestVerifyAccountRangeEmptyItems(t *testing.T) {
	resp := &message.AccountRangeResponse{Proof: [][]byte{{0x01}}}
	result, err := verify.VerifyAccountRange(resp, common.Hash{0x01}, common.Hash{})
	assert.ErrorIs(t, err, verify.ErrEmptyRange)
	assert.False(t, result.Valid)
	assert.Zero(t, result.Accounts)
}

func TestVerifyAccountRangeEmptyProof(t *testing.T) {
	trieDB := trie.NewDatabase(rawdb.NewMemoryDatabase())
	root, _ := synctest.FillAccounts(t, trieDB, common.Hash{}, 10, nil)
	keys, vals := synctest.TrieRange(t, trieDB, root, nil, nil, 0)

	result, err := verify.VerifyAccountRange(accountRangeResponse(keys, vals, nil), root, common.Hash{})
	assert.ErrorIs(t, err, verify.ErrEmptyProof)
	assert.False(t, result.Valid)
	assert.Zero(t, result.Accounts)
}

func TestVerifyAccountRangeCorruptedValue(t *testing.T) {
	trieDB := trie.NewDatabase(rawdb.NewMemoryDatabase())
	root, _ := synctest.FillAccounts(t, trieDB, common.Hash{}, 50, nil)
	keys, vals := synctest.TrieRange(t, trieDB, root, nil, nil, 25)
	proof := synctest.RangeProof(t, trieDB, root, common.Hash{}.Bytes(), keys[len(keys)-1])

	// Flip one byte in one account body.
	vals[10] = common.CopyBytes(vals[10])
	vals[10][0] ^= 0xff

	result, err := verify.VerifyAccountRange(accountRangeResponse(keys, vals, proof), root, common.Hash{})
	assert.ErrorIs(t, err, verify.ErrInvalidProof)
	assert.False(t, result.Valid)
	assert.Zero(t, result.Accounts)
}

func TestVerifyAccountRangeDroppedItem(t *testing.T) {
	trieDB := trie.NewDatabase(rawdb.NewMemoryDatabase())
	root, _ := synctest.FillAccounts(t, trieDB, common.Hash{}, 50, nil)
	keys, vals := synctest.TrieRange(t, trieDB, root, nil, nil, 25)
	proof := synctest.RangeProof(t, trieDB, root, common.Hash{}.Bytes(), keys[len(keys)-1])

	// Drop an interior item; the proof must expose the gap.
	keys = append(keys[:10], keys[11:]...)
	vals = append(vals[:10], vals[11:]...)

	result, err := verify.VerifyAccountRange(accountRangeResponse(keys, vals, proof), root, common.Hash{})
	assert.ErrorIs(t, err, verify.ErrInvalidProof)
	assert.False(t, result.Valid)
}

func TestVerifyAccountRangeWrongRoot(t *testing.T) {
	trieDB := trie.NewDatabase(rawdb.NewMemoryDatabase())
	root, _ := synctest.FillAccounts(t, trieDB, common.Hash{}, 30, nil)
	otherRoot, _ := synctest.FillAccounts(t, trieDB, common.Hash{}, 31, nil)
	require.NotEqual(t, root, otherRoot)

	keys, vals := synctest.TrieRange(t, trieDB, root, nil, nil, 10)
	proof := synctest.RangeProof(t, trieDB, root, common.Hash{}.Bytes(), keys[len(keys)-1])

	_, err := verify.VerifyAccountRange(accountRangeResponse(keys, vals, proof), otherRoot, common.Hash{})
	assert.ErrorIs(t, err, verify.ErrInvalidProof)
}

func TestVerifyStorageRange(t *testing.T) {
	trieDB := trie.NewDatabase(rawdb.NewMemoryDatabase())
	storageRoot, keys, vals := synctest.GenerateTrie(t, trieDB, 64)

	last := keys[31]
	proof := synctest.RangeProof(t, trieDB, storageRoot, common.Hash{}.Bytes(), last)

	slots := make([]message.StorageData, 32)
	for i := 0; i < 32; i++ {
		slots[i] = message.StorageData{Hash: common.BytesToHash(keys[i]), Body: vals[i]}
	}
	result, err := verify.VerifyStorageRange(slots, proof, storageRoot, nil)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 32, result.Slots)
	assert.True(t, result.More)
}

func TestVerifyStorageRangeResumesMidRange(t *testing.T) {
	trieDB := trie.NewDatabase(rawdb.NewMemoryDatabase())
	storageRoot, keys, vals := synctest.GenerateTrie(t, trieDB, 64)

	// Resume from the second half of the key space.
	origin := keys[32]
	proof := synctest.RangeProof(t, trieDB, storageRoot, origin, keys[63])

	slots := make([]message.StorageData, 0, 32)
	for i := 32; i < 64; i++ {
		slots = append(slots, message.StorageData{Hash: common.BytesToHash(keys[i]), Body: vals[i]})
	}
	result, err := verify.VerifyStorageRange(slots, proof, storageRoot, origin)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.False(t, result.More)
}

func TestVerifyStorageRangeEmpty(t *testing.T) {
	result, err := verify.VerifyStorageRange(nil, [][]byte{{0x01}}, common.Hash{0x01}, nil)
	assert.ErrorIs(t, err, verify.ErrEmptyRange)
	assert.False(t, result.Valid)

	slots := []message.StorageData{{Hash: common.Hash{0x02}, Body: []byte{0x01}}}
	result, err = verify.VerifyStorageRange(slots, nil, common.Hash{0x01}, nil)
	assert.ErrorIs(t, err, verify.ErrEmptyProof)
	assert.False(t, result.Valid)
}

func TestVerifyByteCodes(t *testing.T) {
	codes := [][]byte{{0x60, 0x80, 0x60, 0x40}, {0xfe}, {0x00, 0x01, 0x02}}
	hashes := make([]common.Hash, len(codes))
	for i, code := range codes {
		hashes[i] = crypto.Keccak256Hash(code)
	}

	result, err := verify.VerifyByteCodes(hashes, codes)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.Codes)

	// Corrupt one code; the whole batch is rejected.
	codes[1] = []byte{0xff}
	result, err = verify.VerifyByteCodes(hashes, codes)
	assert.ErrorIs(t, err, verify.ErrHashMismatch)
	assert.False(t, result.Valid)
	assert.Zero(t, result.Codes)
}

func TestVerifyByteCodesEmpty(t *testing.T) {
	_, err := verify.VerifyByteCodes([]common.Hash{{0x01}}, nil)
	assert.ErrorIs(t, err, verify.ErrEmptyRange)
}

func TestVerifyTrieNodes(t *testing.T) {
	nodes := [][]byte{{0xc0}, {0xc1, 0x80}}
	hashes := make([]common.Hash, len(nodes))
	for i, node := range nodes {
		hashes[i] = crypto.Keccak256Hash(node)
	}

	result, err := verify.VerifyTrieNodes(hashes, nodes)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.Nodes)

	nodes[0] = []byte{0xc2}
	result, err = verify.VerifyTrieNodes(hashes, nodes)
	assert.ErrorIs(t, err, verify.ErrHashMismatch)
	assert.False(t, result.Valid)
}
