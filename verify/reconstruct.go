// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package verify

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/statelabs/snapsync/statedb"
)

var (
	// ErrRootMismatch is returned when recomputing a trie root from
	// assembled state does not reproduce the expected root.
	ErrRootMismatch = errors.New("reconstructed root does not match target")

	// ErrIncompleteState is returned when the assembled state is missing
	// pieces the account data references.
	ErrIncompleteState = errors.New("assembled state is incomplete")
)

// ReconstructStateTrie recomputes the account trie root from the full
// set of assembled account bodies. Keys are inserted in ascending order,
// so the result is the canonical root regardless of delivery order.
func ReconstructStateTrie(accounts map[common.Hash][]byte) common.Hash {
	hashes := make([]common.Hash, 0, len(accounts))
	for hash := range accounts {
		hashes = append(hashes, hash)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i].Bytes(), hashes[j].Bytes()) < 0
	})

	tr := trie.NewStackTrie(nil)
	for _, hash := range hashes {
		_ = tr.TryUpdate(hash.Bytes(), accounts[hash])
	}
	return tr.Hash()
}

// ReconstructStorageTrie recomputes one account's storage root from its
// assembled slots.
func ReconstructStorageTrie(slots map[common.Hash][]byte) common.Hash {
	return ReconstructStateTrie(slots)
}

// VerifyStateRoot performs the final cross-check over fully persisted
// state: every account body must decode, every referenced storage root
// must be reproduced by the persisted slots, every referenced code must
// be present with a matching hash, and the account trie root must equal
// the target root. Any single-byte corruption anywhere in the persisted
// state flips the result.
func VerifyStateRoot(db ethdb.Database, root common.Hash) error {
	accounts := make(map[common.Hash][]byte)

	it := statedb.NewAccountIterator(db, nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		hash := common.BytesToHash(key[len(key)-common.HashLength:])
		body := common.CopyBytes(it.Value())
		accounts[hash] = body

		acc, err := DecodeAccount(body)
		if err != nil {
			return fmt.Errorf("account %s: %w", hash, err)
		}
		if HasCode(acc) {
			codeHash := common.BytesToHash(acc.CodeHash)
			code := statedb.ReadCode(db, codeHash)
			if code == nil {
				return fmt.Errorf("%w: missing code %s for account %s", ErrIncompleteState, codeHash, hash)
			}
			if crypto.Keccak256Hash(code) != codeHash {
				return fmt.Errorf("%w: code of account %s", ErrRootMismatch, hash)
			}
		}
		if HasStorage(acc) {
			storageRoot, err := persistedStorageRoot(db, hash)
			if err != nil {
				return err
			}
			if storageRoot != acc.Root {
				return fmt.Errorf("%w: storage of account %s: have %s want %s", ErrRootMismatch, hash, storageRoot, acc.Root)
			}
		}
	}
	if err := it.Error(); err != nil {
		return err
	}

	if got := ReconstructStateTrie(accounts); got != root {
		return fmt.Errorf("%w: have %s want %s", ErrRootMismatch, got, root)
	}
	return nil
}

// persistedStorageRoot recomputes the storage root of one account from
// its persisted slots.
func persistedStorageRoot(db ethdb.Database, account common.Hash) (common.Hash, error) {
	slots := make(map[common.Hash][]byte)

	it := statedb.NewStorageIterator(db, account)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		slot := common.BytesToHash(key[len(key)-common.HashLength:])
		slots[slot] = common.CopyBytes(it.Value())
	}
	if err := it.Error(); err != nil {
		return common.Hash{}, err
	}
	return ReconstructStorageTrie(slots), nil
}
