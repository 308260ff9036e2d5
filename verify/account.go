// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package verify

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// EmptyCodeHash is the known hash of empty contract bytecode.
var EmptyCodeHash = crypto.Keccak256Hash(nil)

// DecodeAccount decodes an account trie leaf into a StateAccount.
func DecodeAccount(body []byte) (types.StateAccount, error) {
	var acc types.StateAccount
	if err := rlp.DecodeBytes(body, &acc); err != nil {
		return types.StateAccount{}, fmt.Errorf("failed to decode account body: %w", err)
	}
	return acc, nil
}

// HasStorage reports whether [acc] references a non-empty storage trie.
func HasStorage(acc types.StateAccount) bool {
	return acc.Root != (common.Hash{}) && acc.Root != types.EmptyRootHash
}

// HasCode reports whether [acc] references non-empty contract code.
func HasCode(acc types.StateAccount) bool {
	codeHash := common.BytesToHash(acc.CodeHash)
	return codeHash != (common.Hash{}) && codeHash != EmptyCodeHash
}

// StorageKey returns the canonical addressable key of a storage slot:
// the hash of the owning account's key concatenated with the slot key.
func StorageKey(account, slot common.Hash) common.Hash {
	return crypto.Keccak256Hash(account[:], slot[:])
}
