// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package statedb implements the durable-write layer for synced state:
// prefixed accessors for account, storage, code and trie node entries
// over any ethdb key-value store.
package statedb

import "github.com/ethereum/go-ethereum/common"

var (
	// accountPrefix + account hash -> account RLP
	accountPrefix = []byte("a")
	// storagePrefix + account hash + slot hash -> slot value
	storagePrefix = []byte("o")
	// codePrefix + code hash -> contract bytecode
	codePrefix = []byte("c")

	// Trie nodes are stored under their bare hash, matching the layout
	// trie databases expect.
)

func accountKey(hash common.Hash) []byte {
	return append(accountPrefix, hash.Bytes()...)
}

func storageKey(account, slot common.Hash) []byte {
	key := make([]byte, 0, len(storagePrefix)+2*common.HashLength)
	key = append(key, storagePrefix...)
	key = append(key, account.Bytes()...)
	key = append(key, slot.Bytes()...)
	return key
}

func storageAccountPrefix(account common.Hash) []byte {
	return append(storagePrefix, account.Bytes()...)
}

func codeKey(hash common.Hash) []byte {
	return append(codePrefix, hash.Bytes()...)
}
