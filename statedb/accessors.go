// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statedb

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
)

// WriteAccount stores the RLP encoded [body] for the account keyed by
// [hash].
func WriteAccount(db ethdb.KeyValueWriter, hash common.Hash, body []byte) {
	if err := db.Put(accountKey(hash), body); err != nil {
		log.Crit("Failed to store account entry", "err", err)
	}
}

// ReadAccount retrieves the account body for [hash], nil if absent.
func ReadAccount(db ethdb.KeyValueReader, hash common.Hash) []byte {
	data, _ := db.Get(accountKey(hash))
	return data
}

// HasAccount reports whether an account entry exists for [hash].
func HasAccount(db ethdb.KeyValueReader, hash common.Hash) bool {
	ok, _ := db.Has(accountKey(hash))
	return ok
}

// WriteStorage stores the [value] of the slot [slot] owned by [account].
func WriteStorage(db ethdb.KeyValueWriter, account, slot common.Hash, value []byte) {
	if err := db.Put(storageKey(account, slot), value); err != nil {
		log.Crit("Failed to store storage entry", "err", err)
	}
}

// ReadStorage retrieves the value of [slot] owned by [account], nil if
// absent.
func ReadStorage(db ethdb.KeyValueReader, account, slot common.Hash) []byte {
	data, _ := db.Get(storageKey(account, slot))
	return data
}

// WriteCode stores the contract bytecode [code] keyed by its hash.
func WriteCode(db ethdb.KeyValueWriter, hash common.Hash, code []byte) {
	if err := db.Put(codeKey(hash), code); err != nil {
		log.Crit("Failed to store contract code", "err", err)
	}
}

// ReadCode retrieves the contract bytecode for [hash], nil if absent.
func ReadCode(db ethdb.KeyValueReader, hash common.Hash) []byte {
	data, _ := db.Get(codeKey(hash))
	return data
}

// HasCode reports whether bytecode exists for [hash].
func HasCode(db ethdb.KeyValueReader, hash common.Hash) bool {
	ok, _ := db.Has(codeKey(hash))
	return ok
}

// WriteTrieNode stores a raw trie node under its bare hash, the layout
// trie databases read from.
func WriteTrieNode(db ethdb.KeyValueWriter, hash common.Hash, node []byte) {
	if err := db.Put(hash.Bytes(), node); err != nil {
		log.Crit("Failed to store trie node", "err", err)
	}
}

// ReadTrieNode retrieves the raw trie node for [hash], nil if absent.
func ReadTrieNode(db ethdb.KeyValueReader, hash common.Hash) []byte {
	data, _ := db.Get(hash.Bytes())
	return data
}

// HasTrieNode reports whether a trie node exists for [hash].
func HasTrieNode(db ethdb.KeyValueReader, hash common.Hash) bool {
	ok, _ := db.Has(hash.Bytes())
	return ok
}

// NewAccountIterator iterates account entries in key order, starting at
// [start] (nil for the first entry).
func NewAccountIterator(db ethdb.Iteratee, start []byte) ethdb.Iterator {
	return db.NewIterator(accountPrefix, start)
}

// NewStorageIterator iterates the storage entries of [account] in slot
// order.
func NewStorageIterator(db ethdb.Iteratee, account common.Hash) ethdb.Iterator {
	return db.NewIterator(storageAccountPrefix(account), nil)
}
