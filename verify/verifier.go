// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package verify validates downloaded state batches against a trusted
// root. Range batches are checked with Merkle range proofs; bytecode and
// trie nodes by content hash. All verification is all-or-nothing per
// batch and never requires materializing the complete trie.
package verify

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/statelabs/snapsync/message"
)

var (
	// ErrEmptyRange is returned when a range response carries no items.
	ErrEmptyRange = errors.New("range response carries no items")

	// ErrEmptyProof is returned when a range response carries no proof
	// nodes. An empty proof cannot attest to anything.
	ErrEmptyProof = errors.New("range response carries no proof")

	// ErrInvalidProof is returned when the supplied proof does not
	// resolve the item range to the expected root.
	ErrInvalidProof = errors.New("range proof does not match root")

	// ErrHashMismatch is returned when a content-addressed item does not
	// hash to its requested hash.
	ErrHashMismatch = errors.New("item does not hash to requested hash")
)

// Result reports the outcome of verifying one batch.
type Result struct {
	Valid bool

	// Verified item counts by category.
	Accounts int
	Slots    int
	Codes    int
	Nodes    int

	// More reports whether the proof shows further items exist beyond
	// the verified range (range batches only).
	More bool

	Elapsed time.Duration
}

// invalid returns a zero-credit result: no partial counts survive a
// failed batch.
func invalid(start time.Time) *Result {
	return &Result{Elapsed: time.Since(start)}
}

// proofDB loads the ordered proof node blobs into an in-memory node
// reader keyed by content hash, the form the trie prover consumes.
func proofDB(proof [][]byte) *memorydb.Database {
	db := memorydb.New()
	for _, blob := range proof {
		_ = db.Put(crypto.Keccak256(blob), blob)
	}
	return db
}

// VerifyAccountRange checks an account range response against the target
// state root. The batch is rejected outright if the item list or the
// proof list is empty.
func VerifyAccountRange(resp *message.AccountRangeResponse, root common.Hash, origin common.Hash) (*Result, error) {
	start := time.Now()
	if len(resp.Accounts) == 0 {
		return invalid(start), ErrEmptyRange
	}
	if len(resp.Proof) == 0 {
		return invalid(start), ErrEmptyProof
	}

	keys := make([][]byte, len(resp.Accounts))
	vals := make([][]byte, len(resp.Accounts))
	for i, account := range resp.Accounts {
		keys[i] = account.Hash.Bytes()
		vals[i] = account.Body
	}
	last := keys[len(keys)-1]

	more, err := trie.VerifyRangeProof(root, origin.Bytes(), last, keys, vals, proofDB(resp.Proof))
	if err != nil {
		return invalid(start), fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return &Result{
		Valid:    true,
		Accounts: len(resp.Accounts),
		More:     more,
		Elapsed:  time.Since(start),
	}, nil
}

// VerifyStorageRange checks one account's slot range against that
// account's storage root. Same all-or-nothing rules as account ranges.
func VerifyStorageRange(slots []message.StorageData, proof [][]byte, storageRoot common.Hash, origin []byte) (*Result, error) {
	start := time.Now()
	if len(slots) == 0 {
		return invalid(start), ErrEmptyRange
	}
	if len(proof) == 0 {
		return invalid(start), ErrEmptyProof
	}

	keys := make([][]byte, len(slots))
	vals := make([][]byte, len(slots))
	for i, slot := range slots {
		keys[i] = slot.Hash.Bytes()
		vals[i] = slot.Body
	}
	last := keys[len(keys)-1]
	if len(origin) == 0 {
		origin = make([]byte, common.HashLength)
	}

	more, err := trie.VerifyRangeProof(storageRoot, origin, last, keys, vals, proofDB(proof))
	if err != nil {
		return invalid(start), fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}
	return &Result{
		Valid:   true,
		Slots:   len(slots),
		More:    more,
		Elapsed: time.Since(start),
	}, nil
}

// VerifyByteCodes checks that each returned code hashes to its requested
// hash. Any mismatch rejects the whole batch. A peer may deliver fewer
// codes than requested; delivered codes are matched in request order.
func VerifyByteCodes(hashes []common.Hash, codes [][]byte) (*Result, error) {
	start := time.Now()
	if len(codes) == 0 {
		return invalid(start), ErrEmptyRange
	}
	if len(codes) > len(hashes) {
		return invalid(start), fmt.Errorf("%w: %d codes for %d requested hashes", ErrHashMismatch, len(codes), len(hashes))
	}
	for i, code := range codes {
		if crypto.Keccak256Hash(code) != hashes[i] {
			return invalid(start), fmt.Errorf("%w: code %d expected %s", ErrHashMismatch, i, hashes[i])
		}
	}
	return &Result{
		Valid:   true,
		Codes:   len(codes),
		Elapsed: time.Since(start),
	}, nil
}

// VerifyTrieNodes checks that each returned node blob hashes to its
// requested hash. Any mismatch rejects the whole batch.
func VerifyTrieNodes(hashes []common.Hash, nodes [][]byte) (*Result, error) {
	start := time.Now()
	if len(nodes) == 0 {
		return invalid(start), ErrEmptyRange
	}
	if len(nodes) > len(hashes) {
		return invalid(start), fmt.Errorf("%w: %d nodes for %d requested hashes", ErrHashMismatch, len(nodes), len(hashes))
	}
	for i, node := range nodes {
		if crypto.Keccak256Hash(node) != hashes[i] {
			return invalid(start), fmt.Errorf("%w: node %d expected %s", ErrHashMismatch, i, hashes[i])
		}
	}
	return &Result{
		Valid:   true,
		Nodes:   len(nodes),
		Elapsed: time.Since(start),
	}, nil
}
