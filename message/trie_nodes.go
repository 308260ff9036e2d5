// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// MaxTrieNodesPerRequest bounds the number of trie nodes requested in one
// healing round trip.
const MaxTrieNodesPerRequest = 256

// TrieNodesRequest asks for raw trie nodes by hash, used exclusively by
// the healer to fill holes left by range downloads.
type TrieNodesRequest struct {
	ID     uint64        `serialize:"true"`
	Root   common.Hash   `serialize:"true"`
	Hashes []common.Hash `serialize:"true"`
	Bytes  uint64        `serialize:"true"`
}

// TrieNodesResponse returns the requested node bytes in request order.
// A peer may return fewer nodes than requested, never more.
type TrieNodesResponse struct {
	ID    uint64   `serialize:"true"`
	Nodes [][]byte `serialize:"true"`
}

func (t TrieNodesRequest) RequestID() uint64 { return t.ID }
func (t TrieNodesRequest) Kind() Kind        { return KindTrieNodes }

func (t TrieNodesRequest) String() string {
	return fmt.Sprintf("TrieNodesRequest(ID=%d, Root=%s, Hashes=%d, Bytes=%d)", t.ID, t.Root, len(t.Hashes), t.Bytes)
}

// SanityCheck validates the request invariants before it is sent.
func (t TrieNodesRequest) SanityCheck() error {
	if t.Root == (common.Hash{}) {
		return ErrZeroRoot
	}
	if len(t.Hashes) == 0 {
		return ErrEmptyRequest
	}
	if t.Bytes == 0 {
		return ErrZeroByteCap
	}
	return nil
}
