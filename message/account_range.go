// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountRangeRequest asks a peer for a key-ordered slice of the account
// trie rooted at Root, starting at Origin and not exceeding Limit.
// Bytes is a soft cap on the response size, forcing server-side pagination.
type AccountRangeRequest struct {
	ID     uint64      `serialize:"true"`
	Root   common.Hash `serialize:"true"`
	Origin common.Hash `serialize:"true"`
	Limit  common.Hash `serialize:"true"`
	Bytes  uint64      `serialize:"true"`
}

// AccountData is a single account entry in an AccountRangeResponse.
// Body is the RLP encoding of the account as stored in the trie.
type AccountData struct {
	Hash common.Hash `serialize:"true"`
	Body []byte      `serialize:"true"`
}

// AccountRangeResponse carries consecutive accounts plus the edge proof
// nodes needed to verify the range against the requested root.
type AccountRangeResponse struct {
	ID       uint64        `serialize:"true"`
	Accounts []AccountData `serialize:"true"`
	Proof    [][]byte      `serialize:"true"`
}

func (a AccountRangeRequest) RequestID() uint64 { return a.ID }
func (a AccountRangeRequest) Kind() Kind        { return KindAccounts }

func (a AccountRangeRequest) String() string {
	return fmt.Sprintf("AccountRangeRequest(ID=%d, Root=%s, Origin=%s, Limit=%s, Bytes=%d)",
		a.ID, a.Root, a.Origin, a.Limit, a.Bytes)
}

// SanityCheck validates the request invariants before it is sent:
// a non-zero root, a non-reversed range and a non-zero byte cap.
func (a AccountRangeRequest) SanityCheck() error {
	if a.Root == (common.Hash{}) {
		return ErrZeroRoot
	}
	if bytes.Compare(a.Origin[:], a.Limit[:]) > 0 {
		return ErrReversedRange
	}
	if a.Bytes == 0 {
		return ErrZeroByteCap
	}
	return nil
}
