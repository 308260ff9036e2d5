// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// StorageRangesRequest asks for the storage slots of one or more accounts
// under the state rooted at Root. Origin/Limit bound the slot keyspace and
// only apply to the single-account (large contract) case; when multiple
// accounts are requested each storage trie is served from its start.
type StorageRangesRequest struct {
	ID       uint64        `serialize:"true"`
	Root     common.Hash   `serialize:"true"`
	Accounts []common.Hash `serialize:"true"`
	Origin   []byte        `serialize:"true"`
	Limit    []byte        `serialize:"true"`
	Bytes    uint64        `serialize:"true"`
}

// StorageData is a single storage slot entry.
type StorageData struct {
	Hash common.Hash `serialize:"true"`
	Body []byte      `serialize:"true"`
}

// StorageRangesResponse carries one slot list per requested account, in
// request order. Proof covers the last (possibly incomplete) range only;
// complete tries prove themselves by hashing to the account's storage root.
type StorageRangesResponse struct {
	ID    uint64          `serialize:"true"`
	Slots [][]StorageData `serialize:"true"`
	Proof [][]byte        `serialize:"true"`
}

func (s StorageRangesRequest) RequestID() uint64 { return s.ID }
func (s StorageRangesRequest) Kind() Kind        { return KindStorage }

func (s StorageRangesRequest) String() string {
	return fmt.Sprintf("StorageRangesRequest(ID=%d, Root=%s, Accounts=%d, Origin=%x, Limit=%x, Bytes=%d)",
		s.ID, s.Root, len(s.Accounts), s.Origin, s.Limit, s.Bytes)
}

// SanityCheck validates the request invariants before it is sent.
func (s StorageRangesRequest) SanityCheck() error {
	if s.Root == (common.Hash{}) {
		return ErrZeroRoot
	}
	if len(s.Accounts) == 0 {
		return ErrEmptyRequest
	}
	if len(s.Origin) > 0 && len(s.Limit) > 0 && bytes.Compare(s.Origin, s.Limit) > 0 {
		return ErrReversedRange
	}
	if s.Bytes == 0 {
		return ErrZeroByteCap
	}
	return nil
}
