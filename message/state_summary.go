// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// StateSummaryRequest asks a peer for the most recent state snapshot it
// is able to serve. Used by target discovery.
type StateSummaryRequest struct {
	ID uint64 `serialize:"true"`
}

// StateSummaryResponse advertises the peer's best servable snapshot:
// the block it was taken at and the state root it commits to.
type StateSummaryResponse struct {
	ID          uint64      `serialize:"true"`
	BlockNumber uint64      `serialize:"true"`
	BlockHash   common.Hash `serialize:"true"`
	Root        common.Hash `serialize:"true"`
}

func (s StateSummaryRequest) RequestID() uint64 { return s.ID }

func (s StateSummaryRequest) String() string {
	return fmt.Sprintf("StateSummaryRequest(ID=%d)", s.ID)
}

func (s StateSummaryResponse) String() string {
	return fmt.Sprintf("StateSummaryResponse(ID=%d, BlockNumber=%d, BlockHash=%s, Root=%s)",
		s.ID, s.BlockNumber, s.BlockHash, s.Root)
}
