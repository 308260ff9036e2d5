// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// MaxCodeHashesPerRequest bounds the number of bytecodes requested at once
// so a single response stays within the message size cap.
const MaxCodeHashesPerRequest = 5

// ByteCodesRequest asks for contract bytecodes by code hash.
type ByteCodesRequest struct {
	ID     uint64        `serialize:"true"`
	Hashes []common.Hash `serialize:"true"`
	Bytes  uint64        `serialize:"true"`
}

// ByteCodesResponse returns the requested codes in request order. A peer
// may return fewer codes than requested, never more.
type ByteCodesResponse struct {
	ID    uint64   `serialize:"true"`
	Codes [][]byte `serialize:"true"`
}

func (b ByteCodesRequest) RequestID() uint64 { return b.ID }
func (b ByteCodesRequest) Kind() Kind        { return KindByteCodes }

func (b ByteCodesRequest) String() string {
	return fmt.Sprintf("ByteCodesRequest(ID=%d, Hashes=%d, Bytes=%d)", b.ID, len(b.Hashes), b.Bytes)
}

// SanityCheck validates the request invariants before it is sent.
func (b ByteCodesRequest) SanityCheck() error {
	if len(b.Hashes) == 0 {
		return ErrEmptyRequest
	}
	if b.Bytes == 0 {
		return ErrZeroByteCap
	}
	return nil
}
