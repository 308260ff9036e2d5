// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
)

// MaxHash is the inclusive upper bound of the 32-byte keyspace, used as
// the limit of full-range requests.
var MaxHash = common.BytesToHash(bytes.Repeat([]byte{0xff}, common.HashLength))

// Kind tags the four flavors of range request so that the downloader can
// run a single pagination/retry code path parameterized by category.
type Kind uint8

const (
	KindAccounts Kind = iota
	KindStorage
	KindByteCodes
	KindTrieNodes
)

func (k Kind) String() string {
	switch k {
	case KindAccounts:
		return "accounts"
	case KindStorage:
		return "storage"
	case KindByteCodes:
		return "bytecodes"
	case KindTrieNodes:
		return "trienodes"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Request is implemented by every request message. Requests are correlated
// to responses by ID, assigned from a process-wide monotonic counter.
type Request interface {
	fmt.Stringer

	// RequestID returns the correlation ID carried by this request.
	RequestID() uint64

	// Kind returns the data category this request belongs to.
	Kind() Kind
}

var nextRequestID uint64

// NextID returns a monotonically increasing request ID. Safe for
// concurrent use.
func NextID() uint64 {
	return atomic.AddUint64(&nextRequestID, 1)
}
