// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package utils

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
)

// IncrOne increments [b] by one in place, treating it as a big-endian
// integer. Wraps to zero if every byte is 0xff.
func IncrOne(b []byte) {
	index := len(b) - 1
	for index >= 0 {
		if b[index] < 255 {
			b[index]++
			break
		} else {
			b[index] = 0
			index--
		}
	}
}

// IncrementedCopy returns a copy of [b] incremented by one.
func IncrementedCopy(b []byte) []byte {
	out := common.CopyBytes(b)
	IncrOne(out)
	return out
}

// IsMaxKey reports whether [b] is the all-0xff key, i.e. the last key
// of its length. Incrementing past it wraps, so cursors stop here.
func IsMaxKey(b []byte) bool {
	return len(b) > 0 && bytes.Equal(b, bytes.Repeat([]byte{0xff}, len(b)))
}

// MaxKey returns the all-0xff key of [length] bytes, the inclusive upper
// bound used for full-keyspace range requests.
func MaxKey(length int) []byte {
	return bytes.Repeat([]byte{0xff}, length)
}

// ZeroKey returns the all-zero key of [length] bytes.
func ZeroKey(length int) []byte {
	return make([]byte, length)
}
