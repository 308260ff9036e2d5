// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package verify_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statelabs/snapsync/message"
	"github.com/statelabs/snapsync/verify"
)

func TestFragmentsAccountGaps(t *testing.T) {
	f := verify.NewFragments(common.Hash{0x01})

	// Nothing covered: one gap spanning the whole key space.
	gaps := f.AccountGaps()
	require.Len(t, gaps, 1)
	assert.Equal(t, common.Hash{}, gaps[0].Start)
	assert.Equal(t, message.MaxHash, gaps[0].End)

	// Cover [0x00.., 0x40..]; gap is (0x40.. + 1, max].
	last := common.HexToHash("0x40")
	f.AddAccountRange(common.Hash{}, nil, last, true)
	gaps = f.AccountGaps()
	require.Len(t, gaps, 1)
	wantStart := common.HexToHash("0x41")
	assert.Equal(t, wantStart, gaps[0].Start)
	assert.Equal(t, message.MaxHash, gaps[0].End)

	// A disjoint range in the middle splits the gap in two.
	mid := common.HexToHash("0x80")
	midEnd := common.HexToHash("0x90")
	f.AddAccountRange(mid, nil, midEnd, true)
	gaps = f.AccountGaps()
	require.Len(t, gaps, 2)
	assert.Equal(t, wantStart, gaps[0].Start)
	assert.Equal(t, common.HexToHash("0x91"), gaps[1].Start)

	// Filling the first hole coalesces; a final batch with no further
	// items closes out the key space.
	f.AddAccountRange(wantStart, nil, common.HexToHash("0x7f"), true)
	f.AddAccountRange(common.HexToHash("0x91"), nil, common.HexToHash("0xa0"), false)
	assert.Empty(t, f.AccountGaps())
}

func TestFragmentsAdjacentRangesCoalesce(t *testing.T) {
	f := verify.NewFragments(common.Hash{0x01})
	f.AddAccountRange(common.Hash{}, nil, common.HexToHash("0x10"), true)
	f.AddAccountRange(common.HexToHash("0x11"), nil, common.HexToHash("0x20"), true)

	gaps := f.AccountGaps()
	require.Len(t, gaps, 1)
	assert.Equal(t, common.HexToHash("0x21"), gaps[0].Start)
}

func TestFragmentsStorageCoverage(t *testing.T) {
	f := verify.NewFragments(common.Hash{0x01})
	account := common.Hash{0xaa}
	storageRoot := common.Hash{0xbb}

	// Unknown account: fully uncovered.
	gaps := f.StorageGaps(account)
	require.Len(t, gaps, 1)
	assert.Equal(t, common.Hash{}, gaps[0].Start)

	f.AddStorageRange(account, storageRoot, common.Hash{}, common.HexToHash("0x7f"), true)
	gaps = f.StorageGaps(account)
	require.Len(t, gaps, 1)
	assert.Equal(t, common.HexToHash("0x80"), gaps[0].Start)

	root, ok := f.StorageRoot(account)
	require.True(t, ok)
	assert.Equal(t, storageRoot, root)

	f.AddStorageRange(account, storageRoot, common.HexToHash("0x80"), common.HexToHash("0xff"), false)
	assert.Empty(t, f.StorageGaps(account))
}

func TestFragmentsCodeAndNodePresence(t *testing.T) {
	f := verify.NewFragments(common.Hash{0x01})
	code := common.Hash{0x0c}
	node := common.Hash{0x0d}

	assert.False(t, f.HasCode(code))
	assert.False(t, f.HasNode(node))
	f.AddCode(code)
	f.AddNode(node)
	assert.True(t, f.HasCode(code))
	assert.True(t, f.HasNode(node))
	assert.False(t, f.HasCode(node))
}

func TestFragmentsAccumulatesAccounts(t *testing.T) {
	f := verify.NewFragments(common.Hash{0x01})
	f.AddAccountRange(common.Hash{}, map[common.Hash][]byte{
		{0x01}: {0xaa},
		{0x02}: {0xbb},
	}, common.Hash{0x02}, true)
	f.AddAccountRange(common.Hash{0x03}, map[common.Hash][]byte{
		{0x04}: {0xcc},
	}, common.Hash{0x04}, false)

	accounts := f.Accounts()
	assert.Len(t, accounts, 3)
	assert.Equal(t, []byte{0xcc}, accounts[common.Hash{0x04}])
}
