// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statelabs/snapsync/message"
	"github.com/statelabs/snapsync/peertracker"
)

// summaryClient serves canned state summaries per peer; peers without an
// entry fail the query.
type summaryClient struct {
	summaries map[ids.NodeID]message.StateSummaryResponse
}

func (c *summaryClient) GetStateSummary(_ context.Context, nodeID ids.NodeID) (*message.StateSummaryResponse, error) {
	resp, ok := c.summaries[nodeID]
	if !ok {
		return nil, errors.New("peer unavailable")
	}
	return &resp, nil
}

func (c *summaryClient) GetAccountRange(context.Context, ids.NodeID, message.AccountRangeRequest) (*message.AccountRangeResponse, error) {
	panic("not served in discovery tests")
}

func (c *summaryClient) GetStorageRanges(context.Context, ids.NodeID, message.StorageRangesRequest) (*message.StorageRangesResponse, error) {
	panic("not served in discovery tests")
}

func (c *summaryClient) GetByteCodes(context.Context, ids.NodeID, message.ByteCodesRequest) (*message.ByteCodesResponse, error) {
	panic("not served in discovery tests")
}

func (c *summaryClient) GetTrieNodes(context.Context, ids.NodeID, message.TrieNodesRequest) (*message.TrieNodesResponse, error) {
	panic("not served in discovery tests")
}

type fixedHead uint64

func (h fixedHead) BestBlock() uint64 { return uint64(h) }

func newTracker(peers ...ids.NodeID) *peertracker.Tracker {
	tracker := peertracker.NewTracker(peertracker.Config{})
	for _, id := range peers {
		tracker.Register(id, true)
	}
	return tracker
}

func TestDiscoverTargetAgeWindow(t *testing.T) {
	const best = 100_000
	fresh := ids.GenerateTestNodeID()
	inWindow := ids.GenerateTestNodeID()
	stale := ids.GenerateTestNodeID()

	c := &summaryClient{summaries: map[ids.NodeID]message.StateSummaryResponse{
		fresh:    {BlockNumber: best, Root: common.Hash{0x01}, BlockHash: common.Hash{0xa1}},
		inWindow: {BlockNumber: best - 7200, Root: common.Hash{0x02}, BlockHash: common.Hash{0xa2}},
		stale:    {BlockNumber: best - 50400, Root: common.Hash{0x03}, BlockHash: common.Hash{0xa3}},
	}}
	d := NewDiscoverer(c, newTracker(fresh, inWindow, stale), fixedHead(best), Config{
		MinAgeBlocks: 7200,
		MaxAgeBlocks: 50400,
	})

	// The 7200-old candidate wins: it is the newest inside the window,
	// with both boundaries inclusive.
	target, err := d.DiscoverTarget(context.Background())
	require.NoError(t, err)
	assert.Equal(t, common.Hash{0x02}, target.Root)
	assert.Equal(t, uint64(best-7200), target.BlockNumber)
	assert.False(t, target.Verified)
}

func TestDiscoverTargetOnlyFreshPeer(t *testing.T) {
	const best = 100_000
	fresh := ids.GenerateTestNodeID()
	c := &summaryClient{summaries: map[ids.NodeID]message.StateSummaryResponse{
		fresh: {BlockNumber: best, Root: common.Hash{0x01}},
	}}
	d := NewDiscoverer(c, newTracker(fresh), fixedHead(best), Config{
		MinAgeBlocks: 7200,
		MaxAgeBlocks: 50400,
	})

	_, err := d.DiscoverTarget(context.Background())
	assert.ErrorIs(t, err, ErrNoSuitableTarget)
}

func TestDiscoverTargetNoPeersRegistered(t *testing.T) {
	d := NewDiscoverer(&summaryClient{}, newTracker(), fixedHead(100), Config{})
	_, err := d.DiscoverTarget(context.Background())
	assert.ErrorIs(t, err, ErrNoPeers)
}

func TestDiscoverTargetAllQueriesFail(t *testing.T) {
	dead := ids.GenerateTestNodeID()
	tracker := newTracker(dead)
	d := NewDiscoverer(&summaryClient{}, tracker, fixedHead(100), Config{})

	_, err := d.DiscoverTarget(context.Background())
	assert.ErrorIs(t, err, ErrNoPeers)

	// The failed query counts against the peer.
	peers := tracker.Peers()
	require.Len(t, peers, 1)
	assert.EqualValues(t, 1, peers[0].Metrics.FailedRequests)
}

func TestDiscoverTargetPrefersHighestBlock(t *testing.T) {
	const best = 10_000
	older := ids.GenerateTestNodeID()
	newer := ids.GenerateTestNodeID()
	c := &summaryClient{summaries: map[ids.NodeID]message.StateSummaryResponse{
		older: {BlockNumber: best - 500, Root: common.Hash{0x01}},
		newer: {BlockNumber: best - 100, Root: common.Hash{0x02}},
	}}
	d := NewDiscoverer(c, newTracker(older, newer), fixedHead(best), Config{
		MinAgeBlocks: 0,
		MaxAgeBlocks: 1000,
	})

	target, err := d.DiscoverTarget(context.Background())
	require.NoError(t, err)
	assert.Equal(t, common.Hash{0x02}, target.Root)
}

func TestDiscoverTargetMajorityRootTieBreak(t *testing.T) {
	const best = 10_000
	a := ids.GenerateTestNodeID()
	b := ids.GenerateTestNodeID()
	c := ids.GenerateTestNodeID()
	majority := common.Hash{0x22}

	cl := &summaryClient{summaries: map[ids.NodeID]message.StateSummaryResponse{
		a: {BlockNumber: best - 100, Root: common.Hash{0x11}},
		b: {BlockNumber: best - 100, Root: majority},
		c: {BlockNumber: best - 100, Root: majority},
	}}
	d := NewDiscoverer(cl, newTracker(a, b, c), fixedHead(best), Config{
		MaxAgeBlocks: 1000,
	})

	target, err := d.DiscoverTarget(context.Background())
	require.NoError(t, err)
	assert.Equal(t, majority, target.Root)
}

func TestValidateTarget(t *testing.T) {
	assert.NoError(t, ValidateTarget(&Target{Root: common.Hash{0x01}, BlockNumber: 5}))
	assert.ErrorIs(t, ValidateTarget(&Target{BlockNumber: 5}), ErrInvalidTarget)
	assert.ErrorIs(t, ValidateTarget(&Target{Root: common.Hash{0x01}}), ErrInvalidTarget)
}

// crossCheckHead knows a subset of headers by hash.
type crossCheckHead struct {
	best    uint64
	headers map[common.Hash]uint64
}

func (h *crossCheckHead) BestBlock() uint64 { return h.best }

func (h *crossCheckHead) HeaderByHash(hash common.Hash) (uint64, bool) {
	number, ok := h.headers[hash]
	return number, ok
}

func TestDiscoverTargetHeaderCrossCheck(t *testing.T) {
	const best = 100_000
	peer := ids.GenerateTestNodeID()
	blockHash := common.Hash{0xa9}

	c := &summaryClient{summaries: map[ids.NodeID]message.StateSummaryResponse{
		peer: {BlockNumber: best - 8000, Root: common.Hash{0x09}, BlockHash: blockHash},
	}}
	config := Config{MinAgeBlocks: 7200, MaxAgeBlocks: 50400}

	// Advertised number disagrees with the locally known header.
	lying := &crossCheckHead{best: best, headers: map[common.Hash]uint64{blockHash: best - 9000}}
	_, err := NewDiscoverer(c, newTracker(peer), lying, config).DiscoverTarget(context.Background())
	require.ErrorIs(t, err, ErrInvalidTarget)

	// Matching header passes; an unknown hash is not an error.
	honest := &crossCheckHead{best: best, headers: map[common.Hash]uint64{blockHash: best - 8000}}
	target, err := NewDiscoverer(c, newTracker(peer), honest, config).DiscoverTarget(context.Background())
	require.NoError(t, err)
	assert.Equal(t, common.Hash{0x09}, target.Root)
}
