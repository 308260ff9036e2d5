// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package handlers implements the server side of the sync protocol:
// given a trie database holding complete state, it answers range,
// bytecode, trie node and state summary requests from syncing peers.
//
// Handlers never return errors for malformed or unserveable requests.
// Such requests are dropped (nil response) so a misbehaving peer cannot
// take the server down; the caller times out instead.
package handlers

import (
	"context"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/statelabs/snapsync/message"
	"github.com/statelabs/snapsync/stats"
)

const (
	// maxResponseBytes clamps the client-requested byte cap so a single
	// response never approaches the message size limit.
	maxResponseBytes = 1024 * 1024

	// maxRangeItems is a hard cap on items served in one range response
	// regardless of the byte cap.
	maxRangeItems = 1024
)

// SummaryProvider reports the most recent state snapshot this node can
// serve, if any.
type SummaryProvider interface {
	StateSummary() (number uint64, blockHash common.Hash, root common.Hash, ok bool)
}

// SyncHandler answers all sync request types from a single dispatch
// point.
type SyncHandler struct {
	trieDB  *trie.Database
	db      ethdb.Database
	summary SummaryProvider
	stats   stats.HandlerStats
}

// NewSyncHandler returns a handler serving state from [trieDB], whose
// disk database [db] holds contract code, advertising snapshots from
// [summary].
func NewSyncHandler(trieDB *trie.Database, db ethdb.Database, summary SummaryProvider, handlerStats stats.HandlerStats) *SyncHandler {
	return &SyncHandler{
		trieDB:  trieDB,
		db:      db,
		summary: summary,
		stats:   handlerStats,
	}
}

// HandleRequest decodes a type-tagged request and dispatches it. A nil
// response with nil error means the request was dropped.
func (h *SyncHandler) HandleRequest(ctx context.Context, nodeID ids.NodeID, requestBytes []byte) ([]byte, error) {
	raw, err := message.Unmarshal(requestBytes)
	if err != nil {
		log.Debug("failed to decode sync request, dropping", "nodeID", nodeID, "err", err)
		return nil, nil
	}

	switch req := raw.(type) {
	case message.AccountRangeRequest:
		return h.handleAccountRange(ctx, nodeID, req)
	case message.StorageRangesRequest:
		return h.handleStorageRanges(ctx, nodeID, req)
	case message.ByteCodesRequest:
		return h.handleByteCodes(ctx, nodeID, req)
	case message.TrieNodesRequest:
		return h.handleTrieNodes(ctx, nodeID, req)
	case message.StateSummaryRequest:
		return h.handleStateSummary(ctx, nodeID, req)
	default:
		log.Debug("unexpected sync request type, dropping", "nodeID", nodeID, "type", raw)
		return nil, nil
	}
}

// respond marshals a response, dropping the request on encoding failure.
func respond(nodeID ids.NodeID, resp interface{}) ([]byte, error) {
	responseBytes, err := message.Marshal(resp)
	if err != nil {
		log.Debug("failed to marshal sync response, dropping request", "nodeID", nodeID, "err", err)
		return nil, nil
	}
	return responseBytes, nil
}

func (h *SyncHandler) handleStateSummary(_ context.Context, nodeID ids.NodeID, req message.StateSummaryRequest) ([]byte, error) {
	number, blockHash, root, ok := h.summary.StateSummary()
	if !ok {
		log.Debug("no state summary available, dropping request", "nodeID", nodeID)
		return nil, nil
	}
	return respond(nodeID, message.StateSummaryResponse{
		ID:          req.ID,
		BlockNumber: number,
		BlockHash:   blockHash,
		Root:        root,
	})
}

// byteCap clamps a client-requested byte cap to the server maximum.
func byteCap(requested uint64) uint64 {
	if requested > maxResponseBytes {
		return maxResponseBytes
	}
	return requested
}
