// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package handlers

import (
	"context"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ethereum/go-ethereum/log"

	"github.com/statelabs/snapsync/message"
	"github.com/statelabs/snapsync/statedb"
)

func (h *SyncHandler) handleByteCodes(ctx context.Context, nodeID ids.NodeID, req message.ByteCodesRequest) ([]byte, error) {
	startTime := time.Now()
	h.stats.IncCodeRequest()

	if err := req.SanityCheck(); err != nil || len(req.Hashes) > message.MaxCodeHashesPerRequest {
		log.Debug("invalid bytecodes request, dropping", "nodeID", nodeID, "request", req, "err", err)
		return nil, nil
	}

	var (
		budget = byteCap(req.Bytes)
		resp   = message.ByteCodesResponse{ID: req.ID}
	)
	for _, hash := range req.Hashes {
		if ctx.Err() != nil {
			break
		}
		code := statedb.ReadCode(h.db, hash)
		if code == nil {
			h.stats.IncMissingCode()
			break
		}
		if uint64(len(code)) > budget {
			break
		}
		budget -= uint64(len(code))
		resp.Codes = append(resp.Codes, code)
	}

	log.Debug("handled bytecodes request", "nodeID", nodeID, "requested", len(req.Hashes), "returned", len(resp.Codes), "time", time.Since(startTime))
	return respond(nodeID, resp)
}

func (h *SyncHandler) handleTrieNodes(ctx context.Context, nodeID ids.NodeID, req message.TrieNodesRequest) ([]byte, error) {
	startTime := time.Now()
	h.stats.IncNodeRequest()

	if err := req.SanityCheck(); err != nil || len(req.Hashes) > message.MaxTrieNodesPerRequest {
		log.Debug("invalid trie nodes request, dropping", "nodeID", nodeID, "request", req, "err", err)
		return nil, nil
	}

	var (
		budget = byteCap(req.Bytes)
		resp   = message.TrieNodesResponse{ID: req.ID}
	)
	for _, hash := range req.Hashes {
		if ctx.Err() != nil {
			break
		}
		node, err := h.trieDB.Node(hash)
		if err != nil || len(node) == 0 {
			h.stats.IncMissingNode()
			break
		}
		if uint64(len(node)) > budget {
			break
		}
		budget -= uint64(len(node))
		resp.Nodes = append(resp.Nodes, node)
	}

	log.Debug("handled trie nodes request", "nodeID", nodeID, "requested", len(req.Hashes), "returned", len(resp.Nodes), "time", time.Since(startTime))
	return respond(nodeID, resp)
}
