// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package handlers

import (
	"bytes"
	"context"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/statelabs/snapsync/message"
	"github.com/statelabs/snapsync/verify"
)

// rangeResult is one served slice of a trie: consecutive leaves starting
// at the request origin, cut off by the byte cap, the item cap or the
// range limit.
type rangeResult struct {
	keys [][]byte
	vals [][]byte
	// more is true when the cut-off left further leaves unserved.
	more bool
}

// readRange iterates leaves of the trie rooted at [root] from [origin]
// through [limit] until one of the caps is hit. [budget] is decremented
// as leaves are consumed so multi-range responses share one byte cap.
// [owner] is the account hash for storage tries, zero for the account trie.
func (h *SyncHandler) readRange(ctx context.Context, owner, root common.Hash, origin, limit []byte, budget *uint64) (rangeResult, error) {
	tr, err := trie.New(owner, root, h.trieDB)
	if err != nil {
		return rangeResult{}, err
	}

	var result rangeResult
	it := trie.NewIterator(tr.NodeIterator(origin))
	for it.Next() {
		if len(limit) > 0 && bytes.Compare(it.Key, limit) > 0 {
			break
		}
		if ctx.Err() != nil {
			result.more = true
			break
		}
		size := uint64(len(it.Key) + len(it.Value))
		if *budget < size || len(result.keys) >= maxRangeItems {
			result.more = true
			break
		}
		*budget -= size
		result.keys = append(result.keys, common.CopyBytes(it.Key))
		result.vals = append(result.vals, common.CopyBytes(it.Value))
	}
	if it.Err != nil {
		return rangeResult{}, it.Err
	}
	return result, nil
}

// proveRange generates the edge proof for a served range: the origin key
// and, when any leaves were served, the last served key.
func (h *SyncHandler) proveRange(owner, root common.Hash, origin []byte, result rangeResult) ([][]byte, error) {
	tr, err := trie.New(owner, root, h.trieDB)
	if err != nil {
		return nil, err
	}

	proof := memorydb.New()
	if err := tr.Prove(origin, 0, proof); err != nil {
		return nil, err
	}
	if len(result.keys) > 0 {
		if err := tr.Prove(result.keys[len(result.keys)-1], 0, proof); err != nil {
			return nil, err
		}
	}

	it := proof.NewIterator(nil, nil)
	defer it.Release()
	var blobs [][]byte
	for it.Next() {
		blobs = append(blobs, common.CopyBytes(it.Value()))
	}
	return blobs, it.Error()
}

func (h *SyncHandler) handleAccountRange(ctx context.Context, nodeID ids.NodeID, req message.AccountRangeRequest) ([]byte, error) {
	startTime := time.Now()
	h.stats.IncRangeRequest()
	defer func() {
		h.stats.UpdateRangeProcessingTime(time.Since(startTime))
	}()

	if err := req.SanityCheck(); err != nil {
		log.Debug("invalid account range request, dropping", "nodeID", nodeID, "request", req, "err", err)
		h.stats.IncInvalidRangeRequest()
		return nil, nil
	}

	budget := byteCap(req.Bytes)
	result, err := h.readRange(ctx, common.Hash{}, req.Root, req.Origin.Bytes(), req.Limit.Bytes(), &budget)
	if err != nil {
		log.Debug("failed to read account range, dropping request", "nodeID", nodeID, "root", req.Root, "err", err)
		h.stats.IncMissingRoot()
		return nil, nil
	}

	proof, err := h.proveRange(common.Hash{}, req.Root, req.Origin.Bytes(), result)
	if err != nil {
		log.Debug("failed to prove account range, dropping request", "nodeID", nodeID, "root", req.Root, "err", err)
		return nil, nil
	}

	resp := message.AccountRangeResponse{ID: req.ID, Proof: proof}
	for i, key := range result.keys {
		resp.Accounts = append(resp.Accounts, message.AccountData{
			Hash: common.BytesToHash(key),
			Body: result.vals[i],
		})
	}
	h.stats.UpdateLeafsReturned(int64(len(resp.Accounts)))
	log.Debug("handled account range request", "nodeID", nodeID, "accounts", len(resp.Accounts), "more", result.more, "time", time.Since(startTime))
	return respond(nodeID, resp)
}

func (h *SyncHandler) handleStorageRanges(ctx context.Context, nodeID ids.NodeID, req message.StorageRangesRequest) ([]byte, error) {
	startTime := time.Now()
	h.stats.IncRangeRequest()
	defer func() {
		h.stats.UpdateRangeProcessingTime(time.Since(startTime))
	}()

	if err := req.SanityCheck(); err != nil {
		log.Debug("invalid storage ranges request, dropping", "nodeID", nodeID, "request", req, "err", err)
		h.stats.IncInvalidRangeRequest()
		return nil, nil
	}

	accountTrie, err := trie.New(common.Hash{}, req.Root, h.trieDB)
	if err != nil {
		log.Debug("state root not available, dropping storage request", "nodeID", nodeID, "root", req.Root, "err", err)
		h.stats.IncMissingRoot()
		return nil, nil
	}

	var (
		budget = byteCap(req.Bytes)
		resp   = message.StorageRangesResponse{ID: req.ID}
		leafs  int64
	)
	origin := req.Origin
	for _, account := range req.Accounts {
		body, err := accountTrie.TryGet(account.Bytes())
		if err != nil || len(body) == 0 {
			log.Debug("account not found for storage request, dropping", "nodeID", nodeID, "account", account)
			h.stats.IncInvalidRangeRequest()
			return nil, nil
		}
		acc, err := verify.DecodeAccount(body)
		if err != nil {
			log.Debug("undecodable account body, dropping storage request", "nodeID", nodeID, "account", account, "err", err)
			return nil, nil
		}
		if !verify.HasStorage(acc) {
			resp.Slots = append(resp.Slots, nil)
			origin = nil
			continue
		}

		result, err := h.readRange(ctx, account, acc.Root, origin, req.Limit, &budget)
		if err != nil {
			log.Debug("failed to read storage range, dropping request", "nodeID", nodeID, "account", account, "err", err)
			h.stats.IncMissingRoot()
			return nil, nil
		}

		slots := make([]message.StorageData, 0, len(result.keys))
		for i, key := range result.keys {
			slots = append(slots, message.StorageData{
				Hash: common.BytesToHash(key),
				Body: result.vals[i],
			})
		}
		resp.Slots = append(resp.Slots, slots)
		leafs += int64(len(slots))

		// Attach a proof when the served range is a partial view of the
		// storage trie. Complete tries prove themselves by hashing to
		// the account's storage root.
		if result.more || len(origin) > 0 || len(req.Limit) > 0 {
			resp.Proof, err = h.proveRange(account, acc.Root, originOrZero(origin), result)
			if err != nil {
				log.Debug("failed to prove storage range, dropping request", "nodeID", nodeID, "account", account, "err", err)
				return nil, nil
			}
			break
		}
		if budget == 0 {
			break
		}
		// The origin only applies to the first account.
		origin = nil
	}

	h.stats.UpdateLeafsReturned(leafs)
	log.Debug("handled storage ranges request", "nodeID", nodeID, "accounts", len(resp.Slots), "slots", leafs, "proof", len(resp.Proof), "time", time.Since(startTime))
	return respond(nodeID, resp)
}

// originOrZero widens an empty origin to the zero key so proofs always
// cover the left edge of the served range.
func originOrZero(origin []byte) []byte {
	if len(origin) > 0 {
		return origin
	}
	return make([]byte, common.HashLength)
}
