// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package client turns the raw peer transport into typed, request-ID
// correlated sync calls. It performs wire-level response validation
// (correlation, key ordering, item counts) so callers can penalize
// misbehaving peers; cryptographic verification lives in the verify
// package.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/statelabs/snapsync/message"
)

var (
	// ErrUnexpectedResponse is returned when a response's correlation ID
	// or codec version does not match the request.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrNonAscendingKeys is returned when a range response carries keys
	// out of order or before the requested origin. Protocol violation.
	ErrNonAscendingKeys = errors.New("response keys not strictly ascending")

	// ErrTooManyItems is returned when a peer returns more items than
	// were requested. Protocol violation.
	ErrTooManyItems = errors.New("response contains more items than requested")
)

const defaultRequestTimeout = 10 * time.Second

// Transport is the peer-transport capability: raw send/receive against a
// connected peer. Connection lifecycle is managed elsewhere.
type Transport interface {
	SendRequest(ctx context.Context, nodeID ids.NodeID, request []byte) ([]byte, error)
}

// Client issues typed sync requests against a specific peer.
type Client interface {
	GetAccountRange(ctx context.Context, nodeID ids.NodeID, req message.AccountRangeRequest) (*message.AccountRangeResponse, error)
	GetStorageRanges(ctx context.Context, nodeID ids.NodeID, req message.StorageRangesRequest) (*message.StorageRangesResponse, error)
	GetByteCodes(ctx context.Context, nodeID ids.NodeID, req message.ByteCodesRequest) (*message.ByteCodesResponse, error)
	GetTrieNodes(ctx context.Context, nodeID ids.NodeID, req message.TrieNodesRequest) (*message.TrieNodesResponse, error)
	GetStateSummary(ctx context.Context, nodeID ids.NodeID) (*message.StateSummaryResponse, error)
}

type networkClient struct {
	transport      Transport
	requestTimeout time.Duration
}

// Option configures the client.
type Option func(*networkClient)

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *networkClient) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// NewClient returns a Client backed by [transport].
func NewClient(transport Transport, opts ...Option) Client {
	c := &networkClient{
		transport:      transport,
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// exchange marshals [req] with its type tag, sends it to [nodeID] under
// the per-request timeout and decodes the type-tagged reply.
func (c *networkClient) exchange(ctx context.Context, nodeID ids.NodeID, req interface{}) (interface{}, error) {
	requestBytes, err := message.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	responseBytes, err := c.transport.SendRequest(ctx, nodeID, requestBytes)
	if err != nil {
		return nil, err
	}

	resp, err := message.Unmarshal(responseBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return resp, nil
}

func (c *networkClient) GetAccountRange(ctx context.Context, nodeID ids.NodeID, req message.AccountRangeRequest) (*message.AccountRangeResponse, error) {
	if err := req.SanityCheck(); err != nil {
		return nil, err
	}
	req.ID = message.NextID()

	raw, err := c.exchange(ctx, nodeID, req)
	if err != nil {
		return nil, err
	}
	got, ok := raw.(message.AccountRangeResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResponse, raw)
	}
	resp := &got
	if resp.ID != req.ID {
		return nil, fmt.Errorf("%w: request ID %d, response ID %d", ErrUnexpectedResponse, req.ID, resp.ID)
	}

	// Keys must ascend strictly, starting at or after the origin.
	prev := req.Origin[:]
	first := true
	for _, account := range resp.Accounts {
		if cmp := bytes.Compare(account.Hash[:], prev); cmp < 0 || (cmp == 0 && !first) {
			return nil, fmt.Errorf("%w: account %s", ErrNonAscendingKeys, account.Hash)
		}
		// The loop variable's backing array is reused each iteration.
		prev = common.CopyBytes(account.Hash[:])
		first = false
	}
	log.Debug("got account range", "peer", nodeID, "accounts", len(resp.Accounts), "proof", len(resp.Proof))
	return resp, nil
}

func (c *networkClient) GetStorageRanges(ctx context.Context, nodeID ids.NodeID, req message.StorageRangesRequest) (*message.StorageRangesResponse, error) {
	if err := req.SanityCheck(); err != nil {
		return nil, err
	}
	req.ID = message.NextID()

	raw, err := c.exchange(ctx, nodeID, req)
	if err != nil {
		return nil, err
	}
	got, ok := raw.(message.StorageRangesResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResponse, raw)
	}
	resp := &got
	if resp.ID != req.ID {
		return nil, fmt.Errorf("%w: request ID %d, response ID %d", ErrUnexpectedResponse, req.ID, resp.ID)
	}
	if len(resp.Slots) > len(req.Accounts) {
		return nil, fmt.Errorf("%w: %d slot sets for %d accounts", ErrTooManyItems, len(resp.Slots), len(req.Accounts))
	}

	origin := req.Origin
	for i, slots := range resp.Slots {
		prev := origin
		first := true
		for _, slot := range slots {
			if len(prev) > 0 {
				if cmp := bytes.Compare(slot.Hash[:], prev); cmp < 0 || (cmp == 0 && !first) {
					return nil, fmt.Errorf("%w: slot %s of account %s", ErrNonAscendingKeys, slot.Hash, req.Accounts[i])
				}
			}
			prev = common.CopyBytes(slot.Hash[:])
			first = false
		}
		// The origin only constrains the first requested account.
		origin = nil
	}
	log.Debug("got storage ranges", "peer", nodeID, "accounts", len(resp.Slots), "proof", len(resp.Proof))
	return resp, nil
}

func (c *networkClient) GetByteCodes(ctx context.Context, nodeID ids.NodeID, req message.ByteCodesRequest) (*message.ByteCodesResponse, error) {
	if err := req.SanityCheck(); err != nil {
		return nil, err
	}
	req.ID = message.NextID()

	raw, err := c.exchange(ctx, nodeID, req)
	if err != nil {
		return nil, err
	}
	got, ok := raw.(message.ByteCodesResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResponse, raw)
	}
	resp := &got
	if resp.ID != req.ID {
		return nil, fmt.Errorf("%w: request ID %d, response ID %d", ErrUnexpectedResponse, req.ID, resp.ID)
	}
	if len(resp.Codes) > len(req.Hashes) {
		return nil, fmt.Errorf("%w: %d codes for %d hashes", ErrTooManyItems, len(resp.Codes), len(req.Hashes))
	}
	log.Debug("got bytecodes", "peer", nodeID, "codes", len(resp.Codes))
	return resp, nil
}

func (c *networkClient) GetTrieNodes(ctx context.Context, nodeID ids.NodeID, req message.TrieNodesRequest) (*message.TrieNodesResponse, error) {
	if err := req.SanityCheck(); err != nil {
		return nil, err
	}
	req.ID = message.NextID()

	raw, err := c.exchange(ctx, nodeID, req)
	if err != nil {
		return nil, err
	}
	got, ok := raw.(message.TrieNodesResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResponse, raw)
	}
	resp := &got
	if resp.ID != req.ID {
		return nil, fmt.Errorf("%w: request ID %d, response ID %d", ErrUnexpectedResponse, req.ID, resp.ID)
	}
	if len(resp.Nodes) > len(req.Hashes) {
		return nil, fmt.Errorf("%w: %d nodes for %d hashes", ErrTooManyItems, len(resp.Nodes), len(req.Hashes))
	}
	log.Debug("got trie nodes", "peer", nodeID, "nodes", len(resp.Nodes))
	return resp, nil
}

func (c *networkClient) GetStateSummary(ctx context.Context, nodeID ids.NodeID) (*message.StateSummaryResponse, error) {
	req := message.StateSummaryRequest{ID: message.NextID()}

	raw, err := c.exchange(ctx, nodeID, req)
	if err != nil {
		return nil, err
	}
	got, ok := raw.(message.StateSummaryResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResponse, raw)
	}
	resp := &got
	if resp.ID != req.ID {
		return nil, fmt.Errorf("%w: request ID %d, response ID %d", ErrUnexpectedResponse, req.ID, resp.ID)
	}
	return resp, nil
}
