// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"context"
	"errors"
	"testing"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/statelabs/snapsync/message"
)

// scriptedTransport replies to each request by rewriting the canned
// response with the request's correlation ID (unless fixedID is set, to
// exercise mismatch handling).
type scriptedTransport struct {
	respond func(request []byte) (interface{}, error)
}

func (s *scriptedTransport) SendRequest(_ context.Context, _ ids.NodeID, request []byte) ([]byte, error) {
	resp, err := s.respond(request)
	if err != nil {
		return nil, err
	}
	return message.Marshal(resp)
}

func accountRangeTransport(t *testing.T, build func(req message.AccountRangeRequest) message.AccountRangeResponse) Transport {
	return &scriptedTransport{
		respond: func(request []byte) (interface{}, error) {
			raw, err := message.Unmarshal(request)
			require.NoError(t, err)
			req, ok := raw.(message.AccountRangeRequest)
			require.True(t, ok)
			return build(req), nil
		},
	}
}

func validAccountRequest() message.AccountRangeRequest {
	return message.AccountRangeRequest{
		Root:  common.HexToHash("0x01"),
		Limit: message.MaxHash,
		Bytes: 1024,
	}
}

func TestGetAccountRangeCorrelatesID(t *testing.T) {
	transport := accountRangeTransport(t, func(req message.AccountRangeRequest) message.AccountRangeResponse {
		return message.AccountRangeResponse{
			ID: req.ID,
			Accounts: []message.AccountData{
				{Hash: common.HexToHash("0x02"), Body: []byte("x")},
			},
			Proof: [][]byte{[]byte("proof")},
		}
	})
	c := NewClient(transport)

	resp, err := c.GetAccountRange(context.Background(), ids.GenerateTestNodeID(), validAccountRequest())
	require.NoError(t, err)
	require.Len(t, resp.Accounts, 1)
}

func TestGetAccountRangeAcceptsAscendingKeys(t *testing.T) {
	transport := accountRangeTransport(t, func(req message.AccountRangeRequest) message.AccountRangeResponse {
		return message.AccountRangeResponse{
			ID: req.ID,
			Accounts: []message.AccountData{
				{Hash: common.HexToHash("0x02"), Body: []byte("x")},
				{Hash: common.HexToHash("0x03"), Body: []byte("y")},
				{Hash: common.HexToHash("0x04"), Body: []byte("z")},
			},
			Proof: [][]byte{[]byte("proof")},
		}
	})
	c := NewClient(transport)

	resp, err := c.GetAccountRange(context.Background(), ids.GenerateTestNodeID(), validAccountRequest())
	require.NoError(t, err)
	require.Len(t, resp.Accounts, 3)
	require.Equal(t, common.HexToHash("0x04"), resp.Accounts[2].Hash)
}

func TestGetAccountRangeRejectsWrongID(t *testing.T) {
	transport := accountRangeTransport(t, func(req message.AccountRangeRequest) message.AccountRangeResponse {
		return message.AccountRangeResponse{ID: req.ID + 1}
	})
	c := NewClient(transport)

	_, err := c.GetAccountRange(context.Background(), ids.GenerateTestNodeID(), validAccountRequest())
	require.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestGetAccountRangeRejectsNonAscendingKeys(t *testing.T) {
	testCases := map[string][]message.AccountData{
		"descending": {
			{Hash: common.HexToHash("0x03")},
			{Hash: common.HexToHash("0x02")},
		},
		"duplicate": {
			{Hash: common.HexToHash("0x02")},
			{Hash: common.HexToHash("0x02")},
		},
	}
	for name, accounts := range testCases {
		t.Run(name, func(t *testing.T) {
			accounts := accounts
			transport := accountRangeTransport(t, func(req message.AccountRangeRequest) message.AccountRangeResponse {
				return message.AccountRangeResponse{ID: req.ID, Accounts: accounts}
			})
			c := NewClient(transport)

			_, err := c.GetAccountRange(context.Background(), ids.GenerateTestNodeID(), validAccountRequest())
			require.ErrorIs(t, err, ErrNonAscendingKeys)
		})
	}
}

func TestGetAccountRangeRejectsKeysBeforeOrigin(t *testing.T) {
	transport := accountRangeTransport(t, func(req message.AccountRangeRequest) message.AccountRangeResponse {
		return message.AccountRangeResponse{
			ID:       req.ID,
			Accounts: []message.AccountData{{Hash: common.HexToHash("0x01")}},
		}
	})
	c := NewClient(transport)

	req := validAccountRequest()
	req.Origin = common.HexToHash("0x05")
	_, err := c.GetAccountRange(context.Background(), ids.GenerateTestNodeID(), req)
	require.ErrorIs(t, err, ErrNonAscendingKeys)
}

func TestGetByteCodesRejectsOverCount(t *testing.T) {
	transport := &scriptedTransport{
		respond: func(request []byte) (interface{}, error) {
			raw, err := message.Unmarshal(request)
			if err != nil {
				return nil, err
			}
			req := raw.(message.ByteCodesRequest)
			return message.ByteCodesResponse{
				ID:    req.ID,
				Codes: [][]byte{[]byte("a"), []byte("b")},
			}, nil
		},
	}
	c := NewClient(transport)

	_, err := c.GetByteCodes(context.Background(), ids.GenerateTestNodeID(), message.ByteCodesRequest{
		Hashes: []common.Hash{common.HexToHash("0x01")},
		Bytes:  1024,
	})
	require.ErrorIs(t, err, ErrTooManyItems)
}

func TestTransportErrorPropagates(t *testing.T) {
	wantErr := errors.New("peer disconnected")
	transport := &scriptedTransport{
		respond: func([]byte) (interface{}, error) { return nil, wantErr },
	}
	c := NewClient(transport)

	_, err := c.GetAccountRange(context.Background(), ids.GenerateTestNodeID(), validAccountRequest())
	require.ErrorIs(t, err, wantErr)
}

func TestGetStorageRangesRejectsNonAscendingSlots(t *testing.T) {
	transport := &scriptedTransport{
		respond: func(request []byte) (interface{}, error) {
			raw, err := message.Unmarshal(request)
			if err != nil {
				return nil, err
			}
			req := raw.(message.StorageRangesRequest)
			return message.StorageRangesResponse{
				ID: req.ID,
				Slots: [][]message.StorageData{{
					{Hash: common.HexToHash("0x03")},
					{Hash: common.HexToHash("0x01")},
				}},
			}, nil
		},
	}
	c := NewClient(transport)

	_, err := c.GetStorageRanges(context.Background(), ids.GenerateTestNodeID(), message.StorageRangesRequest{
		Root:     common.HexToHash("0x01"),
		Accounts: []common.Hash{common.HexToHash("0xaa")},
		Bytes:    1024,
	})
	require.ErrorIs(t, err, ErrNonAscendingKeys)
}

func TestGetStorageRangesAcceptsAscendingSlots(t *testing.T) {
	transport := &scriptedTransport{
		respond: func(request []byte) (interface{}, error) {
			raw, err := message.Unmarshal(request)
			if err != nil {
				return nil, err
			}
			req := raw.(message.StorageRangesRequest)
			return message.StorageRangesResponse{
				ID: req.ID,
				Slots: [][]message.StorageData{
					{
						{Hash: common.HexToHash("0x01"), Body: []byte("a")},
						{Hash: common.HexToHash("0x02"), Body: []byte("b")},
						{Hash: common.HexToHash("0x03"), Body: []byte("c")},
					},
					{
						{Hash: common.HexToHash("0x01"), Body: []byte("d")},
						{Hash: common.HexToHash("0x05"), Body: []byte("e")},
					},
				},
			}, nil
		},
	}
	c := NewClient(transport)

	resp, err := c.GetStorageRanges(context.Background(), ids.GenerateTestNodeID(), message.StorageRangesRequest{
		Root:     common.HexToHash("0x01"),
		Accounts: []common.Hash{common.HexToHash("0xaa"), common.HexToHash("0xbb")},
		Bytes:    1024,
	})
	require.NoError(t, err)
	require.Len(t, resp.Slots, 2)
	require.Len(t, resp.Slots[0], 3)
	require.Len(t, resp.Slots[1], 2)
}
