// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command snapsync syncs the state of a remote peer into a local
// database. It is a diagnostic tool: one peer, one target, progress on
// stdout.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/message"
	"github.com/ava-labs/avalanchego/network/peer"
	"github.com/ava-labs/avalanchego/proto/pb/p2p"
	"github.com/ava-labs/avalanchego/snow/networking/router"
	"github.com/ava-labs/avalanchego/utils/ips"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/statelabs/snapsync/client"
	"github.com/statelabs/snapsync/discovery"
	"github.com/statelabs/snapsync/peertracker"
	"github.com/statelabs/snapsync/stage"
	"github.com/statelabs/snapsync/stats"
)

const (
	requestDeadline = 10 * time.Second
	stepInterval    = 250 * time.Millisecond
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("sync failed: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("sync complete\n")
}

// peerTransport sends sync requests to one live peer as app requests
// and hands the app response bytes back. One request at a time.
type peerTransport struct {
	lock      sync.Mutex
	p         peer.Peer
	creator   message.Creator
	chainID   ids.ID
	requestID uint32
	responses <-chan []byte
}

func newPeerTransport(ctx context.Context, peerIP ips.IPPort, networkID uint32, chainID ids.ID) (*peerTransport, error) {
	responses := make(chan []byte, 1)
	p, err := peer.StartTestPeer(
		ctx,
		peerIP,
		networkID,
		router.InboundHandlerFunc(func(_ context.Context, msg message.InboundMessage) {
			if msg.Op() != message.AppResponseOp {
				return
			}
			res, ok := msg.Message().(*p2p.AppResponse)
			if !ok || !bytes.Equal(res.ChainId, chainID[:]) {
				return
			}
			responses <- res.AppBytes
		}),
	)
	if err != nil {
		return nil, err
	}

	creator, err := message.NewCreator(prometheus.NewRegistry(), "", false, requestDeadline)
	if err != nil {
		p.StartClose()
		return nil, err
	}
	return &peerTransport{
		p:         p,
		creator:   creator,
		chainID:   chainID,
		responses: responses,
	}, nil
}

func (t *peerTransport) NodeID() ids.NodeID { return t.p.ID() }

func (t *peerTransport) SendRequest(ctx context.Context, _ ids.NodeID, request []byte) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	msg, err := t.creator.AppRequest(t.chainID, t.requestID, requestDeadline, request)
	if err != nil {
		return nil, err
	}
	t.requestID++
	if !t.p.Send(ctx, msg) {
		return nil, errors.New("failed to send app request")
	}

	select {
	case response := <-t.responses:
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *peerTransport) Close() {
	t.p.StartClose()
}

// peerHead reports the peer's advertised summary block as the best
// block, so target ages come out relative to the peer's own view.
type peerHead struct {
	block uint64
}

func (h *peerHead) BestBlock() uint64 { return h.block }

func run() error {
	ctx := context.Background()

	fs := BuildFlagSet()
	v, err := BuildViper(fs, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		return err
	}

	chainID, err := ids.FromString(v.GetString(ChainIDKey))
	if err != nil {
		return fmt.Errorf("invalid chain id: %w", err)
	}
	peerIP, err := ips.ToIPPort(v.GetString(IPPortKey))
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}

	transport, err := newPeerTransport(ctx, peerIP, v.GetUint32(NetworkIDKey), chainID)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer transport.Close()

	db, err := rawdb.NewLevelDBDatabase(v.GetString(DBDirKey), 128, 128, "", false)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	tracker := peertracker.NewTracker(peertracker.Config{})
	tracker.Register(transport.NodeID(), true)

	syncer := stage.NewSyncer(
		client.NewClient(transport, client.WithRequestTimeout(requestDeadline)),
		tracker,
		&peerHead{block: v.GetUint64(BlockKey)},
		db,
		stats.NewSyncerStats(),
		stage.Config{
			Discovery: discovery.Config{
				MinAgeBlocks: v.GetUint64(MinAgeKey),
				MaxAgeBlocks: v.GetUint64(MaxAgeKey),
			},
			LogInterval: 30 * time.Second,
		},
	)
	if root := v.GetString(RootKey); root != "" {
		err := syncer.SetTarget(&discovery.Target{
			Root:        common.HexToHash(root),
			BlockNumber: v.GetUint64(BlockKey),
		})
		if err != nil {
			return err
		}
	}

	return drive(ctx, syncer, v)
}

// drive steps the state machine until it terminates.
func drive(ctx context.Context, syncer *stage.Syncer, v *viper.Viper) error {
	checkpoint := stage.Checkpoint{BlockNumber: v.GetUint64(BlockKey)}
	for {
		result, err := syncer.Execute(ctx, checkpoint)
		if err != nil {
			return err
		}
		if result.Done {
			fmt.Printf("synced to block %d root %s\n", result.Checkpoint.BlockNumber, result.Checkpoint.Root)
			return nil
		}
		checkpoint = result.Checkpoint

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stepInterval):
		}
	}
}
