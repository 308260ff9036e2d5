// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statelabs/snapsync/client"
	"github.com/statelabs/snapsync/discovery"
	"github.com/statelabs/snapsync/downloader"
	"github.com/statelabs/snapsync/handlers"
	"github.com/statelabs/snapsync/peertracker"
	"github.com/statelabs/snapsync/stats"
	"github.com/statelabs/snapsync/statedb"
	"github.com/statelabs/snapsync/synctest"
	"github.com/statelabs/snapsync/verify"
)

const (
	bestBlock    = uint64(1000)
	summaryBlock = uint64(900)
)

type serverSummary struct {
	block uint64
	root  common.Hash
}

func (s serverSummary) StateSummary() (uint64, common.Hash, common.Hash, bool) {
	return s.block, common.Hash{0x0b}, s.root, true
}

type fixedHead uint64

func (f fixedHead) BestBlock() uint64 { return uint64(f) }

type handlerTransport struct {
	handler *handlers.SyncHandler
}

func (h *handlerTransport) SendRequest(ctx context.Context, nodeID ids.NodeID, request []byte) ([]byte, error) {
	resp, err := h.handler.HandleRequest(ctx, nodeID, request)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("request dropped")
	}
	return resp, nil
}

type stageEnv struct {
	clientDB ethdb.Database
	root     common.Hash
	syncer   *Syncer
}

func newStageEnv(t *testing.T, numAccounts, numPeers int) *stageEnv {
	serverDB := rawdb.NewMemoryDatabase()
	serverTrieDB := trie.NewDatabase(serverDB)
	root, _ := synctest.FillAccountsWithStorage(t, serverTrieDB, common.Hash{}, numAccounts)

	tracker := peertracker.NewTracker(peertracker.Config{})
	for i := 0; i < numPeers; i++ {
		tracker.Register(ids.GenerateTestNodeID(), true)
	}

	transport := &handlerTransport{
		handler: handlers.NewSyncHandler(serverTrieDB, serverDB,
			serverSummary{block: summaryBlock, root: root}, stats.NewNoOpHandlerStats()),
	}
	clientDB := rawdb.NewMemoryDatabase()
	syncer := NewSyncer(
		client.NewClient(transport, client.WithRequestTimeout(time.Second)),
		tracker,
		fixedHead(bestBlock),
		clientDB,
		stats.NewNoOpSyncerStats(),
		Config{
			Discovery: discovery.Config{
				MinAgeBlocks: 10,
				MaxAgeBlocks: 500,
				QueryTimeout: time.Second,
			},
			Download: downloader.Config{
				MaxRetries:    3,
				RequestBytes:  8 * 1024,
				NoPeerBackoff: time.Millisecond,
			},
			LogInterval: time.Hour,
		},
	)
	return &stageEnv{clientDB: clientDB, root: root, syncer: syncer}
}

// stepUntil drives the machine until it reaches [want] or a step limit.
func stepUntil(t *testing.T, s *Syncer, want State) {
	for i := 0; i < 500; i++ {
		require.NoError(t, s.Step(context.Background()), "state %s", s.State())
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never reached state %s, stuck in %s", want, s.State())
}

func TestSyncerRunsToComplete(t *testing.T) {
	env := newStageEnv(t, 90, 3)
	s := env.syncer

	require.Equal(t, Idle, s.State())
	require.NoError(t, s.Step(context.Background()))
	require.Equal(t, SelectingTarget, s.State())
	require.NoError(t, s.Step(context.Background()))
	require.Equal(t, Downloading, s.State())

	stepUntil(t, s, Complete)
	require.NoError(t, s.Err())
	require.NotNil(t, s.Target())
	assert.Equal(t, env.root, s.Target().Root)
	assert.Equal(t, summaryBlock, s.Target().BlockNumber)
	require.NoError(t, verify.VerifyStateRoot(env.clientDB, env.root))

	// Complete is stable.
	require.NoError(t, s.Step(context.Background()))
	assert.Equal(t, Complete, s.State())
}

func TestExecuteReportsCheckpoint(t *testing.T) {
	env := newStageEnv(t, 60, 2)

	start := Checkpoint{BlockNumber: 42}
	var result Result
	var err error
	for i := 0; i < 500; i++ {
		result, err = env.syncer.Execute(context.Background(), start)
		require.NoError(t, err)
		if result.Done {
			break
		}
		assert.Equal(t, start, result.Checkpoint)
		time.Sleep(time.Millisecond)
	}
	require.True(t, result.Done)
	assert.Equal(t, summaryBlock, result.Checkpoint.BlockNumber)
	assert.Equal(t, env.root, result.Checkpoint.Root)
}

func TestSkipsWhenNoPeers(t *testing.T) {
	env := newStageEnv(t, 10, 0)
	s := env.syncer

	require.NoError(t, s.Step(context.Background()))
	require.NoError(t, s.Step(context.Background()))
	assert.Equal(t, Complete, s.State())
	assert.NoError(t, s.Err())
	assert.Nil(t, s.Target())
}

func TestSkipsWhenTargetTooFresh(t *testing.T) {
	env := newStageEnv(t, 10, 2)
	// The advertised summary is 100 blocks old but the window demands
	// at least 200.
	env.syncer.config.Discovery.MinAgeBlocks = 200
	s := env.syncer

	require.NoError(t, s.Step(context.Background()))
	require.NoError(t, s.Step(context.Background()))
	assert.Equal(t, Complete, s.State())
	assert.NoError(t, s.Err())
}

func TestDownloadFailureIsTerminalFailed(t *testing.T) {
	env := newStageEnv(t, 30, 2)
	s := env.syncer

	// Pin a root no peer can serve; every range request is dropped.
	require.NoError(t, s.SetTarget(&discovery.Target{
		Root:        common.Hash{0xde, 0xad},
		BlockNumber: summaryBlock,
	}))
	require.Equal(t, Downloading, s.State())

	var fatal error
	for i := 0; i < 500; i++ {
		fatal = s.Step(context.Background())
		if fatal != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.ErrorIs(t, fatal, ErrSyncFailed)
	assert.Equal(t, Failed, s.State())
	assert.NotEqual(t, Complete, s.State())

	// Failed is terminal and keeps surfacing the error.
	require.ErrorIs(t, s.Step(context.Background()), ErrSyncFailed)
}

func TestHealingLoopRepairsDamage(t *testing.T) {
	env := newStageEnv(t, 90, 2)
	s := env.syncer

	stepUntil(t, s, Verifying)

	// Damage the persisted state between download and verification.
	var codeHash common.Hash
	it := statedb.NewAccountIterator(env.clientDB, nil)
	for it.Next() {
		acc, err := verify.DecodeAccount(it.Value())
		require.NoError(t, err)
		if verify.HasCode(acc) {
			codeHash = common.BytesToHash(acc.CodeHash)
			break
		}
	}
	it.Release()
	require.NotEqual(t, common.Hash{}, codeHash)
	require.NoError(t, env.clientDB.Delete(append([]byte("c"), codeHash.Bytes()...)))

	require.NoError(t, s.Step(context.Background()))
	require.Equal(t, Healing, s.State())

	stepUntil(t, s, Complete)
	assert.True(t, statedb.HasCode(env.clientDB, codeHash))
	require.NoError(t, verify.VerifyStateRoot(env.clientDB, env.root))
}

func TestUnwindResetsToIdle(t *testing.T) {
	env := newStageEnv(t, 90, 2)
	s := env.syncer

	stepUntil(t, s, Downloading)
	require.NoError(t, s.Step(context.Background()))

	checkpoint, err := s.Unwind(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), checkpoint.BlockNumber)
	assert.Equal(t, Idle, s.State())
	assert.Nil(t, s.Target())

	// The machine re-arms and a fresh session completes.
	stepUntil(t, s, Complete)
	require.NoError(t, verify.VerifyStateRoot(env.clientDB, env.root))
}

func TestSetTargetRejectedMidSession(t *testing.T) {
	env := newStageEnv(t, 30, 2)
	s := env.syncer

	stepUntil(t, s, Downloading)
	err := s.SetTarget(&discovery.Target{Root: env.root, BlockNumber: summaryBlock})
	require.Error(t, err)
}
