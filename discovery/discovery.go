// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package discovery selects the snapshot target a sync session works
// toward. It queries every known peer for its best servable snapshot,
// filters the candidates through an age window and picks the most recent
// survivor. Peers that fail the query are penalized and skipped, never
// fatal to discovery as a whole.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/statelabs/snapsync/client"
	"github.com/statelabs/snapsync/peertracker"
)

var (
	// ErrNoPeers is returned when no peer answered the summary query.
	ErrNoPeers = errors.New("no peers responded to discovery")

	// ErrNoSuitableTarget is returned when every candidate falls outside
	// the age window. Callers treat this as "skip snap sync", not as a
	// failure.
	ErrNoSuitableTarget = errors.New("no candidate state within age window")

	// ErrInvalidTarget is returned by ValidateTarget for a candidate
	// that fails the basic sanity checks.
	ErrInvalidTarget = errors.New("invalid snapshot target")
)

// Target identifies the state being synced toward. Verified flips to
// true once the downloaded state passes root verification; no other
// field changes after discovery.
type Target struct {
	Root        common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
	Verified    bool
}

// TieBreak decides which root wins when multiple peers advertise
// different roots for the same block height.
type TieBreak uint8

const (
	// MajorityRoot picks the root advertised by the most peers at the
	// winning height, breaking remaining ties by lowest root.
	MajorityRoot TieBreak = iota

	// FirstSeen picks the first advert received at the winning height.
	FirstSeen
)

// HeaderSource reports the local chain view used to compute candidate
// ages.
type HeaderSource interface {
	// BestBlock returns the highest block number this node knows of.
	BestBlock() uint64
}

// HeaderByHashSource is an optional HeaderSource extension. When the
// local node has headers for the advertised block hash, the candidate's
// block number is cross-checked against them.
type HeaderByHashSource interface {
	HeaderByHash(hash common.Hash) (number uint64, found bool)
}

// Config bounds the candidate ages accepted by discovery. A candidate of
// block number N is acceptable when MinAgeBlocks <= best-N <= MaxAgeBlocks,
// both inclusive. Too-recent roots risk being reorganized before the
// download completes; too-old roots waste bandwidth on history that
// forward sync replays anyway.
type Config struct {
	MinAgeBlocks uint64
	MaxAgeBlocks uint64
	TieBreak     TieBreak

	// QueryTimeout bounds each per-peer summary query.
	QueryTimeout time.Duration
}

const defaultQueryTimeout = 5 * time.Second

// WithUnsetDefaults fills zero-valued optional fields.
func (c Config) WithUnsetDefaults() Config {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	return c
}

// Discoverer queries peers and selects snapshot targets.
type Discoverer struct {
	client  client.Client
	tracker *peertracker.Tracker
	headers HeaderSource
	config  Config
}

// NewDiscoverer returns a Discoverer using [c] for summary queries,
// penalizing and crediting peers through [tracker].
func NewDiscoverer(c client.Client, tracker *peertracker.Tracker, headers HeaderSource, config Config) *Discoverer {
	return &Discoverer{
		client:  c,
		tracker: tracker,
		headers: headers,
		config:  config.WithUnsetDefaults(),
	}
}

// advert is one peer's answer to the summary query.
type advert struct {
	peer        ids.NodeID
	root        common.Hash
	blockNumber uint64
	blockHash   common.Hash
}

// DiscoverTarget queries all registered peers and selects the candidate
// with the highest block number whose age falls within the configured
// window.
func (d *Discoverer) DiscoverTarget(ctx context.Context) (*Target, error) {
	peers := d.tracker.Peers()
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	var (
		lock    sync.Mutex
		adverts []advert
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, info := range peers {
		if !info.SupportsSnap {
			continue
		}
		info := info
		eg.Go(func() error {
			queryCtx, cancel := context.WithTimeout(egCtx, d.config.QueryTimeout)
			defer cancel()

			start := time.Now()
			resp, err := d.client.GetStateSummary(queryCtx, info.ID)
			if err != nil {
				log.Debug("peer failed state summary query", "peer", info.ID, "err", err)
				d.tracker.RecordFailure(info.ID)
				return nil
			}
			d.tracker.RecordSuccess(info.ID, time.Since(start), 0)
			if err := d.tracker.UpdateAdvert(info.ID, resp.Root, resp.BlockNumber); err != nil {
				return nil
			}

			lock.Lock()
			adverts = append(adverts, advert{
				peer:        info.ID,
				root:        resp.Root,
				blockNumber: resp.BlockNumber,
				blockHash:   resp.BlockHash,
			})
			lock.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if len(adverts) == 0 {
		return nil, ErrNoPeers
	}

	best := d.headers.BestBlock()
	candidates := make([]advert, 0, len(adverts))
	for _, a := range adverts {
		if a.blockNumber > best {
			// A peer claiming to be ahead of our view is age zero at
			// best, which only passes a window starting at zero.
			if d.config.MinAgeBlocks > 0 {
				continue
			}
			candidates = append(candidates, a)
			continue
		}
		age := best - a.blockNumber
		if age < d.config.MinAgeBlocks || age > d.config.MaxAgeBlocks {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		log.Info("no snapshot candidate within age window", "peers", len(adverts), "best", best,
			"minAge", d.config.MinAgeBlocks, "maxAge", d.config.MaxAgeBlocks)
		return nil, ErrNoSuitableTarget
	}

	winner := d.pick(candidates)
	target := &Target{
		Root:        winner.root,
		BlockNumber: winner.blockNumber,
		BlockHash:   winner.blockHash,
	}
	if err := ValidateTarget(target); err != nil {
		return nil, err
	}
	if hs, ok := d.headers.(HeaderByHashSource); ok && target.BlockHash != (common.Hash{}) {
		if number, found := hs.HeaderByHash(target.BlockHash); found && number != target.BlockNumber {
			return nil, fmt.Errorf("%w: advertised block %d but header %s is at %d",
				ErrInvalidTarget, target.BlockNumber, target.BlockHash, number)
		}
	}
	log.Info("selected snapshot target", "root", target.Root, "block", target.BlockNumber,
		"age", best-min(best, target.BlockNumber), "candidates", len(candidates))
	return target, nil
}

// pick selects among candidates: highest block number first, then the
// configured tie-break among equal-height adverts.
func (d *Discoverer) pick(candidates []advert) advert {
	var maxBlock uint64
	for _, c := range candidates {
		if c.blockNumber > maxBlock {
			maxBlock = c.blockNumber
		}
	}
	top := candidates[:0:0]
	for _, c := range candidates {
		if c.blockNumber == maxBlock {
			top = append(top, c)
		}
	}
	if len(top) == 1 || d.config.TieBreak == FirstSeen {
		return top[0]
	}

	// Majority vote over the advertised roots, lowest root on a split.
	votes := make(map[common.Hash]int, len(top))
	for _, c := range top {
		votes[c.root]++
	}
	winner := top[0]
	for _, c := range top[1:] {
		switch {
		case votes[c.root] > votes[winner.root]:
			winner = c
		case votes[c.root] == votes[winner.root] && bytes.Compare(c.root[:], winner.root[:]) < 0:
			winner = c
		}
	}
	return winner
}

// ValidateTarget sanity checks a candidate before it is handed to the
// orchestrator: a non-zero root and a positive block number. Full
// cryptographic validation happens during verification.
func ValidateTarget(t *Target) error {
	if t.Root == (common.Hash{}) {
		return fmt.Errorf("%w: zero state root", ErrInvalidTarget)
	}
	if t.BlockNumber == 0 {
		return fmt.Errorf("%w: zero block number", ErrInvalidTarget)
	}
	return nil
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
