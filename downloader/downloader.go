// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package downloader pulls the state identified by a snapshot target
// from the network: paginated account ranges, per-account storage
// ranges, contract code and trie nodes. Every batch is verified before
// it is persisted; failed requests are retried against different peers
// up to a bounded attempt count.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/statelabs/snapsync/client"
	"github.com/statelabs/snapsync/message"
	"github.com/statelabs/snapsync/peertracker"
	"github.com/statelabs/snapsync/stats"
	"github.com/statelabs/snapsync/statedb"
	"github.com/statelabs/snapsync/utils"
	"github.com/statelabs/snapsync/verify"
)

var (
	// ErrRetriesExhausted is returned when a request failed against the
	// maximum number of peers. Fatal to the sync session.
	ErrRetriesExhausted = errors.New("request retries exhausted")

	// ErrBadResponse marks a response that failed verification. The
	// sending peer is penalized and the request retried elsewhere.
	ErrBadResponse = errors.New("response failed verification")
)

const (
	defaultMaxRetries         = 8
	defaultRequestBytes       = 512 * 1024
	defaultMaxConcurrency     = 4
	defaultNoPeerBackoff      = 500 * time.Millisecond
	maxStorageTasksPerRequest = 8
)

// Config bounds the downloader's resource usage.
type Config struct {
	// MaxRetries is the number of times one request may fail, across
	// peers, before the session fails fatally.
	MaxRetries int

	// RequestBytes is the per-request response byte cap, forcing
	// server-side pagination.
	RequestBytes uint64

	// MaxConcurrentRequests caps outstanding requests across peers.
	MaxConcurrentRequests int

	// NoPeerBackoff is how long to wait before reattempting selection
	// when no peer is currently eligible.
	NoPeerBackoff time.Duration
}

// WithUnsetDefaults fills zero-valued fields.
func (c Config) WithUnsetDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RequestBytes == 0 {
		c.RequestBytes = defaultRequestBytes
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = defaultMaxConcurrency
	}
	if c.NoPeerBackoff == 0 {
		c.NoPeerBackoff = defaultNoPeerBackoff
	}
	return c
}

// Counters tracks per-category download progress. All fields are updated
// atomically from concurrent request completions.
type Counters struct {
	Accounts uint64
	Slots    uint64
	Codes    uint64
	Nodes    uint64
	Bytes    uint64
}

// Downloader drives verified bulk state transfer for one snapshot root.
type Downloader struct {
	client  client.Client
	tracker *peertracker.Tracker
	writer  statedb.Writer
	frags   *verify.Fragments
	stats   stats.SyncerStats
	config  Config

	root common.Hash

	cursorLock sync.Mutex
	cursor     common.Hash

	accounts uint64
	slots    uint64
	codes    uint64
	nodes    uint64
	bytes    uint64
}

// New returns a Downloader for the state rooted at [root], persisting
// verified data through [writer] and recording coverage in [frags].
func New(
	c client.Client,
	tracker *peertracker.Tracker,
	writer statedb.Writer,
	frags *verify.Fragments,
	syncerStats stats.SyncerStats,
	root common.Hash,
	config Config,
) *Downloader {
	return &Downloader{
		client:  c,
		tracker: tracker,
		writer:  writer,
		frags:   frags,
		stats:   syncerStats,
		config:  config.WithUnsetDefaults(),
		root:    root,
	}
}

// Progress returns a snapshot of the per-category counters.
func (d *Downloader) Progress() Counters {
	return Counters{
		Accounts: atomic.LoadUint64(&d.accounts),
		Slots:    atomic.LoadUint64(&d.slots),
		Codes:    atomic.LoadUint64(&d.codes),
		Nodes:    atomic.LoadUint64(&d.nodes),
		Bytes:    atomic.LoadUint64(&d.bytes),
	}
}

// Fragments returns the coverage ledger the downloader records into.
func (d *Downloader) Fragments() *verify.Fragments { return d.frags }

// FlushWriter commits buffered writes so readers see synced data.
func (d *Downloader) FlushWriter() error { return d.writer.Flush() }

// do runs one request attempt loop: select a peer, issue the request,
// credit or penalize the peer, and retry against a different peer on
// failure, up to the configured bound. [fn] returns the payload size of
// a successful response.
func (d *Downloader) do(ctx context.Context, what string, fn func(ctx context.Context, peer ids.NodeID) (uint64, error)) error {
	var lastErr error
	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		peer, ok := d.tracker.SelectPeer()
		if !ok {
			log.Debug("no eligible peer, backing off", "request", what, "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.config.NoPeerBackoff):
			}
			continue
		}

		d.stats.IncRequestsSent()
		start := time.Now()
		size, err := fn(ctx, peer)
		latency := time.Since(start)
		if err == nil {
			d.tracker.RecordSuccess(peer, latency, size)
			d.stats.UpdateRequestLatency(latency)
			d.stats.UpdateBytesReceived(int64(size))
			atomic.AddUint64(&d.bytes, size)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		d.tracker.RecordFailure(peer)
		d.stats.IncRequestsFailed()
		lastErr = err
		if attempt < d.config.MaxRetries {
			d.stats.IncRequestsRetried()
		}
		// Escalate log severity as the attempt budget runs out.
		if attempt >= d.config.MaxRetries/2 {
			log.Warn("request failed, retrying on another peer", "request", what, "peer", peer, "attempt", attempt, "err", err)
		} else {
			log.Debug("request failed, retrying on another peer", "request", what, "peer", peer, "attempt", attempt, "err", err)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrRetriesExhausted, what, lastErr)
}

// SyncAccounts downloads and persists the account range [from, to],
// both inclusive, advancing the cursor one key past the last verified
// account of each response. [onContract] is invoked for every account
// that references code or storage, letting the caller schedule the
// dependent downloads.
func (d *Downloader) SyncAccounts(ctx context.Context, from, to common.Hash, onContract func(hash common.Hash, acc types.StateAccount)) error {
	cursor := from
	for {
		var (
			last common.Hash
			more bool
			done bool
		)
		err := d.do(ctx, "account range", func(ctx context.Context, peer ids.NodeID) (uint64, error) {
			resp, err := d.client.GetAccountRange(ctx, peer, message.AccountRangeRequest{
				Root:   d.root,
				Origin: cursor,
				Limit:  to,
				Bytes:  d.config.RequestBytes,
			})
			if err != nil {
				return 0, err
			}
			if len(resp.Accounts) == 0 {
				// Nothing at or after the cursor: terminal for this
				// span. A lying peer is caught by the final root check.
				d.frags.AddAccountRange(cursor, nil, to, true)
				done = true
				return 0, nil
			}

			result, err := verify.VerifyAccountRange(resp, d.root, cursor)
			if err != nil {
				d.stats.IncProofsRejected()
				return 0, fmt.Errorf("%w: %v", ErrBadResponse, err)
			}
			d.stats.IncProofsVerified()

			size, err := d.commitAccounts(resp, cursor, result.More, onContract)
			if err != nil {
				return 0, err
			}
			d.stats.UpdateItemsReceived(int64(result.Accounts))
			last = resp.Accounts[len(resp.Accounts)-1].Hash
			more = result.More
			return size, nil
		})
		if err != nil {
			return err
		}
		if done || !more {
			return nil
		}
		if utils.IsMaxKey(last.Bytes()) || last == to {
			return nil
		}
		cursor = common.BytesToHash(utils.IncrementedCopy(last.Bytes()))
		d.setCursor(cursor)
	}
}

func (d *Downloader) setCursor(cursor common.Hash) {
	d.cursorLock.Lock()
	defer d.cursorLock.Unlock()
	d.cursor = cursor
}

// Cursor returns the account pagination position, for progress
// estimation over the key space.
func (d *Downloader) Cursor() common.Hash {
	d.cursorLock.Lock()
	defer d.cursorLock.Unlock()
	return d.cursor
}

// commitAccounts persists one verified account batch and records its
// coverage.
func (d *Downloader) commitAccounts(resp *message.AccountRangeResponse, origin common.Hash, more bool, onContract func(common.Hash, types.StateAccount)) (uint64, error) {
	var (
		size      uint64
		delivered = make(map[common.Hash][]byte, len(resp.Accounts))
	)
	for _, account := range resp.Accounts {
		if err := d.writer.WriteAccount(account.Hash, account.Body); err != nil {
			return 0, err
		}
		delivered[account.Hash] = account.Body
		size += uint64(common.HashLength + len(account.Body))

		acc, err := verify.DecodeAccount(account.Body)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
		if onContract != nil && (verify.HasCode(acc) || verify.HasStorage(acc)) {
			onContract(account.Hash, acc)
		}
	}
	last := resp.Accounts[len(resp.Accounts)-1].Hash
	d.frags.AddAccountRange(origin, delivered, last, more)
	atomic.AddUint64(&d.accounts, uint64(len(resp.Accounts)))
	return size, nil
}

// FetchCodes downloads and persists the given bytecodes, chunked to the
// per-request cap. Peers may answer with a prefix; the remainder is
// re-requested.
func (d *Downloader) FetchCodes(ctx context.Context, hashes []common.Hash) error {
	pending := hashes
	for len(pending) > 0 {
		chunk := pending
		if len(chunk) > message.MaxCodeHashesPerRequest {
			chunk = chunk[:message.MaxCodeHashesPerRequest]
		}

		var served int
		err := d.do(ctx, "bytecodes", func(ctx context.Context, peer ids.NodeID) (uint64, error) {
			resp, err := d.client.GetByteCodes(ctx, peer, message.ByteCodesRequest{
				Hashes: chunk,
				Bytes:  d.config.RequestBytes,
			})
			if err != nil {
				return 0, err
			}
			result, err := verify.VerifyByteCodes(chunk, resp.Codes)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrBadResponse, err)
			}

			var size uint64
			for i, code := range resp.Codes {
				if err := d.writer.WriteCode(chunk[i], code); err != nil {
					return 0, err
				}
				d.frags.AddCode(chunk[i])
				size += uint64(len(code))
			}
			d.stats.UpdateItemsReceived(int64(result.Codes))
			atomic.AddUint64(&d.codes, uint64(result.Codes))
			served = result.Codes
			return size, nil
		})
		if err != nil {
			return err
		}
		pending = pending[served:]
	}
	return nil
}

// FetchNodes downloads and persists the given trie nodes of the state
// rooted at [root], chunked to the per-request cap.
func (d *Downloader) FetchNodes(ctx context.Context, hashes []common.Hash) error {
	pending := hashes
	for len(pending) > 0 {
		chunk := pending
		if len(chunk) > message.MaxTrieNodesPerRequest {
			chunk = chunk[:message.MaxTrieNodesPerRequest]
		}

		var served int
		err := d.do(ctx, "trie nodes", func(ctx context.Context, peer ids.NodeID) (uint64, error) {
			resp, err := d.client.GetTrieNodes(ctx, peer, message.TrieNodesRequest{
				Root:   d.root,
				Hashes: chunk,
				Bytes:  d.config.RequestBytes,
			})
			if err != nil {
				return 0, err
			}
			result, err := verify.VerifyTrieNodes(chunk, resp.Nodes)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrBadResponse, err)
			}

			var size uint64
			for i, node := range resp.Nodes {
				if err := d.writer.WriteTrieNode(chunk[i], node); err != nil {
					return 0, err
				}
				d.frags.AddNode(chunk[i])
				size += uint64(len(node))
			}
			d.stats.UpdateItemsReceived(int64(result.Nodes))
			atomic.AddUint64(&d.nodes, uint64(result.Nodes))
			served = result.Nodes
			return size, nil
		})
		if err != nil {
			return err
		}
		pending = pending[served:]
	}
	return nil
}
