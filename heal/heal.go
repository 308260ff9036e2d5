// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package heal finds and repairs the holes a bulk download leaves
// behind: uncovered key ranges, accounts whose referenced code or
// storage never arrived, and trie nodes requested but not delivered.
// Healing re-issues narrow, targeted requests through the downloader
// and is idempotent: against complete state it detects nothing.
package heal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/statelabs/snapsync/downloader"
	"github.com/statelabs/snapsync/stats"
	"github.com/statelabs/snapsync/statedb"
	"github.com/statelabs/snapsync/utils"
	"github.com/statelabs/snapsync/verify"
)

// ErrHealingExhausted is returned when the bounded number of healing
// passes could not produce complete state. Fatal to the sync session.
var ErrHealingExhausted = errors.New("healing attempts exhausted")

const (
	defaultMaxPasses = 5

	// healWorkers bounds the concurrent repair goroutines of one pass.
	healWorkers = 3

	// presentCacheSize bounds the cache of code hashes already confirmed
	// present, so repeated detection passes skip the database read.
	presentCacheSize = 4096
)

// MissingDataSet is the outcome of one completeness analysis.
type MissingDataSet struct {
	// AccountSpans are uncovered slices of the account key space.
	AccountSpans []verify.Span

	// Storage lists per-account uncovered slot ranges.
	Storage []StorageGap

	// Codes are referenced bytecode hashes with no persisted code.
	Codes []common.Hash

	// Nodes are trie node hashes requested but never delivered.
	Nodes []common.Hash
}

// StorageGap is one uncovered slot range of one account.
type StorageGap struct {
	Account common.Hash
	Root    common.Hash
	Span    verify.Span
}

// Empty reports whether nothing is missing.
func (m *MissingDataSet) Empty() bool {
	return len(m.AccountSpans) == 0 && len(m.Storage) == 0 && len(m.Codes) == 0 && len(m.Nodes) == 0
}

// Count returns the total number of missing entries, counting each span
// as one.
func (m *MissingDataSet) Count() int {
	return len(m.AccountSpans) + len(m.Storage) + len(m.Codes) + len(m.Nodes)
}

// Result reports one healing session: items recovered per category and
// whether the state was complete when the session ended.
type Result struct {
	AccountSpans int
	StorageGaps  int
	Codes        int
	Nodes        int
	Passes       int
	Elapsed      time.Duration
	Complete     bool
}

// Config bounds a healing session.
type Config struct {
	// MaxPasses is the number of detect-and-repair rounds before the
	// session fails.
	MaxPasses int
}

// WithUnsetDefaults fills zero-valued fields.
func (c Config) WithUnsetDefaults() Config {
	if c.MaxPasses == 0 {
		c.MaxPasses = defaultMaxPasses
	}
	return c
}

// Healer repairs incomplete synced state.
type Healer struct {
	db     ethdb.Database
	dl     *downloader.Downloader
	stats  stats.SyncerStats
	config Config

	// wantNodes accumulates trie node hashes some component requested
	// but the network never delivered.
	wantNodes map[common.Hash]struct{}

	presentCodes *lru.Cache
}

// New returns a Healer inspecting [db] and repairing through [dl].
func New(db ethdb.Database, dl *downloader.Downloader, syncerStats stats.SyncerStats, config Config) *Healer {
	cache, _ := lru.New(presentCacheSize)
	return &Healer{
		db:           db,
		dl:           dl,
		stats:        syncerStats,
		config:       config.WithUnsetDefaults(),
		wantNodes:    make(map[common.Hash]struct{}),
		presentCodes: cache,
	}
}

// WantNode registers a trie node hash that must be present when healing
// finishes.
func (h *Healer) WantNode(hash common.Hash) {
	h.wantNodes[hash] = struct{}{}
}

// DetectMissing runs one completeness analysis over the persisted state
// and its coverage ledger.
func (h *Healer) DetectMissing() (*MissingDataSet, error) {
	frags := h.dl.Fragments()
	missing := &MissingDataSet{
		AccountSpans: frags.AccountGaps(),
	}

	seenCodes := make(map[common.Hash]struct{})
	it := statedb.NewAccountIterator(h.db, nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		account := common.BytesToHash(key[len(key)-common.HashLength:])

		acc, err := verify.DecodeAccount(it.Value())
		if err != nil {
			return nil, fmt.Errorf("undecodable persisted account %s: %w", account, err)
		}
		if verify.HasCode(acc) {
			codeHash := common.BytesToHash(acc.CodeHash)
			if _, dup := seenCodes[codeHash]; !dup {
				seenCodes[codeHash] = struct{}{}
				if !h.codePresent(codeHash) {
					missing.Codes = append(missing.Codes, codeHash)
				}
			}
		}
		if verify.HasStorage(acc) {
			for _, span := range frags.StorageGaps(account) {
				missing.Storage = append(missing.Storage, StorageGap{
					Account: account,
					Root:    acc.Root,
					Span:    span,
				})
			}
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	for hash := range h.wantNodes {
		if !statedb.HasTrieNode(h.db, hash) {
			missing.Nodes = append(missing.Nodes, hash)
		}
	}
	return missing, nil
}

// codePresent checks for persisted code, remembering confirmed hashes so
// later passes skip the read.
func (h *Healer) codePresent(hash common.Hash) bool {
	if h.presentCodes.Contains(hash) {
		return true
	}
	if statedb.HasCode(h.db, hash) {
		h.presentCodes.Add(hash, struct{}{})
		return true
	}
	return false
}

// Heal runs detect-and-repair passes until the state is complete or the
// pass budget is exhausted. Partial recovery is reported as incomplete,
// never as success.
func (h *Healer) Heal(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	for pass := 0; pass < h.config.MaxPasses; pass++ {
		missing, err := h.DetectMissing()
		if err != nil {
			return result, err
		}
		if missing.Empty() {
			result.Passes = pass
			result.Elapsed = time.Since(start)
			result.Complete = true
			if pass > 0 {
				log.Info("healing complete", "passes", pass, "accountSpans", result.AccountSpans,
					"storageGaps", result.StorageGaps, "codes", result.Codes, "nodes", result.Nodes,
					"elapsed", result.Elapsed)
			}
			return result, nil
		}

		h.stats.IncHealingPasses()
		log.Info("healing pass", "pass", pass+1, "missing", missing.Count(),
			"accountSpans", len(missing.AccountSpans), "storageGaps", len(missing.Storage),
			"codes", len(missing.Codes), "nodes", len(missing.Nodes))

		healed, err := h.repair(ctx, missing)
		if err != nil {
			return result, err
		}
		result.AccountSpans += healed.AccountSpans
		result.StorageGaps += healed.StorageGaps
		result.Codes += healed.Codes
		result.Nodes += healed.Nodes
		h.stats.IncItemsHealed(int64(healed.AccountSpans + healed.StorageGaps + healed.Codes + healed.Nodes))
	}

	result.Passes = h.config.MaxPasses
	result.Elapsed = time.Since(start)
	missing, err := h.DetectMissing()
	if err != nil {
		return result, err
	}
	if missing.Empty() {
		result.Complete = true
		return result, nil
	}
	return result, fmt.Errorf("%w: %d items still missing after %d passes", ErrHealingExhausted, missing.Count(), h.config.MaxPasses)
}

// repair re-downloads exactly the missing items of one detection pass.
// Account spans are reissued in cursor order; storage, code and node
// repairs run concurrently.
func (h *Healer) repair(ctx context.Context, missing *MissingDataSet) (*Result, error) {
	healed := &Result{}

	for _, span := range missing.AccountSpans {
		err := h.dl.SyncAccounts(ctx, span.Start, span.End, func(common.Hash, types.StateAccount) {
			// Dependent code and storage surface in the next pass.
		})
		if err != nil {
			return healed, err
		}
		healed.AccountSpans++
	}

	var (
		workers  = utils.NewBoundedWorkers(healWorkers)
		errLock  sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		errLock.Lock()
		defer errLock.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(missing.Storage) > 0 {
		pending := make([]downloader.StorageTask, 0, len(missing.Storage))
		for _, gap := range missing.Storage {
			pending = append(pending, downloader.StorageTask{
				Account: gap.Account,
				Root:    gap.Root,
				Origin:  gap.Span.Start,
			})
		}
		workers.Execute(ctx, func() {
			for len(pending) > 0 {
				next, err := h.dl.SyncStorageBatch(ctx, pending)
				if err != nil {
					setErr(err)
					return
				}
				pending = next
			}
		})
	}
	if len(missing.Codes) > 0 {
		workers.Execute(ctx, func() {
			setErr(h.dl.FetchCodes(ctx, missing.Codes))
		})
	}
	if len(missing.Nodes) > 0 {
		workers.Execute(ctx, func() {
			setErr(h.dl.FetchNodes(ctx, missing.Nodes))
		})
	}
	workers.Stop()

	if firstErr != nil {
		return healed, firstErr
	}
	if err := ctx.Err(); err != nil {
		return healed, err
	}
	healed.StorageGaps = len(missing.Storage)
	healed.Codes = len(missing.Codes)
	healed.Nodes = len(missing.Nodes)
	return healed, h.flush()
}

// flush commits repaired data so the next detection pass reads it.
func (h *Healer) flush() error {
	// The downloader's writer batches; detection reads the database
	// directly, so every pass ends with a flush.
	return h.dl.FlushWriter()
}
