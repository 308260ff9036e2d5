// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stage orchestrates one snapshot sync session as a resumable
// pipeline stage: discover a target, bulk-download its state, verify the
// root, heal gaps, and report completion. Each Step performs one bounded
// unit of work so the enclosing pipeline keeps control of scheduling.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"

	"github.com/statelabs/snapsync/client"
	"github.com/statelabs/snapsync/discovery"
	"github.com/statelabs/snapsync/downloader"
	"github.com/statelabs/snapsync/heal"
	"github.com/statelabs/snapsync/peertracker"
	"github.com/statelabs/snapsync/stats"
	"github.com/statelabs/snapsync/statedb"
	"github.com/statelabs/snapsync/verify"
)

// State is the orchestrator's position in the sync lifecycle.
type State uint8

const (
	// Idle is the initial state; the first Step arms target selection.
	Idle State = iota
	// SelectingTarget queries peers for a suitable state root.
	SelectingTarget
	// Downloading bulk-fetches ranges, code and nodes for the target.
	Downloading
	// Verifying recomputes the state root over persisted data.
	Verifying
	// Healing repairs the gaps verification exposed.
	Healing
	// Complete is terminal: synced, or gracefully skipped.
	Complete
	// Failed is terminal and distinct from Complete; Err reports why.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SelectingTarget:
		return "selecting target"
	case Downloading:
		return "downloading"
	case Verifying:
		return "verifying"
	case Healing:
		return "healing"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ErrSyncFailed wraps the fatal error a session surfaced to the
// enclosing pipeline.
var ErrSyncFailed = errors.New("state sync failed")

// Checkpoint is the pipeline's durable position for this stage.
type Checkpoint struct {
	BlockNumber uint64
	Root        common.Hash
}

// Result is one Execute outcome. Done false means call again.
type Result struct {
	Checkpoint Checkpoint
	Done       bool
}

// Config bounds a sync session.
type Config struct {
	Discovery discovery.Config
	Download  downloader.Config

	// MaxHealingAttempts bounds the heal-then-reverify loop.
	MaxHealingAttempts int

	// LogInterval paces progress reporting.
	LogInterval time.Duration
}

const defaultMaxHealingAttempts = 5

// WithUnsetDefaults fills zero-valued fields.
func (c Config) WithUnsetDefaults() Config {
	c.Download = c.Download.WithUnsetDefaults()
	if c.MaxHealingAttempts == 0 {
		c.MaxHealingAttempts = defaultMaxHealingAttempts
	}
	if c.LogInterval == 0 {
		c.LogInterval = defaultLogInterval
	}
	return c
}

// Syncer drives one snapshot sync session through its states. Not safe
// for concurrent Steps; the pipeline calls it from one goroutine.
type Syncer struct {
	lock sync.Mutex

	client  client.Client
	tracker *peertracker.Tracker
	headers discovery.HeaderSource
	db      ethdb.Database
	stats   stats.SyncerStats
	config  Config

	state    State
	target   *discovery.Target
	dl       *downloader.Downloader
	healer   *heal.Healer
	progress *Progress

	// cancel aborts the background download; taskDone delivers its
	// result exactly once.
	cancel   context.CancelFunc
	taskDone chan error

	healAttempts int
	fatal        error
}

// NewSyncer returns an idle orchestrator.
func NewSyncer(c client.Client, tracker *peertracker.Tracker, headers discovery.HeaderSource, db ethdb.Database, syncerStats stats.SyncerStats, config Config) *Syncer {
	return &Syncer{
		client:   c,
		tracker:  tracker,
		headers:  headers,
		db:       db,
		stats:    syncerStats,
		config:   config.WithUnsetDefaults(),
		state:    Idle,
		progress: NewProgress(config.LogInterval),
	}
}

// State returns the current lifecycle state.
func (s *Syncer) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Err returns the fatal error of a Failed session, nil otherwise.
func (s *Syncer) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.fatal
}

// Target returns the selected sync target, nil before selection.
func (s *Syncer) Target() *discovery.Target {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.target
}

// Progress returns the session's progress tracker.
func (s *Syncer) Progress() *Progress { return s.progress }

// Step performs one bounded unit of work for the current state and
// returns. Terminal states are stable: Step in Complete is a no-op, Step
// in Failed returns the fatal error again.
func (s *Syncer) Step(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch s.state {
	case Idle:
		s.transition(SelectingTarget)
		return nil
	case SelectingTarget:
		return s.stepSelect(ctx)
	case Downloading:
		return s.stepDownload(ctx)
	case Verifying:
		return s.stepVerify()
	case Healing:
		return s.stepHeal(ctx)
	case Complete:
		return nil
	case Failed:
		return s.fatal
	default:
		return fmt.Errorf("unknown state %s", s.state)
	}
}

// SetTarget pins a pre-validated target, skipping discovery. Only legal
// before selection ran.
func (s *Syncer) SetTarget(target *discovery.Target) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state != Idle && s.state != SelectingTarget {
		return fmt.Errorf("cannot pin target in state %s", s.state)
	}
	if err := discovery.ValidateTarget(target); err != nil {
		return err
	}
	s.target = target
	s.arm()
	s.transition(Downloading)
	return nil
}

func (s *Syncer) stepSelect(ctx context.Context) error {
	d := discovery.NewDiscoverer(s.client, s.tracker, s.headers, s.config.Discovery)
	target, err := d.DiscoverTarget(ctx)
	switch {
	case errors.Is(err, discovery.ErrNoPeers), errors.Is(err, discovery.ErrNoSuitableTarget):
		// Not an error: the pipeline falls back to conventional sync.
		log.Info("no snapshot sync target, skipping", "reason", err)
		s.transition(Complete)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The pipeline may retry or unwind; selection is re-runnable.
		return err
	case err != nil:
		return s.fail(err)
	}
	if err := discovery.ValidateTarget(target); err != nil {
		return s.fail(err)
	}

	s.target = target
	s.arm()
	s.transition(Downloading)
	return nil
}

// arm builds the per-target download and healing machinery.
func (s *Syncer) arm() {
	s.dl = downloader.New(
		s.client,
		s.tracker,
		statedb.NewBatchWriter(s.db),
		verify.NewFragments(s.target.Root),
		s.stats,
		s.target.Root,
		s.config.Download,
	)
	// One detection pass per Step; the loop bound lives here.
	s.healer = heal.New(s.db, s.dl, s.stats, heal.Config{MaxPasses: 1})
	s.healAttempts = 0
	s.progress.Start(nil)
}

func (s *Syncer) stepDownload(ctx context.Context) error {
	if s.taskDone == nil {
		taskCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.taskDone = make(chan error, 1)
		dl := s.dl
		go func() {
			s.taskDone <- dl.Run(taskCtx)
		}()
		log.Info("state download started", "root", s.target.Root, "block", s.target.BlockNumber)
		return nil
	}

	select {
	case err := <-s.taskDone:
		s.taskDone = nil
		s.cancel = nil
		if err != nil {
			return s.fail(err)
		}
		s.transition(Verifying)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.observeDownload()
		return nil
	}
}

// observeDownload folds the downloader's counters and cursor into the
// progress tracker between polls.
func (s *Syncer) observeDownload() {
	if cursor := s.dl.Cursor(); cursor != (common.Hash{}) {
		s.progress.NotifyCursor(cursor.Bytes())
	}
	counters := s.dl.Progress()
	for c, have := range map[Category]uint64{
		CategoryAccounts: counters.Accounts,
		CategoryStorage:  counters.Slots,
		CategoryCodes:    counters.Codes,
		CategoryNodes:    counters.Nodes,
	} {
		if synced := s.progress.Synced(c); have > synced {
			s.progress.AddSynced(c, have-synced)
		}
	}
}

func (s *Syncer) stepVerify() error {
	s.observeDownload()
	err := verify.VerifyStateRoot(s.db, s.target.Root)
	if err == nil {
		s.target.Verified = true
		log.Info("state root verified", "root", s.target.Root,
			"accounts", s.progress.Synced(CategoryAccounts),
			"storage", s.progress.Synced(CategoryStorage))
		s.transition(Complete)
		return nil
	}
	if s.healAttempts >= s.config.MaxHealingAttempts {
		return s.fail(fmt.Errorf("%w after %d healing attempts", err, s.healAttempts))
	}
	log.Info("state incomplete, healing", "reason", err, "attempt", s.healAttempts+1)
	s.transition(Healing)
	return nil
}

func (s *Syncer) stepHeal(ctx context.Context) error {
	s.healAttempts++
	result, err := s.healer.Heal(ctx)
	healedAny := result != nil &&
		result.AccountSpans+result.StorageGaps+result.Codes+result.Nodes > 0

	switch {
	case err == nil:
		s.transition(Verifying)
		return nil
	case errors.Is(err, heal.ErrHealingExhausted) && healedAny:
		// Progress was made; verification decides whether to loop.
		s.transition(Verifying)
		return nil
	default:
		return s.fail(err)
	}
}

// Execute is the pipeline-stage entry point: one bounded unit of work,
// then an updated checkpoint. Done false means call again.
func (s *Syncer) Execute(ctx context.Context, checkpoint Checkpoint) (Result, error) {
	if err := s.Step(ctx); err != nil {
		return Result{Checkpoint: checkpoint}, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	out := Result{Checkpoint: checkpoint}
	if s.state == Complete {
		out.Done = true
		if s.target != nil {
			out.Checkpoint = Checkpoint{
				BlockNumber: s.target.BlockNumber,
				Root:        s.target.Root,
			}
		}
	}
	return out, nil
}

// Unwind abandons the session and re-arms the machine at Idle.
// Outstanding requests are dropped locally, never cancelled on the
// wire, and durably written state data is kept: it is valid regardless
// of pipeline position.
func (s *Syncer) Unwind(ctx context.Context, unwindTo uint64) (Checkpoint, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.cancel != nil {
		s.cancel()
		// Drain the background task so its writer is quiesced before
		// the pipeline reuses the database.
		select {
		case <-s.taskDone:
		case <-ctx.Done():
			return Checkpoint{BlockNumber: unwindTo}, ctx.Err()
		}
		s.cancel = nil
		s.taskDone = nil
	}

	log.Info("state sync unwound", "from", s.state, "to", unwindTo)
	s.state = Idle
	s.target = nil
	s.dl = nil
	s.healer = nil
	s.healAttempts = 0
	s.fatal = nil
	return Checkpoint{BlockNumber: unwindTo}, nil
}

func (s *Syncer) transition(next State) {
	log.Debug("sync state transition", "from", s.state, "to", next)
	s.state = next
}

// fail moves to the terminal Failed state and surfaces the error.
func (s *Syncer) fail(err error) error {
	s.fatal = fmt.Errorf("%w: %v", ErrSyncFailed, err)
	s.transition(Failed)
	return s.fatal
}
