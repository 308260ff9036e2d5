// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package peertracker maintains per-peer capability and performance
// records and selects peers for sync requests according to a pluggable
// policy. A time-based circuit breaker keeps flaky peers out of rotation
// without permanently excluding them.
package peertracker

import (
	"errors"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/timer/mockable"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// Policy determines how SelectPeer ranks eligible peers.
type Policy uint8

const (
	// BestRate prefers the peer with the highest success rate.
	BestRate Policy = iota
	// FastestLatency prefers the peer with the lowest average latency.
	FastestLatency
	// RoundRobin cycles through eligible peers in registration order.
	RoundRobin
	// Arbitrary returns any eligible peer.
	Arbitrary
)

const (
	defaultMaxConsecutiveFailures = 3
	defaultCooldown               = time.Minute
)

var errPeerNotRegistered = errors.New("peer not registered")

// Config tunes tracker behaviour. The zero value gets sensible defaults
// via WithUnsetDefaults.
type Config struct {
	// Policy selects the ranking strategy. Policies are mutually
	// exclusive.
	Policy Policy

	// MaxConsecutiveFailures is the number of failures in a row after
	// which a peer is marked unavailable.
	MaxConsecutiveFailures int

	// Cooldown is how long after its last failure an unavailable peer
	// becomes selectable again.
	Cooldown time.Duration

	// MinSuccessRate is the success-rate floor below which a peer with
	// request history is never selected.
	MinSuccessRate float64
}

// WithUnsetDefaults returns a copy of the config with zero fields
// replaced by defaults.
func (c Config) WithUnsetDefaults() Config {
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if c.Cooldown == 0 {
		c.Cooldown = defaultCooldown
	}
	return c
}

// Metrics aggregates the outcome history of a single peer.
type Metrics struct {
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	TotalBytes         uint64
	AvgLatency         time.Duration
}

// SuccessRate returns the fraction of requests that succeeded, 0 if no
// request has completed yet.
func (m Metrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

// peer is the tracker's record for a single known peer.
type peer struct {
	id           ids.NodeID
	supportsSnap bool

	lastRoot  common.Hash
	lastBlock uint64

	metrics             Metrics
	consecutiveFailures int
	available           bool
	lastSuccess         time.Time
	lastFailure         time.Time
}

// PeerInfo is a read-only snapshot of a peer record.
type PeerInfo struct {
	ID           ids.NodeID
	SupportsSnap bool
	LastRoot     common.Hash
	LastBlock    uint64
	Metrics      Metrics
	Available    bool
}

// Tracker owns all peer records. All methods are safe for concurrent use;
// the lock is scoped to single updates and never held across I/O.
type Tracker struct {
	lock   sync.Mutex
	config Config
	clock  mockable.Clock

	peers map[ids.NodeID]*peer
	order []ids.NodeID // registration order, for round-robin
	next  int          // round-robin cursor
}

// NewTracker returns an empty tracker with the given config.
func NewTracker(config Config) *Tracker {
	return &Tracker{
		config: config.WithUnsetDefaults(),
		peers:  make(map[ids.NodeID]*peer),
	}
}

// Register adds a peer record, replacing any existing record for the
// same node.
func (t *Tracker) Register(id ids.NodeID, supportsSnap bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.peers[id]; !ok {
		t.order = append(t.order, id)
	}
	t.peers[id] = &peer{
		id:           id,
		supportsSnap: supportsSnap,
		available:    true,
	}
}

// Remove drops a peer record, e.g. on disconnect.
func (t *Tracker) Remove(id ids.NodeID) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	for i, other := range t.order {
		if other == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if t.next >= len(t.order) {
		t.next = 0
	}
}

// UpdateAdvert records the latest state summary advertised by [id], used
// by target discovery.
func (t *Tracker) UpdateAdvert(id ids.NodeID, root common.Hash, block uint64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	p, ok := t.peers[id]
	if !ok {
		return errPeerNotRegistered
	}
	p.lastRoot = root
	p.lastBlock = block
	return nil
}

// RecordSuccess notes a completed request against [id]. Any success
// resets the consecutive-failure counter and restores availability.
func (t *Tracker) RecordSuccess(id ids.NodeID, latency time.Duration, bytes uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.metrics.TotalRequests++
	p.metrics.SuccessfulRequests++
	p.metrics.TotalBytes += bytes
	if p.metrics.AvgLatency == 0 {
		p.metrics.AvgLatency = latency
	} else {
		// Two-point moving average: coarse, but peer selection only
		// needs a ranking signal.
		p.metrics.AvgLatency = (p.metrics.AvgLatency + latency) / 2
	}
	p.consecutiveFailures = 0
	p.available = true
	p.lastSuccess = t.clock.Time()
}

// RecordFailure notes a failed request against [id]. After
// MaxConsecutiveFailures in a row the peer is marked unavailable until
// the cooldown elapses.
func (t *Tracker) RecordFailure(id ids.NodeID) {
	t.lock.Lock()
	defer t.lock.Unlock()

	p, ok := t.peers[id]
	if !ok {
		return
	}
	p.metrics.TotalRequests++
	p.metrics.FailedRequests++
	p.consecutiveFailures++
	p.lastFailure = t.clock.Time()
	if p.consecutiveFailures >= t.config.MaxConsecutiveFailures && p.available {
		p.available = false
		log.Warn("peer marked unavailable",
			"peer", id,
			"consecutiveFailures", p.consecutiveFailures,
			"cooldown", t.config.Cooldown,
		)
	}
}

// eligible reports whether [p] may serve requests right now, restoring
// availability if the cooldown has elapsed since the last failure.
func (t *Tracker) eligible(p *peer) bool {
	if !p.available {
		if t.clock.Time().Sub(p.lastFailure) < t.config.Cooldown {
			return false
		}
		// Cooldown expired: let the peer back into rotation without
		// waiting for a manual reset.
		p.available = true
		p.consecutiveFailures = 0
		log.Debug("peer restored after cooldown", "peer", p.id)
	}
	if !p.supportsSnap {
		return false
	}
	if p.metrics.TotalRequests > 0 && p.metrics.SuccessRate() < t.config.MinSuccessRate {
		return false
	}
	return true
}

// SelectPeer returns an eligible peer according to the configured policy,
// or false if none qualifies. Callers must back off when no peer is
// available.
func (t *Tracker) SelectPeer() (ids.NodeID, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	switch t.config.Policy {
	case RoundRobin:
		for i := 0; i < len(t.order); i++ {
			idx := (t.next + i) % len(t.order)
			p := t.peers[t.order[idx]]
			if t.eligible(p) {
				t.next = (idx + 1) % len(t.order)
				return p.id, true
			}
		}
		return ids.EmptyNodeID, false
	case FastestLatency:
		var best *peer
		for _, id := range t.order {
			p := t.peers[id]
			if !t.eligible(p) {
				continue
			}
			if best == nil || p.metrics.AvgLatency < best.metrics.AvgLatency {
				best = p
			}
		}
		if best == nil {
			return ids.EmptyNodeID, false
		}
		return best.id, true
	case BestRate:
		var best *peer
		for _, id := range t.order {
			p := t.peers[id]
			if !t.eligible(p) {
				continue
			}
			if best == nil || p.metrics.SuccessRate() > best.metrics.SuccessRate() {
				best = p
			}
		}
		if best == nil {
			return ids.EmptyNodeID, false
		}
		return best.id, true
	default: // Arbitrary
		for _, id := range t.order {
			if t.eligible(t.peers[id]) {
				return id, true
			}
		}
		return ids.EmptyNodeID, false
	}
}

// Peers returns a snapshot of every registered peer record.
func (t *Tracker) Peers() []PeerInfo {
	t.lock.Lock()
	defer t.lock.Unlock()

	infos := make([]PeerInfo, 0, len(t.order))
	for _, id := range t.order {
		p := t.peers[id]
		infos = append(infos, PeerInfo{
			ID:           p.id,
			SupportsSnap: p.supportsSnap,
			LastRoot:     p.lastRoot,
			LastBlock:    p.lastBlock,
			Metrics:      p.metrics,
			Available:    p.available,
		})
	}
	return infos
}

// Stats returns aggregate counters across all peers.
func (t *Tracker) Stats() Metrics {
	t.lock.Lock()
	defer t.lock.Unlock()

	var agg Metrics
	for _, p := range t.peers {
		agg.TotalRequests += p.metrics.TotalRequests
		agg.SuccessfulRequests += p.metrics.SuccessfulRequests
		agg.FailedRequests += p.metrics.FailedRequests
		agg.TotalBytes += p.metrics.TotalBytes
	}
	return agg
}

// SetClock overrides the tracker clock. Test hook.
func (t *Tracker) SetClock(now time.Time) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.clock.Set(now)
}
