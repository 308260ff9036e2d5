// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stats

import (
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

// SyncerStats collects client-side observability counters for the range
// downloader and the healer.
type SyncerStats interface {
	IncRequestsSent()
	IncRequestsFailed()
	IncRequestsRetried()

	UpdateItemsReceived(count int64)
	UpdateBytesReceived(size int64)
	UpdateRequestLatency(duration time.Duration)

	IncProofsVerified()
	IncProofsRejected()

	IncItemsHealed(count int64)
	IncHealingPasses()
}

type syncerStats struct {
	requestsSent    metrics.Counter
	requestsFailed  metrics.Counter
	requestsRetried metrics.Counter

	itemsReceived  metrics.Histogram
	bytesReceived  metrics.Histogram
	requestLatency metrics.Timer

	proofsVerified metrics.Counter
	proofsRejected metrics.Counter

	itemsHealed   metrics.Counter
	healingPasses metrics.Counter
}

func NewSyncerStats() SyncerStats {
	return &syncerStats{
		requestsSent:    metrics.GetOrRegisterCounter("snapsync_requests_sent", nil),
		requestsFailed:  metrics.GetOrRegisterCounter("snapsync_requests_failed", nil),
		requestsRetried: metrics.GetOrRegisterCounter("snapsync_requests_retried", nil),

		itemsReceived:  metrics.GetOrRegisterHistogram("snapsync_items_received", nil, metrics.NewExpDecaySample(1028, 0.015)),
		bytesReceived:  metrics.GetOrRegisterHistogram("snapsync_bytes_received", nil, metrics.NewExpDecaySample(1028, 0.015)),
		requestLatency: metrics.GetOrRegisterTimer("snapsync_request_latency", nil),

		proofsVerified: metrics.GetOrRegisterCounter("snapsync_proofs_verified", nil),
		proofsRejected: metrics.GetOrRegisterCounter("snapsync_proofs_rejected", nil),

		itemsHealed:   metrics.GetOrRegisterCounter("snapsync_items_healed", nil),
		healingPasses: metrics.GetOrRegisterCounter("snapsync_healing_passes", nil),
	}
}

func (s *syncerStats) IncRequestsSent()                        { s.requestsSent.Inc(1) }
func (s *syncerStats) IncRequestsFailed()                      { s.requestsFailed.Inc(1) }
func (s *syncerStats) IncRequestsRetried()                     { s.requestsRetried.Inc(1) }
func (s *syncerStats) UpdateItemsReceived(count int64)         { s.itemsReceived.Update(count) }
func (s *syncerStats) UpdateBytesReceived(size int64)          { s.bytesReceived.Update(size) }
func (s *syncerStats) UpdateRequestLatency(d time.Duration)    { s.requestLatency.Update(d) }
func (s *syncerStats) IncProofsVerified()                      { s.proofsVerified.Inc(1) }
func (s *syncerStats) IncProofsRejected()                      { s.proofsRejected.Inc(1) }
func (s *syncerStats) IncItemsHealed(count int64)              { s.itemsHealed.Inc(count) }
func (s *syncerStats) IncHealingPasses()                       { s.healingPasses.Inc(1) }

type noopSyncerStats struct{}

// NewNoOpSyncerStats returns a stats implementation where every operation
// is a no-op.
func NewNoOpSyncerStats() SyncerStats { return &noopSyncerStats{} }

func (noopSyncerStats) IncRequestsSent()                 {}
func (noopSyncerStats) IncRequestsFailed()               {}
func (noopSyncerStats) IncRequestsRetried()              {}
func (noopSyncerStats) UpdateItemsReceived(int64)        {}
func (noopSyncerStats) UpdateBytesReceived(int64)        {}
func (noopSyncerStats) UpdateRequestLatency(time.Duration) {}
func (noopSyncerStats) IncProofsVerified()               {}
func (noopSyncerStats) IncProofsRejected()               {}
func (noopSyncerStats) IncItemsHealed(int64)             {}
func (noopSyncerStats) IncHealingPasses()                {}
