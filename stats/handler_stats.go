// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stats

import (
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

// HandlerStats collects server-side counters for the range request
// handlers.
type HandlerStats interface {
	IncRangeRequest()
	IncInvalidRangeRequest()
	IncMissingRoot()
	UpdateRangeProcessingTime(duration time.Duration)
	UpdateLeafsReturned(count int64)

	IncCodeRequest()
	IncMissingCode()
	IncNodeRequest()
	IncMissingNode()
}

type handlerStats struct {
	rangeRequest        metrics.Counter
	invalidRangeRequest metrics.Counter
	missingRoot         metrics.Counter
	rangeProcessingTime metrics.Timer
	leafsReturned       metrics.Histogram

	codeRequest metrics.Counter
	missingCode metrics.Counter
	nodeRequest metrics.Counter
	missingNode metrics.Counter
}

func NewHandlerStats() HandlerStats {
	return &handlerStats{
		rangeRequest:        metrics.GetOrRegisterCounter("snapsync_handler_range_requests", nil),
		invalidRangeRequest: metrics.GetOrRegisterCounter("snapsync_handler_invalid_range_requests", nil),
		missingRoot:         metrics.GetOrRegisterCounter("snapsync_handler_missing_root", nil),
		rangeProcessingTime: metrics.GetOrRegisterTimer("snapsync_handler_range_processing_time", nil),
		leafsReturned:       metrics.GetOrRegisterHistogram("snapsync_handler_leafs_returned", nil, metrics.NewExpDecaySample(1028, 0.015)),

		codeRequest: metrics.GetOrRegisterCounter("snapsync_handler_code_requests", nil),
		missingCode: metrics.GetOrRegisterCounter("snapsync_handler_missing_code", nil),
		nodeRequest: metrics.GetOrRegisterCounter("snapsync_handler_node_requests", nil),
		missingNode: metrics.GetOrRegisterCounter("snapsync_handler_missing_node", nil),
	}
}

func (h *handlerStats) IncRangeRequest()                         { h.rangeRequest.Inc(1) }
func (h *handlerStats) IncInvalidRangeRequest()                  { h.invalidRangeRequest.Inc(1) }
func (h *handlerStats) IncMissingRoot()                          { h.missingRoot.Inc(1) }
func (h *handlerStats) UpdateRangeProcessingTime(d time.Duration) { h.rangeProcessingTime.Update(d) }
func (h *handlerStats) UpdateLeafsReturned(count int64)          { h.leafsReturned.Update(count) }
func (h *handlerStats) IncCodeRequest()                          { h.codeRequest.Inc(1) }
func (h *handlerStats) IncMissingCode()                          { h.missingCode.Inc(1) }
func (h *handlerStats) IncNodeRequest()                          { h.nodeRequest.Inc(1) }
func (h *handlerStats) IncMissingNode()                          { h.missingNode.Inc(1) }

type noopHandlerStats struct{}

// NewNoOpHandlerStats returns a handler stats implementation where every
// operation is a no-op.
func NewNoOpHandlerStats() HandlerStats { return &noopHandlerStats{} }

func (noopHandlerStats) IncRangeRequest()                      {}
func (noopHandlerStats) IncInvalidRangeRequest()               {}
func (noopHandlerStats) IncMissingRoot()                       {}
func (noopHandlerStats) UpdateRangeProcessingTime(time.Duration) {}
func (noopHandlerStats) UpdateLeafsReturned(int64)             {}
func (noopHandlerStats) IncCodeRequest()                       {}
func (noopHandlerStats) IncMissingCode()                       {}
func (noopHandlerStats) IncNodeRequest()                       {}
func (noopHandlerStats) IncMissingNode()                       {}
