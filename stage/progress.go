// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stage

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

const defaultLogInterval = 1 * time.Minute

// Category is one class of synced state data.
type Category int

const (
	CategoryAccounts Category = iota
	CategoryStorage
	CategoryCodes
	CategoryNodes
	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryAccounts:
		return "accounts"
	case CategoryStorage:
		return "storage"
	case CategoryCodes:
		return "codes"
	case CategoryNodes:
		return "nodes"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Progress tracks per-category synced counters and estimates overall
// completion from the account cursor's position in the key space. The
// first 16 bits of the cursor give the estimate, assuming account
// hashes distribute uniformly.
type Progress struct {
	lock sync.Mutex

	startTime  time.Time
	lastUpdate time.Time
	interval   time.Duration

	startPos   uint16
	currentPos uint16

	synced [numCategories]uint64
}

// NewProgress returns a tracker logging at most once per [interval].
func NewProgress(interval time.Duration) *Progress {
	if interval == 0 {
		interval = defaultLogInterval
	}
	return &Progress{interval: interval}
}

// Start arms the tracker at the given account cursor.
func (p *Progress) Start(startKey []byte) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.startTime = time.Now()
	p.lastUpdate = p.startTime
	if len(startKey) >= 2 {
		p.startPos = binary.BigEndian.Uint16(startKey)
	}
	p.currentPos = p.startPos
}

// AddSynced credits [count] items to one category.
func (p *Progress) AddSynced(c Category, count uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.synced[c] += count
}

// Synced returns the items credited to one category.
func (p *Progress) Synced(c Category) uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.synced[c]
}

// NotifyCursor records the account cursor and emits a progress line when
// the log interval elapsed.
func (p *Progress) NotifyCursor(key []byte) {
	if len(key) < 2 {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	p.currentPos = binary.BigEndian.Uint16(key)
	if time.Since(p.lastUpdate) < p.interval {
		return
	}
	if p.currentPos == p.startPos {
		// not enough progress to estimate, avoid division by zero
		return
	}
	p.lastUpdate = time.Now()
	log.Info(
		"state sync in progress",
		"key", common.BytesToHash(key),
		"progress", fmt.Sprintf("%.1f%%", p.percentage()*100),
		"eta", roundETA(p.eta()),
		"accounts", p.synced[CategoryAccounts],
		"storage", p.synced[CategoryStorage],
		"codes", p.synced[CategoryCodes],
		"nodes", p.synced[CategoryNodes],
	)
}

// Percentage estimates overall completion in [0,1].
func (p *Progress) Percentage() float64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.percentage()
}

func (p *Progress) percentage() float64 {
	return float64(p.currentPos) / math.MaxUint16
}

// Rate returns items per second for one category since Start.
func (p *Progress) Rate(c Category) float64 {
	p.lock.Lock()
	defer p.lock.Unlock()

	elapsed := time.Since(p.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.synced[c]) / elapsed
}

// ETA estimates the remaining sync duration from the cursor position.
// Zero until the cursor has moved.
func (p *Progress) ETA() time.Duration {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.eta()
}

func (p *Progress) eta() time.Duration {
	if p.currentPos == p.startPos {
		return 0
	}
	timeSpent := time.Since(p.startTime)
	estimatedTotal := float64(timeSpent) * float64(math.MaxUint16-p.startPos) / float64(p.currentPos-p.startPos)
	return time.Duration(estimatedTotal) - timeSpent
}

// roundETA rounds [d] to a minute and chops off the "0s" suffix.
func roundETA(d time.Duration) string {
	str := d.Round(time.Minute).String()
	if strings.HasSuffix(str, "m0s") {
		return str[:len(str)-len("0s")]
	}
	return str
}
