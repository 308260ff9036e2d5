// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package verify

import (
	"bytes"
	"sync"

	"github.com/ava-labs/avalanchego/utils/set"
	"github.com/ethereum/go-ethereum/common"

	"github.com/statelabs/snapsync/message"
	"github.com/statelabs/snapsync/utils"
)

// Span is a closed interval of the 32-byte key space.
type Span struct {
	Start common.Hash
	End   common.Hash
}

// Fragments accumulates verified batches for one sync target and keeps a
// ledger of which portions of the key space they cover. The ledger is
// what the healer consults to find gaps. Safe for concurrent use.
type Fragments struct {
	lock sync.Mutex

	root common.Hash

	accountSpans []Span
	accounts     map[common.Hash][]byte

	// storageSpans tracks slot coverage per account hash. storageRoots
	// remembers the root each account's slots were verified against.
	storageSpans map[common.Hash][]Span
	storageRoots map[common.Hash]common.Hash

	codes set.Set[common.Hash]
	nodes set.Set[common.Hash]
}

// NewFragments returns an empty accumulator for the given state root.
func NewFragments(root common.Hash) *Fragments {
	return &Fragments{
		root:         root,
		accounts:     make(map[common.Hash][]byte),
		storageSpans: make(map[common.Hash][]Span),
		storageRoots: make(map[common.Hash]common.Hash),
	}
}

// Root returns the state root this accumulator was built for.
func (f *Fragments) Root() common.Hash { return f.root }

// AddAccountRange records a verified account range. The span runs from
// the request origin through the last delivered key, or to the end of
// the key space when the proof showed no further accounts exist.
func (f *Fragments) AddAccountRange(origin common.Hash, accounts map[common.Hash][]byte, last common.Hash, more bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	end := last
	if !more {
		end = message.MaxHash
	}
	f.accountSpans = mergeSpan(f.accountSpans, Span{Start: origin, End: end})
	for hash, body := range accounts {
		f.accounts[hash] = body
	}
}

// AddStorageRange records a verified slot range for one account.
func (f *Fragments) AddStorageRange(account common.Hash, storageRoot common.Hash, origin common.Hash, last common.Hash, more bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	end := last
	if !more {
		end = message.MaxHash
	}
	f.storageRoots[account] = storageRoot
	f.storageSpans[account] = mergeSpan(f.storageSpans[account], Span{Start: origin, End: end})
}

// AddCode records a verified contract code as present.
func (f *Fragments) AddCode(hash common.Hash) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.codes.Add(hash)
}

// AddNode records a verified trie node as present.
func (f *Fragments) AddNode(hash common.Hash) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.nodes.Add(hash)
}

// HasCode reports whether the code with the given hash was delivered.
func (f *Fragments) HasCode(hash common.Hash) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.codes.Contains(hash)
}

// HasNode reports whether the trie node with the given hash was delivered.
func (f *Fragments) HasNode(hash common.Hash) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.nodes.Contains(hash)
}

// Accounts returns a copy of the delivered account bodies keyed by hash.
func (f *Fragments) Accounts() map[common.Hash][]byte {
	f.lock.Lock()
	defer f.lock.Unlock()

	out := make(map[common.Hash][]byte, len(f.accounts))
	for hash, body := range f.accounts {
		out[hash] = body
	}
	return out
}

// StorageRoot returns the storage root recorded for an account, if any
// slot range was delivered for it.
func (f *Fragments) StorageRoot(account common.Hash) (common.Hash, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	root, ok := f.storageRoots[account]
	return root, ok
}

// AccountGaps returns the portions of the account key space not covered
// by any verified range.
func (f *Fragments) AccountGaps() []Span {
	f.lock.Lock()
	defer f.lock.Unlock()
	return gaps(f.accountSpans)
}

// StorageGaps returns the uncovered slot key space for one account. An
// account with no recorded slot coverage is entirely uncovered.
func (f *Fragments) StorageGaps(account common.Hash) []Span {
	f.lock.Lock()
	defer f.lock.Unlock()
	return gaps(f.storageSpans[account])
}

// mergeSpan inserts a span into an ordered, non-overlapping span list,
// coalescing with neighbors it touches or overlaps.
func mergeSpan(spans []Span, s Span) []Span {
	out := make([]Span, 0, len(spans)+1)
	for _, existing := range spans {
		switch {
		case adjacentOrOverlap(existing, s):
			s = union(existing, s)
		case bytes.Compare(existing.End.Bytes(), s.Start.Bytes()) < 0:
			out = append(out, existing)
		default:
			// existing starts after s ends; s is settled.
			out = append(out, s)
			s = existing
		}
	}
	return append(out, s)
}

// gaps returns the complement of an ordered span list over the full
// 32-byte key space.
func gaps(spans []Span) []Span {
	var (
		out    []Span
		cursor = common.Hash{}
	)
	for _, s := range spans {
		if bytes.Compare(cursor.Bytes(), s.Start.Bytes()) < 0 {
			out = append(out, Span{Start: cursor, End: prevKey(s.Start)})
		}
		if utils.IsMaxKey(s.End.Bytes()) {
			return out
		}
		cursor = common.BytesToHash(utils.IncrementedCopy(s.End.Bytes()))
	}
	return append(out, Span{Start: cursor, End: message.MaxHash})
}

func adjacentOrOverlap(a, b Span) bool {
	// Overlap, or b starts exactly one key after a ends (or vice versa).
	if bytes.Compare(a.Start.Bytes(), b.End.Bytes()) <= 0 && bytes.Compare(b.Start.Bytes(), a.End.Bytes()) <= 0 {
		return true
	}
	if !utils.IsMaxKey(a.End.Bytes()) && common.BytesToHash(utils.IncrementedCopy(a.End.Bytes())) == b.Start {
		return true
	}
	if !utils.IsMaxKey(b.End.Bytes()) && common.BytesToHash(utils.IncrementedCopy(b.End.Bytes())) == a.Start {
		return true
	}
	return false
}

func union(a, b Span) Span {
	out := a
	if bytes.Compare(b.Start.Bytes(), out.Start.Bytes()) < 0 {
		out.Start = b.Start
	}
	if bytes.Compare(b.End.Bytes(), out.End.Bytes()) > 0 {
		out.End = b.End
	}
	return out
}

// prevKey returns the key immediately before h. Callers never pass the
// zero hash.
func prevKey(h common.Hash) common.Hash {
	b := h.Bytes()
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] > 0 {
			b[i]--
			break
		}
		b[i] = 0xff
	}
	return common.BytesToHash(b)
}
