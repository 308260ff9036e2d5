// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package downloader

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ethereum/go-ethereum/common"

	"github.com/statelabs/snapsync/message"
	"github.com/statelabs/snapsync/utils"
	"github.com/statelabs/snapsync/verify"
)

// StorageTask is one account's storage download, resumable at Origin.
// Tasks are keyed by (account, cursor) so an account whose trie spans
// multiple responses continues where the previous response stopped.
type StorageTask struct {
	Account common.Hash
	Root    common.Hash
	Origin  common.Hash
}

// SyncStorageBatch issues one storage request covering up to
// maxStorageTasksPerRequest tasks and returns the continuation tasks
// still outstanding afterwards: unserved accounts plus the paginated
// remainder of a partially served account.
func (d *Downloader) SyncStorageBatch(ctx context.Context, tasks []StorageTask) ([]StorageTask, error) {
	if len(tasks) > maxStorageTasksPerRequest {
		tasks = tasks[:maxStorageTasksPerRequest]
	}
	accounts := make([]common.Hash, len(tasks))
	for i, task := range tasks {
		accounts[i] = task.Account
	}
	// The cursor of the first task constrains the request; follow-up
	// accounts are always served from their trie start, so a task with a
	// cursor leads a request of its own and the rest stay queued.
	var (
		origin   []byte
		deferred []StorageTask
	)
	if tasks[0].Origin != (common.Hash{}) {
		origin = tasks[0].Origin.Bytes()
		deferred = tasks[1:]
		accounts = accounts[:1]
		tasks = tasks[:1]
	}

	var pending []StorageTask
	err := d.do(ctx, "storage ranges", func(ctx context.Context, peer ids.NodeID) (uint64, error) {
		resp, err := d.client.GetStorageRanges(ctx, peer, message.StorageRangesRequest{
			Root:     d.root,
			Accounts: accounts,
			Origin:   origin,
			Bytes:    d.config.RequestBytes,
		})
		if err != nil {
			return 0, err
		}
		if len(resp.Slots) == 0 {
			return 0, fmt.Errorf("%w: no storage served", ErrBadResponse)
		}

		var size uint64
		pending = pending[:0]
		for i, slots := range resp.Slots {
			task := tasks[i]
			isLast := i == len(resp.Slots)-1

			if len(slots) == 0 {
				// The byte budget ran out before this account's first
				// slot. Valid only at the tail of the response.
				if !isLast {
					return 0, fmt.Errorf("%w: empty storage set for account %s", ErrBadResponse, task.Account)
				}
				pending = append(pending, task)
				break
			}

			verified, err := d.commitStorageRange(task, slots, resp.Proof, isLast)
			if err != nil {
				return 0, err
			}
			size += verified
			if isLast && len(resp.Proof) > 0 {
				// Partial range: resume one key past the last slot.
				lastKey := slots[len(slots)-1].Hash
				if !utils.IsMaxKey(lastKey.Bytes()) {
					continueFrom := common.BytesToHash(utils.IncrementedCopy(lastKey.Bytes()))
					if d.storageIncomplete(task.Account) {
						pending = append(pending, StorageTask{
							Account: task.Account,
							Root:    task.Root,
							Origin:  continueFrom,
						})
					}
				}
			}
		}
		// Accounts the response never reached stay queued.
		pending = append(pending, tasks[len(resp.Slots):]...)
		return size, nil
	})
	return append(pending, deferred...), err
}

// commitStorageRange verifies and persists one account's slot range.
// Mid-response sets must be complete tries; the final set may instead be
// a proofed partial range.
func (d *Downloader) commitStorageRange(task StorageTask, slots []message.StorageData, proof [][]byte, isLast bool) (uint64, error) {
	if isLast && len(proof) > 0 {
		var origin []byte
		if task.Origin != (common.Hash{}) {
			origin = task.Origin.Bytes()
		}
		result, err := verify.VerifyStorageRange(slots, proof, task.Root, origin)
		if err != nil {
			d.stats.IncProofsRejected()
			return 0, fmt.Errorf("%w: storage of %s: %v", ErrBadResponse, task.Account, err)
		}
		d.stats.IncProofsVerified()
		return d.persistSlots(task, slots, result.More)
	}

	// No proof: the slot set must reproduce the storage root on its own.
	assembled := make(map[common.Hash][]byte, len(slots))
	for _, slot := range slots {
		assembled[slot.Hash] = slot.Body
	}
	if got := verify.ReconstructStorageTrie(assembled); got != task.Root {
		d.stats.IncProofsRejected()
		return 0, fmt.Errorf("%w: storage of %s does not hash to %s", ErrBadResponse, task.Account, task.Root)
	}
	d.stats.IncProofsVerified()
	return d.persistSlots(task, slots, false)
}

func (d *Downloader) persistSlots(task StorageTask, slots []message.StorageData, more bool) (uint64, error) {
	var size uint64
	for _, slot := range slots {
		if err := d.writer.WriteStorage(task.Account, slot.Hash, slot.Body); err != nil {
			return 0, err
		}
		size += uint64(common.HashLength + len(slot.Body))
	}
	last := slots[len(slots)-1].Hash
	d.frags.AddStorageRange(task.Account, task.Root, task.Origin, last, more)
	d.stats.UpdateItemsReceived(int64(len(slots)))
	atomic.AddUint64(&d.slots, uint64(len(slots)))
	return size, nil
}

// storageIncomplete reports whether an account's recorded slot coverage
// still has holes.
func (d *Downloader) storageIncomplete(account common.Hash) bool {
	return len(d.frags.StorageGaps(account)) > 0
}
