// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package downloader

import (
	"context"
	"sync"

	"github.com/ava-labs/avalanchego/utils/set"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/statelabs/snapsync/message"
	"github.com/statelabs/snapsync/verify"
)

const taskQueueSize = 1024

// Run performs the bulk download for the whole key space: account
// ranges drive the discovery of storage and code work, which is fanned
// out across the configured number of concurrent workers. Run returns
// once every scheduled download completed and was flushed, or on the
// first fatal error.
func (d *Downloader) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	storageCh := make(chan StorageTask, taskQueueSize)
	codeCh := make(chan common.Hash, taskQueueSize)

	// Account pagination is inherently sequential; it feeds the
	// dependent queues and closes them when the key space is exhausted.
	eg.Go(func() error {
		defer close(storageCh)
		defer close(codeCh)

		var (
			seenCodes set.Set[common.Hash]
			seenLock  sync.Mutex
		)
		return d.SyncAccounts(egCtx, common.Hash{}, message.MaxHash, func(hash common.Hash, acc types.StateAccount) {
			if verify.HasStorage(acc) {
				select {
				case storageCh <- StorageTask{Account: hash, Root: acc.Root}:
				case <-egCtx.Done():
					return
				}
			}
			if verify.HasCode(acc) {
				codeHash := common.BytesToHash(acc.CodeHash)
				seenLock.Lock()
				dup := seenCodes.Contains(codeHash)
				if !dup {
					seenCodes.Add(codeHash)
				}
				seenLock.Unlock()
				if dup {
					return
				}
				select {
				case codeCh <- codeHash:
				case <-egCtx.Done():
				}
			}
		})
	})

	// Storage workers drain the queue in batches. Continuation tasks
	// from partial responses stay local to the worker that produced
	// them, so a given (account, cursor) is never in flight twice.
	for i := 0; i < d.config.MaxConcurrentRequests; i++ {
		eg.Go(func() error {
			var backlog []StorageTask
			for {
				batch, ok := nextStorageBatch(egCtx, storageCh, backlog)
				if !ok {
					return egCtx.Err()
				}
				if len(batch) == 0 {
					return nil
				}
				pending, err := d.SyncStorageBatch(egCtx, batch)
				if err != nil {
					return err
				}
				backlog = pending
			}
		})
	}

	// A single code fetcher batches hashes up to the request cap.
	eg.Go(func() error {
		for hash := range codeCh {
			hashes := []common.Hash{hash}
			hashes = drainCodes(codeCh, hashes)
			if err := d.FetchCodes(egCtx, hashes); err != nil {
				return err
			}
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	if err := d.writer.Flush(); err != nil {
		return err
	}
	progress := d.Progress()
	log.Info("bulk state download complete", "accounts", progress.Accounts, "slots", progress.Slots,
		"codes", progress.Codes, "bytes", progress.Bytes)
	return nil
}

// nextStorageBatch assembles up to maxStorageTasksPerRequest tasks,
// preferring the worker's own backlog, blocking for fresh work only when
// the backlog is empty. Returns ok=false on context cancellation and an
// empty batch when the queue is closed and drained.
func nextStorageBatch(ctx context.Context, ch <-chan StorageTask, backlog []StorageTask) ([]StorageTask, bool) {
	batch := backlog
	if len(batch) == 0 {
		select {
		case task, ok := <-ch:
			if !ok {
				return nil, true
			}
			batch = append(batch, task)
		case <-ctx.Done():
			return nil, false
		}
	}
	for len(batch) < maxStorageTasksPerRequest {
		select {
		case task, ok := <-ch:
			if !ok {
				return batch, true
			}
			batch = append(batch, task)
		default:
			return batch, true
		}
	}
	return batch, true
}

// drainCodes opportunistically fills a code request up to its cap.
func drainCodes(ch <-chan common.Hash, hashes []common.Hash) []common.Hash {
	for len(hashes) < message.MaxCodeHashesPerRequest {
		select {
		case hash, ok := <-ch:
			if !ok {
				return hashes
			}
			hashes = append(hashes, hash)
		default:
			return hashes
		}
	}
	return hashes
}
