// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statedb

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
)

// Writer is the durable-write capability handed to the downloader and
// the healer for verified data. Writes may be buffered; Flush commits
// everything buffered so far.
type Writer interface {
	WriteAccount(hash common.Hash, body []byte) error
	WriteStorage(account, slot common.Hash, value []byte) error
	WriteCode(hash common.Hash, code []byte) error
	WriteTrieNode(hash common.Hash, node []byte) error
	Flush() error
}

// batchWriter buffers writes into an ethdb batch and commits whenever the
// buffered size crosses the ideal batch size, so a huge state never
// accumulates in memory.
type batchWriter struct {
	db    ethdb.Database
	lock  sync.Mutex
	batch ethdb.Batch
}

// NewBatchWriter returns a Writer that batches writes to [db], flushing
// at ethdb.IdealBatchSize boundaries. Safe for concurrent use.
func NewBatchWriter(db ethdb.Database) Writer {
	return &batchWriter{
		db:    db,
		batch: db.NewBatch(),
	}
}

func (w *batchWriter) put(key, value []byte) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if err := w.batch.Put(key, value); err != nil {
		return err
	}
	if w.batch.ValueSize() >= ethdb.IdealBatchSize {
		if err := w.batch.Write(); err != nil {
			return fmt.Errorf("failed to write state batch: %w", err)
		}
		w.batch.Reset()
	}
	return nil
}

func (w *batchWriter) WriteAccount(hash common.Hash, body []byte) error {
	return w.put(accountKey(hash), body)
}

func (w *batchWriter) WriteStorage(account, slot common.Hash, value []byte) error {
	return w.put(storageKey(account, slot), value)
}

func (w *batchWriter) WriteCode(hash common.Hash, code []byte) error {
	return w.put(codeKey(hash), code)
}

func (w *batchWriter) WriteTrieNode(hash common.Hash, node []byte) error {
	return w.put(hash.Bytes(), node)
}

func (w *batchWriter) Flush() error {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.batch.ValueSize() == 0 {
		return nil
	}
	if err := w.batch.Write(); err != nil {
		return fmt.Errorf("failed to flush state batch: %w", err)
	}
	w.batch.Reset()
	return nil
}
