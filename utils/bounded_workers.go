// (c) 2024-2025, Statelabs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package utils

import (
	"context"
	"sync"
	"sync/atomic"
)

// BoundedWorkers runs submitted tasks on at most a fixed number of
// goroutines, spawning them lazily as submissions outpace idle workers.
type BoundedWorkers struct {
	tasks   chan func()
	slots   chan struct{}
	spawned atomic.Int32
	wg      sync.WaitGroup
}

// NewBoundedWorkers returns a pool bounded at [max] workers. No
// goroutines exist until the first Execute call.
func NewBoundedWorkers(max int) *BoundedWorkers {
	return &BoundedWorkers{
		tasks: make(chan func()),
		slots: make(chan struct{}, max),
	}
}

// Execute hands [task] to an idle worker, spawning a new one while the
// pool is below its bound. Returns false without running the task when
// [ctx] is done first.
func (b *BoundedWorkers) Execute(ctx context.Context, task func()) bool {
	select {
	case b.tasks <- task:
		return true
	case b.slots <- struct{}{}:
		b.spawn(task)
		return true
	case <-ctx.Done():
		return false
	}
}

// spawn starts a worker that runs [task] and then keeps draining the
// task channel until the pool is stopped.
func (b *BoundedWorkers) spawn(task func()) {
	b.spawned.Add(1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		task()
		for next := range b.tasks {
			next()
		}
	}()
}

// Stop closes the pool and blocks until every worker has finished its
// remaining work. Reports how many workers were spawned over the run.
//
// Execute must not be called after Stop, and Stop only once.
func (b *BoundedWorkers) Stop() int {
	close(b.tasks)
	b.wg.Wait()
	return int(b.spawned.Load())
}
