package callsignal

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStoppableWorkersAlreadyStopped is returned when adding to a stopped group.
var ErrStoppableWorkersAlreadyStopped = errors.New("cannot add worker: already stopped")

// StoppableWorkers is a collection of goroutines that can be stopped at a
// later time. A call attempt owns one group for its timers and writers so that
// teardown can stop all of them at once.
type StoppableWorkers struct {
	mu         sync.RWMutex
	ctx        context.Context
	cancelFunc func()

	workers sync.WaitGroup
}

// NewStoppableWorkers creates a new StoppableWorkers instance. The instance's
// context will be derived from passed in context.
func NewStoppableWorkers(ctx context.Context) *StoppableWorkers {
	ctx, cancelFunc := context.WithCancel(ctx)
	return &StoppableWorkers{ctx: ctx, cancelFunc: cancelFunc}
}

// Add starts up a goroutine for the passed-in function. Workers:
//
//   - MUST respond appropriately to errors on the context parameter.
//   - MUST NOT call Stop on the group to which they belong.
//
// Any `panic`s from workers will be `recover`ed and logged.
func (sw *StoppableWorkers) Add(worker func(context.Context)) error {
	// Read-lock to allow concurrent worker addition. The Stop method will write-lock.
	sw.mu.RLock()
	if sw.ctx.Err() != nil {
		sw.mu.RUnlock()
		return ErrStoppableWorkersAlreadyStopped
	}
	sw.workers.Add(1)
	sw.mu.RUnlock()

	PanicCapturingGo(func() {
		defer sw.workers.Done()
		worker(sw.ctx)
	})
	return nil
}

// AddAfter runs fn once after the given delay unless the group is stopped first.
func (sw *StoppableWorkers) AddAfter(delay time.Duration, fn func(context.Context)) error {
	return sw.Add(func(ctx context.Context) {
		if !SelectContextOrWait(ctx, delay) {
			return
		}
		fn(ctx)
	})
}

// AddTicker runs fn every interval until the group is stopped. The tick count starts at one.
func (sw *StoppableWorkers) AddTicker(interval time.Duration, fn func(ctx context.Context, tick int)) error {
	return sw.Add(func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for tick := 1; ; tick++ {
			if !SelectContextOrWaitChan(ctx, ticker.C) {
				return
			}
			fn(ctx, tick)
		}
	})
}

// Context returns the context handed to every worker.
func (sw *StoppableWorkers) Context() context.Context {
	return sw.ctx
}

// Stop idempotently shuts down all the goroutines we started up.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	if sw.ctx.Err() != nil {
		sw.mu.Unlock()
		sw.workers.Wait()
		return
	}
	sw.cancelFunc()
	sw.mu.Unlock()
	sw.workers.Wait()
}
