// Package candidates moves connectivity candidates between a peer connection and
// the call document.
package candidates

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/callsignal"
	"go.viam.com/callsignal/perf"
	"go.viam.com/callsignal/session"
	"go.viam.com/callsignal/signaling"
)

// OutboxOptions configures an Outbox.
type OutboxOptions struct {
	Collection string
	Role       session.Role
	Retry      callsignal.RetryOptions
	// OnError is called when a batch could not be written after every retry. The
	// batch stays buffered and is written with the next one.
	OnError func(err error)
}

// An Outbox buffers local candidates and appends them to the role's own candidate
// field of the call document. A single writer keeps appends in discovery order.
type Outbox struct {
	store  signaling.Store
	opts   OutboxOptions
	logger golog.Logger

	mu      sync.Mutex
	callID  string
	buffer  []session.Candidate
	opened  bool
	closed  bool
	wake    chan struct{}
	workers *callsignal.StoppableWorkers
}

// NewOutbox returns an outbox that buffers until Open is called.
func NewOutbox(store signaling.Store, opts OutboxOptions, logger golog.Logger) *Outbox {
	return &Outbox{
		store:  store,
		opts:   opts,
		logger: logger.Named("outbox"),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue buffers a candidate for writing. Candidates enqueued after Close are dropped.
func (o *Outbox) Enqueue(candidate session.Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.buffer = append(o.buffer, candidate)
	if o.opened {
		o.signal()
	}
}

// expects o.mu to be held.
func (o *Outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Open starts writing buffered and future candidates to the given call.
func (o *Outbox) Open(callID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("outbox closed")
	}
	if o.opened {
		return errors.Errorf("outbox already open for call %q", o.callID)
	}
	o.callID = callID
	o.opened = true
	o.workers = callsignal.NewStoppableWorkers(context.Background())
	if err := o.workers.Add(o.writeLoop); err != nil {
		return err
	}
	o.signal()
	return nil
}

// Pending returns how many candidates are waiting to be written.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buffer)
}

// Close stops the writer and waits for it. Buffered candidates are discarded.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	workers := o.workers
	o.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}

func (o *Outbox) writeLoop(ctx context.Context) {
	for {
		if !callsignal.SelectContextOrWaitChan(ctx, o.wake) {
			return
		}
		o.mu.Lock()
		batch := o.buffer
		o.buffer = nil
		callID := o.callID
		o.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		written, err := callsignal.RetryWithBackoff(ctx, func(ctx context.Context) (int, error) {
			return o.appendBatch(ctx, callID, batch)
		}, o.retryOptions(callID))
		if err == nil {
			perf.RecordCandidatesAppended(ctx, string(o.opts.Role), written)
			continue
		}

		o.mu.Lock()
		o.buffer = append(batch, o.buffer...)
		o.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		o.logger.Warnw("failed to append candidates", "call_id", callID, "count", len(batch), "error", err)
		if o.opts.OnError != nil {
			o.opts.OnError(err)
		}
		if !callsignal.SelectContextOrWait(ctx, o.failurePause()) {
			return
		}
		o.mu.Lock()
		o.signal()
		o.mu.Unlock()
	}
}

func (o *Outbox) failurePause() time.Duration {
	if o.opts.Retry.MaxBackoff > 0 {
		return o.opts.Retry.MaxBackoff
	}
	return time.Second
}

func (o *Outbox) retryOptions(callID string) callsignal.RetryOptions {
	opts := o.opts.Retry
	if opts.Retryable == nil {
		opts.Retryable = func(err error) bool {
			return errors.Is(err, signaling.ErrStoreUnavailable)
		}
	}
	onRetry := opts.OnRetry
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		o.logger.Debugw("retrying candidate append", "call_id", callID, "attempt", attempt, "wait", wait, "error", err)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}
	return opts
}

// appendBatch reads the role's candidate field, appends the candidates it does not
// already hold, and writes only that field back. It returns how many were added.
func (o *Outbox) appendBatch(ctx context.Context, callID string, batch []session.Candidate) (int, error) {
	field := o.opts.Role.CandidatesField()
	fields, found, err := o.store.ReadOnce(ctx, o.opts.Collection, callID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.Wrapf(signaling.ErrNotFound, "call %q", callID)
	}
	existing, err := session.Decode(callID, map[string]interface{}{field: fields[field]})
	if err != nil {
		return 0, err
	}
	current := existing.LocalCandidates(o.opts.Role)
	seen := callsignal.NewStringSet()
	for _, c := range current {
		seen.Add(c.Key())
	}
	list := session.CandidateList(current)
	added := 0
	for _, c := range batch {
		if !seen.Add(c.Key()) {
			continue
		}
		list = append(list, c.Fields())
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := o.store.Update(ctx, o.opts.Collection, callID, map[string]interface{}{field: list}, true); err != nil {
		return 0, err
	}
	return added, nil
}
