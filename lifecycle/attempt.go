package lifecycle

import (
	"sync"

	"github.com/edaniels/golog"
	"go.uber.org/atomic"

	"go.viam.com/callsignal"
	"go.viam.com/callsignal/candidates"
	"go.viam.com/callsignal/media"
	"go.viam.com/callsignal/negotiation"
	"go.viam.com/callsignal/session"
)

// An attempt is one call from reservation to teardown.
type attempt struct {
	role        session.Role
	callType    session.CallType
	callID      string
	counterpart string
	logger      golog.Logger
	workers     *callsignal.StoppableWorkers

	// mu guards the fields below and serializes document reactions with teardown.
	mu         sync.Mutex
	local      *media.LocalStream
	conn       *media.Connection
	negotiator *negotiation.Negotiator
	outbox     *candidates.Outbox
	applier    *candidates.Applier

	unsubscribe func()
	created     bool
	announced   bool
	// settingUp is true while Start or Accept still runs; tornDown once teardown is
	// done. The attempt keeps the controller until both are over.
	settingUp bool
	tornDown  bool

	ended     atomic.Bool
	failed    atomic.Bool
	setupDone chan struct{}
}

// adopt runs keep under the lock unless teardown has begun, in which case the
// caller still owns whatever it meant to hand over.
func (a *attempt) adopt(keep func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended.Load() {
		return false
	}
	keep()
	return true
}

// markCreated records that the document exists so teardown marks it ended. It
// returns false, leaving that to the caller, if teardown has already begun.
func (a *attempt) markCreated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended.Load() {
		return false
	}
	a.created = true
	return true
}

// setUnsubscribe stores the subscription's cancel function, calling it right away
// if teardown has begun.
func (a *attempt) setUnsubscribe(unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unsubscribe = unsubscribe
	if a.ended.Load() {
		unsubscribe()
	}
}

// stopFollowing stops document delivery and the timers. Expects a.mu to be held.
func (a *attempt) stopFollowing() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.workers.Stop()
}
