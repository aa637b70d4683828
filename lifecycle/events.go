package lifecycle

import (
	"time"

	"go.viam.com/callsignal/media"
	"go.viam.com/callsignal/session"
)

// An Event is something the user interface is told about.
type Event interface {
	isEvent()
}

// LocalStreamReady carries the captured local media.
type LocalStreamReady struct {
	Stream *media.LocalStream
}

// RemoteStreamUpdated carries the counterpart's media each time a track arrives.
type RemoteStreamUpdated struct {
	Stream *media.RemoteStream
}

// StatusChanged reports a new call status. Reason is set once the call ends.
type StatusChanged struct {
	CallID string
	Status session.Status
	Reason session.EndReason
}

// TimerTick reports how long the call has been running.
type TimerTick struct {
	Elapsed time.Duration
}

// ErrorEvent reports a failure that ended or prevented a call.
type ErrorEvent struct {
	Kind    session.ErrorKind
	Message string
	Err     error
}

func (LocalStreamReady) isEvent()    {}
func (RemoteStreamUpdated) isEvent() {}
func (StatusChanged) isEvent()       {}
func (TimerTick) isEvent()           {}
func (ErrorEvent) isEvent()          {}

// A Surface receives events. Notify is called from engine goroutines and must not
// call back into the controller synchronously.
type Surface interface {
	Notify(event Event)
}

// SurfaceFunc adapts a function to a Surface.
type SurfaceFunc func(event Event)

// Notify calls f.
func (f SurfaceFunc) Notify(event Event) {
	f(event)
}

type noopSurface struct{}

func (noopSurface) Notify(Event) {}

// errorEvent builds the event reported for err.
func errorEvent(err error) ErrorEvent {
	return ErrorEvent{Kind: session.KindOf(err), Message: err.Error(), Err: err}
}
