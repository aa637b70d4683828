package candidates

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/callsignal"
	"go.viam.com/callsignal/perf"
	"go.viam.com/callsignal/session"
)

// Conn is the part of a peer connection that accepts remote candidates.
type Conn interface {
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	RemoteDescription() *webrtc.SessionDescription
}

// An Applier adds the counterpart's candidates to a connection exactly once each.
// Candidates seen before the connection has a remote description wait until Flush.
type Applier struct {
	conn   Conn
	role   session.Role
	logger golog.Logger

	mu      sync.Mutex
	seen    callsignal.StringSet
	pending []session.Candidate
}

// NewApplier returns an applier for the counterpart of role.
func NewApplier(conn Conn, role session.Role, logger golog.Logger) *Applier {
	return &Applier{
		conn:   conn,
		role:   role,
		logger: logger.Named("applier"),
		seen:   callsignal.NewStringSet(),
	}
}

// Observe applies every candidate of list not seen before, in order. It returns how
// many were applied now.
func (a *Applier) Observe(list []session.Candidate) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var fresh []session.Candidate
	for _, c := range list {
		if a.seen.Add(c.Key()) {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if a.conn.RemoteDescription() == nil {
		a.pending = append(a.pending, fresh...)
		a.logger.Debugw("holding candidates until the remote description is set", "count", len(fresh))
		return 0, nil
	}
	if len(a.pending) > 0 {
		fresh = append(a.pending, fresh...)
		a.pending = nil
	}
	return a.apply(fresh)
}

// Flush applies the held candidates if the remote description is now set.
func (a *Applier) Flush() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 || a.conn.RemoteDescription() == nil {
		return 0, nil
	}
	pending := a.pending
	a.pending = nil
	return a.apply(pending)
}

// Pending returns how many candidates are held.
func (a *Applier) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// expects a.mu to be held.
func (a *Applier) apply(list []session.Candidate) (int, error) {
	var err error
	applied := 0
	for _, c := range list {
		if addErr := a.conn.AddICECandidate(c.WebRTC()); addErr != nil {
			a.logger.Warnw("failed to add remote candidate", "candidate", c.Candidate, "error", addErr)
			err = multierr.Combine(err, errors.Wrapf(addErr, "candidate %q", c.Candidate))
			continue
		}
		applied++
	}
	if applied > 0 {
		perf.RecordCandidatesApplied(context.Background(), string(a.role), applied)
	}
	return applied, err
}
