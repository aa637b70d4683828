package negotiation

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/callsignal/session"
)

// Conn is the part of a peer connection negotiation needs. *webrtc.PeerConnection
// satisfies it.
type Conn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
}

// A Negotiator produces and consumes the descriptions of one attempt.
type Negotiator struct {
	conn          Conn
	machine       *Machine
	remoteApplied atomic.Bool
	logger        golog.Logger
}

// NewNegotiator returns a negotiator for conn in the idle status.
func NewNegotiator(conn Conn, logger golog.Logger) *Negotiator {
	return &Negotiator{
		conn:    conn,
		machine: NewMachine(),
		logger:  logger.Named("negotiation"),
	}
}

// State returns the current status.
func (n *Negotiator) State() session.Status {
	return n.machine.State()
}

// History returns every status passed through.
func (n *Negotiator) History() []session.Status {
	return n.machine.History()
}

// RemoteDescriptionApplied returns whether an answer or offer from the counterpart
// has been applied.
func (n *Negotiator) RemoteDescriptionApplied() bool {
	return n.remoteApplied.Load()
}

// CreateOffer creates an offer and sets it as the local description.
func (n *Negotiator) CreateOffer(ctx context.Context) (session.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return session.SessionDescription{}, err
	}
	offer, err := n.conn.CreateOffer(nil)
	if err != nil {
		return session.SessionDescription{}, errors.Wrapf(session.ErrNegotiation, "error creating offer: %v", err)
	}
	if err := n.conn.SetLocalDescription(offer); err != nil {
		return session.SessionDescription{}, errors.Wrapf(session.ErrNegotiation, "error setting local offer: %v", err)
	}
	if err := n.machine.Advance(session.StatusOfferCreated); err != nil {
		return session.SessionDescription{}, errors.Wrap(session.ErrNegotiation, err.Error())
	}
	return session.DescriptionFrom(offer), nil
}

// MarkRinging records that the offer has been written for the counterpart.
func (n *Negotiator) MarkRinging() error {
	return n.machine.Advance(session.StatusRinging)
}

// ApplyRemoteAnswer applies answer unless a remote description was already applied,
// in which case it returns false and no error.
func (n *Negotiator) ApplyRemoteAnswer(answer session.SessionDescription) (bool, error) {
	if n.remoteApplied.Load() {
		return false, nil
	}
	desc, err := answer.WebRTC()
	if err != nil {
		return false, err
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		return false, errors.Wrapf(session.ErrNegotiation, "expected an answer but got %q", answer.Type)
	}
	if !n.remoteApplied.CompareAndSwap(false, true) {
		return false, nil
	}
	if err := n.conn.SetRemoteDescription(desc); err != nil {
		n.remoteApplied.Store(false)
		return false, errors.Wrapf(session.ErrNegotiation, "error applying answer: %v", err)
	}
	if err := n.machine.Advance(session.StatusConnected); err != nil {
		n.logger.Debugw("answer applied after status moved on", "error", err)
	}
	return true, nil
}

// AcceptOffer applies the counterpart's offer and returns the local answer.
func (n *Negotiator) AcceptOffer(ctx context.Context, offer session.SessionDescription) (session.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return session.SessionDescription{}, err
	}
	desc, err := offer.WebRTC()
	if err != nil {
		return session.SessionDescription{}, err
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return session.SessionDescription{}, errors.Wrapf(session.ErrNegotiation, "expected an offer but got %q", offer.Type)
	}
	if !n.remoteApplied.CompareAndSwap(false, true) {
		return session.SessionDescription{}, errors.Wrap(session.ErrNegotiation, "remote description already applied")
	}
	if err := n.conn.SetRemoteDescription(desc); err != nil {
		n.remoteApplied.Store(false)
		return session.SessionDescription{}, errors.Wrapf(session.ErrNegotiation, "error applying offer: %v", err)
	}
	answer, err := n.conn.CreateAnswer(nil)
	if err != nil {
		return session.SessionDescription{}, errors.Wrapf(session.ErrNegotiation, "error creating answer: %v", err)
	}
	if err := n.conn.SetLocalDescription(answer); err != nil {
		return session.SessionDescription{}, errors.Wrapf(session.ErrNegotiation, "error setting local answer: %v", err)
	}
	if err := n.machine.Advance(session.StatusConnected); err != nil {
		return session.SessionDescription{}, errors.Wrap(session.ErrNegotiation, err.Error())
	}
	return session.DescriptionFrom(answer), nil
}

// End moves to the ended status. It returns whether this call made the move.
func (n *Negotiator) End() bool {
	return n.machine.Advance(session.StatusEnded) == nil
}
