// Package lifecycle drives a call from start to teardown on top of the signaling
// store, local media, and a peer connection.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/callsignal"
	"go.viam.com/callsignal/candidates"
	"go.viam.com/callsignal/media"
	"go.viam.com/callsignal/negotiation"
	"go.viam.com/callsignal/perf"
	"go.viam.com/callsignal/session"
	"go.viam.com/callsignal/signaling"
)

var errEndedWhileStarting = errors.New("call ended while starting")

// Defaults used for zero Options fields.
const (
	DefaultCollection     = "calls"
	DefaultDeleteGrace    = 5 * time.Second
	DefaultRingingTimeout = 45 * time.Second
	DefaultTimerInterval  = time.Second
)

// DefaultStoreRetry is used when Options.StoreRetry.Attempts is zero.
var DefaultStoreRetry = callsignal.RetryOptions{
	Attempts:       5,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// Options configures a Controller.
type Options struct {
	Collection string
	ICEServers []webrtc.ICEServer
	// DeleteGrace is how long an ended call document is kept before it is deleted.
	DeleteGrace time.Duration
	// RingingTimeout ends an unanswered outgoing call.
	RingingTimeout time.Duration
	// TimerInterval is the period of TimerTick events.
	TimerInterval time.Duration
	StoreRetry    callsignal.RetryOptions
}

func (opts Options) withDefaults() Options {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.DeleteGrace <= 0 {
		opts.DeleteGrace = DefaultDeleteGrace
	}
	if opts.RingingTimeout <= 0 {
		opts.RingingTimeout = DefaultRingingTimeout
	}
	if opts.TimerInterval <= 0 {
		opts.TimerInterval = DefaultTimerInterval
	}
	if opts.StoreRetry.Attempts == 0 {
		opts.StoreRetry = DefaultStoreRetry
	}
	if opts.StoreRetry.Retryable == nil {
		opts.StoreRetry.Retryable = func(err error) bool {
			return errors.Is(err, signaling.ErrStoreUnavailable)
		}
	}
	return opts
}

// A Controller runs at most one call attempt at a time.
type Controller struct {
	store    signaling.Store
	media    *media.Manager
	identity IdentityProvider
	surface  Surface
	opts     Options
	logger   golog.Logger

	mu      sync.Mutex
	current *attempt
	closed  bool

	activeBackgroundWorkers sync.WaitGroup
}

// NewController returns a controller that reports to surface. A nil surface
// discards events.
func NewController(
	store signaling.Store,
	mediaManager *media.Manager,
	identity IdentityProvider,
	surface Surface,
	opts Options,
	logger golog.Logger,
) *Controller {
	if surface == nil {
		surface = noopSurface{}
	}
	return &Controller{
		store:    store,
		media:    mediaManager,
		identity: identity,
		surface:  surface,
		opts:     opts.withDefaults(),
		logger:   logger.Named("lifecycle"),
	}
}

// Start places a call to targetUserID and returns its id once the call is ringing.
func (c *Controller) Start(ctx context.Context, targetUserID string, callType session.CallType) (string, error) {
	self, err := c.validate(targetUserID, callType)
	if err != nil {
		return "", c.reportFatal(err)
	}
	now := time.Now()
	a, err := c.reserve(session.RoleCaller, callType, session.NewCallID(self, targetUserID, now), targetUserID)
	if err != nil {
		return "", c.reportFatal(err)
	}

	defer c.finishSetup(a)
	// End cancels whatever setup step is in flight.
	ctx, cancel := callsignal.MergeContext(ctx, a.workers.Context())
	defer cancel()

	if err := c.prepareMedia(ctx, a); err != nil {
		return "", c.setupFailed(a, err, false)
	}
	offer, err := a.negotiator.CreateOffer(ctx)
	if err != nil {
		return "", c.setupFailed(a, err, false)
	}

	doc := &session.CallSession{
		CallerID:           self,
		ReceiverID:         targetUserID,
		Offer:              &offer,
		CallType:           callType,
		Status:             session.StatusRinging,
		CallerCandidates:   []session.Candidate{},
		ReceiverCandidates: []session.Candidate{},
		CreatedAt:          now,
	}
	if err := c.withStoreRetry(ctx, "create call", func(ctx context.Context) error {
		return c.store.Create(ctx, c.opts.Collection, a.callID, doc.Fields())
	}); err != nil {
		// a cancelled create may still have reached the store
		return "", c.setupFailed(a, err, true)
	}
	if !a.markCreated() {
		return "", c.endedWhileStarting(a, true)
	}
	if err := a.negotiator.MarkRinging(); err != nil {
		return "", c.setupFailed(a, err, false)
	}
	c.announce(a, session.StatusRinging)

	if err := c.follow(ctx, a); err != nil {
		return "", c.setupFailed(a, err, false)
	}
	if err := a.workers.AddAfter(c.opts.RingingTimeout, func(ctx context.Context) {
		c.ringingTimedOut(a)
	}); err != nil {
		return "", c.setupFailed(a, err, false)
	}
	a.logger.Infow("call ringing", "receiver_id", targetUserID, "call_type", callType)
	return a.callID, nil
}

// Accept answers the call with the given id. The call must be addressed to the
// signed in user, unanswered, and not ended.
func (c *Controller) Accept(ctx context.Context, callID string) error {
	if callID == "" {
		return c.reportFatal(errors.Wrap(session.ErrInvalidCallParameters, "missing call id"))
	}
	self, err := c.identity.CurrentIdentity()
	if err != nil {
		return c.reportFatal(errors.Wrapf(session.ErrInvalidCallParameters, "%v", err))
	}

	var doc *session.CallSession
	if err := c.withStoreRetry(ctx, "read call", func(ctx context.Context) error {
		fields, found, err := c.store.ReadOnce(ctx, c.opts.Collection, callID)
		if err != nil {
			return err
		}
		if !found {
			return errors.Wrapf(session.ErrInvalidCallParameters, "no call %q", callID)
		}
		doc, err = session.Decode(callID, fields)
		return err
	}); err != nil {
		return c.reportFatal(err)
	}
	switch {
	case doc.ReceiverID != self:
		return c.reportFatal(errors.Wrapf(session.ErrInvalidCallParameters, "call %q is not addressed to %q", callID, self))
	case doc.Ended():
		return c.reportFatal(errors.Wrapf(session.ErrInvalidCallParameters, "call %q already ended", callID))
	case doc.Offer == nil:
		return c.reportFatal(errors.Wrapf(session.ErrNegotiation, "call %q has no offer", callID))
	case doc.Answer != nil:
		return c.reportFatal(errors.Wrapf(session.ErrNegotiation, "call %q already answered", callID))
	}

	a, err := c.reserve(session.RoleReceiver, doc.CallType, callID, doc.CallerID)
	if err != nil {
		return c.reportFatal(err)
	}

	defer c.finishSetup(a)
	ctx, cancel := callsignal.MergeContext(ctx, a.workers.Context())
	defer cancel()

	if err := c.prepareMedia(ctx, a); err != nil {
		return c.setupFailed(a, err, false)
	}
	answer, err := a.negotiator.AcceptOffer(ctx, *doc.Offer)
	if err != nil {
		return c.setupFailed(a, err, false)
	}
	if err := c.withStoreRetry(ctx, "write answer", func(ctx context.Context) error {
		applied, err := c.store.UpdateIf(ctx, c.opts.Collection, callID, session.AnswerFields(answer), answerGuard)
		switch {
		case errors.Is(err, signaling.ErrNotFound):
			return errors.Wrapf(session.ErrInvalidCallParameters, "call %q was removed", callID)
		case err != nil:
			return err
		case applied:
			return nil
		}
		return c.answerRefused(ctx, callID)
	}); err != nil {
		return c.setupFailed(a, err, true)
	}
	if !a.markCreated() {
		return c.endedWhileStarting(a, true)
	}
	c.announce(a, session.StatusConnected)

	if err := c.follow(ctx, a); err != nil {
		return c.setupFailed(a, err, false)
	}
	a.logger.Infow("call accepted", "caller_id", doc.CallerID, "call_type", doc.CallType)
	return nil
}

// answerGuard keeps an answer from landing on a call that is answered or over.
var answerGuard = signaling.Guard{
	Absent:   []string{session.FieldAnswer},
	NotEqual: map[string]interface{}{session.FieldStatus: string(session.StatusEnded)},
}

// answerRefused explains why the answer for callID was not written.
func (c *Controller) answerRefused(ctx context.Context, callID string) error {
	fields, found, err := c.store.ReadOnce(ctx, c.opts.Collection, callID)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(session.ErrInvalidCallParameters, "call %q was removed", callID)
	}
	doc, err := session.Decode(callID, fields)
	if err != nil {
		return err
	}
	if doc.Ended() {
		return errors.Wrapf(session.ErrInvalidCallParameters, "call %q already ended", callID)
	}
	return errors.Wrapf(session.ErrNegotiation, "call %q already answered", callID)
}

// End hangs up the current call, if any.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	a := c.current
	c.mu.Unlock()
	if a == nil {
		return nil
	}
	return c.endAttempt(ctx, a, session.EndReasonHangup, true)
}

// Close ends any active call and waits for deferred deletes.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	a := c.current
	c.mu.Unlock()
	var err error
	if a != nil {
		err = c.endAttempt(context.Background(), a, session.EndReasonHangup, true)
		<-a.setupDone
	}
	c.activeBackgroundWorkers.Wait()
	return err
}

// CallID returns the id of the current call, if any.
func (c *Controller) CallID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", false
	}
	return c.current.callID, true
}

// Status returns the negotiation state of the current call, or idle.
func (c *Controller) Status() session.Status {
	c.mu.Lock()
	a := c.current
	c.mu.Unlock()
	if a == nil {
		return session.StatusIdle
	}
	a.mu.Lock()
	negotiator := a.negotiator
	a.mu.Unlock()
	if negotiator == nil {
		return session.StatusIdle
	}
	return negotiator.State()
}

// ToggleAudio mutes or unmutes the microphone and returns whether it is now muted.
func (c *Controller) ToggleAudio() (bool, error) {
	enabled, err := c.toggle(webrtc.RTPCodecTypeAudio)
	return !enabled, err
}

// ToggleVideo turns the camera off or on and returns whether it is now off.
func (c *Controller) ToggleVideo() (bool, error) {
	enabled, err := c.toggle(webrtc.RTPCodecTypeVideo)
	return !enabled, err
}

func (c *Controller) toggle(kind webrtc.RTPCodecType) (bool, error) {
	c.mu.Lock()
	a := c.current
	c.mu.Unlock()
	var local *media.LocalStream
	if a != nil {
		a.mu.Lock()
		local = a.local
		a.mu.Unlock()
	}
	if local == nil {
		return false, errors.New("no active call")
	}
	if !local.HasKind(kind) {
		return false, errors.Errorf("call has no %s track", kind)
	}
	enabled := !local.Enabled(kind)
	if err := local.SetEnabled(kind, enabled); err != nil {
		return !enabled, err
	}
	return enabled, nil
}

func (c *Controller) validate(target string, callType session.CallType) (string, error) {
	self, err := c.identity.CurrentIdentity()
	if err != nil {
		return "", errors.Wrapf(session.ErrInvalidCallParameters, "%v", err)
	}
	if target == "" {
		return "", errors.Wrap(session.ErrInvalidCallParameters, "missing target user")
	}
	if target == self {
		return "", errors.Wrap(session.ErrInvalidCallParameters, "cannot call yourself")
	}
	if !callType.Valid() {
		return "", errors.Wrapf(session.ErrInvalidCallParameters, "unknown call type %q", callType)
	}
	return self, nil
}

// reserve claims the controller for a new attempt.
func (c *Controller) reserve(role session.Role, callType session.CallType, callID, counterpart string) (*attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("controller closed")
	}
	if c.current != nil {
		return nil, session.ErrCallAlreadyInProgress
	}
	a := &attempt{
		role:        role,
		callType:    callType,
		callID:      callID,
		counterpart: counterpart,
		workers:     callsignal.NewStoppableWorkers(context.Background()),
		logger:      c.logger.With("role", role, "call_id", callID, "counterpart", counterpart),
		settingUp:   true,
		setupDone:   make(chan struct{}),
	}
	c.current = a
	return a, nil
}

// prepareMedia captures local media and builds the connection around it.
func (c *Controller) prepareMedia(ctx context.Context, a *attempt) error {
	local, err := c.media.AcquireLocalMedia(ctx, a.callType)
	if err != nil {
		return err
	}
	outbox := candidates.NewOutbox(c.store, candidates.OutboxOptions{
		Collection: c.opts.Collection,
		Role:       a.role,
		Retry:      c.opts.StoreRetry,
		OnError: func(err error) {
			a.logger.Warnw("candidates not yet published", "error", err)
		},
	}, a.logger)
	if !a.adopt(func() {
		a.local = local
		a.outbox = outbox
	}) {
		return multierr.Combine(errEndedWhileStarting, media.StopLocalMedia(local))
	}

	conn, err := c.media.NewPeerConnection(c.opts.ICEServers, media.Handlers{
		OnTrack: func(remote *media.RemoteStream, track *webrtc.TrackRemote) {
			if a.ended.Load() {
				return
			}
			c.surface.Notify(RemoteStreamUpdated{Stream: remote})
		},
		OnICECandidate: func(init webrtc.ICECandidateInit) {
			outbox.Enqueue(session.CandidateFrom(init))
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			a.logger.Debugw("connection state changed", "state", state)
			if state == webrtc.PeerConnectionStateFailed && !a.ended.Load() {
				c.fail(a, errors.Wrap(session.ErrNegotiation, "peer connection failed"))
			}
		},
	})
	if err != nil {
		return err
	}
	if !a.adopt(func() {
		a.conn = conn
		a.negotiator = negotiation.NewNegotiator(conn, a.logger)
		a.applier = candidates.NewApplier(conn, a.role, a.logger)
	}) {
		return multierr.Combine(errEndedWhileStarting, media.CloseConnection(conn))
	}

	if err := media.AttachLocalTracks(conn, local); err != nil {
		return err
	}
	a.adopt(func() {
		c.surface.Notify(LocalStreamReady{Stream: local})
	})
	return nil
}

// follow starts publishing candidates, watching the document, and the call timer.
func (c *Controller) follow(ctx context.Context, a *attempt) error {
	if err := a.outbox.Open(a.callID); err != nil {
		return err
	}
	var unsubscribe func()
	if err := c.withStoreRetry(ctx, "subscribe", func(ctx context.Context) error {
		var err error
		unsubscribe, err = c.store.Subscribe(ctx, c.opts.Collection, a.callID, func(fields map[string]interface{}) {
			c.onSessionChanged(a, fields)
		})
		return err
	}); err != nil {
		return err
	}
	a.setUnsubscribe(unsubscribe)

	interval := c.opts.TimerInterval
	return a.workers.AddTicker(interval, func(ctx context.Context, tick int) {
		c.surface.Notify(TimerTick{Elapsed: time.Duration(tick) * interval})
	})
}

// onSessionChanged reacts to a delivered copy of the call document.
func (c *Controller) onSessionChanged(a *attempt, fields map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended.Load() {
		return
	}
	doc, err := session.Decode(a.callID, fields)
	if err != nil {
		a.logger.Warnw("ignoring unreadable call document", "error", err)
		return
	}
	if doc.Ended() {
		a.logger.Infow("call ended remotely", "reason", doc.EndReason)
		c.goEnd(a, session.EndReasonRemoteEnded, false)
		return
	}

	if a.role == session.RoleCaller && doc.Answer != nil {
		applied, err := a.negotiator.ApplyRemoteAnswer(*doc.Answer)
		if err != nil {
			c.fail(a, err)
			return
		}
		if applied {
			c.surface.Notify(StatusChanged{CallID: a.callID, Status: session.StatusConnected})
			if n, err := a.applier.Flush(); err != nil {
				a.logger.Warnw("some remote candidates were rejected", "applied", n, "error", err)
			}
		} else {
			perf.RecordAnswerIgnored(context.Background())
		}
	}

	if _, err := a.applier.Observe(doc.RemoteCandidates(a.role)); err != nil {
		a.logger.Warnw("some remote candidates were rejected", "error", err)
	}
}

func (c *Controller) ringingTimedOut(a *attempt) {
	if a.ended.Load() || a.negotiator.State() != session.StatusRinging || !a.failed.CompareAndSwap(false, true) {
		return
	}
	err := errors.Wrapf(session.ErrNoAnswer, "no answer after %s", c.opts.RingingTimeout)
	a.logger.Infow("call not answered", "timeout", c.opts.RingingTimeout)
	c.surface.Notify(errorEvent(err))
	c.goEnd(a, session.EndReasonNoAnswer, true)
}

// fail reports err and ends a from the background.
func (c *Controller) fail(a *attempt, err error) {
	if a.ended.Load() || !a.failed.CompareAndSwap(false, true) {
		return
	}
	a.logger.Warnw("call failed", "error", err)
	c.surface.Notify(errorEvent(err))
	c.goEnd(a, session.EndReasonFailed, true)
}

// goEnd ends a on a tracked goroutine. It is used from callbacks and workers that
// endAttempt itself waits on.
func (c *Controller) goEnd(a *attempt, reason session.EndReason, writeStatus bool) {
	c.activeBackgroundWorkers.Add(1)
	callsignal.PanicCapturingGo(func() {
		defer c.activeBackgroundWorkers.Done()
		callsignal.UncheckedError(c.endAttempt(context.Background(), a, reason, writeStatus))
	})
}

// abort ends an attempt that failed while starting and returns err.
func (c *Controller) abort(a *attempt, err error) error {
	a.logger.Warnw("call setup failed", "error", err)
	if a.failed.CompareAndSwap(false, true) {
		c.surface.Notify(errorEvent(err))
	}
	if endErr := c.endAttempt(context.Background(), a, session.EndReasonFailed, true); endErr != nil {
		a.logger.Warnw("error tearing down failed call", "error", endErr)
	}
	return err
}

// setupFailed ends an attempt whose setup step returned err. If End got there first
// the attempt is already torn down and only the document may need finishing; written
// says whether the failed step could have touched it.
func (c *Controller) setupFailed(a *attempt, err error, written bool) error {
	if a.ended.Load() {
		return c.endedWhileStarting(a, written)
	}
	return c.abort(a, err)
}

// endedWhileStarting finishes an attempt that End tore down while Start or Accept
// was still running.
func (c *Controller) endedWhileStarting(a *attempt, written bool) error {
	a.mu.Lock()
	err := media.Release(a.local, a.conn)
	a.mu.Unlock()
	if written {
		writeErr := c.withStoreRetry(context.Background(), "mark call ended", func(ctx context.Context) error {
			return c.store.Update(ctx, c.opts.Collection, a.callID, session.EndedFields(time.Now(), session.EndReasonHangup), true)
		})
		if errors.Is(writeErr, signaling.ErrNotFound) {
			writeErr = nil
		}
		err = multierr.Combine(err, writeErr)
		c.deleteLater(a)
	}
	a.logger.Infow("call ended while starting")
	return multierr.Combine(errEndedWhileStarting, err)
}

// finishSetup hands the controller back if teardown already finished while setup
// was running.
func (c *Controller) finishSetup(a *attempt) {
	a.mu.Lock()
	a.settingUp = false
	tornDown := a.tornDown
	a.mu.Unlock()
	if tornDown {
		c.release(a)
	}
	close(a.setupDone)
}

func (c *Controller) release(a *attempt) {
	c.mu.Lock()
	if c.current == a {
		c.current = nil
	}
	c.mu.Unlock()
}

// reportFatal reports an error that happened before any resource was held.
func (c *Controller) reportFatal(err error) error {
	c.logger.Warnw("call rejected", "error", err)
	c.surface.Notify(errorEvent(err))
	return err
}

// endAttempt tears down a exactly once. Local resources are released before the
// document is touched so store errors never keep media alive.
func (c *Controller) endAttempt(ctx context.Context, a *attempt, reason session.EndReason, writeStatus bool) error {
	if !a.ended.CompareAndSwap(false, true) {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.negotiator != nil {
		a.negotiator.End()
	}
	a.stopFollowing()
	if a.outbox != nil {
		a.outbox.Close()
	}
	err := media.Release(a.local, a.conn)

	if writeStatus && a.created {
		writeErr := c.withStoreRetry(ctx, "mark call ended", func(ctx context.Context) error {
			return c.store.Update(ctx, c.opts.Collection, a.callID, session.EndedFields(time.Now(), reason), true)
		})
		if errors.Is(writeErr, signaling.ErrNotFound) {
			writeErr = nil
		}
		err = multierr.Combine(err, writeErr)
		c.deleteLater(a)
	}

	if a.announced {
		perf.RecordCallEnded(context.Background(), string(a.role), string(reason))
		c.surface.Notify(StatusChanged{CallID: a.callID, Status: session.StatusEnded, Reason: reason})
	}
	a.logger.Infow("call ended", "reason", reason)

	a.tornDown = true
	if !a.settingUp {
		c.release(a)
	}
	return err
}

// deleteLater removes the call document once the grace period has passed.
func (c *Controller) deleteLater(a *attempt) {
	c.activeBackgroundWorkers.Add(1)
	callsignal.PanicCapturingGo(func() {
		defer c.activeBackgroundWorkers.Done()
		time.Sleep(c.opts.DeleteGrace)
		if err := c.withStoreRetry(context.Background(), "delete call", func(ctx context.Context) error {
			return c.store.Delete(ctx, c.opts.Collection, a.callID)
		}); err != nil {
			a.logger.Warnw("failed to delete ended call", "error", err)
		}
	})
}

// announce reports the first status of a live call. Holding a.mu orders it before
// the ended event.
func (c *Controller) announce(a *attempt, status session.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended.Load() {
		return
	}
	a.announced = true
	perf.RecordCallStarted(context.Background(), string(a.role))
	c.surface.Notify(StatusChanged{CallID: a.callID, Status: status})
}

func (c *Controller) withStoreRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opts := c.opts.StoreRetry
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.logger.Debugw("retrying store operation", "op", op, "attempt", attempt, "wait", wait, "error", err)
	}
	_, err := callsignal.RetryWithBackoff(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts)
	return err
}
