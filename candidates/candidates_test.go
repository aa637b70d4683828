package candidates

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/callsignal"
	"go.viam.com/callsignal/session"
	"go.viam.com/callsignal/signaling"
	"go.viam.com/callsignal/testutils"
)

func candidate(i int) session.Candidate {
	mid := "0"
	mline := uint16(0)
	return session.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.1 %d typ host", i, 5000+i), SDPMid: &mid, SDPMLineIndex: &mline}
}

func readCandidates(t testing.TB, store signaling.Store, callID string, role session.Role) []session.Candidate {
	fields, found, err := store.ReadOnce(context.Background(), "calls", callID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldBeTrue)
	s, err := session.Decode(callID, fields)
	test.That(t, err, test.ShouldBeNil)
	return s.LocalCandidates(role)
}

func fastRetry() callsignal.RetryOptions {
	return callsignal.RetryOptions{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestOutboxBuffersUntilOpen(t *testing.T) {
	logger := golog.NewTestLogger(t)
	var writesMu sync.Mutex
	var writes []signaling.Write
	store := signaling.NewMemoryStore(logger, signaling.WithWriteHook(func(w signaling.Write) {
		writesMu.Lock()
		writes = append(writes, w)
		writesMu.Unlock()
	}))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()

	outbox := NewOutbox(store, OutboxOptions{Collection: "calls", Role: session.RoleCaller, Retry: fastRetry()}, logger)
	defer outbox.Close()
	outbox.Enqueue(candidate(0))
	outbox.Enqueue(candidate(1))
	test.That(t, outbox.Pending(), test.ShouldEqual, 2)

	callID := session.NewCallID("alice", "bob", time.Now())
	s := &session.CallSession{CallerID: "alice", ReceiverID: "bob", Status: session.StatusRinging, CreatedAt: time.Now()}
	test.That(t, store.Create(context.Background(), "calls", callID, s.Fields()), test.ShouldBeNil)

	test.That(t, outbox.Open(callID), test.ShouldBeNil)
	test.That(t, outbox.Open(callID), test.ShouldNotBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, readCandidates(tb, store, callID, session.RoleCaller), test.ShouldHaveLength, 2)
	})

	outbox.Enqueue(candidate(2))
	outbox.Enqueue(candidate(1))
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, readCandidates(tb, store, callID, session.RoleCaller), test.ShouldResemble,
			[]session.Candidate{candidate(0), candidate(1), candidate(2)})
		test.That(tb, outbox.Pending(), test.ShouldEqual, 0)
	})
	test.That(t, readCandidates(t, store, callID, session.RoleReceiver), test.ShouldBeEmpty)

	writesMu.Lock()
	defer writesMu.Unlock()
	for _, w := range writes {
		if w.Op != signaling.WriteOpUpdate {
			continue
		}
		test.That(t, w.Merge, test.ShouldBeTrue)
		test.That(t, w.Fields, test.ShouldHaveLength, 1)
		_, ok := w.Fields[session.FieldCallerCandidates]
		test.That(t, ok, test.ShouldBeTrue)
	}
}

func TestOutboxRetriesOutages(t *testing.T) {
	logger := golog.NewTestLogger(t)
	store := signaling.NewMemoryStore(logger)
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()
	callID := "alice_bob_1"
	test.That(t, store.Create(context.Background(), "calls", callID, map[string]interface{}{}), test.ShouldBeNil)

	errCh := make(chan error, 10)
	outbox := NewOutbox(store, OutboxOptions{
		Collection: "calls",
		Role:       session.RoleReceiver,
		Retry:      fastRetry(),
		OnError: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	}, logger)
	defer outbox.Close()

	store.SetUnavailable(true)
	test.That(t, outbox.Open(callID), test.ShouldBeNil)
	outbox.Enqueue(candidate(0))

	var err error
	select {
	case err = <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("expected an append error")
	}
	test.That(t, errors.Is(err, signaling.ErrStoreUnavailable), test.ShouldBeTrue)
	var retryErr *callsignal.RetryError
	test.That(t, errors.As(err, &retryErr), test.ShouldBeTrue)
	test.That(t, outbox.Pending(), test.ShouldBeGreaterThanOrEqualTo, 1)

	store.SetUnavailable(false)
	testutils.WaitForAssertionWithSleep(t, 10*time.Millisecond, 500, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, readCandidates(tb, store, callID, session.RoleReceiver), test.ShouldResemble, []session.Candidate{candidate(0)})
	})
}

func TestOutboxMissingCall(t *testing.T) {
	logger := golog.NewTestLogger(t)
	store := signaling.NewMemoryStore(logger)
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()

	var attempts int
	var mu sync.Mutex
	errCh := make(chan error, 10)
	retry := fastRetry()
	retry.OnRetry = func(int, error, time.Duration) {
		mu.Lock()
		attempts++
		mu.Unlock()
	}
	outbox := NewOutbox(store, OutboxOptions{
		Collection: "calls",
		Role:       session.RoleCaller,
		Retry:      retry,
		OnError:    func(err error) { errCh <- err },
	}, logger)
	test.That(t, outbox.Open("gone"), test.ShouldBeNil)
	outbox.Enqueue(candidate(0))
	err := <-errCh
	outbox.Close()
	test.That(t, errors.Is(err, signaling.ErrNotFound), test.ShouldBeTrue)
	mu.Lock()
	test.That(t, attempts, test.ShouldEqual, 0)
	mu.Unlock()
}

func TestOutboxClose(t *testing.T) {
	logger := golog.NewTestLogger(t)
	store := signaling.NewMemoryStore(logger)
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()

	outbox := NewOutbox(store, OutboxOptions{Collection: "calls", Role: session.RoleCaller}, logger)
	outbox.Close()
	outbox.Close()
	outbox.Enqueue(candidate(0))
	test.That(t, outbox.Pending(), test.ShouldEqual, 0)
	test.That(t, outbox.Open("x"), test.ShouldNotBeNil)
}

type fakeConn struct {
	mu      sync.Mutex
	remote  *webrtc.SessionDescription
	added   []string
	failFor string
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if candidate.Candidate == c.failFor {
		return errors.New("bad candidate")
	}
	c.added = append(c.added, candidate.Candidate)
	return nil
}

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeConn) setRemote() {
	c.mu.Lock()
	c.remote = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	c.mu.Unlock()
}

func TestApplierOutOfOrderBeforeAnswer(t *testing.T) {
	conn := &fakeConn{}
	applier := NewApplier(conn, session.RoleCaller, golog.NewTestLogger(t))

	// the counterpart's list grows as 2, then 2 0, then 2 0 1
	c0, c1, c2 := candidate(0), candidate(1), candidate(2)
	for _, list := range [][]session.Candidate{{c2}, {c2, c0}, {c2, c0, c1}} {
		applied, err := applier.Observe(list)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, applied, test.ShouldEqual, 0)
	}
	test.That(t, applier.Pending(), test.ShouldEqual, 3)
	test.That(t, conn.added, test.ShouldBeEmpty)

	applied, err := applier.Flush()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, applied, test.ShouldEqual, 0)

	conn.setRemote()
	applied, err = applier.Flush()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, applied, test.ShouldEqual, 3)
	test.That(t, conn.added, test.ShouldResemble, []string{c2.Candidate, c0.Candidate, c1.Candidate})

	applied, err = applier.Observe([]session.Candidate{c2, c0, c1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, applied, test.ShouldEqual, 0)
	applied, err = applier.Flush()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, applied, test.ShouldEqual, 0)
	test.That(t, conn.added, test.ShouldHaveLength, 3)
}

func TestApplierAfterAnswer(t *testing.T) {
	conn := &fakeConn{}
	conn.setRemote()
	applier := NewApplier(conn, session.RoleReceiver, golog.NewTestLogger(t))

	applied, err := applier.Observe([]session.Candidate{candidate(0), candidate(1)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, applied, test.ShouldEqual, 2)

	// duplicate delivery of the same list followed by growth
	applied, err = applier.Observe([]session.Candidate{candidate(0), candidate(1)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, applied, test.ShouldEqual, 0)
	applied, err = applier.Observe([]session.Candidate{candidate(0), candidate(1), candidate(2)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, applied, test.ShouldEqual, 1)
	test.That(t, conn.added, test.ShouldResemble, []string{candidate(0).Candidate, candidate(1).Candidate, candidate(2).Candidate})
}

func TestApplierReportsRejectedCandidates(t *testing.T) {
	conn := &fakeConn{failFor: candidate(1).Candidate}
	conn.setRemote()
	applier := NewApplier(conn, session.RoleCaller, golog.NewTestLogger(t))

	applied, err := applier.Observe([]session.Candidate{candidate(0), candidate(1), candidate(2)})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bad candidate")
	test.That(t, applied, test.ShouldEqual, 2)

	// a rejected candidate is not retried
	applied, err = applier.Observe([]session.Candidate{candidate(0), candidate(1), candidate(2)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, applied, test.ShouldEqual, 0)
}
