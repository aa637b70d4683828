package session

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/callsignal/signaling"
)

func TestNewCallID(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	callID := NewCallID("alice", "bob", at)
	test.That(t, callID, test.ShouldEqual, "alice_bob_1700000000123")
}

func TestStatusOrder(t *testing.T) {
	order := []Status{StatusIdle, StatusOfferCreated, StatusRinging, StatusConnected, StatusEnded}
	for i, from := range order {
		test.That(t, from.Rank(), test.ShouldEqual, i)
		for j, to := range order {
			expected := j > i && !from.IsTerminal()
			test.That(t, from.CanAdvanceTo(to), test.ShouldEqual, expected)
		}
	}
	test.That(t, StatusEnded.IsTerminal(), test.ShouldBeTrue)
	test.That(t, StatusConnected.IsTerminal(), test.ShouldBeFalse)
	test.That(t, Status("bogus").Rank(), test.ShouldEqual, -1)
	test.That(t, StatusIdle.CanAdvanceTo(Status("bogus")), test.ShouldBeFalse)
	test.That(t, Status("bogus").CanAdvanceTo(StatusEnded), test.ShouldBeFalse)
}

func TestRoleFields(t *testing.T) {
	test.That(t, RoleCaller.CandidatesField(), test.ShouldEqual, FieldCallerCandidates)
	test.That(t, RoleReceiver.CandidatesField(), test.ShouldEqual, FieldReceiverCandidates)
}

func TestFieldsAndDecode(t *testing.T) {
	mid := "0"
	mline := uint16(0)
	ufrag := "abcd"
	createdAt := time.UnixMilli(1700000000000)
	s := &CallSession{
		CallerID:   "alice",
		ReceiverID: "bob",
		Offer:      &SessionDescription{Type: "offer", SDP: "v=0"},
		CallType:   CallTypeVideo,
		Status:     StatusRinging,
		CallerCandidates: []Candidate{
			{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &mline, UsernameFragment: &ufrag},
			{Candidate: "candidate:2"},
		},
		ReceiverCandidates: []Candidate{},
		CreatedAt:          createdAt,
	}

	fields := s.Fields()
	test.That(t, fields[FieldStatus], test.ShouldEqual, "ringing")
	test.That(t, fields[FieldOffer], test.ShouldResemble, map[string]interface{}{"type": "offer", "sdp": "v=0"})
	test.That(t, fields[FieldReceiverCandidates], test.ShouldResemble, []interface{}{})
	_, hasAnswer := fields[FieldAnswer]
	test.That(t, hasAnswer, test.ShouldBeFalse)
	_, hasEndedAt := fields[FieldEndedAt]
	test.That(t, hasEndedAt, test.ShouldBeFalse)

	decoded, err := Decode("alice_bob_1700000000000", fields)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded.ID, test.ShouldEqual, "alice_bob_1700000000000")
	decoded.ID = ""
	test.That(t, decoded, test.ShouldResemble, s)

	t.Run("loosely typed values", func(t *testing.T) {
		decoded, err := Decode("x", map[string]interface{}{
			FieldStatus:    "ended",
			FieldCreatedAt: int64(1700000000000),
			FieldEndedAt:   "2023-11-14T22:13:20Z",
			FieldCallerCandidates: []interface{}{
				map[string]interface{}{"candidate": "c", "sdpMid": "0", "sdpMLineIndex": float64(1)},
			},
			"_id": "ignored",
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, decoded.Ended(), test.ShouldBeTrue)
		test.That(t, decoded.CreatedAt.Equal(createdAt), test.ShouldBeTrue)
		test.That(t, decoded.EndedAt, test.ShouldNotBeNil)
		test.That(t, decoded.EndedAt.Equal(createdAt), test.ShouldBeTrue)
		test.That(t, decoded.CallerCandidates, test.ShouldHaveLength, 1)
		test.That(t, *decoded.CallerCandidates[0].SDPMLineIndex, test.ShouldEqual, uint16(1))
		test.That(t, decoded.CallerCandidates[0].UsernameFragment, test.ShouldBeNil)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := Decode("x", map[string]interface{}{FieldStatus: "paused"})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "unknown status")
	})
}

func TestCandidateConversions(t *testing.T) {
	mid := "audio"
	mline := uint16(2)
	init := webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &mline}
	c := CandidateFrom(init)
	test.That(t, c.WebRTC(), test.ShouldResemble, init)
	test.That(t, c.Key(), test.ShouldEqual, "candidate:1|audio|2")
	test.That(t, Candidate{Candidate: "candidate:1"}.Key(), test.ShouldEqual, "candidate:1||")
	test.That(t, c.Fields(), test.ShouldResemble, map[string]interface{}{
		"candidate":        "candidate:1",
		"sdpMid":           "audio",
		"sdpMLineIndex":    2,
		"usernameFragment": nil,
	})
}

func TestDescriptionConversions(t *testing.T) {
	desc := DescriptionFrom(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	test.That(t, desc, test.ShouldResemble, SessionDescription{Type: "answer", SDP: "v=0"})
	converted, err := desc.WebRTC()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, converted.Type, test.ShouldEqual, webrtc.SDPTypeAnswer)

	_, err = SessionDescription{Type: "bogus", SDP: "v=0"}.WebRTC()
	test.That(t, errors.Is(err, ErrNegotiation), test.ShouldBeTrue)
	_, err = SessionDescription{Type: "offer"}.WebRTC()
	test.That(t, errors.Is(err, ErrNegotiation), test.ShouldBeTrue)
}

func TestUpdateFields(t *testing.T) {
	answer := AnswerFields(SessionDescription{Type: "answer", SDP: "v=0"})
	test.That(t, answer, test.ShouldResemble, map[string]interface{}{
		FieldAnswer: map[string]interface{}{"type": "answer", "sdp": "v=0"},
		FieldStatus: "connected",
	})
	at := time.Now()
	ended := EndedFields(at, EndReasonNoAnswer)
	test.That(t, ended[FieldStatus], test.ShouldEqual, "ended")
	test.That(t, ended[FieldEndReason], test.ShouldEqual, "no_answer")
	test.That(t, ended[FieldEndedAt], test.ShouldEqual, at)
}

func TestKindOf(t *testing.T) {
	test.That(t, KindOf(nil), test.ShouldEqual, ErrorKind(""))
	test.That(t, KindOf(errors.Wrap(ErrMediaAccessDenied, "camera")), test.ShouldEqual, KindMediaAccessDenied)
	test.That(t, KindOf(errors.Wrap(signaling.ErrStoreUnavailable, "write")), test.ShouldEqual, KindStoreUnavailable)
	test.That(t, KindOf(ErrNoAnswer), test.ShouldEqual, KindNoAnswer)
	test.That(t, KindOf(errors.New("boom")), test.ShouldEqual, KindUnknown)
}
