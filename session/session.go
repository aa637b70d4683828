// Package session defines the call document two peers negotiate through.
package session

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// Document field names.
const (
	FieldCallerID           = "callerId"
	FieldReceiverID         = "receiverId"
	FieldOffer              = "offer"
	FieldAnswer             = "answer"
	FieldCallType           = "callType"
	FieldStatus             = "status"
	FieldCallerCandidates   = "callerCandidates"
	FieldReceiverCandidates = "receiverCandidates"
	FieldCreatedAt          = "createdAt"
	FieldEndedAt            = "endedAt"
	FieldEndReason          = "endReason"
)

// A SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `mapstructure:"type"`
	SDP  string `mapstructure:"sdp"`
}

// DescriptionFrom converts a pion description.
func DescriptionFrom(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

// WebRTC converts d to a pion description.
func (d SessionDescription) WebRTC() (webrtc.SessionDescription, error) {
	sdpType := webrtc.NewSDPType(d.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, errors.Wrapf(ErrNegotiation, "unknown description type %q", d.Type)
	}
	if d.SDP == "" {
		return webrtc.SessionDescription{}, errors.Wrap(ErrNegotiation, "empty description")
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: d.SDP}, nil
}

func (d SessionDescription) fields() map[string]interface{} {
	return map[string]interface{}{"type": d.Type, "sdp": d.SDP}
}

// A Candidate is a connectivity candidate in the shape browsers serialize them.
type Candidate struct {
	Candidate        string  `mapstructure:"candidate"`
	SDPMid           *string `mapstructure:"sdpMid"`
	SDPMLineIndex    *uint16 `mapstructure:"sdpMLineIndex"`
	UsernameFragment *string `mapstructure:"usernameFragment"`
}

// CandidateFrom converts a pion candidate.
func CandidateFrom(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// WebRTC converts c to a pion candidate.
func (c Candidate) WebRTC() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Key identifies a candidate for deduplication.
func (c Candidate) Key() string {
	var mid, mline string
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		mline = strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return c.Candidate + "|" + mid + "|" + mline
}

// Fields encodes c as a document value.
func (c Candidate) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"candidate":        c.Candidate,
		"sdpMid":           nil,
		"sdpMLineIndex":    nil,
		"usernameFragment": nil,
	}
	if c.SDPMid != nil {
		fields["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		fields["sdpMLineIndex"] = int(*c.SDPMLineIndex)
	}
	if c.UsernameFragment != nil {
		fields["usernameFragment"] = *c.UsernameFragment
	}
	return fields
}

// CandidateList encodes candidates as a document value.
func CandidateList(candidates []Candidate) []interface{} {
	list := make([]interface{}, 0, len(candidates))
	for _, c := range candidates {
		list = append(list, c.Fields())
	}
	return list
}

// A CallSession is the shared record of one call.
type CallSession struct {
	ID                 string              `mapstructure:"-"`
	CallerID           string              `mapstructure:"callerId"`
	ReceiverID         string              `mapstructure:"receiverId"`
	Offer              *SessionDescription `mapstructure:"offer"`
	Answer             *SessionDescription `mapstructure:"answer"`
	CallType           CallType            `mapstructure:"callType"`
	Status             Status              `mapstructure:"status"`
	CallerCandidates   []Candidate         `mapstructure:"callerCandidates"`
	ReceiverCandidates []Candidate         `mapstructure:"receiverCandidates"`
	CreatedAt          time.Time           `mapstructure:"createdAt"`
	EndedAt            *time.Time          `mapstructure:"endedAt"`
	EndReason          EndReason           `mapstructure:"endReason"`
}

// NewCallID returns the id of a call placed by callerID to receiverID at the given time.
func NewCallID(callerID, receiverID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", callerID, receiverID, at.UnixMilli())
}

// Fields encodes s as document fields. Optional fields that are unset are left out.
func (s *CallSession) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		FieldCallerID:           s.CallerID,
		FieldReceiverID:         s.ReceiverID,
		FieldCallType:           string(s.CallType),
		FieldStatus:             string(s.Status),
		FieldCallerCandidates:   CandidateList(s.CallerCandidates),
		FieldReceiverCandidates: CandidateList(s.ReceiverCandidates),
		FieldCreatedAt:          s.CreatedAt,
	}
	if s.Offer != nil {
		fields[FieldOffer] = s.Offer.fields()
	}
	if s.Answer != nil {
		fields[FieldAnswer] = s.Answer.fields()
	}
	if s.EndedAt != nil {
		fields[FieldEndedAt] = *s.EndedAt
	}
	if s.EndReason != "" {
		fields[FieldEndReason] = string(s.EndReason)
	}
	return fields
}

// AnswerFields returns the merge update that records answer and connects the call.
func AnswerFields(answer SessionDescription) map[string]interface{} {
	return map[string]interface{}{
		FieldAnswer: answer.fields(),
		FieldStatus: string(StatusConnected),
	}
}

// EndedFields returns the merge update that marks a call ended.
func EndedFields(at time.Time, reason EndReason) map[string]interface{} {
	return map[string]interface{}{
		FieldStatus:    string(StatusEnded),
		FieldEndedAt:   at,
		FieldEndReason: string(reason),
	}
}

// Decode reads a call document. Numbers may arrive in any width and dates as
// times, RFC 3339 strings or unix milliseconds.
func Decode(id string, fields map[string]interface{}) (*CallSession, error) {
	var s CallSession
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			millisToTimeHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
		WeaklyTypedInput: true,
		Result:           &s,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(fields); err != nil {
		return nil, errors.Wrapf(err, "error decoding call %q", id)
	}
	s.ID = id
	if s.Status != "" && !s.Status.Valid() {
		return nil, errors.Errorf("call %q has unknown status %q", id, s.Status)
	}
	return &s, nil
}

func millisToTimeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	switch v := data.(type) {
	case int64:
		return time.UnixMilli(v), nil
	case int:
		return time.UnixMilli(int64(v)), nil
	case float64:
		return time.UnixMilli(int64(v)), nil
	default:
		return data, nil
	}
}

// Ended returns whether the call has reached its terminal status.
func (s *CallSession) Ended() bool {
	return s.Status.IsTerminal()
}

// RemoteCandidates returns the candidates written by the counterpart of role.
func (s *CallSession) RemoteCandidates(role Role) []Candidate {
	if role == RoleReceiver {
		return s.CallerCandidates
	}
	return s.ReceiverCandidates
}

// LocalCandidates returns the candidates written by role.
func (s *CallSession) LocalCandidates(role Role) []Candidate {
	if role == RoleReceiver {
		return s.ReceiverCandidates
	}
	return s.CallerCandidates
}
