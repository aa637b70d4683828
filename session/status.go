package session

// Status is the negotiation status recorded on a call document.
type Status string

// The statuses a call moves through, in order.
const (
	StatusIdle         = Status("idle")
	StatusOfferCreated = Status("offer_created")
	StatusRinging      = Status("ringing")
	StatusConnected    = Status("connected")
	StatusEnded        = Status("ended")
)

var statusRanks = map[Status]int{
	StatusIdle:         0,
	StatusOfferCreated: 1,
	StatusRinging:      2,
	StatusConnected:    3,
	StatusEnded:        4,
}

// Rank returns the position of s in the status order, or -1 if s is unknown.
func (s Status) Rank() int {
	rank, ok := statusRanks[s]
	if !ok {
		return -1
	}
	return rank
}

// Valid returns whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// IsTerminal returns whether no further status can follow s.
func (s Status) IsTerminal() bool {
	return s == StatusEnded
}

// CanAdvanceTo returns whether moving from s to next goes strictly forward.
// Skipping statuses is allowed.
func (s Status) CanAdvanceTo(next Status) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

// CallType is the kind of media a call carries.
type CallType string

// Call types.
const (
	CallTypeAudio = CallType("audio")
	CallTypeVideo = CallType("video")
)

// Valid returns whether t is a known call type.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// HasVideo returns whether calls of this type capture video.
func (t CallType) HasVideo() bool {
	return t == CallTypeVideo
}

// EndReason records why a call ended.
type EndReason string

// End reasons.
const (
	EndReasonHangup      = EndReason("hangup")
	EndReasonRemoteEnded = EndReason("remote_ended")
	EndReasonNoAnswer    = EndReason("no_answer")
	EndReasonFailed      = EndReason("failed")
)

// Role is the side of a call an engine plays.
type Role string

// Roles.
const (
	RoleCaller   = Role("caller")
	RoleReceiver = Role("receiver")
)

// CandidatesField returns the document field holding the candidates this role writes.
func (r Role) CandidatesField() string {
	if r == RoleReceiver {
		return FieldReceiverCandidates
	}
	return FieldCallerCandidates
}
