package session

import (
	"github.com/pkg/errors"

	"go.viam.com/callsignal/signaling"
)

var (
	// ErrInvalidCallParameters means the target or the local identity is missing.
	ErrInvalidCallParameters = errors.New("invalid call parameters")
	// ErrUnauthenticated means there is no signed in identity.
	ErrUnauthenticated = errors.New("not signed in")
	// ErrMediaAccessDenied means capture permission was refused.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrMediaDeviceUnavailable means no capture device could be opened.
	ErrMediaDeviceUnavailable = errors.New("media device unavailable")
	// ErrNegotiation means a session description was malformed or unexpected.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrCallAlreadyInProgress means another attempt is still live.
	ErrCallAlreadyInProgress = errors.New("call already in progress")
	// ErrNoAnswer means the counterpart did not answer in time.
	ErrNoAnswer = errors.New("no answer")
)

// ErrorKind classifies errors reported to the user.
type ErrorKind string

// Error kinds.
const (
	KindInvalidCallParameters  = ErrorKind("invalid_call_parameters")
	KindUnauthenticated        = ErrorKind("unauthenticated")
	KindMediaAccessDenied      = ErrorKind("media_access_denied")
	KindMediaDeviceUnavailable = ErrorKind("media_device_unavailable")
	KindNegotiation            = ErrorKind("negotiation")
	KindStoreUnavailable       = ErrorKind("store_unavailable")
	KindCallAlreadyInProgress  = ErrorKind("call_already_in_progress")
	KindNoAnswer               = ErrorKind("no_answer")
	KindUnknown                = ErrorKind("unknown")
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidCallParameters, KindInvalidCallParameters},
	{ErrUnauthenticated, KindUnauthenticated},
	{ErrMediaAccessDenied, KindMediaAccessDenied},
	{ErrMediaDeviceUnavailable, KindMediaDeviceUnavailable},
	{ErrNegotiation, KindNegotiation},
	{signaling.ErrStoreUnavailable, KindStoreUnavailable},
	{ErrCallAlreadyInProgress, KindCallAlreadyInProgress},
	{ErrNoAnswer, KindNoAnswer},
}

// KindOf returns the kind of the first known error err wraps.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindUnknown
}
