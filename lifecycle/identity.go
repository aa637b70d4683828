package lifecycle

import "go.viam.com/callsignal/session"

// An IdentityProvider returns the id of the signed in user.
type IdentityProvider interface {
	// CurrentIdentity fails with session.ErrUnauthenticated when no one is signed in.
	CurrentIdentity() (string, error)
}

// StaticIdentity is a fixed identity. The empty identity is signed out.
type StaticIdentity string

// CurrentIdentity returns the identity.
func (id StaticIdentity) CurrentIdentity() (string, error) {
	if id == "" {
		return "", session.ErrUnauthenticated
	}
	return string(id), nil
}
