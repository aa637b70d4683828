package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Handlers receive peer connection events.
type Handlers struct {
	// OnTrack is called with the accumulated remote stream each time a track arrives.
	OnTrack func(remote *RemoteStream, track *webrtc.TrackRemote)
	// OnICECandidate is called for every local candidate. The end of gathering is
	// not reported.
	OnICECandidate func(candidate webrtc.ICECandidateInit)
	// OnConnectionStateChange is called when the connection state changes.
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
}

// A Connection is a peer connection whose Close may be called any number of times.
type Connection struct {
	*webrtc.PeerConnection
	remote    *RemoteStream
	closeOnce sync.Once
}

// Remote returns the stream of tracks received so far.
func (c *Connection) Remote() *RemoteStream {
	return c.remote
}

// Close closes the peer connection. Only the first call does anything.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.PeerConnection.Close()
	})
	return err
}

func wireHandlers(conn *Connection, handlers Handlers) {
	conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		conn.remote.add(track)
		if handlers.OnTrack != nil {
			handlers.OnTrack(conn.remote, track)
		}
	})
	conn.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || handlers.OnICECandidate == nil {
			return
		}
		handlers.OnICECandidate(candidate.ToJSON())
	})
	if handlers.OnConnectionStateChange != nil {
		conn.OnConnectionStateChange(handlers.OnConnectionStateChange)
	}
}
