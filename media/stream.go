package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// A LocalTrack is a captured track that can be sent and must be closed when done.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// A LocalStream is the set of tracks captured for one call.
type LocalStream struct {
	mu       sync.Mutex
	tracks   []LocalTrack
	senders  map[string]*webrtc.RTPSender
	disabled map[webrtc.RTPCodecType]bool
	stopped  bool
}

// NewLocalStream returns a stream of the given tracks.
func NewLocalStream(tracks ...LocalTrack) *LocalStream {
	return &LocalStream{
		tracks:   tracks,
		senders:  map[string]*webrtc.RTPSender{},
		disabled: map[webrtc.RTPCodecType]bool{},
	}
}

// Tracks returns the stream's tracks.
func (s *LocalStream) Tracks() []LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LocalTrack(nil), s.tracks...)
}

// HasKind returns whether the stream has a track of the given kind.
func (s *LocalStream) HasKind(kind webrtc.RTPCodecType) bool {
	for _, track := range s.Tracks() {
		if track.Kind() == kind {
			return true
		}
	}
	return false
}

func (s *LocalStream) bindSender(track LocalTrack, sender *webrtc.RTPSender) {
	s.mu.Lock()
	s.senders[track.ID()] = sender
	s.mu.Unlock()
}

// Enabled returns whether tracks of the given kind are being sent.
func (s *LocalStream) Enabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled[kind]
}

// SetEnabled starts or stops sending every track of the given kind. A disabled
// track stays captured and its sender stays negotiated.
func (s *LocalStream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("local stream stopped")
	}
	var err error
	for _, track := range s.tracks {
		if track.Kind() != kind {
			continue
		}
		sender, ok := s.senders[track.ID()]
		if !ok {
			continue
		}
		if enabled {
			err = multierr.Combine(err, sender.ReplaceTrack(track))
		} else {
			err = multierr.Combine(err, sender.ReplaceTrack(nil))
		}
	}
	if err != nil {
		return err
	}
	s.disabled[kind] = !enabled
	return nil
}

// Stop closes every track. Only the first call does anything.
func (s *LocalStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	var err error
	for _, track := range s.tracks {
		err = multierr.Combine(err, track.Close())
	}
	return err
}

// Stopped returns whether Stop was called.
func (s *LocalStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// A RemoteStream accumulates the tracks received from the counterpart.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (r *RemoteStream) add(track *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, track)
	r.mu.Unlock()
}

// Tracks returns the tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

// HasKind returns whether a track of the given kind was received.
func (r *RemoteStream) HasKind(kind webrtc.RTPCodecType) bool {
	for _, track := range r.Tracks() {
		if track.Kind() == kind {
			return true
		}
	}
	return false
}
