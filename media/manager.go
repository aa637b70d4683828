// Package media captures local media and builds the peer connections that carry it.
package media

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/callsignal/session"
)

// Options configures a Manager.
type Options struct {
	VideoWidth  int
	VideoHeight int
	// IncludeLoopbackCandidates gathers candidates on loopback interfaces, which lets
	// two peers on one host connect without any other network.
	IncludeLoopbackCandidates bool
}

// A Manager acquires local media and allocates peer connections for calls.
type Manager struct {
	capturer Capturer
	api      *webrtc.API
	opts     Options
	logger   golog.Logger
}

// NewManager returns a manager capturing through capturer.
func NewManager(capturer Capturer, opts Options, logger golog.Logger) (*Manager, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := capturer.ConfigureMediaEngine(mediaEngine); err != nil {
		return nil, errors.Wrap(err, "error registering codecs")
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, errors.Wrap(err, "error registering interceptors")
	}
	settingEngine := webrtc.SettingEngine{
		LoggerFactory: LoggerFactory{Logger: logger.Named("pion")},
	}
	settingEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopbackCandidates)
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &Manager{
		capturer: capturer,
		api:      api,
		opts:     opts,
		logger:   logger.Named("media"),
	}, nil
}

// AcquireLocalMedia captures audio and, for video calls, video at the configured size.
func (m *Manager) AcquireLocalMedia(ctx context.Context, callType session.CallType) (*LocalStream, error) {
	constraints := Constraints{
		Audio:  true,
		Video:  callType.HasVideo(),
		Width:  m.opts.VideoWidth,
		Height: m.opts.VideoHeight,
	}
	tracks, err := m.capturer.Capture(ctx, constraints)
	if err != nil {
		if !errors.Is(err, session.ErrMediaAccessDenied) && !errors.Is(err, session.ErrMediaDeviceUnavailable) {
			err = errors.Wrap(session.ErrMediaDeviceUnavailable, err.Error())
		}
		m.logger.Warnw("failed to acquire local media", "call_type", callType, "error", err)
		return nil, err
	}
	return NewLocalStream(tracks...), nil
}

// NewPeerConnection allocates a peer connection using the given ICE servers.
func (m *Manager) NewPeerConnection(iceServers []webrtc.ICEServer, handlers Handlers) (*Connection, error) {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, errors.Wrap(err, "error creating peer connection")
	}
	conn := &Connection{PeerConnection: pc, remote: &RemoteStream{}}
	wireHandlers(conn, handlers)
	return conn, nil
}

// AttachLocalTracks adds every track of stream to conn.
func AttachLocalTracks(conn *Connection, stream *LocalStream) error {
	for _, track := range stream.Tracks() {
		sender, err := conn.AddTrack(track)
		if err != nil {
			return errors.Wrapf(err, "error adding %s track", track.Kind())
		}
		stream.bindSender(track, sender)
	}
	return nil
}

// CloseConnection closes conn. Closing nil or an already closed connection is a no-op.
func CloseConnection(conn *Connection) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// StopLocalMedia stops every track of stream. Stopping nil or an already stopped
// stream is a no-op.
func StopLocalMedia(stream *LocalStream) error {
	if stream == nil {
		return nil
	}
	return stream.Stop()
}

// Release stops local media and closes the connection, combining their errors.
func Release(stream *LocalStream, conn *Connection) error {
	return multierr.Combine(StopLocalMedia(stream), CloseConnection(conn))
}
