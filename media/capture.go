package media

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pkg/errors"

	"go.viam.com/callsignal"
	"go.viam.com/callsignal/session"
)

// Constraints describes the media to capture.
type Constraints struct {
	Audio  bool
	Video  bool
	Width  int
	Height int
}

// A Capturer opens capture devices.
type Capturer interface {
	// Capture returns one track per requested kind. It fails with an error wrapping
	// session.ErrMediaAccessDenied or session.ErrMediaDeviceUnavailable.
	Capture(ctx context.Context, constraints Constraints) ([]LocalTrack, error)

	// ConfigureMediaEngine registers the codecs the captured tracks are encoded with.
	ConfigureMediaEngine(mediaEngine *webrtc.MediaEngine) error
}

// DeviceCapturer captures from the host's camera and microphone through
// pion/mediadevices. Drivers and encoders are registered by the binary.
type DeviceCapturer struct {
	codecSelector *mediadevices.CodecSelector
	logger        golog.Logger
}

// NewDeviceCapturer returns a capturer encoding with codecSelector. A nil selector
// leaves tracks unencoded, which only suits enumerating devices.
func NewDeviceCapturer(codecSelector *mediadevices.CodecSelector, logger golog.Logger) *DeviceCapturer {
	return &DeviceCapturer{codecSelector: codecSelector, logger: logger.Named("capture")}
}

// ConfigureMediaEngine registers the selector's codecs, or pion's defaults without one.
func (c *DeviceCapturer) ConfigureMediaEngine(mediaEngine *webrtc.MediaEngine) error {
	if c.codecSelector == nil {
		return mediaEngine.RegisterDefaultCodecs()
	}
	c.codecSelector.Populate(mediaEngine)
	return nil
}

// Capture opens the microphone and, if requested, the camera.
func (c *DeviceCapturer) Capture(ctx context.Context, constraints Constraints) ([]LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var haveAudio, haveVideo bool
	for _, device := range mediadevices.EnumerateDevices() {
		c.logger.Debugw("found media device", "kind", device.Kind, "label", device.Label)
		switch device.Kind {
		case mediadevices.AudioInput:
			haveAudio = true
		case mediadevices.VideoInput:
			haveVideo = true
		default:
		}
	}
	if constraints.Audio && !haveAudio {
		return nil, errors.Wrap(session.ErrMediaDeviceUnavailable, "no microphone found")
	}
	if constraints.Video && !haveVideo {
		return nil, errors.Wrap(session.ErrMediaDeviceUnavailable, "no camera found")
	}

	streamConstraints := mediadevices.MediaStreamConstraints{Codec: c.codecSelector}
	if constraints.Audio {
		streamConstraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	if constraints.Video {
		streamConstraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			if constraints.Width > 0 {
				mtc.Width = prop.Int(constraints.Width)
			}
			if constraints.Height > 0 {
				mtc.Height = prop.Int(constraints.Height)
			}
		}
	}
	stream, err := mediadevices.GetUserMedia(streamConstraints)
	if err != nil {
		return nil, classifyCaptureError(err)
	}

	var tracks []LocalTrack
	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				c.logger.Warnw("local track ended", "id", track.ID(), "error", err)
			}
		})
		tracks = append(tracks, track)
	}
	c.logger.Infow("captured local media", "tracks", len(tracks), "video", constraints.Video)
	return tracks, nil
}

var permissionErrorFragments = []string{"permission denied", "operation not permitted", "not allowed"}

func classifyCaptureError(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return errors.Wrap(session.ErrMediaAccessDenied, err.Error())
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range permissionErrorFragments {
		if strings.Contains(msg, fragment) {
			return errors.Wrap(session.ErrMediaAccessDenied, err.Error())
		}
	}
	return errors.Wrap(session.ErrMediaDeviceUnavailable, err.Error())
}

// SyntheticCapturer produces tracks that send filler samples instead of real media.
// It needs no devices and is used by the loopback command and tests.
type SyntheticCapturer struct {
	// SampleInterval is how often a sample is written. Zero means 20ms.
	SampleInterval time.Duration
}

// ConfigureMediaEngine registers pion's default codecs.
func (c SyntheticCapturer) ConfigureMediaEngine(mediaEngine *webrtc.MediaEngine) error {
	return mediaEngine.RegisterDefaultCodecs()
}

// Capture returns an Opus track and, if requested, a VP8 track.
func (c SyntheticCapturer) Capture(ctx context.Context, constraints Constraints) ([]LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	interval := c.SampleInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	streamID := "synthetic-" + callsignal.RandomAlphaString(6)
	var tracks []LocalTrack
	if constraints.Audio {
		track, err := NewSyntheticTrack(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID, interval,
		)
		if err != nil {
			return nil, errors.Wrap(session.ErrMediaDeviceUnavailable, err.Error())
		}
		tracks = append(tracks, track)
	}
	if constraints.Video {
		track, err := NewSyntheticTrack(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID, interval,
		)
		if err != nil {
			for _, t := range tracks {
				callsignal.UncheckedErrorFunc(t.Close)
			}
			return nil, errors.Wrap(session.ErrMediaDeviceUnavailable, err.Error())
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// A SyntheticTrack is a sample track fed with filler samples until it is closed.
type SyntheticTrack struct {
	*webrtc.TrackLocalStaticSample
	workers   *callsignal.StoppableWorkers
	closeOnce sync.Once
}

// NewSyntheticTrack starts a track that writes a filler sample every interval.
func NewSyntheticTrack(
	capability webrtc.RTPCodecCapability,
	id, streamID string,
	interval time.Duration,
) (*SyntheticTrack, error) {
	sample, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	track := &SyntheticTrack{
		TrackLocalStaticSample: sample,
		workers:                callsignal.NewStoppableWorkers(context.Background()),
	}
	filler := []byte{0xf8, 0xff, 0xfe}
	if err := track.workers.AddTicker(interval, func(ctx context.Context, tick int) {
		// unbound tracks drop samples without error
		callsignal.UncheckedError(sample.WriteSample(pionmedia.Sample{Data: filler, Duration: interval}))
	}); err != nil {
		return nil, err
	}
	return track, nil
}

// Close stops writing samples.
func (t *SyntheticTrack) Close() error {
	t.closeOnce.Do(t.workers.Stop)
	return nil
}
