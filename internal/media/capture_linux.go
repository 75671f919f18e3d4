//go:build linux && cgo

package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Capture opens the local camera and/or microphone via pion/mediadevices
// (V4L2 + malgo). For the Video profile a video+audio attempt is tried first,
// then audio-only, so a missing or busy camera does not sink the whole call.
// When no attempt yields a track the error is ErrAccessDenied.
func Capture(profile Profile, opts Options) (*Stream, error) {
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	populate := func(me *webrtc.MediaEngine) error {
		codecSelector.Populate(me)
		return nil
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("no media devices found")
	} else {
		for _, d := range devices {
			log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
		}
	}

	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio-only"}}
	if profile == Video {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Ideal: opts.Width, Max: opts.Width}
				c.Height = prop.IntRanged{Ideal: opts.Height, Max: opts.Height}
			}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		mdTracks := ms.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
		stop := make([]func(), 0, len(mdTracks))
		for _, track := range mdTracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			tracks = append(tracks, track)
			t := track
			stop = append(stop, func() { t.Close() })
		}

		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		return newStream(tracks, populate, stop), nil
	}

	return nil, fmt.Errorf("%w: all capture attempts failed", ErrAccessDenied)
}
