//go:build !(linux && cgo)

package media

import "github.com/pion/webrtc/v4"

// Capture on non-Linux platforms returns a receive-only stream: mediadevices
// camera/mic drivers are wired for V4L2 + malgo only. The call still
// negotiates and can render remote media.
func Capture(profile Profile, _ Options) (*Stream, error) {
	log.Infof("no capture drivers on this platform, %s call proceeds receive-only", profile)
	populate := func(me *webrtc.MediaEngine) error {
		return me.RegisterDefaultCodecs()
	}
	return newStream(nil, populate, nil), nil
}
