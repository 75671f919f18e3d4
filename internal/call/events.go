package call

// ErrorKind classifies the user-visible failure modes. Nothing else leaks out
// of the call layer as an unhandled fault.
type ErrorKind string

const (
	// ErrorMediaAccess: permission refused or no usable device.
	ErrorMediaAccess ErrorKind = "media-access-denied"
	// ErrorTransport: a fatal signaling send failed (offer/answer).
	ErrorTransport ErrorKind = "transport"
	// ErrorConnection: the peer connection failed or disconnected.
	ErrorConnection ErrorKind = "connection-failed"
)

// Events is what a session exposes to the UI layer. Any field may be nil.
// Callbacks are invoked from transport and Pion goroutines and must not block.
type Events struct {
	StatusChanged    func(Status)
	LocalMediaReady  func(LocalMedia)
	RemoteMediaReady func(RemoteTrack)
	Error            func(kind ErrorKind, msg string)
}

func (e *Events) statusChanged(s Status) {
	if e != nil && e.StatusChanged != nil {
		e.StatusChanged(s)
	}
}

func (e *Events) localMediaReady(m LocalMedia) {
	if e != nil && e.LocalMediaReady != nil {
		e.LocalMediaReady(m)
	}
}

func (e *Events) remoteMediaReady(t RemoteTrack) {
	if e != nil && e.RemoteMediaReady != nil {
		e.RemoteMediaReady(t)
	}
}

func (e *Events) error(kind ErrorKind, msg string) {
	if e != nil && e.Error != nil {
		e.Error(kind, msg)
	}
}
