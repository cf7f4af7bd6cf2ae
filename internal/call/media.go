package call

import "context"

// Kind is the call media kind.
type Kind string

const (
	Voice Kind = "voice"
	Video Kind = "video"
)

// TrackKind labels a media track.
type TrackKind string

const (
	AudioTrack TrackKind = "audio"
	VideoTrack TrackKind = "video"
)

// Track is one media track of a stream. Only the owning session flips
// Enabled; peer connections receive tracks by reference and must not
// mutate them.
type Track interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// Stream is a local or remote media stream.
type Stream interface {
	Tracks() []Track
}

// MediaSource acquires local media. A voice call requests audio only; a
// video call requests audio and video. Implementations wrap the platform
// device layer; tests use fakes.
type MediaSource interface {
	Acquire(ctx context.Context, kind Kind) (Stream, error)
}

// PeerConn is one negotiated media transport to a remote participant.
// SetTrackEnabled mirrors a local mute/camera flip to the outgoing track
// without renegotiation. Binding remote streams to render targets is the
// presentation layer's job, reached through OnRemoteStream.
type PeerConn interface {
	RemoteID() string
	OnRemoteStream(func(Stream))
	SetTrackEnabled(kind TrackKind, enabled bool) error
	Close() error
}

// PeerDialer negotiates peer connections over the signaling layer.
// Dial opens an outgoing connection carrying the local stream; Answer
// accepts an inbound one. A nil stream is valid: the participant joins
// without media and remote parties render a placeholder.
type PeerDialer interface {
	Dial(remotePeerID string, local Stream) (PeerConn, error)
	Answer(remotePeerID string, local Stream) (PeerConn, error)
}
