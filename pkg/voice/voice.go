package voice

import (
	"context"
	"time"
)

// ConnState models the observable lifecycle of a voice connection.
type ConnState int

const (
	StateSignalling ConnState = iota
	StateReady
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateSignalling:
		return "signalling"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Container identifies the byte layout of a playable resource.
type Container int

const (
	// ContainerArbitrary is provider-default compressed audio (typically
	// MP3); the sink transcodes as needed.
	ContainerArbitrary Container = iota
	// ContainerOggOpus is an OGG Opus byte stream playable without
	// re-encoding.
	ContainerOggOpus
)

// Resource is one playable audio buffer tagged with its container.
type Resource struct {
	Data      []byte
	Container Container
}

// Connection is an established link to one voice channel.
type Connection interface {
	State() ConnState
	// StateChanges delivers every transition after subscription.
	StateChanges() <-chan ConnState
	Close() error
}

// Player plays resources into the voice channel sequentially.
type Player interface {
	Subscribe(conn Connection) error
	// Play starts playback of one resource and returns immediately.
	Play(res Resource) error
	// Stop hard-stops the current resource, discarding its remainder.
	Stop() error
	// Idle signals each time a resource finishes playing.
	Idle() <-chan struct{}
}

// Packet is a single Opus frame from one speaker.
type Packet struct {
	Opus []byte
}

// ReceiveStream delivers one speaker's Opus packets. Done closes when
// the configured silence window elapses or the stream is destroyed.
type ReceiveStream interface {
	Packets() <-chan Packet
	Done() <-chan struct{}
	Destroy()
}

// EventKind discriminates session events.
type EventKind int

const (
	// EventSpeakingStart fires when a user begins transmitting audio.
	EventSpeakingStart EventKind = iota
	// EventPresence fires when a user moves between voice channels.
	EventPresence
)

// Event is a speaking or presence notification from the platform.
type Event struct {
	Kind         EventKind
	UserID       string
	OldChannelID string
	NewChannelID string
}

// Session is the voice-platform capability the orchestrator consumes:
// channel membership, per-speaker audio and speaking/presence events.
type Session interface {
	JoinChannel(ctx context.Context, guildID, channelID string) (Connection, Player, error)
	// SubscribeAudio opens a receive stream for one user that ends
	// after the given window of silence.
	SubscribeAudio(userID string, silence time.Duration) (ReceiveStream, error)
	Events() <-chan Event
}

// OpusDecoder decodes a single Opus frame to 48 kHz stereo s16le PCM.
type OpusDecoder interface {
	Decode(frame []byte) ([]byte, error)
}
