// Package mock provides an in-memory voice platform for local testing.
// It implements the voice interfaces without any network dependency.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openclaw/voicebridge/pkg/voice"
)

// Session is an in-memory voice.Session driven by the test.
type Session struct {
	mu      sync.Mutex
	events  chan voice.Event
	conns   []*Connection
	players []*Player
	streams []*Stream

	// JoinState is the state new connections start in.
	JoinState voice.ConnState
	// JoinErr fails the next JoinChannel when set.
	JoinErr error
}

func NewSession() *Session {
	return &Session{
		events:    make(chan voice.Event, 64),
		JoinState: voice.StateSignalling,
	}
}

func (s *Session) JoinChannel(ctx context.Context, guildID, channelID string) (voice.Connection, voice.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.JoinErr != nil {
		err := s.JoinErr
		s.JoinErr = nil
		return nil, nil, err
	}
	conn := newConnection(s.JoinState)
	player := NewPlayer()
	s.conns = append(s.conns, conn)
	s.players = append(s.players, player)
	return conn, player, nil
}

func (s *Session) SubscribeAudio(userID string, silence time.Duration) (voice.ReceiveStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := newStream(userID, silence)
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *Session) Events() <-chan voice.Event { return s.events }

// PushEvent injects a speaking or presence event.
func (s *Session) PushEvent(ev voice.Event) {
	s.events <- ev
}

// Conn returns the connection from the most recent join.
func (s *Session) Conn() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Player returns the player from the most recent join.
func (s *Session) Player() *Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.players) == 0 {
		return nil
	}
	return s.players[len(s.players)-1]
}

// LastStream returns the most recent audio subscription.
func (s *Session) LastStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) == 0 {
		return nil
	}
	return s.streams[len(s.streams)-1]
}

// StreamCount returns how many audio subscriptions were opened.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Connection is a state machine the test transitions explicitly.
type Connection struct {
	mu    sync.Mutex
	state voice.ConnState
	ch    chan voice.ConnState
}

func newConnection(initial voice.ConnState) *Connection {
	return &Connection{state: initial, ch: make(chan voice.ConnState, 16)}
}

func (c *Connection) State() voice.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) StateChanges() <-chan voice.ConnState { return c.ch }

func (c *Connection) Close() error { return nil }

// SetState transitions the connection and notifies watchers.
func (c *Connection) SetState(st voice.ConnState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	select {
	case c.ch <- st:
	default:
	}
}

// Player records every resource submitted for playback. Completion is
// driven by the test via FinishPlayback.
type Player struct {
	mu         sync.Mutex
	played     []voice.Resource
	stops      int
	subscribed bool
	idle       chan struct{}
}

func NewPlayer() *Player {
	return &Player{idle: make(chan struct{}, 16)}
}

func (p *Player) Subscribe(conn voice.Connection) error {
	p.mu.Lock()
	p.subscribed = true
	p.mu.Unlock()
	return nil
}

func (p *Player) Play(res voice.Resource) error {
	p.mu.Lock()
	p.played = append(p.played, res)
	p.mu.Unlock()
	return nil
}

func (p *Player) Stop() error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return nil
}

func (p *Player) Idle() <-chan struct{} { return p.idle }

// FinishPlayback signals completion of the current resource.
func (p *Player) FinishPlayback() {
	p.idle <- struct{}{}
}

// Played returns a copy of all submitted resources in order.
func (p *Player) Played() []voice.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]voice.Resource, len(p.played))
	copy(out, p.played)
	return out
}

// Stops returns how many hard stops were requested.
func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// Subscribed reports whether the player was attached to a connection.
func (p *Player) Subscribed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed
}

// Stream is a receive stream the test feeds packets into.
type Stream struct {
	UserID  string
	Silence time.Duration

	packets   chan voice.Packet
	done      chan struct{}
	closeOnce sync.Once
	destroyed atomic.Bool
}

func newStream(userID string, silence time.Duration) *Stream {
	return &Stream{
		UserID:  userID,
		Silence: silence,
		packets: make(chan voice.Packet, 256),
		done:    make(chan struct{}),
	}
}

func (s *Stream) Packets() <-chan voice.Packet { return s.packets }

func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Destroy() {
	s.destroyed.Store(true)
	s.closeOnce.Do(func() { close(s.done) })
}

// Push delivers one Opus packet to the subscriber.
func (s *Stream) Push(opus []byte) {
	select {
	case s.packets <- voice.Packet{Opus: opus}:
	default:
	}
}

// End simulates the after-silence close of the stream.
func (s *Stream) End() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Destroyed reports whether the subscriber tore the stream down.
func (s *Stream) Destroyed() bool { return s.destroyed.Load() }

// Decoder is a stub Opus decoder. Each frame decodes to the frame
// bytes themselves unless FailOn matches.
type Decoder struct {
	FailOn func(frame []byte) bool
}

func (d *Decoder) Decode(frame []byte) ([]byte, error) {
	if d.FailOn != nil && d.FailOn(frame) {
		return nil, errDecode
	}
	return frame, nil
}

type decodeError struct{}

func (decodeError) Error() string { return "opus decode failed" }

var errDecode = decodeError{}
