// Package discord adapts a Discord gateway session to the voice
// platform abstraction consumed by the orchestrator.
package discord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/openclaw/voicebridge/pkg/logging"
	"github.com/openclaw/voicebridge/pkg/voice"
)

// statePoll is how often the adapter samples the underlying voice
// connection's readiness to synthesise state transitions.
const statePoll = 250 * time.Millisecond

// Transport owns one bot gateway session and at most one voice
// connection at a time.
type Transport struct {
	session *discordgo.Session
	logger  *slog.Logger

	mu        sync.Mutex
	vc        *discordgo.VoiceConnection
	events    chan voice.Event
	subs      map[string]*receiveStream
	ssrcUsers map[uint32]string
	recvQuit  chan struct{}
}

// New dials the Discord gateway with a bot token.
func New(token string, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		session:   s,
		logger:    logging.NewComponentLogger(logger, "discord"),
		events:    make(chan voice.Event, 256),
		subs:      make(map[string]*receiveStream),
		ssrcUsers: make(map[uint32]string),
	}
	s.AddHandler(t.onVoiceStateUpdate)
	s.Identify.Intents |= discordgo.IntentsGuildVoiceStates
	return t, nil
}

// Open connects the gateway session.
func (t *Transport) Open() error { return t.session.Open() }

// Close drops the voice connection and the gateway session.
func (t *Transport) Close() error {
	t.mu.Lock()
	vc := t.vc
	t.vc = nil
	t.mu.Unlock()
	if vc != nil {
		_ = vc.Disconnect()
	}
	return t.session.Close()
}

func (t *Transport) Events() <-chan voice.Event { return t.events }

func (t *Transport) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	oldChannel := ""
	if vs.BeforeUpdate != nil {
		oldChannel = vs.BeforeUpdate.ChannelID
	}
	if oldChannel == vs.ChannelID {
		return
	}
	select {
	case t.events <- voice.Event{
		Kind:         voice.EventPresence,
		UserID:       vs.UserID,
		OldChannelID: oldChannel,
		NewChannelID: vs.ChannelID,
	}:
	default:
		t.logger.Warn("presence event dropped, buffer full")
	}
}

// JoinChannel joins the voice channel undeafened so audio can be
// received, and starts the packet demux loop.
func (t *Transport) JoinChannel(ctx context.Context, guildID, channelID string) (voice.Connection, voice.Player, error) {
	vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, nil, err
	}

	conn := newConnection(vc)
	player, err := newPlayer(vc, t.logger)
	if err != nil {
		_ = vc.Disconnect()
		return nil, nil, err
	}

	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		t.onSpeaking(su)
	})

	recvQuit := make(chan struct{})
	t.mu.Lock()
	if t.recvQuit != nil {
		close(t.recvQuit)
	}
	t.vc = vc
	t.recvQuit = recvQuit
	t.mu.Unlock()

	go t.recvLoop(vc, recvQuit)
	return conn, player, nil
}

func (t *Transport) onSpeaking(su *discordgo.VoiceSpeakingUpdate) {
	t.mu.Lock()
	t.ssrcUsers[uint32(su.SSRC)] = su.UserID
	t.mu.Unlock()
	if !su.Speaking {
		return
	}
	select {
	case t.events <- voice.Event{Kind: voice.EventSpeakingStart, UserID: su.UserID}:
	default:
		t.logger.Warn("speaking event dropped, buffer full")
	}
}

// recvLoop demuxes inbound Opus packets to per-user receive streams.
func (t *Transport) recvLoop(vc *discordgo.VoiceConnection, quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				return
			}
			t.mu.Lock()
			userID := t.ssrcUsers[pkt.SSRC]
			sub := t.subs[userID]
			t.mu.Unlock()
			if sub == nil {
				continue
			}
			sub.deliver(pkt.Opus)
		}
	}
}

// SubscribeAudio opens a receive stream for one user. The stream closes
// itself after the given window without packets.
func (t *Transport) SubscribeAudio(userID string, silence time.Duration) (voice.ReceiveStream, error) {
	if silence <= 0 {
		return nil, errors.New("silence window must be positive")
	}
	var rs *receiveStream
	rs = newReceiveStream(silence, func() {
		t.mu.Lock()
		if t.subs[userID] == rs {
			delete(t.subs, userID)
		}
		t.mu.Unlock()
	})
	t.mu.Lock()
	prev := t.subs[userID]
	t.subs[userID] = rs
	t.mu.Unlock()
	if prev != nil {
		prev.Destroy()
	}
	rs.start()
	return rs, nil
}

// connection surfaces the voice connection's readiness as observable
// state transitions.
type connection struct {
	vc   *discordgo.VoiceConnection
	ch   chan voice.ConnState
	quit chan struct{}

	mu    sync.Mutex
	state voice.ConnState
}

func newConnection(vc *discordgo.VoiceConnection) *connection {
	c := &connection{
		vc:    vc,
		ch:    make(chan voice.ConnState, 16),
		quit:  make(chan struct{}),
		state: voice.StateSignalling,
	}
	go c.pollLoop()
	return c
}

func (c *connection) pollLoop() {
	ticker := time.NewTicker(statePoll)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.vc.RLock()
			ready := c.vc.Ready
			c.vc.RUnlock()
			switch {
			case ready:
				// A recovering connection re-signals before Ready so
				// the reconnect machine observes both transitions.
				if c.current() == voice.StateDisconnected {
					c.transition(voice.StateSignalling)
				}
				c.transition(voice.StateReady)
			case c.current() == voice.StateReady:
				c.transition(voice.StateDisconnected)
			}
		}
	}
}

func (c *connection) current() voice.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) transition(next voice.ConnState) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	select {
	case c.ch <- next:
	default:
	}
}

func (c *connection) State() voice.ConnState { return c.current() }

func (c *connection) StateChanges() <-chan voice.ConnState { return c.ch }

func (c *connection) Close() error {
	close(c.quit)
	return c.vc.Disconnect()
}

// receiveStream buffers one user's Opus packets and closes after the
// configured silence window.
type receiveStream struct {
	packets   chan voice.Packet
	done      chan struct{}
	closeOnce sync.Once
	silence   time.Duration
	onClose   func()

	timerMu sync.Mutex
	timer   *time.Timer
}

func newReceiveStream(silence time.Duration, onClose func()) *receiveStream {
	return &receiveStream{
		packets: make(chan voice.Packet, 512),
		done:    make(chan struct{}),
		silence: silence,
		onClose: onClose,
	}
}

// start arms the silence timer once the stream is registered.
func (r *receiveStream) start() {
	r.timerMu.Lock()
	r.timer = time.AfterFunc(r.silence, r.end)
	r.timerMu.Unlock()
}

func (r *receiveStream) deliver(opus []byte) {
	select {
	case r.packets <- voice.Packet{Opus: opus}:
		r.timerMu.Lock()
		if r.timer != nil {
			r.timer.Reset(r.silence)
		}
		r.timerMu.Unlock()
	default:
		// Backpressure: the capture loop is behind; dropping keeps the
		// silence window honest.
	}
}

func (r *receiveStream) end() {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.onClose != nil {
			r.onClose()
		}
	})
}

func (r *receiveStream) Packets() <-chan voice.Packet { return r.packets }
func (r *receiveStream) Done() <-chan struct{}        { return r.done }

func (r *receiveStream) Destroy() {
	r.timerMu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerMu.Unlock()
	r.end()
}
