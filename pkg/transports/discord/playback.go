package discord

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/openclaw/voicebridge/pkg/voice"
)

const (
	sampleRate      = 48000
	channels        = 2
	frameSamples    = 960 // 20 ms per channel
	maxOpusFrameLen = 4000
)

// player transcodes playable resources to Opus frames and feeds the
// voice connection's send channel.
type player struct {
	vc     *discordgo.VoiceConnection
	enc    *gopus.Encoder
	logger *slog.Logger
	idle   chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newPlayer(vc *discordgo.VoiceConnection, logger *slog.Logger) (*player, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, err
	}
	return &player{
		vc:     vc,
		enc:    enc,
		logger: logger,
		idle:   make(chan struct{}, 16),
	}, nil
}

func (p *player) Subscribe(conn voice.Connection) error {
	// The send channel is bound to the voice connection at join time;
	// nothing further to attach.
	return nil
}

func (p *player) Idle() <-chan struct{} { return p.idle }

// Play decodes the resource with ffmpeg and streams 20 ms Opus frames.
// Returns immediately; completion is signalled on Idle.
func (p *player) Play(res voice.Resource) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			if p.cancel != nil {
				p.cancel = nil
			}
			p.mu.Unlock()
			cancel()
			select {
			case p.idle <- struct{}{}:
			default:
			}
		}()
		if err := p.stream(ctx, res.Data); err != nil && ctx.Err() == nil {
			p.logger.Error("playback failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop hard-stops the current resource.
func (p *player) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// stream pipes the compressed buffer through ffmpeg to raw PCM, then
// encodes and sends one frame per 20 ms of audio.
func (p *player) stream(ctx context.Context, data []byte) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", "48000",
		"-ac", "2",
		"pipe:1")
	cmd.Stdin = bytes.NewReader(data)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	defer cmd.Wait()

	_ = p.vc.Speaking(true)
	defer func() { _ = p.vc.Speaking(false) }()

	reader := bufio.NewReaderSize(stdout, 16384)
	pcm := make([]int16, frameSamples*channels)
	buf := make([]byte, frameSamples*channels*2)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := io.ReadFull(reader, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
		}
		frame, err := p.enc.Encode(pcm, frameSamples, maxOpusFrameLen)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.vc.OpusSend <- frame:
		}
	}
}

// Decoder decodes inbound Opus frames to 48 kHz stereo s16le PCM.
type Decoder struct {
	mu  sync.Mutex
	dec *gopus.Decoder
}

func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return &Decoder{dec: dec}, nil
}

func (d *Decoder) Decode(frame []byte) ([]byte, error) {
	d.mu.Lock()
	pcm, err := d.dec.Decode(frame, frameSamples, false)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}
