package audio

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/voicebridge/pkg/errorsx"
	"github.com/openclaw/voicebridge/pkg/logging"
	"github.com/openclaw/voicebridge/pkg/metrics"
	"github.com/openclaw/voicebridge/pkg/providers"
	"github.com/openclaw/voicebridge/pkg/ttscache"
	"github.com/openclaw/voicebridge/pkg/voice"
)

// Transcriber converts one PCM utterance to text ("" skips the turn).
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) string
}

// ChatStreamer performs one streaming chat turn, yielding TTS-ready
// sentences in production order.
type ChatStreamer interface {
	Stream(ctx context.Context, transcript string, onSentence func(string)) (string, error)
}

// Synthesizer produces playable audio for one sentence.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Config() providers.TTSConfig
}

// Config carries the pipeline's behavioural switches.
type Config struct {
	CacheEnabled       bool
	CacheMaxSizeMb     int
	NoiseFilterEnabled bool
}

// Utterance is one captured span of user speech.
type Utterance struct {
	ID  string
	PCM []byte
}

// retryDelay spaces drain restarts after a transient failure.
const retryDelay = time.Second

// playbackPoll is the re-check interval while waiting for the chunk
// queue to empty between utterances.
const playbackPoll = 100 * time.Millisecond

var (
	fillerRe      = regexp.MustCompile(`(?i)^(um|uh|hmm|oh|ah|huh)\.?$`)
	punctuationRe = regexp.MustCompile(`^\W+$`)
)

// Pipeline drives one utterance at a time through STT, the streaming
// chat turn, chunked synthesis and sequential playback.
type Pipeline struct {
	cfg      Config
	stt      Transcriber
	chat     ChatStreamer
	tts      Synthesizer
	cache    *ttscache.Cache
	registry *metrics.Registry
	logger   *slog.Logger

	// onBotSpeech fires when a chunk starts playing.
	onBotSpeech func()

	mu             sync.Mutex
	player         voice.Player
	playerQuit     chan struct{}
	utterances     []Utterance
	chunks         []voice.Resource
	processing     bool
	playingAudio   bool
	e2eRecorded    bool
	currentCancel  context.CancelFunc
	currentUttID   string
	lastTranscript string
	utteranceStart time.Time
}

func NewPipeline(cfg Config, stt Transcriber, chat ChatStreamer, tts Synthesizer, cache *ttscache.Cache, registry *metrics.Registry, logger *slog.Logger, onBotSpeech func()) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:         cfg,
		stt:         stt,
		chat:        chat,
		tts:         tts,
		cache:       cache,
		registry:    registry,
		logger:      logging.NewComponentLogger(logger, "pipeline"),
		onBotSpeech: onBotSpeech,
		// No utterance yet; liveness playback must not record a latency sample.
		e2eRecorded: true,
	}
}

// BindPlayer attaches the voice sink and starts consuming its idle
// signals. Rebinding (after a reconnect) replaces the previous listener.
func (p *Pipeline) BindPlayer(player voice.Player) {
	p.mu.Lock()
	if p.playerQuit != nil {
		close(p.playerQuit)
		p.logger.Warn("replacing playback listener",
			slog.String("event", "LISTENER_STACKED"),
			slog.String("utt_id", p.currentUttID))
	}
	quit := make(chan struct{})
	p.player = player
	p.playerQuit = quit
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-quit:
				return
			case <-player.Idle():
				p.mu.Lock()
				active := p.playingAudio
				p.mu.Unlock()
				if active {
					p.playNext()
				}
			}
		}
	}()
}

// Close stops the playback listener.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playerQuit != nil {
		close(p.playerQuit)
		p.playerQuit = nil
	}
}

// Enqueue adds an utterance and starts the drain when idle.
func (p *Pipeline) Enqueue(u Utterance) {
	p.logger.Info("utterance received",
		slog.String("event", "UTTERANCE_RECEIVED"),
		slog.String("utt_id", u.ID),
		slog.Int("pcm_bytes", len(u.PCM)))
	p.mu.Lock()
	p.utterances = append(p.utterances, u)
	start := !p.processing
	if start {
		p.processing = true
	}
	p.mu.Unlock()
	if start {
		go p.drain()
	}
}

// LastTranscript returns the transcript of the most recent non-filtered
// utterance, used by the stall recovery path.
func (p *Pipeline) LastTranscript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTranscript
}

// Busy reports whether an utterance is processing or audio is playing.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing || p.playingAudio || len(p.chunks) > 0
}

// Interrupt aborts the in-flight turn: the chat stream is cancelled,
// both queues are emptied and the sink is hard-stopped. No partial
// audio is preserved.
func (p *Pipeline) Interrupt() {
	p.mu.Lock()
	cancel := p.currentCancel
	p.currentCancel = nil
	id := p.currentUttID
	dropped := len(p.utterances) + len(p.chunks)
	p.utterances = nil
	p.chunks = nil
	p.playingAudio = false
	p.processing = false
	player := p.player
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if player != nil {
		_ = player.Stop()
	}
	p.logger.Info("pipeline interrupted",
		slog.String("event", "INTERRUPT"),
		slog.String("utt_id", id),
		slog.Int("dropped", dropped))
}

// PlayDirect bypasses the turn machinery and plays one resource (used
// by liveness prompts). It claims the playback flag so queue draining
// stays sequential.
func (p *Pipeline) PlayDirect(res voice.Resource) {
	p.mu.Lock()
	p.chunks = append(p.chunks, res)
	start := !p.playingAudio
	if start {
		p.playingAudio = true
	}
	p.mu.Unlock()
	if p.onBotSpeech != nil {
		p.onBotSpeech()
	}
	if start {
		p.playNext()
	}
}

// Say synthesises a line (cache-first) and plays it outside a user turn.
func (p *Pipeline) Say(ctx context.Context, text string) {
	res, ok := p.resolveSentence(ctx, text)
	if !ok {
		return
	}
	p.PlayDirect(res)
}

func (p *Pipeline) drain() {
	for {
		p.mu.Lock()
		if len(p.utterances) == 0 {
			p.processing = false
			p.mu.Unlock()
			return
		}
		u := p.utterances[0]
		p.utterances = p.utterances[1:]
		ctx, cancel := context.WithCancel(context.Background())
		p.currentCancel = cancel
		p.currentUttID = u.ID
		p.utteranceStart = time.Now()
		p.e2eRecorded = false
		p.mu.Unlock()

		err := p.process(ctx, u)
		if ctx.Err() != nil {
			// Interrupted: a fresh drain owns any newer utterances.
			cancel()
			return
		}
		if errorsx.IsCancelled(err) {
			// Deadline abort: finish the turn quietly, keep draining.
			err = nil
		}
		if err != nil {
			p.logger.Error("utterance processing failed",
				slog.String("utt_id", u.ID),
				slog.String("error", err.Error()),
				slog.String("reason", string(errorsx.Reason(err))))
			p.mu.Lock()
			p.processing = false
			p.currentCancel = nil
			p.mu.Unlock()
			cancel()
			time.AfterFunc(retryDelay, p.kick)
			return
		}
		p.waitPlaybackDone(ctx)
		interrupted := ctx.Err() != nil
		cancel()
		if interrupted {
			return
		}
		p.logger.Info("utterance complete",
			slog.String("event", "UTTERANCE_COMPLETE"),
			slog.String("utt_id", u.ID))
	}
}

// kick restarts the drain after a failure if work remains.
func (p *Pipeline) kick() {
	p.mu.Lock()
	start := !p.processing && len(p.utterances) > 0
	if start {
		p.processing = true
	}
	p.mu.Unlock()
	if start {
		go p.drain()
	}
}

func (p *Pipeline) process(ctx context.Context, u Utterance) error {
	p.logger.Info("transcription start",
		slog.String("event", "STT_START"),
		slog.String("utt_id", u.ID))
	transcript := p.stt.Transcribe(ctx, u.PCM)
	p.logger.Info("transcription done",
		slog.String("event", "STT_DONE"),
		slog.String("utt_id", u.ID),
		slog.Int("chars", len(transcript)))
	if strings.TrimSpace(transcript) == "" {
		return nil
	}
	if p.filtered(transcript) {
		p.logger.Info("utterance filtered as noise",
			slog.String("event", "UTTERANCE_FILTERED"),
			slog.String("utt_id", u.ID),
			slog.String("transcript", transcript))
		return nil
	}
	p.mu.Lock()
	p.lastTranscript = transcript
	p.mu.Unlock()

	p.logger.Info("chat turn start",
		slog.String("event", "LLM_START"),
		slog.String("utt_id", u.ID))
	llmStart := time.Now()
	first := true
	_, err := p.chat.Stream(ctx, transcript, func(sentence string) {
		if first {
			first = false
			p.logger.Info("first reply text",
				slog.String("event", "LLM_FIRST_TOKEN"),
				slog.String("utt_id", u.ID),
				slog.Float64("elapsed_ms", float64(time.Since(llmStart).Milliseconds())))
		}
		p.handleSentence(ctx, sentence)
	})
	if p.registry != nil {
		p.registry.Timing(metrics.TimingLLMLatencyMs, float64(time.Since(llmStart).Milliseconds()))
	}
	if err != nil {
		if errorsx.IsCancelled(err) {
			p.logger.Debug("chat turn cancelled", slog.String("utt_id", u.ID))
			return err
		}
		if p.registry != nil {
			p.registry.Inc(metrics.CounterLLMErrors)
		}
		return err
	}
	p.logger.Info("chat turn done",
		slog.String("event", "LLM_DONE"),
		slog.String("utt_id", u.ID))
	return nil
}

// filtered applies the noise gate: short transcripts that are pure
// filler or pure punctuation produce no reply.
func (p *Pipeline) filtered(transcript string) bool {
	if !p.cfg.NoiseFilterEnabled {
		return false
	}
	t := strings.TrimSpace(transcript)
	if len(strings.Fields(t)) > 2 {
		return false
	}
	return fillerRe.MatchString(t) || punctuationRe.MatchString(t)
}

func (p *Pipeline) handleSentence(ctx context.Context, sentence string) {
	res, ok := p.resolveSentence(ctx, sentence)
	if !ok {
		return
	}
	p.mu.Lock()
	p.chunks = append(p.chunks, res)
	start := !p.playingAudio
	if start {
		p.playingAudio = true
	}
	p.mu.Unlock()
	if start {
		p.playNext()
	}
}

// resolveSentence returns playable audio for a sentence, cache-first.
func (p *Pipeline) resolveSentence(ctx context.Context, sentence string) (voice.Resource, bool) {
	key := ttscache.Key(p.tts.Config(), sentence)
	if p.cfg.CacheEnabled && p.cache != nil {
		if buf, ok := p.cache.Get(key); ok {
			p.logger.Debug("tts cache hit", slog.String("key", key))
			return voice.Resource{Data: buf, Container: voice.ContainerArbitrary}, true
		}
	}
	p.logger.Info("synthesis start",
		slog.String("event", "TTS_START"),
		slog.String("utt_id", p.currentUtt()),
		slog.Int("chars", len(sentence)))
	buf, err := p.tts.Synthesize(ctx, sentence)
	if err != nil {
		// One failed sentence must not sink the rest of the reply.
		p.logger.Error("synthesis failed",
			slog.String("utt_id", p.currentUtt()),
			slog.String("error", err.Error()))
		return voice.Resource{}, false
	}
	p.logger.Info("synthesis done",
		slog.String("event", "TTS_DONE"),
		slog.String("utt_id", p.currentUtt()),
		slog.Int("audio_bytes", len(buf)))
	if p.cfg.CacheEnabled && p.cache != nil {
		p.cache.Set(key, buf, p.cfg.CacheMaxSizeMb)
	}
	return voice.Resource{Data: buf, Container: voice.ContainerArbitrary}, true
}

// playNext pops the head chunk into the sink, or marks playback done.
func (p *Pipeline) playNext() {
	p.mu.Lock()
	if len(p.chunks) == 0 {
		p.playingAudio = false
		id := p.currentUttID
		p.mu.Unlock()
		p.logger.Info("playback queue drained",
			slog.String("event", "PLAYBACK_DONE"),
			slog.String("utt_id", id))
		return
	}
	chunk := p.chunks[0]
	p.chunks = p.chunks[1:]
	p.playingAudio = true
	id := p.currentUttID
	recordE2E := !p.e2eRecorded
	var elapsed time.Duration
	if recordE2E {
		p.e2eRecorded = true
		elapsed = time.Since(p.utteranceStart)
	}
	player := p.player
	p.mu.Unlock()

	if p.onBotSpeech != nil {
		p.onBotSpeech()
	}
	if recordE2E && p.registry != nil {
		p.registry.Timing(metrics.TimingPipelineE2EMs, float64(elapsed.Milliseconds()))
	}
	p.logger.Info("playback start",
		slog.String("event", "PLAYBACK_START"),
		slog.String("utt_id", id),
		slog.Int("bytes", len(chunk.Data)))
	if player != nil {
		_ = player.Play(chunk)
	}
}

// waitPlaybackDone blocks until every queued chunk has played.
func (p *Pipeline) waitPlaybackDone(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.mu.Lock()
		done := len(p.chunks) == 0 && !p.playingAudio
		p.mu.Unlock()
		if done {
			return
		}
		time.Sleep(playbackPoll)
	}
}

func (p *Pipeline) currentUtt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentUttID
}
