package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/voicebridge/pkg/audio"
	"github.com/openclaw/voicebridge/pkg/chat"
	"github.com/openclaw/voicebridge/pkg/config"
	"github.com/openclaw/voicebridge/pkg/errorsx"
	"github.com/openclaw/voicebridge/pkg/health"
	"github.com/openclaw/voicebridge/pkg/heartbeat"
	"github.com/openclaw/voicebridge/pkg/logging"
	"github.com/openclaw/voicebridge/pkg/metrics"
	"github.com/openclaw/voicebridge/pkg/stt"
	"github.com/openclaw/voicebridge/pkg/tts"
	"github.com/openclaw/voicebridge/pkg/ttscache"
	"github.com/openclaw/voicebridge/pkg/voice"
)

const (
	defaultReadyTimeout = 15 * time.Second
	defaultStateTimeout = 15 * time.Second

	checkInFallback = "Still there?"
	graceLine       = "You've been quiet for a while, so I'll hang up soon unless you need me."
	recoveryLine    = "Sorry, I lost my train of thought there. Could you say that again?"
)

// Orchestrator owns one target user's voice session: presence-driven
// join/leave, the capture loop, reconnection and the liveness wiring.
type Orchestrator struct {
	cfg      config.Config
	platform voice.Session
	decoder  voice.OpusDecoder
	cache    *ttscache.Cache
	registry *metrics.Registry
	observer metrics.Observer
	health   *health.Server
	logger   *slog.Logger

	sttClient  *stt.Client
	chatClient *chat.Client
	ttsClient  *tts.Client

	readyTimeout time.Duration
	stateTimeout time.Duration

	mu             sync.Mutex
	conn           voice.Connection
	player         voice.Player
	pipeline       *audio.Pipeline
	hb             *heartbeat.Heartbeat
	watcher        *stateWatcher
	joining        bool
	connected      bool
	reconnecting   bool
	tearingDown    bool
	captureEnabled bool
	capturing      bool
	uttSeq         int
	decodeFails    int
	stream         voice.ReceiveStream
	graceTimer     *time.Timer
	stallRecovered bool
	sessionStart   time.Time
	metricsQuit    chan struct{}
	watcherQuit    chan struct{}
}

// New wires the orchestrator's clients from config. The config must
// have passed Validate.
func New(cfg config.Config, platform voice.Session, decoder voice.OpusDecoder, cache *ttscache.Cache, registry *metrics.Registry, httpClient *http.Client, healthSrv *health.Server, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.NewComponentLogger(logger, "session")

	sttCfg, err := cfg.STTProvider()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	ttsCfg, err := cfg.TTSProvider()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}

	o := &Orchestrator{
		cfg:          cfg,
		platform:     platform,
		decoder:      decoder,
		cache:        cache,
		registry:     registry,
		health:       healthSrv,
		logger:       logger,
		readyTimeout: defaultReadyTimeout,
		stateTimeout: defaultStateTimeout,
	}
	o.sttClient = stt.NewClient(sttCfg, cfg.VAD.MinSpeechMs, httpClient, registry, logger)
	o.chatClient = chat.NewClient(chat.Config{
		GatewayURL: cfg.Gateway.URL,
		Token:      cfg.Gateway.Token,
		AgentID:    cfg.Gateway.AgentID,
		SessionKey: cfg.Gateway.SessionKey,
		Model:      cfg.Gateway.Model,
	}, httpClient, logger)
	o.ttsClient = tts.NewClient(ttsCfg, httpClient, registry, logger)
	return o, nil
}

// SetObserver routes periodic metrics snapshots to an observer in
// addition to the log line.
func (o *Orchestrator) SetObserver(obs metrics.Observer) {
	o.observer = obs
}

// Run consumes platform events until the context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator running",
		slog.String("target_user", o.cfg.TargetUserID),
		slog.String("channel", o.cfg.ChannelID))
	for {
		select {
		case <-ctx.Done():
			o.teardown("shutdown")
			return ctx.Err()
		case ev, ok := <-o.platform.Events():
			if !ok {
				o.teardown("platform closed")
				return nil
			}
			o.handleEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev voice.Event) {
	if ev.UserID != o.cfg.TargetUserID {
		return
	}
	switch ev.Kind {
	case voice.EventPresence:
		o.handlePresence(ctx, ev)
	case voice.EventSpeakingStart:
		o.handleSpeakingStart()
	}
}

func (o *Orchestrator) handlePresence(ctx context.Context, ev voice.Event) {
	entered := ev.NewChannelID == o.cfg.ChannelID
	left := ev.OldChannelID == o.cfg.ChannelID && ev.NewChannelID != o.cfg.ChannelID

	o.mu.Lock()
	if entered && o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
		o.logger.Info("target returned, grace timer cancelled")
	}
	connected := o.connected
	joining := o.joining
	o.mu.Unlock()

	switch {
	case entered && o.cfg.AutoJoin && !connected && !joining:
		go func() {
			if err := o.JoinChannel(ctx); err != nil {
				o.logger.Error("join failed", slog.String("error", err.Error()))
			}
		}()
	case left && connected:
		grace := time.Duration(o.cfg.Resilience.UserLeftGraceSec) * time.Second
		o.logger.Info("target left channel, starting grace timer",
			slog.Duration("grace", grace))
		o.mu.Lock()
		if o.graceTimer != nil {
			o.graceTimer.Stop()
		}
		o.graceTimer = time.AfterFunc(grace, func() {
			o.teardown("target did not return")
		})
		o.mu.Unlock()
	}
}

// JoinChannel acquires a voice connection, wires the pipeline and
// heartbeat, and arms the capture loop.
func (o *Orchestrator) JoinChannel(ctx context.Context) error {
	o.mu.Lock()
	if o.joining || o.connected {
		o.mu.Unlock()
		return nil
	}
	o.joining = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.joining = false
		o.mu.Unlock()
	}()

	traceID := uuid.NewString()
	logger := logging.NewSessionLogger(o.logger, traceID)
	logger.Info("joining voice channel",
		slog.String("guild", o.cfg.GuildID),
		slog.String("channel", o.cfg.ChannelID))

	conn, player, err := o.platform.JoinChannel(ctx, o.cfg.GuildID, o.cfg.ChannelID)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonVoiceTransport)
	}
	if o.registry != nil {
		o.registry.Inc(metrics.CounterSessionCount)
	}

	hb := heartbeat.New(o.cfg.HeartbeatSettings(), heartbeat.Callbacks{
		OnSilencePrompt: o.onSilencePrompt,
		OnBotStall:      o.onBotStall,
		OnDesync:        o.onDesync,
		OnGraceAnnounce: o.onGraceAnnounce,
		OnIdleTimeout:   o.onIdleTimeout,
	}, o.registry, logger)

	pipeline := audio.NewPipeline(audio.Config{
		CacheEnabled:       o.cfg.Cache.Enabled,
		CacheMaxSizeMb:     o.cfg.Cache.MaxSizeMb,
		NoiseFilterEnabled: o.cfg.VAD.NoiseFilterEnabled,
	}, o.sttClient, o.chatClient, o.ttsClient, o.cache, o.registry, logger,
		hb.ReportBotSpeech)

	if err := player.Subscribe(conn); err != nil {
		pipeline.Close()
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonVoiceTransport)
	}
	pipeline.BindPlayer(player)

	watcherQuit := make(chan struct{})
	watcher := newStateWatcher(conn, watcherQuit, func() {
		o.logger.Warn("voice connection dropped")
		// Off the watcher goroutine: the reconnect loop waits on
		// state transitions the watcher itself delivers.
		go o.handleDisconnect()
	})
	if !watcher.waitFor(voice.StateReady, o.readyTimeout) {
		close(watcherQuit)
		pipeline.Close()
		_ = conn.Close()
		logger.Error("connection never reached ready")
		return errorsx.Wrap(errConnNotReady, errorsx.ReasonVoiceTransport)
	}
	// Drop notifications only after the initial Ready, so the normal
	// Signalling->Ready progression cannot trigger a reconnect.
	watcher.arm()

	o.mu.Lock()
	o.conn = conn
	o.player = player
	o.pipeline = pipeline
	o.hb = hb
	o.watcher = watcher
	o.connected = true
	o.tearingDown = false
	o.captureEnabled = true
	o.capturing = false
	o.decodeFails = 0
	o.stallRecovered = false
	o.sessionStart = time.Now()
	o.metricsQuit = make(chan struct{})
	o.watcherQuit = watcherQuit
	metricsQuit := o.metricsQuit
	o.mu.Unlock()

	go o.metricsLogLoop(logger, metricsQuit)

	hb.Start()
	if o.health != nil {
		o.health.SetSessionDuration(o.SessionDuration)
	}

	if o.cache != nil && o.cfg.Cache.Enabled {
		ttsCfg := o.ttsClient.Config()
		if o.cfg.Cache.PreWarmOnConnect {
			go o.preWarm(ctx, logger)
		} else {
			o.cache.EnsureConfigHash(ttscache.ConfigHash(ttsCfg))
		}
	}

	logger.Info("voice session established")
	return nil
}

func (o *Orchestrator) preWarm(ctx context.Context, logger *slog.Logger) {
	dir := o.cfg.Cache.BakedPhrasesDir
	ttsCfg := o.ttsClient.Config()
	for label, phrases := range map[string][]string{
		ttscache.LabelGreetings: o.cfg.Phrases.Greetings,
		ttscache.LabelCheckIns:  o.cfg.Phrases.CheckIns,
	} {
		if len(phrases) == 0 {
			continue
		}
		if err := o.cache.PreWarm(ctx, phrases, label, o.ttsClient, dir, ttsCfg, o.cfg.Cache.MaxSizeMb); err != nil {
			logger.Warn("pre-warm failed",
				slog.String("label", label),
				slog.String("error", err.Error()))
		}
	}
	// Greet once the phrase pool is warm.
	if phrase, ok := o.cache.GetRandomPhrase(ttscache.LabelGreetings); ok {
		o.playPhrase(phrase)
	}
}

func (o *Orchestrator) playPhrase(p ttscache.CachedPhrase) {
	o.mu.Lock()
	pipeline := o.pipeline
	o.mu.Unlock()
	if pipeline == nil {
		return
	}
	container := voice.ContainerArbitrary
	if p.IsBakedOgg {
		container = voice.ContainerOggOpus
	}
	pipeline.PlayDirect(voice.Resource{Data: p.Buffer, Container: container})
}

// SessionDuration reports how long the current session has been up.
func (o *Orchestrator) SessionDuration() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.connected {
		return 0
	}
	return time.Since(o.sessionStart)
}

// Connected reports whether a voice session is established.
func (o *Orchestrator) Connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected
}

func (o *Orchestrator) metricsLogLoop(logger *slog.Logger, quit chan struct{}) {
	interval := time.Duration(o.cfg.Observability.MetricsLogIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if o.registry == nil {
				continue
			}
			snap := o.registry.Snapshot()
			logger.Info("metrics snapshot", slog.Any("metrics", snap))
			if o.observer != nil {
				o.observer.RecordEvent(metrics.MetricsEvent{
					Name:   "voice.metrics.snapshot",
					Time:   time.Now(),
					Fields: snap,
				})
			}
		}
	}
}

// teardown releases every session resource. Safe to call repeatedly.
func (o *Orchestrator) teardown(reason string) {
	o.mu.Lock()
	if o.tearingDown || !o.connected {
		o.mu.Unlock()
		return
	}
	o.tearingDown = true
	conn := o.conn
	pipeline := o.pipeline
	hb := o.hb
	stream := o.stream
	metricsQuit := o.metricsQuit
	watcherQuit := o.watcherQuit
	graceTimer := o.graceTimer
	o.conn = nil
	o.player = nil
	o.pipeline = nil
	o.hb = nil
	o.watcher = nil
	o.stream = nil
	o.graceTimer = nil
	o.connected = false
	o.captureEnabled = false
	o.capturing = false
	o.mu.Unlock()

	o.logger.Info("tearing down voice session", slog.String("reason", reason))
	if graceTimer != nil {
		graceTimer.Stop()
	}
	if hb != nil {
		hb.Stop()
	}
	if metricsQuit != nil {
		close(metricsQuit)
	}
	if watcherQuit != nil {
		close(watcherQuit)
	}
	if stream != nil {
		stream.Destroy()
	}
	if pipeline != nil {
		pipeline.Interrupt()
		pipeline.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if o.health != nil {
		o.health.SetSessionDuration(nil)
	}

	o.mu.Lock()
	o.tearingDown = false
	o.mu.Unlock()
}

var errConnNotReady = connError("voice connection did not reach ready")

type connError string

func (e connError) Error() string { return string(e) }
