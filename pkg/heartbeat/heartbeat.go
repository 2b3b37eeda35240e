package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/voicebridge/pkg/logging"
	"github.com/openclaw/voicebridge/pkg/metrics"
)

// Initiative scales how proactively the bot breaks silences.
type Initiative string

const (
	InitiativePassive Initiative = "passive"
	InitiativeNormal  Initiative = "normal"
	InitiativeActive  Initiative = "active"
)

// activeSilencePrompt is the silence threshold under active initiative.
const activeSilencePrompt = 30 * time.Second

// desyncWindow is how long frames may be absent while the user is
// marked speaking before the receive path is considered desynced.
const desyncWindow = 5 * time.Second

// Config tunes the liveness thresholds for one session.
type Config struct {
	Interval          time.Duration
	SilencePrompt     time.Duration
	BotStallThreshold time.Duration
	IdleDisconnect    time.Duration
	GraceAnnounce     time.Duration
	Initiative        Initiative
}

// Callbacks are invoked from the tick only, never concurrently with
// themselves. They are plain function values captured at construction;
// the heartbeat holds no reference back into its owner.
type Callbacks struct {
	OnSilencePrompt func()
	OnBotStall      func()
	OnDesync        func()
	OnGraceAnnounce func()
	OnIdleTimeout   func()
}

// Heartbeat watches speech and frame timestamps for one joined session
// and fires liveness callbacks when a threshold trips.
type Heartbeat struct {
	cfg      Config
	cb       Callbacks
	registry *metrics.Registry
	logger   *slog.Logger

	mu                  sync.Mutex
	sessionStartAt      time.Time
	lastUserSpeechAt    time.Time
	lastBotSpeechAt     time.Time
	lastFrameReceivedAt time.Time
	userSpeaking        bool

	silencePromptFired bool
	botStallFired      bool
	graceAnnounced     bool
	idleTimeoutFired   bool

	quit    chan struct{}
	stopped bool
}

func New(cfg Config, cb Callbacks, registry *metrics.Registry, logger *slog.Logger) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		cfg:      cfg,
		cb:       cb,
		registry: registry,
		logger:   logging.NewComponentLogger(logger, "heartbeat"),
	}
}

// Start begins ticking. All timestamps are seeded to now so idleness is
// measured from session start.
func (h *Heartbeat) Start() {
	now := time.Now()
	h.mu.Lock()
	h.sessionStartAt = now
	h.lastUserSpeechAt = now
	h.lastBotSpeechAt = now
	h.lastFrameReceivedAt = now
	h.quit = make(chan struct{})
	h.stopped = false
	quit := h.quit
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				h.Tick(time.Now())
			}
		}
	}()
}

// Stop halts the ticker. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Heartbeat) stopLocked() {
	if h.stopped || h.quit == nil {
		return
	}
	h.stopped = true
	close(h.quit)
}

// ReportUserSpeech timestamps user speech and clears every firing guard.
func (h *Heartbeat) ReportUserSpeech() {
	h.mu.Lock()
	h.lastUserSpeechAt = time.Now()
	h.silencePromptFired = false
	h.botStallFired = false
	h.graceAnnounced = false
	h.idleTimeoutFired = false
	h.mu.Unlock()
}

// ReportBotSpeech timestamps bot speech and clears the stall guard only.
func (h *Heartbeat) ReportBotSpeech() {
	h.mu.Lock()
	h.lastBotSpeechAt = time.Now()
	h.botStallFired = false
	h.mu.Unlock()
}

// ReportAudioFrameReceived timestamps inbound frame arrival.
func (h *Heartbeat) ReportAudioFrameReceived() {
	h.mu.Lock()
	h.lastFrameReceivedAt = time.Now()
	h.mu.Unlock()
}

// SetUserSpeaking tracks the transient speaking flag.
func (h *Heartbeat) SetUserSpeaking(speaking bool) {
	h.mu.Lock()
	h.userSpeaking = speaking
	h.mu.Unlock()
}

// Guards returns the four firing guards (for tests and logs).
func (h *Heartbeat) Guards() (silencePrompt, botStall, graceAnnounced, idleTimeout bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.silencePromptFired, h.botStallFired, h.graceAnnounced, h.idleTimeoutFired
}

// Tick evaluates every liveness stage against now. Exposed so tests can
// drive time explicitly.
func (h *Heartbeat) Tick(now time.Time) {
	h.mu.Lock()

	if h.registry != nil && !h.sessionStartAt.IsZero() {
		h.registry.SetGauge(metrics.GaugeSessionDurationSec, int64(now.Sub(h.sessionStartAt).Seconds()))
	}

	var fires []func()

	// Silence prompt.
	if h.cfg.Initiative != InitiativePassive && !h.silencePromptFired {
		threshold := h.cfg.SilencePrompt
		if h.cfg.Initiative == InitiativeActive {
			threshold = activeSilencePrompt
		}
		if now.Sub(h.lastUserSpeechAt) > threshold && h.lastBotSpeechAt.After(h.lastUserSpeechAt) {
			h.silencePromptFired = true
			if h.registry != nil {
				h.registry.Inc(metrics.CounterSilencePrompts)
			}
			h.logger.Info("silence prompt",
				slog.Duration("user_silence", now.Sub(h.lastUserSpeechAt)))
			if h.cb.OnSilencePrompt != nil {
				fires = append(fires, h.cb.OnSilencePrompt)
			}
		}
	}

	// Bot stall: the user spoke last and the bot never answered.
	if !h.botStallFired &&
		h.lastUserSpeechAt.After(h.lastBotSpeechAt) &&
		now.Sub(h.lastBotSpeechAt) > h.cfg.BotStallThreshold {
		h.botStallFired = true
		if h.registry != nil {
			h.registry.Inc(metrics.CounterStallsDetected)
		}
		h.logger.Warn("bot stall detected",
			slog.Duration("since_bot_speech", now.Sub(h.lastBotSpeechAt)))
		if h.cb.OnBotStall != nil {
			fires = append(fires, h.cb.OnBotStall)
		}
	}

	// Audio desync: no guard, fires every tick while the condition holds.
	if h.userSpeaking && now.Sub(h.lastFrameReceivedAt) > desyncWindow {
		h.logger.Warn("audio desync",
			slog.Duration("since_frame", now.Sub(h.lastFrameReceivedAt)))
		if h.cb.OnDesync != nil {
			fires = append(fires, h.cb.OnDesync)
		}
	}

	// Idle timeout, two stages: announce, then disconnect.
	idleSince := now.Sub(h.lastUserSpeechAt)
	if botIdle := now.Sub(h.lastBotSpeechAt); botIdle < idleSince {
		idleSince = botIdle
	}
	graceThreshold := h.cfg.IdleDisconnect - h.cfg.GraceAnnounce
	if idleSince > graceThreshold && !h.graceAnnounced {
		h.graceAnnounced = true
		h.logger.Info("idle grace announce", slog.Duration("idle", idleSince))
		if h.cb.OnGraceAnnounce != nil {
			fires = append(fires, h.cb.OnGraceAnnounce)
		}
	}
	if idleSince > h.cfg.IdleDisconnect && h.graceAnnounced && !h.idleTimeoutFired {
		h.idleTimeoutFired = true
		if h.registry != nil {
			h.registry.Inc(metrics.CounterIdleDisconnects)
		}
		h.logger.Info("idle timeout", slog.Duration("idle", idleSince))
		h.stopLocked()
		if h.cb.OnIdleTimeout != nil {
			fires = append(fires, h.cb.OnIdleTimeout)
		}
	}

	h.mu.Unlock()
	for _, fire := range fires {
		fire()
	}
}
