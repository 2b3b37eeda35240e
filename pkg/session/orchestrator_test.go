package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openclaw/voicebridge/pkg/config"
	"github.com/openclaw/voicebridge/pkg/metrics"
	"github.com/openclaw/voicebridge/pkg/stt"
	"github.com/openclaw/voicebridge/pkg/ttscache"
	"github.com/openclaw/voicebridge/pkg/voice"
	vmock "github.com/openclaw/voicebridge/pkg/voice/mock"
)

type fixture struct {
	orch     *Orchestrator
	platform *vmock.Session
	registry *metrics.Registry
	cache    *ttscache.Cache
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	sttSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"hello"}`))
	}))
	t.Cleanup(sttSrv.Close)

	chatSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi there. How are you?\"}}]}\n\n")
		fl.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	t.Cleanup(chatSrv.Close)

	ttsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("AUDIO"))
	}))
	t.Cleanup(ttsSrv.Close)

	cfg := config.Config{
		TargetUserID: "user-1",
		ChannelID:    "chan-1",
		GuildID:      "guild-1",
		AutoJoin:     true,
		Gateway: config.GatewayConfig{
			URL: chatSrv.URL, Token: "tok", SessionKey: "voice:default", AgentID: "voice", Model: "m",
		},
		STT: config.VendorConfig{
			Provider: "openai", Model: "whisper-1", APIKey: "k",
			Settings: map[string]any{"base_url": sttSrv.URL},
		},
		TTS: config.VendorConfig{
			Provider: "openai", Model: "gpt-4o-mini-tts", Voice: "nova", APIKey: "k",
			Settings: map[string]any{"base_url": ttsSrv.URL},
		},
		VAD: config.VADConfig{
			SilenceThresholdMs: 500, MinSpeechMs: 200, MaxUtteranceSec: 120, NoiseFilterEnabled: true,
		},
		Resilience: config.ResilienceConfig{
			MaxReconnectAttempts: 5, ReconnectBackoffMs: 1, ReconnectBackoffMaxMs: 8,
			IdleDisconnectMin: 10, GraceAnnounceSec: 30, UserLeftGraceSec: 1,
		},
		Heartbeat: config.HeartbeatConfig{
			IntervalMs: 60000, SilencePromptSec: 60, BotStallThresholdSec: 45, Initiative: "normal",
		},
		Cache: config.CacheConfig{
			Enabled: true, MaxSizeMb: 50, PreWarmOnConnect: false, BakedPhrasesDir: t.TempDir(),
		},
		Observability: config.ObservabilityConfig{MetricsLogIntervalSec: 60},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	platform := vmock.NewSession()
	platform.JoinState = voice.StateReady
	registry := metrics.NewRegistry()
	cache := ttscache.New(registry, nil)

	orch, err := New(cfg, platform, &vmock.Decoder{}, cache, registry, nil, nil, nil)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	orch.readyTimeout = 2 * time.Second
	orch.stateTimeout = 150 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = orch.Run(ctx) }()
	t.Cleanup(cancel)

	return &fixture{orch: orch, platform: platform, registry: registry, cache: cache, cancel: cancel}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) join(t *testing.T) {
	t.Helper()
	f.platform.PushEvent(voice.Event{Kind: voice.EventPresence, UserID: "user-1", NewChannelID: "chan-1"})
	waitFor(t, "join", f.orch.Connected)
}

// speak pushes a speaking start and feeds enough audio to clear the
// minimum speech window, then ends the stream.
func (f *fixture) speak(t *testing.T) {
	t.Helper()
	before := f.platform.StreamCount()
	f.platform.PushEvent(voice.Event{Kind: voice.EventSpeakingStart, UserID: "user-1"})
	waitFor(t, "subscription", func() bool { return f.platform.StreamCount() > before })
	stream := f.platform.LastStream()
	frame := make([]byte, stt.BytesPerSecond/100) // 10 ms per frame
	for i := 0; i < 30; i++ {
		stream.Push(frame)
	}
	time.Sleep(20 * time.Millisecond)
	stream.End()
}

func TestAutoJoinOnPresence(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t)
	if !f.orch.Connected() {
		t.Fatalf("expected connected session")
	}
	if f.registry.Counter(metrics.CounterSessionCount) != 1 {
		t.Fatalf("expected session counted")
	}
	if !f.platform.Player().Subscribed() {
		t.Fatalf("expected player subscribed")
	}
}

func TestIgnoresOtherUsers(t *testing.T) {
	f := newFixture(t, nil)
	f.platform.PushEvent(voice.Event{Kind: voice.EventPresence, UserID: "someone-else", NewChannelID: "chan-1"})
	time.Sleep(50 * time.Millisecond)
	if f.orch.Connected() {
		t.Fatalf("must not join for other users")
	}
}

func TestEndToEndUtterance(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t)
	player := f.platform.Player()

	f.speak(t)
	waitFor(t, "first chunk", func() bool { return len(player.Played()) >= 1 })
	player.FinishPlayback()
	waitFor(t, "second chunk", func() bool { return len(player.Played()) >= 2 })
	player.FinishPlayback()

	if f.registry.Counter(metrics.CounterSTTRequests) != 1 {
		t.Fatalf("expected one stt request, got %d", f.registry.Counter(metrics.CounterSTTRequests))
	}
	if f.registry.Counter(metrics.CounterTTSRequests) != 2 {
		t.Fatalf("expected two tts requests, got %d", f.registry.Counter(metrics.CounterTTSRequests))
	}
	waitFor(t, "e2e sample", func() bool {
		return f.registry.TimingCount(metrics.TimingPipelineE2EMs) == 1
	})
}

func TestDuplicateSpeakingStartDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t)

	f.platform.PushEvent(voice.Event{Kind: voice.EventSpeakingStart, UserID: "user-1"})
	waitFor(t, "subscription", func() bool { return f.platform.StreamCount() == 1 })
	// A second start during the active capture is dropped.
	f.platform.PushEvent(voice.Event{Kind: voice.EventSpeakingStart, UserID: "user-1"})
	time.Sleep(50 * time.Millisecond)
	if f.platform.StreamCount() != 1 {
		t.Fatalf("duplicate speaking start must not resubscribe")
	}
	f.platform.LastStream().End()
	waitFor(t, "capture released", func() bool {
		f.orch.mu.Lock()
		defer f.orch.mu.Unlock()
		return !f.orch.capturing
	})
	// After the stream ends, capture works again.
	f.platform.PushEvent(voice.Event{Kind: voice.EventSpeakingStart, UserID: "user-1"})
	waitFor(t, "new subscription", func() bool { return f.platform.StreamCount() == 2 })
}

func TestReconnectBackoffAndRecovery(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t)
	conn := f.platform.Conn()

	conn.SetState(voice.StateDisconnected)
	// Let two attempts time out, then recover on the third.
	waitFor(t, "third attempt", func() bool {
		return f.registry.Counter(metrics.CounterReconnectCount) >= 3
	})
	conn.SetState(voice.StateSignalling)
	time.Sleep(20 * time.Millisecond)
	conn.SetState(voice.StateReady)

	waitFor(t, "reconnect success", func() bool {
		return f.registry.Counter(metrics.CounterReconnectSuccess) == 1
	})
	if got := f.registry.Counter(metrics.CounterReconnectCount); got != 3 {
		t.Fatalf("expected 3 reconnect attempts, got %d", got)
	}
	// Capture loop is live again.
	f.platform.PushEvent(voice.Event{Kind: voice.EventSpeakingStart, UserID: "user-1"})
	waitFor(t, "capture after reconnect", func() bool { return f.platform.StreamCount() == 1 })
}

func TestReconnectExhaustionTearsDown(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Resilience.MaxReconnectAttempts = 2
	})
	f.join(t)
	f.platform.Conn().SetState(voice.StateDisconnected)
	waitFor(t, "teardown", func() bool { return !f.orch.Connected() })
	if f.registry.Counter(metrics.CounterReconnectCount) != 2 {
		t.Fatalf("expected 2 attempts, got %d", f.registry.Counter(metrics.CounterReconnectCount))
	}
}

func TestOpusDecodeFailureThresholds(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t)
	f.orch.decoder = &vmock.Decoder{FailOn: func([]byte) bool { return true }}

	f.platform.PushEvent(voice.Event{Kind: voice.EventSpeakingStart, UserID: "user-1"})
	waitFor(t, "subscription", func() bool { return f.platform.StreamCount() == 1 })
	stream := f.platform.LastStream()
	for i := 0; i < 51; i++ {
		stream.Push([]byte{0xde, 0xad})
	}
	waitFor(t, "stream destroyed", stream.Destroyed)
	if got := f.registry.Counter(metrics.CounterOpusDecodeErrors); got != 51 {
		t.Fatalf("expected 51 decode errors, got %d", got)
	}

	// Next speaking start re-establishes the stream and decoding works.
	f.orch.decoder = &vmock.Decoder{}
	f.platform.PushEvent(voice.Event{Kind: voice.EventSpeakingStart, UserID: "user-1"})
	waitFor(t, "resubscription", func() bool { return f.platform.StreamCount() == 2 })
}

func TestUserLeaveGraceAndReturn(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Resilience.UserLeftGraceSec = 1
	})
	f.join(t)

	f.platform.PushEvent(voice.Event{Kind: voice.EventPresence, UserID: "user-1", OldChannelID: "chan-1", NewChannelID: "elsewhere"})
	time.Sleep(100 * time.Millisecond)
	if !f.orch.Connected() {
		t.Fatalf("grace window must keep the session alive")
	}
	// Returning cancels the timer.
	f.platform.PushEvent(voice.Event{Kind: voice.EventPresence, UserID: "user-1", OldChannelID: "elsewhere", NewChannelID: "chan-1"})
	time.Sleep(1200 * time.Millisecond)
	if !f.orch.Connected() {
		t.Fatalf("rejoin must cancel the grace teardown")
	}
}

func TestUserLeaveGraceExpiry(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Resilience.UserLeftGraceSec = 1
	})
	f.join(t)
	f.platform.PushEvent(voice.Event{Kind: voice.EventPresence, UserID: "user-1", OldChannelID: "chan-1", NewChannelID: "elsewhere"})
	waitFor(t, "grace teardown", func() bool { return !f.orch.Connected() })
}

func TestSilencePromptPrefersBakedPhrase(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t)
	f.cache.SetBaked("checkin-1", []byte("ogg-audio"), 50)
	f.cache.RegisterPhraseKey("checkin-1", ttscache.LabelCheckIns)

	f.orch.onSilencePrompt()
	player := f.platform.Player()
	waitFor(t, "prompt played", func() bool { return len(player.Played()) == 1 })
	if player.Played()[0].Container != voice.ContainerOggOpus {
		t.Fatalf("baked phrase must play as ogg opus")
	}
}

func TestSilencePromptFallsBackToSynthesis(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t)
	f.orch.onSilencePrompt()
	player := f.platform.Player()
	waitFor(t, "fallback played", func() bool { return len(player.Played()) == 1 })
	if f.registry.Counter(metrics.CounterTTSRequests) != 1 {
		t.Fatalf("fallback must synthesise")
	}
}

func TestIdleTimeoutLeavesChannel(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t)
	f.orch.onIdleTimeout()
	waitFor(t, "teardown", func() bool { return !f.orch.Connected() })
}

func TestMetricsSnapshotObserver(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	f := newFixture(t, func(c *config.Config) {
		c.Observability.MetricsLogIntervalSec = 1
	})
	f.orch.SetObserver(obs)
	f.join(t)
	waitFor(t, "snapshot event", func() bool { return len(obs.Snapshot()) >= 1 })
	if obs.Snapshot()[0].Name != "voice.metrics.snapshot" {
		t.Fatalf("unexpected event name %s", obs.Snapshot()[0].Name)
	}
}

func TestDesyncRestartsCapture(t *testing.T) {
	f := newFixture(t, nil)
	f.join(t)
	f.platform.PushEvent(voice.Event{Kind: voice.EventSpeakingStart, UserID: "user-1"})
	waitFor(t, "subscription", func() bool { return f.platform.StreamCount() == 1 })

	f.orch.onDesync()
	waitFor(t, "stream destroyed", f.platform.LastStream().Destroyed)
	f.platform.PushEvent(voice.Event{Kind: voice.EventSpeakingStart, UserID: "user-1"})
	waitFor(t, "resubscription", func() bool { return f.platform.StreamCount() == 2 })
}
