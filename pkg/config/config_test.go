package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openclaw/voicebridge/pkg/errorsx"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
target_user_id: "user-1"
channel_id: "chan-1"
guild_id: "guild-1"
gateway:
  url: "https://gateway.example"
  token: "secret"
stt:
  api_key: "sk-stt"
tts:
  api_key: "sk-tts"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !cfg.AutoJoin {
		t.Fatalf("auto_join defaults to true")
	}
	if cfg.Gateway.SessionKey != "voice:default" || cfg.Gateway.AgentID != "voice" {
		t.Fatalf("gateway defaults wrong: %+v", cfg.Gateway)
	}
	if cfg.STT.Model != "whisper-1" {
		t.Fatalf("stt model default wrong: %s", cfg.STT.Model)
	}
	if cfg.TTS.Model != "gpt-4o-mini-tts" || cfg.TTS.Voice != "nova" {
		t.Fatalf("tts defaults wrong: %+v", cfg.TTS)
	}
	if cfg.VAD.SilenceThresholdMs != 500 || cfg.VAD.MinSpeechMs != 200 || cfg.VAD.MaxUtteranceSec != 120 {
		t.Fatalf("vad defaults wrong: %+v", cfg.VAD)
	}
	if !cfg.VAD.NoiseFilterEnabled {
		t.Fatalf("noise filter defaults on")
	}
	if cfg.Resilience.MaxReconnectAttempts != 5 || cfg.Resilience.ReconnectBackoffMs != 1000 ||
		cfg.Resilience.ReconnectBackoffMaxMs != 30000 || cfg.Resilience.UserLeftGraceSec != 60 {
		t.Fatalf("resilience defaults wrong: %+v", cfg.Resilience)
	}
	if cfg.Heartbeat.IntervalMs != 15000 || cfg.Heartbeat.SilencePromptSec != 60 ||
		cfg.Heartbeat.BotStallThresholdSec != 45 || cfg.Heartbeat.Initiative != "normal" {
		t.Fatalf("heartbeat defaults wrong: %+v", cfg.Heartbeat)
	}
	if !cfg.Cache.Enabled || cfg.Cache.MaxSizeMb != 50 || !cfg.Cache.PreWarmOnConnect {
		t.Fatalf("cache defaults wrong: %+v", cfg.Cache)
	}
	if cfg.Observability.MetricsLogIntervalSec != 60 {
		t.Fatalf("observability defaults wrong: %+v", cfg.Observability)
	}
	if len(cfg.Phrases.CheckIns) == 0 || len(cfg.Phrases.Greetings) == 0 {
		t.Fatalf("expected default phrase pools")
	}
}

func TestValidateMissingRequired(t *testing.T) {
	cfg, err := Load(writeConfig(t, "target_user_id: \"u\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid reason, got %v", err)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.TTS.Provider = "acme"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown provider rejection")
	}
}

func TestVendorSettingsDecode(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
target_user_id: "user-1"
channel_id: "chan-1"
guild_id: "guild-1"
gateway:
  url: "https://gateway.example"
  token: "secret"
stt:
  api_key: "sk-stt"
  settings:
    base_url: "http://localhost:9999/audio"
tts:
  api_key: "sk-tts"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sttCfg, err := cfg.STTProvider()
	if err != nil {
		t.Fatalf("stt provider: %v", err)
	}
	if sttCfg.BaseURL != "http://localhost:9999/audio" {
		t.Fatalf("expected base_url override, got %q", sttCfg.BaseURL)
	}
}

func TestHeartbeatSettingsConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	hb := cfg.HeartbeatSettings()
	if hb.Interval.Milliseconds() != 15000 || hb.IdleDisconnect.Minutes() != 10 {
		t.Fatalf("conversion wrong: %+v", hb)
	}
}
