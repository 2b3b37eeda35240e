package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openclaw/voicebridge/pkg/configutil"
	"github.com/openclaw/voicebridge/pkg/errorsx"
	"github.com/openclaw/voicebridge/pkg/heartbeat"
	"github.com/openclaw/voicebridge/pkg/providers"
)

// Config is the frozen per-process configuration.
type Config struct {
	TargetUserID string `mapstructure:"target_user_id"`
	ChannelID    string `mapstructure:"channel_id"`
	GuildID      string `mapstructure:"guild_id"`
	AutoJoin     bool   `mapstructure:"auto_join"`

	Gateway       GatewayConfig       `mapstructure:"gateway"`
	STT           VendorConfig        `mapstructure:"stt"`
	TTS           VendorConfig        `mapstructure:"tts"`
	VAD           VADConfig           `mapstructure:"vad"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
	Heartbeat     HeartbeatConfig     `mapstructure:"heartbeat"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Phrases       PhrasesConfig       `mapstructure:"phrases"`

	LogLevel string `mapstructure:"log_level"`
}

type GatewayConfig struct {
	URL        string `mapstructure:"url"`
	Token      string `mapstructure:"token"`
	SessionKey string `mapstructure:"session_key"`
	AgentID    string `mapstructure:"agent_id"`
	Model      string `mapstructure:"model"`
}

// VendorConfig selects a speech provider plus free-form settings.
type VendorConfig struct {
	Provider     string         `mapstructure:"provider"`
	Model        string         `mapstructure:"model"`
	Voice        string         `mapstructure:"voice"`
	Instructions string         `mapstructure:"instructions"`
	APIKey       string         `mapstructure:"api_key"`
	Settings     map[string]any `mapstructure:"settings"`
}

// VendorSettings are the optional per-vendor overrides carried in the
// free-form settings map.
type VendorSettings struct {
	BaseURL string `mapstructure:"base_url"`
}

type VADConfig struct {
	SilenceThresholdMs int  `mapstructure:"silence_threshold_ms"`
	MinSpeechMs        int  `mapstructure:"min_speech_ms"`
	MaxUtteranceSec    int  `mapstructure:"max_utterance_sec"`
	NoiseFilterEnabled bool `mapstructure:"noise_filter_enabled"`
}

type ResilienceConfig struct {
	MaxReconnectAttempts  int `mapstructure:"max_reconnect_attempts"`
	ReconnectBackoffMs    int `mapstructure:"reconnect_backoff_ms"`
	ReconnectBackoffMaxMs int `mapstructure:"reconnect_backoff_max_ms"`
	IdleDisconnectMin     int `mapstructure:"idle_disconnect_min"`
	GraceAnnounceSec      int `mapstructure:"grace_announce_sec"`
	UserLeftGraceSec      int `mapstructure:"user_left_grace_sec"`
}

type HeartbeatConfig struct {
	IntervalMs           int    `mapstructure:"interval_ms"`
	SilencePromptSec     int    `mapstructure:"silence_prompt_sec"`
	BotStallThresholdSec int    `mapstructure:"bot_stall_threshold_sec"`
	Initiative           string `mapstructure:"initiative"`
}

type CacheConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	MaxSizeMb        int    `mapstructure:"max_size_mb"`
	PreWarmOnConnect bool   `mapstructure:"pre_warm_on_connect"`
	BakedPhrasesDir  string `mapstructure:"baked_phrases_dir"`
}

type ObservabilityConfig struct {
	MetricsLogIntervalSec int `mapstructure:"metrics_log_interval_sec"`
	HealthPort            int `mapstructure:"health_port"`
}

type PhrasesConfig struct {
	Greetings []string `mapstructure:"greetings"`
	CheckIns  []string `mapstructure:"check_ins"`
}

// Load reads the config file and applies defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("auto_join", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("gateway.session_key", "voice:default")
	v.SetDefault("gateway.agent_id", "voice")
	v.SetDefault("gateway.model", "openclaw")
	v.SetDefault("stt.provider", "openai")
	v.SetDefault("stt.model", "whisper-1")
	v.SetDefault("tts.provider", "openai")
	v.SetDefault("tts.model", "gpt-4o-mini-tts")
	v.SetDefault("tts.voice", "nova")
	v.SetDefault("vad.silence_threshold_ms", 500)
	v.SetDefault("vad.min_speech_ms", 200)
	v.SetDefault("vad.max_utterance_sec", 120)
	v.SetDefault("vad.noise_filter_enabled", true)
	v.SetDefault("resilience.max_reconnect_attempts", 5)
	v.SetDefault("resilience.reconnect_backoff_ms", 1000)
	v.SetDefault("resilience.reconnect_backoff_max_ms", 30000)
	v.SetDefault("resilience.idle_disconnect_min", 10)
	v.SetDefault("resilience.grace_announce_sec", 30)
	v.SetDefault("resilience.user_left_grace_sec", 60)
	v.SetDefault("heartbeat.interval_ms", 15000)
	v.SetDefault("heartbeat.silence_prompt_sec", 60)
	v.SetDefault("heartbeat.bot_stall_threshold_sec", 45)
	v.SetDefault("heartbeat.initiative", "normal")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_size_mb", 50)
	v.SetDefault("cache.pre_warm_on_connect", true)
	v.SetDefault("cache.baked_phrases_dir", "baked-phrases")
	v.SetDefault("observability.metrics_log_interval_sec", 60)
	v.SetDefault("observability.health_port", 0)
	v.SetDefault("phrases.greetings", []string{
		"Hey! Good to hear you.",
		"Hello! I'm listening.",
		"Hi there, what's on your mind?",
	})
	v.SetDefault("phrases.check_ins", []string{
		"Still there?",
		"I'm still here if you need me.",
		"Anything else on your mind?",
	})
}

// Validate rejects a config that cannot start a session. Returned
// errors carry the config_invalid reason and are fatal before any
// connection is opened.
func (c Config) Validate() error {
	var problems []string
	for _, check := range []struct {
		value string
		path  string
	}{
		{c.TargetUserID, "target_user_id"},
		{c.ChannelID, "channel_id"},
		{c.GuildID, "guild_id"},
		{c.Gateway.URL, "gateway.url"},
		{c.Gateway.Token, "gateway.token"},
		{c.STT.APIKey, "stt.api_key"},
		{c.TTS.APIKey, "tts.api_key"},
	} {
		if err := configutil.RequireString(check.value, check.path); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if _, err := providers.Parse(c.STT.Provider); err != nil {
		problems = append(problems, "stt.provider: "+err.Error())
	}
	if _, err := providers.Parse(c.TTS.Provider); err != nil {
		problems = append(problems, "tts.provider: "+err.Error())
	}
	switch heartbeat.Initiative(c.Heartbeat.Initiative) {
	case heartbeat.InitiativePassive, heartbeat.InitiativeNormal, heartbeat.InitiativeActive:
	default:
		problems = append(problems, fmt.Sprintf("heartbeat.initiative: unknown value %q", c.Heartbeat.Initiative))
	}
	if len(problems) > 0 {
		return errorsx.Wrap(errors.New(strings.Join(problems, "; ")), errorsx.ReasonConfigInvalid)
	}
	return nil
}

// STTProvider builds the typed STT client config.
func (c Config) STTProvider() (providers.STTConfig, error) {
	p, err := providers.Parse(c.STT.Provider)
	if err != nil {
		return providers.STTConfig{}, err
	}
	var settings VendorSettings
	if err := configutil.DecodeSettings(c.STT.Settings, &settings); err != nil {
		return providers.STTConfig{}, err
	}
	return providers.STTConfig{
		Provider: p,
		Model:    c.STT.Model,
		APIKey:   c.STT.APIKey,
		BaseURL:  settings.BaseURL,
	}, nil
}

// TTSProvider builds the typed TTS client config.
func (c Config) TTSProvider() (providers.TTSConfig, error) {
	p, err := providers.Parse(c.TTS.Provider)
	if err != nil {
		return providers.TTSConfig{}, err
	}
	var settings VendorSettings
	if err := configutil.DecodeSettings(c.TTS.Settings, &settings); err != nil {
		return providers.TTSConfig{}, err
	}
	return providers.TTSConfig{
		Provider:     p,
		Model:        c.TTS.Model,
		Voice:        c.TTS.Voice,
		Instructions: c.TTS.Instructions,
		APIKey:       c.TTS.APIKey,
		BaseURL:      settings.BaseURL,
	}, nil
}

// HeartbeatSettings converts the config durations for the heartbeat.
func (c Config) HeartbeatSettings() heartbeat.Config {
	return heartbeat.Config{
		Interval:          time.Duration(c.Heartbeat.IntervalMs) * time.Millisecond,
		SilencePrompt:     time.Duration(c.Heartbeat.SilencePromptSec) * time.Second,
		BotStallThreshold: time.Duration(c.Heartbeat.BotStallThresholdSec) * time.Second,
		IdleDisconnect:    time.Duration(c.Resilience.IdleDisconnectMin) * time.Minute,
		GraceAnnounce:     time.Duration(c.Resilience.GraceAnnounceSec) * time.Second,
		Initiative:        heartbeat.Initiative(c.Heartbeat.Initiative),
	}
}
