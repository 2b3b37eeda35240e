package providers

import (
	"fmt"
	"net/http"
	"strings"
)

// Provider identifies a speech vendor.
type Provider string

const (
	OpenAI     Provider = "openai"
	ElevenLabs Provider = "elevenlabs"
)

// Parse normalizes a config string into a known provider.
func Parse(s string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case OpenAI:
		return OpenAI, nil
	case ElevenLabs:
		return ElevenLabs, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// Capability describes how to reach a provider's speech endpoints.
// The request shapes are OpenAI-compatible; only base URL and auth differ.
type Capability struct {
	STTBase    string
	TTSBase    string
	AuthHeader func(apiKey string) (key, value string)
}

var capabilities = map[Provider]Capability{
	OpenAI: {
		STTBase: "https://api.openai.com/v1/audio",
		TTSBase: "https://api.openai.com/v1/audio",
		AuthHeader: func(apiKey string) (string, string) {
			return "Authorization", "Bearer " + apiKey
		},
	},
	ElevenLabs: {
		STTBase: "https://api.elevenlabs.io/v1/audio",
		TTSBase: "https://api.elevenlabs.io/v1/audio",
		AuthHeader: func(apiKey string) (string, string) {
			return "xi-api-key", apiKey
		},
	},
}

// Lookup returns the capability record for a provider.
func Lookup(p Provider) (Capability, error) {
	c, ok := capabilities[p]
	if !ok {
		return Capability{}, fmt.Errorf("unknown provider %q", p)
	}
	return c, nil
}

// STTConfig selects the transcription endpoint and model.
type STTConfig struct {
	Provider Provider
	Model    string
	APIKey   string
	// BaseURL overrides the capability endpoint (used by tests).
	BaseURL string
}

// TTSConfig selects the synthesis endpoint, model and voice. It is the
// unit the TTS cache is keyed on.
type TTSConfig struct {
	Provider     Provider
	Model        string
	Voice        string
	Instructions string
	APIKey       string
	BaseURL      string
}

// Apply sets the provider's auth header on an outgoing request.
func (c Capability) Apply(req *http.Request, apiKey string) {
	k, v := c.AuthHeader(apiKey)
	req.Header.Set(k, v)
}

// STTEndpoint resolves the transcription URL for a config.
func STTEndpoint(cfg STTConfig) (string, Capability, error) {
	c, err := Lookup(cfg.Provider)
	if err != nil {
		return "", Capability{}, err
	}
	base := cfg.BaseURL
	if base == "" {
		base = c.STTBase
	}
	return strings.TrimRight(base, "/") + "/transcriptions", c, nil
}

// TTSEndpoint resolves the synthesis URL for a config.
func TTSEndpoint(cfg TTSConfig) (string, Capability, error) {
	c, err := Lookup(cfg.Provider)
	if err != nil {
		return "", Capability{}, err
	}
	base := cfg.BaseURL
	if base == "" {
		base = c.TTSBase
	}
	return strings.TrimRight(base, "/") + "/speech", c, nil
}
