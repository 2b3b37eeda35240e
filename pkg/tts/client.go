package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/openclaw/voicebridge/pkg/errorsx"
	"github.com/openclaw/voicebridge/pkg/logging"
	"github.com/openclaw/voicebridge/pkg/metrics"
	"github.com/openclaw/voicebridge/pkg/providers"
)

// maxInputChars is the provider's input ceiling; longer sentences are
// truncated with an ellipsis.
const maxInputChars = 4093

// Client synthesises sentences to audio via the provider's speech
// endpoint.
type Client struct {
	cfg      providers.TTSConfig
	http     *http.Client
	registry *metrics.Registry
	logger   *slog.Logger
}

func NewClient(cfg providers.TTSConfig, httpClient *http.Client, registry *metrics.Registry, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		http:     httpClient,
		registry: registry,
		logger:   logging.NewComponentLogger(logger, "tts"),
	}
}

func (c *Client) Config() providers.TTSConfig { return c.cfg }

// Synthesize returns audio bytes in the provider's default container
// (typically MP3). The pipeline plays these without re-decoding.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return c.request(ctx, text, "mp3")
}

// SynthesizeBaked requests an OGG Opus byte stream, the container used
// by the baked phrase store.
func (c *Client) SynthesizeBaked(ctx context.Context, text string) ([]byte, error) {
	return c.request(ctx, text, "opus")
}

func (c *Client) request(ctx context.Context, text, format string) ([]byte, error) {
	if len(text) > maxInputChars {
		text = text[:maxInputChars] + "..."
	}
	endpoint, capability, err := providers.TTSEndpoint(c.cfg)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}

	payload := map[string]any{
		"model": c.cfg.Model,
		"voice": c.cfg.Voice,
		"input": text,
	}
	if format != "" {
		payload["response_format"] = format
	}
	if c.cfg.Instructions != "" {
		payload["instructions"] = c.cfg.Instructions
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	capability.Apply(req, c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if c.registry != nil {
		c.registry.Inc(metrics.CounterTTSRequests)
		c.registry.Timing(metrics.TimingTTSLatencyMs, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTransientNetwork)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, errorsx.Wrap(errors.New(resp.Status+": "+string(body)), errorsx.ReasonTTSRequest)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTransientNetwork)
	}
	c.logger.Debug("synthesis complete",
		slog.Int("input_chars", len(text)),
		slog.Int("audio_bytes", len(audio)),
		slog.String("format", format))
	return audio, nil
}
