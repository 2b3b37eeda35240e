package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/openclaw/voicebridge/pkg/errorsx"
	"github.com/openclaw/voicebridge/pkg/logging"
	"github.com/openclaw/voicebridge/pkg/metrics"
	"github.com/openclaw/voicebridge/pkg/providers"
)

// Client posts WAV-wrapped utterances to the provider's transcription
// endpoint and returns the recognised text.
type Client struct {
	cfg         providers.STTConfig
	minSpeechMs int
	http        *http.Client
	registry    *metrics.Registry
	logger      *slog.Logger
}

func NewClient(cfg providers.STTConfig, minSpeechMs int, httpClient *http.Client, registry *metrics.Registry, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:         cfg,
		minSpeechMs: minSpeechMs,
		http:        httpClient,
		registry:    registry,
		logger:      logging.NewComponentLogger(logger, "stt"),
	}
}

// Transcribe converts one PCM utterance to text. Utterances shorter
// than the minimum speech window, and any transport failure, yield an
// empty string so the pipeline can skip the turn.
func (c *Client) Transcribe(ctx context.Context, pcm []byte) string {
	if len(pcm) < MinBytes(c.minSpeechMs) {
		c.logger.Debug("utterance below minimum speech window",
			slog.Int("pcm_bytes", len(pcm)),
			slog.Int("min_bytes", MinBytes(c.minSpeechMs)))
		return ""
	}
	start := time.Now()
	text, err := c.request(ctx, WrapWAV(pcm))
	if c.registry != nil {
		c.registry.Inc(metrics.CounterSTTRequests)
		c.registry.Timing(metrics.TimingSTTLatencyMs, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		c.logger.Error("transcription failed", slog.String("error", err.Error()))
		return ""
	}
	return text
}

func (c *Client) request(ctx context.Context, wav []byte) (string, error) {
	endpoint, capability, err := providers.STTEndpoint(c.cfg)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wav); err != nil {
		return "", err
	}
	if err := mw.WriteField("model", c.cfg.Model); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	capability.Apply(req, c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTransientNetwork)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return "", errorsx.Wrap(errors.New(resp.Status+": "+string(raw)), errorsx.ReasonSTTRequest)
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSTTRequest)
	}
	return payload.Text, nil
}
