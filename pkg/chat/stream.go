package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openclaw/voicebridge/pkg/errorsx"
	"github.com/openclaw/voicebridge/pkg/logging"
	"github.com/openclaw/voicebridge/pkg/resilience"
)

// Config addresses the chat-completion gateway.
type Config struct {
	GatewayURL string
	Token      string
	AgentID    string
	SessionKey string
	Model      string
	// Timeout is the overall deadline for one streaming reply.
	Timeout time.Duration
}

// Client performs one streaming chat-completion request per utterance
// and yields completed, TTS-ready sentences as they form.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
		logger:  logging.NewComponentLogger(logger, "chat"),
	}
}

// Stream sends the transcript and reads the SSE reply. Each completed
// sentence is cleaned and passed to onSentence in production order;
// the full raw reply text is returned at the end. The supplied context
// is the interruption path; an additional overall deadline applies.
func (c *Client) Stream(ctx context.Context, transcript string, onSentence func(string)) (string, error) {
	if !c.breaker.Allow() {
		return "", errorsx.Wrap(errors.New("chat circuit open"), errorsx.ReasonLLMRateLimit)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload := map[string]any{
		"model":  c.cfg.Model,
		"stream": true,
		"messages": []map[string]any{
			{"role": "user", "content": transcript},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.GatewayURL, "/")+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("x-openclaw-agent-id", c.cfg.AgentID)
	req.Header.Set("x-openclaw-session-key", c.cfg.SessionKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", errorsx.Wrap(err, errorsx.ReasonCancelled)
		}
		return "", errorsx.Wrap(err, errorsx.ReasonTransientNetwork)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		rlErr := resilience.RateLimitError{Provider: "gateway", Message: string(body)}
		c.breaker.OnError(rlErr)
		return "", errorsx.Wrap(rlErr, errorsx.ReasonLLMRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", errorsx.Wrap(errors.New(resp.Status+": "+string(body)), errorsx.ReasonLLMStream)
	}

	var full strings.Builder
	var sb SentenceBuffer
	emit := func(sentence string) {
		if onSentence == nil {
			return
		}
		if cleaned := CleanForTTS(sentence); cleaned != "" {
			onSentence(cleaned)
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		for _, s := range sb.Push(delta) {
			emit(s)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.logger.Debug("chat stream cancelled", slog.String("error", err.Error()))
			return "", errorsx.Wrap(err, errorsx.ReasonCancelled)
		}
		return "", errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}
	if residual := sb.Flush(); residual != "" {
		emit(residual)
	}

	text := full.String()
	if strings.TrimSpace(text) == "" {
		return "", errorsx.Wrap(errors.New("Empty response"), errorsx.ReasonLLMEmpty)
	}
	c.breaker.OnSuccess()
	return text, nil
}
