package session

import (
	"log/slog"
	"time"

	"github.com/openclaw/voicebridge/pkg/metrics"
	"github.com/openclaw/voicebridge/pkg/resilience"
	"github.com/openclaw/voicebridge/pkg/voice"
)

// handleDisconnect runs the exponential-backoff reconnect machine. Each
// attempt sleeps, then waits for the connection to re-signal and reach
// Ready. Exhaustion tears the session down.
func (o *Orchestrator) handleDisconnect() {
	o.mu.Lock()
	if o.reconnecting || o.tearingDown || !o.connected {
		o.mu.Unlock()
		return
	}
	o.reconnecting = true
	o.captureEnabled = false
	conn := o.conn
	player := o.player
	pipeline := o.pipeline
	watcher := o.watcher
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.reconnecting = false
		o.mu.Unlock()
	}()

	base := time.Duration(o.cfg.Resilience.ReconnectBackoffMs) * time.Millisecond
	max := time.Duration(o.cfg.Resilience.ReconnectBackoffMaxMs) * time.Millisecond
	attempts := o.cfg.Resilience.MaxReconnectAttempts

	for attempt := 1; attempt <= attempts; attempt++ {
		if o.registry != nil {
			o.registry.Inc(metrics.CounterReconnectCount)
		}
		delay := resilience.ExpBackoff(attempt, base, max)
		o.logger.Info("reconnect attempt",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay))
		time.Sleep(delay)

		o.mu.Lock()
		abandoned := o.tearingDown || !o.connected
		o.mu.Unlock()
		if abandoned {
			return
		}

		if !watcher.waitFor(voice.StateSignalling, o.stateTimeout) {
			continue
		}
		if !watcher.waitFor(voice.StateReady, o.stateTimeout) {
			continue
		}

		if err := player.Subscribe(conn); err != nil {
			o.logger.Warn("player resubscribe failed", slog.String("error", err.Error()))
			continue
		}
		pipeline.BindPlayer(player)
		o.mu.Lock()
		o.captureEnabled = true
		o.capturing = false
		o.mu.Unlock()
		if o.registry != nil {
			o.registry.Inc(metrics.CounterReconnectSuccess)
		}
		o.logger.Info("reconnected", slog.Int("attempt", attempt))
		return
	}

	o.logger.Error("reconnect attempts exhausted, leaving channel",
		slog.Int("attempts", attempts))
	o.teardown("reconnect exhausted")
}
