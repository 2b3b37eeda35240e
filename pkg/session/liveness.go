package session

import (
	"context"
	"log/slog"

	"github.com/openclaw/voicebridge/pkg/ttscache"
)

// onSilencePrompt plays a baked check-in when one is cached, otherwise
// synthesises the fallback line on the spot.
func (o *Orchestrator) onSilencePrompt() {
	if o.cache != nil {
		if phrase, ok := o.cache.GetRandomPhrase(ttscache.LabelCheckIns); ok {
			o.playPhrase(phrase)
			return
		}
	}
	o.mu.Lock()
	pipeline := o.pipeline
	o.mu.Unlock()
	if pipeline != nil {
		pipeline.Say(context.Background(), checkInFallback)
	}
}

func (o *Orchestrator) onGraceAnnounce() {
	o.mu.Lock()
	pipeline := o.pipeline
	o.mu.Unlock()
	if pipeline != nil {
		pipeline.Say(context.Background(), graceLine)
	}
}

// onBotStall recovers a wedged turn: the first stall of the session
// interrupts, apologises and forces a reconnect; later stalls in the
// same session just replay the apology. Stalls are ignored while no
// transcript exists, but the first one still uses up the reconnect.
func (o *Orchestrator) onBotStall() {
	o.mu.Lock()
	pipeline := o.pipeline
	first := !o.stallRecovered
	if first {
		o.stallRecovered = true
	}
	o.mu.Unlock()

	if pipeline == nil || pipeline.LastTranscript() == "" {
		return
	}
	if first {
		o.logger.Warn("bot stall: interrupting and reconnecting")
		pipeline.Interrupt()
		pipeline.Say(context.Background(), recoveryLine)
		go o.handleDisconnect()
		return
	}
	o.logger.Warn("bot stall: replaying recovery line")
	pipeline.Say(context.Background(), recoveryLine)
}

// onDesync tears the receive stream down so the next speaking start
// resubscribes with a fresh window. Fires every tick while frames stay
// absent; the resubscription itself resets the window.
func (o *Orchestrator) onDesync() {
	o.mu.Lock()
	stream := o.stream
	o.stream = nil
	o.capturing = false
	o.mu.Unlock()
	if stream != nil {
		o.logger.Warn("audio desync: restarting capture")
		stream.Destroy()
	}
}

func (o *Orchestrator) onIdleTimeout() {
	o.logger.Info("idle timeout reached, leaving channel",
		slog.Int("idle_minutes", o.cfg.Resilience.IdleDisconnectMin))
	o.teardown("idle timeout")
}
