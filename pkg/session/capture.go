package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/openclaw/voicebridge/pkg/audio"
	"github.com/openclaw/voicebridge/pkg/heartbeat"
	"github.com/openclaw/voicebridge/pkg/metrics"
	"github.com/openclaw/voicebridge/pkg/stt"
	"github.com/openclaw/voicebridge/pkg/voice"
)

const (
	// decodeWarnThreshold emits a single warning for a run of
	// consecutive Opus decode failures.
	decodeWarnThreshold = 20
	// decodeResetThreshold tears the receive stream down; the next
	// speaking start re-establishes it.
	decodeResetThreshold = 50
)

// handleSpeakingStart opens a capture for the target user, or drops the
// event when a capture is already running.
func (o *Orchestrator) handleSpeakingStart() {
	o.mu.Lock()
	if !o.connected || !o.captureEnabled {
		o.mu.Unlock()
		return
	}
	if o.capturing {
		o.uttSeq++
		id := fmt.Sprintf("utt-%03d", o.uttSeq)
		o.mu.Unlock()
		o.logger.Info("speaking start during active capture",
			slog.String("event", "UTTERANCE_DROPPED_CAPTURING"),
			slog.String("utt_id", id))
		return
	}
	o.capturing = true
	hb := o.hb
	pipeline := o.pipeline
	o.mu.Unlock()

	if hb != nil {
		hb.ReportUserSpeech()
		hb.SetUserSpeaking(true)
	}
	// Barge-in: the user talking over the bot cancels the reply.
	if pipeline != nil {
		pipeline.Interrupt()
	}

	silence := time.Duration(o.cfg.VAD.SilenceThresholdMs) * time.Millisecond
	stream, err := o.platform.SubscribeAudio(o.cfg.TargetUserID, silence)
	if err != nil {
		o.logger.Error("audio subscribe failed", slog.String("error", err.Error()))
		o.mu.Lock()
		o.capturing = false
		o.mu.Unlock()
		if hb != nil {
			hb.SetUserSpeaking(false)
		}
		return
	}
	o.mu.Lock()
	o.stream = stream
	o.mu.Unlock()

	go o.captureRun(stream, pipeline, hb)
}

// captureRun drains one receive stream into a PCM accumulator and
// enqueues the resulting utterance when silence closes the stream.
func (o *Orchestrator) captureRun(stream voice.ReceiveStream, pipeline *audio.Pipeline, hb *heartbeat.Heartbeat) {
	maxBytes := o.cfg.VAD.MaxUtteranceSec * stt.BytesPerSecond
	var chunks [][]byte
	total := 0

	handle := func(pkt voice.Packet) {
		if hb != nil {
			hb.ReportAudioFrameReceived()
		}
		if total >= maxBytes {
			return
		}
		pcm, err := o.decoder.Decode(pkt.Opus)
		if err != nil {
			o.noteDecodeFailure(stream)
			return
		}
		o.resetDecodeFailures()
		chunks = append(chunks, pcm)
		total += len(pcm)
	}

	for {
		select {
		case pkt, ok := <-stream.Packets():
			if !ok {
				o.finishCapture(chunks, total, pipeline, hb)
				return
			}
			handle(pkt)
		case <-stream.Done():
			// Flush packets that arrived before the silence close.
			for {
				select {
				case pkt, ok := <-stream.Packets():
					if !ok {
						o.finishCapture(chunks, total, pipeline, hb)
						return
					}
					handle(pkt)
				default:
					o.finishCapture(chunks, total, pipeline, hb)
					return
				}
			}
		}
	}
}

func (o *Orchestrator) noteDecodeFailure(stream voice.ReceiveStream) {
	if o.registry != nil {
		o.registry.Inc(metrics.CounterOpusDecodeErrors)
	}
	o.mu.Lock()
	o.decodeFails++
	fails := o.decodeFails
	if fails > decodeResetThreshold {
		o.decodeFails = 0
	}
	o.mu.Unlock()

	if fails == decodeWarnThreshold+1 {
		o.logger.Warn("sustained opus decode failures",
			slog.Int("consecutive", fails))
	}
	if fails > decodeResetThreshold {
		o.logger.Warn("destroying receive stream after decode failures",
			slog.Int("consecutive", fails))
		stream.Destroy()
	}
}

func (o *Orchestrator) resetDecodeFailures() {
	o.mu.Lock()
	o.decodeFails = 0
	o.mu.Unlock()
}

func (o *Orchestrator) finishCapture(chunks [][]byte, total int, pipeline *audio.Pipeline, hb *heartbeat.Heartbeat) {
	o.mu.Lock()
	o.capturing = false
	o.stream = nil
	o.uttSeq++
	id := fmt.Sprintf("utt-%03d", o.uttSeq)
	o.mu.Unlock()

	if hb != nil {
		hb.SetUserSpeaking(false)
	}
	if total == 0 || pipeline == nil {
		o.logger.Debug("capture ended with no audio", slog.String("utt_id", id))
		return
	}
	pcm := make([]byte, 0, total)
	for _, c := range chunks {
		pcm = append(pcm, c...)
	}
	pipeline.Enqueue(audio.Utterance{ID: id, PCM: pcm})
}
