package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// ReasonTransientNetwork covers non-2xx and timeout failures on the
	// STT, chat and TTS endpoints.
	ReasonTransientNetwork ReasonCode = "transient_network"

	// ReasonCancelled marks a chat stream aborted by an interruption or
	// by the outer deadline. Never retried.
	ReasonCancelled ReasonCode = "cancelled"

	// ReasonDecodeFailure marks an Opus frame that failed to decode.
	ReasonDecodeFailure ReasonCode = "decode_failure"

	// ReasonConfigInvalid marks missing required fields at startup.
	ReasonConfigInvalid ReasonCode = "config_invalid"

	// ReasonVoiceTransport marks a connection that never reached Ready
	// or dropped mid-session.
	ReasonVoiceTransport ReasonCode = "voice_transport"

	// ReasonBakedStoreCorrupt marks a manifest or baked-file read failure.
	ReasonBakedStoreCorrupt ReasonCode = "baked_store_corrupt"

	ReasonSTTRequest   ReasonCode = "stt_request"
	ReasonTTSRequest   ReasonCode = "tts_request"
	ReasonLLMStream    ReasonCode = "llm_stream"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"
	ReasonLLMEmpty     ReasonCode = "llm_empty_response"
)
