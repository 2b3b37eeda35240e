package stt

import (
	"bytes"
	"encoding/binary"
)

// Capture format delivered by the voice receive path.
const (
	SampleRate = 48000
	Channels   = 2
	BitDepth   = 16

	// BytesPerSecond is the PCM byte rate (rate * channels * bytes per sample).
	BytesPerSecond = SampleRate * Channels * (BitDepth / 8)
)

// WrapWAV prefixes raw PCM (48 kHz stereo s16le) with a canonical
// 44-byte RIFF/WAVE header.
func WrapWAV(pcm []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(BytesPerSecond))
	binary.Write(&buf, binary.LittleEndian, uint16(Channels*BitDepth/8))
	binary.Write(&buf, binary.LittleEndian, uint16(BitDepth))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// MinBytes returns the minimum PCM length for an utterance to be worth
// transcribing, given the configured minimum speech duration.
func MinBytes(minSpeechMs int) int {
	return minSpeechMs * BytesPerSecond / 1000
}
