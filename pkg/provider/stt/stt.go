// Package stt is the transcription stage of the cascade recognizer.
//
// A [Provider] opens one [SessionHandle] per utterance. Caller audio goes in
// as 16-bit linear PCM; transcripts come out on two channels, low-latency
// partials and committed finals. The final that closes the caller's turn
// carries SpeechFinal.
package stt

import "context"

// StreamConfig describes the audio of one session. Zero fields fall back to
// the provider's configured defaults.
type StreamConfig struct {
	SampleRate int    // Hz; telephony sends 8000 or 16000
	Channels   int    // calls are mono
	Language   string // BCP-47, for example "bg-BG"
}

// Transcript is one recognition result.
type Transcript struct {
	Text       string
	Confidence float64 // 0 when the backend does not report one

	// IsFinal marks text that will not be revised. SpeechFinal is only set on
	// finals and means the caller stopped talking.
	IsFinal     bool
	SpeechFinal bool
}

// SessionHandle is an open transcription session. Its methods are safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio queues a PCM chunk. It fails after Finish or Close.
	SendAudio(chunk []byte) error

	// Partials and Finals are closed when the session ends.
	Partials() <-chan Transcript
	Finals() <-chan Transcript

	// Finish announces the end of audio; finals may still arrive until the
	// channels close.
	Finish() error

	// Close ends the session at once. Repeated calls return nil.
	Close() error
}

// Provider opens transcription sessions, one per live utterance.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
