// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., Google Cloud
// Text-to-Speech or ElevenLabs) and turns one reply text into a single buffer
// of 16-bit linear PCM audio at the sample rate of the call it is played to.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Request describes one synthesis.
type Request struct {
	// Text is the reply to speak. Must not be empty.
	Text string

	// SampleRate is the output sample rate in Hz. It matches the rate the call
	// negotiated so the client can play the audio without resampling.
	SampleRate int

	// Language is the BCP-47 language tag (e.g. "bg-BG"). Empty selects the
	// provider default.
	Language string

	// Voice is a provider-specific voice identifier. Empty selects the
	// provider default.
	Voice string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel, one per active call.
type Provider interface {
	// Synthesize returns the audio for req.Text. The result is the backend's
	// raw output; callers forward it to the client unchanged.
	//
	// Returns an error if the backend cannot be reached, rejects the input, or
	// ctx is cancelled before the audio is available.
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}
