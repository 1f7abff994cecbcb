// Package recognizer defines the Provider interface for conversational
// intent-recognition backends.
//
// A recognizer turns caller audio into transcripts and, once an utterance is
// complete, into fulfillment text produced by the conversational backend. The
// central abstraction is Stream: one bidirectional exchange covering exactly
// one utterance. Streams report progress through a single channel of tagged
// [Event] values so that callers dispatch in one place regardless of how the
// backend shapes its responses.
//
// Implementations must be safe for concurrent use.
package recognizer

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by Stream.WriteAudio after the stream has been
// ended or destroyed.
var ErrStreamClosed = errors.New("recognizer: stream is closed")

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventPartial carries an interim transcript. Informational only.
	EventPartial EventKind = iota + 1

	// EventFinal marks the end of the caller's utterance. Fulfillment text may
	// follow on the same stream as an [EventFulfillment].
	EventFinal

	// EventFulfillment carries the backend's reply to the utterance. It is the
	// last useful event of a stream.
	EventFulfillment

	// EventError reports a transport or backend failure. No further events
	// follow an error.
	EventError
)

// String returns the lower-case name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventFulfillment:
		return "fulfillment"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a tagged result emitted by a [Stream]. Only the field matching Kind
// is meaningful.
type Event struct {
	Kind EventKind

	// Transcript is set for EventPartial and, when known, EventFinal.
	Transcript string

	// Text is the fulfillment reply for EventFulfillment. It may be empty when
	// the backend matched no reply.
	Text string

	// Err is set for EventError.
	Err error
}

// Partial returns an EventPartial carrying transcript.
func Partial(transcript string) Event { return Event{Kind: EventPartial, Transcript: transcript} }

// Final returns an EventFinal.
func Final(transcript string) Event { return Event{Kind: EventFinal, Transcript: transcript} }

// Fulfillment returns an EventFulfillment carrying text.
func Fulfillment(text string) Event { return Event{Kind: EventFulfillment, Text: text} }

// Failure returns an EventError wrapping err.
func Failure(err error) Event { return Event{Kind: EventError, Err: err} }

// EventInput names a conversational event (and its parameters) that seeds a
// stream or a greeting request.
type EventInput struct {
	Name       string
	Parameters map[string]any
}

// StreamConfig describes one recognition stream.
type StreamConfig struct {
	// Session is the backend session path returned by Provider.SessionPath.
	Session string

	// SampleRate is the sample rate of the 16-bit linear PCM audio in Hz.
	SampleRate int

	// Language is the BCP-47 language tag (e.g. "bg-BG").
	Language string

	// SingleUtterance asks the backend to stop listening after the first
	// utterance. The session controller always sets it.
	SingleUtterance bool

	// Event optionally carries conversational context for the stream.
	Event *EventInput

	// Payload is forwarded to the backend's fulfillment as free-form data.
	Payload map[string]any
}

// Stream is one live exchange with the recognition backend.
//
// WriteAudio, End and Destroy may be called from any goroutine. After Destroy
// returns no further events are delivered and Events is closed.
type Stream interface {
	// WriteAudio sends a chunk of raw audio. Returns ErrStreamClosed once the
	// stream has been ended or destroyed; it never panics.
	WriteAudio(chunk []byte) error

	// End half-closes the stream: no more audio follows and the backend should
	// produce its final result. Events keep flowing until the backend finishes.
	End() error

	// Destroy releases all resources immediately. It is idempotent and safe to
	// call after End or instead of it.
	Destroy()

	// Events returns the channel of stream events. It is closed when the
	// backend finishes the stream or when Destroy is called.
	Events() <-chan Event
}

// Provider opens recognition streams against one backend.
type Provider interface {
	// SessionPath returns the backend session handle for callID. The handle is
	// computed once per call and reused for every utterance.
	SessionPath(callID string) string

	// Open starts a new stream. The stream is bound to ctx; cancelling ctx
	// tears it down.
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// GreetingRequest asks a [Greeter] for an opening reply.
type GreetingRequest struct {
	Session  string
	Language string
	Event    EventInput
	Payload  map[string]any
}

// Greeter is implemented by providers that can produce an opening reply
// without caller audio, for example by triggering a welcome intent.
type Greeter interface {
	Greet(ctx context.Context, req GreetingRequest) (string, error)
}

// SessionCloser is implemented by providers that keep per-session state and
// want to drop it when the call ends.
type SessionCloser interface {
	CloseSession(session string)
}
