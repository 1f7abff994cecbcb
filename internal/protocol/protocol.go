// Package protocol defines the JSON messages exchanged with the telephony
// client over the call socket.
//
// The first message of every connection is a [Setup] object. Every later
// binary frame is raw caller audio. Messages sent back to the client are
// [Outbound] values tagged by [MessageType].
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType tags an outbound control message.
type MessageType string

const (
	TypePlayAudio     MessageType = "playAudio"
	TypeKillAudio     MessageType = "killAudio"
	TypeDisconnect    MessageType = "disconnect"
	TypeTransfer      MessageType = "transfer"
	TypeTranscription MessageType = "transcription"
)

// AudioContentTypeRaw marks audioContent as headerless or WAV-wrapped linear
// PCM that the client plays back as-is.
const AudioContentTypeRaw = "raw"

// ErrInvalidSetup is returned by [ParseSetup] when the first message is not a
// usable setup object.
var ErrInvalidSetup = errors.New("protocol: invalid setup message")

// Setup is the first message a client sends after connecting.
type Setup struct {
	// CallID identifies the call. Required.
	CallID string `json:"callId"`

	// SampleRate is the audio sample rate in Hz negotiated for the call. Required.
	SampleRate int `json:"sampleRate"`

	// Context optionally names a conversational event used to seed the first
	// recognition stream (for example "WELCOME").
	Context string `json:"context,omitempty"`

	// ContextParams are the parameters attached to Context.
	ContextParams map[string]any `json:"contextParams,omitempty"`

	// FulfillParams is forwarded as the query payload on every recognition
	// stream of the call.
	FulfillParams map[string]any `json:"fulfillParams,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// ParseSetup decodes and validates a setup message. Missing callId or a
// non-positive sampleRate yield an error wrapping [ErrInvalidSetup].
func ParseSetup(data []byte) (Setup, error) {
	var s Setup
	if err := json.Unmarshal(data, &s); err != nil {
		return Setup{}, fmt.Errorf("%w: %v", ErrInvalidSetup, err)
	}
	if s.CallID == "" {
		return Setup{}, fmt.Errorf("%w: callId is required", ErrInvalidSetup)
	}
	if s.SampleRate <= 0 {
		return Setup{}, fmt.Errorf("%w: sampleRate must be positive, got %d", ErrInvalidSetup, s.SampleRate)
	}
	return s, nil
}

// Outbound is a control message written to the client.
type Outbound struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// PlayAudioData is the payload of a playAudio message.
type PlayAudioData struct {
	SampleRate       int    `json:"sampleRate"`
	AudioContentType string `json:"audioContentType"`
	// AudioContent is base64 encoded.
	AudioContent string `json:"audioContent"`
}

// PlayAudio builds a playAudio message carrying audio encoded as base64.
func PlayAudio(audio []byte, contentType string, sampleRate int) Outbound {
	return Outbound{
		Type: TypePlayAudio,
		Data: PlayAudioData{
			SampleRate:       sampleRate,
			AudioContentType: contentType,
			AudioContent:     base64.StdEncoding.EncodeToString(audio),
		},
	}
}

// KillAudio builds a killAudio message.
func KillAudio() Outbound { return Outbound{Type: TypeKillAudio} }

// Disconnect builds a disconnect message.
func Disconnect() Outbound { return Outbound{Type: TypeDisconnect} }

// Transfer builds the reserved transfer message. The payload is always empty;
// call transfer is not implemented by the client protocol yet.
func Transfer() Outbound { return Outbound{Type: TypeTransfer, Data: struct{}{}} }

// Transcription builds the reserved transcription message with an empty payload.
func Transcription() Outbound { return Outbound{Type: TypeTranscription, Data: struct{}{}} }
