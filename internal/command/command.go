// Package command applies out-of-band commands to active calls.
//
// Commands arrive on the command bus (see [Handler.Register]) and are routed
// by name to one of the handler methods. A command for a call that is not
// active is a no-op: nothing is written and no error is returned.
//
// transfer and transcription are reserved by the client protocol. They are
// forwarded as empty stubs and carry no behavior yet.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/callbridge/internal/call"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/protocol"
)

// ErrUnknownCommand is returned by [Handler.Dispatch] for unregistered names.
var ErrUnknownCommand = errors.New("command: unknown command")

// Request is the payload shared by every command.
type Request struct {
	CallID string `json:"callId"`

	// AudioContent is raw audio, base64 encoded on the wire. Only used by
	// playAudio.
	AudioContent     []byte `json:"audioContent,omitempty"`
	AudioContentType string `json:"audioContentType,omitempty"`
	SampleRate       int    `json:"sampleRate,omitempty"`
}

// Response is returned for every handled command.
type Response struct {
	CallID string `json:"callId"`
}

// Func handles one command.
type Func func(ctx context.Context, req Request) (Response, error)

// Handler routes commands to the sockets of active calls. It is safe for
// concurrent use.
type Handler struct {
	registry *call.Registry
	metrics  *observe.Metrics
	routes   map[string]Func
}

// New returns a Handler for the calls in registry with the five protocol
// commands registered. A nil m uses observe.DefaultMetrics.
func New(registry *call.Registry, m *observe.Metrics) *Handler {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	h := &Handler{registry: registry, metrics: m}
	h.routes = map[string]Func{
		string(protocol.TypePlayAudio): func(ctx context.Context, r Request) (Response, error) {
			return h.PlayAudio(ctx, r.CallID, r.AudioContent, r.AudioContentType, r.SampleRate)
		},
		string(protocol.TypeKillAudio): func(ctx context.Context, r Request) (Response, error) {
			return h.KillAudio(ctx, r.CallID)
		},
		string(protocol.TypeDisconnect): func(ctx context.Context, r Request) (Response, error) {
			return h.Disconnect(ctx, r.CallID)
		},
		string(protocol.TypeTransfer): func(ctx context.Context, r Request) (Response, error) {
			return h.Transfer(ctx, r.CallID)
		},
		string(protocol.TypeTranscription): func(ctx context.Context, r Request) (Response, error) {
			return h.Transcription(ctx, r.CallID)
		},
	}
	return h
}

// Names returns the registered command names in lexical order.
func (h *Handler) Names() []string {
	names := make([]string, 0, len(h.routes))
	for n := range h.routes {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Dispatch runs the command registered under name.
func (h *Handler) Dispatch(ctx context.Context, name string, req Request) (Response, error) {
	fn, ok := h.routes[name]
	if !ok {
		h.metrics.RecordCommand(ctx, "unknown", "error")
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	resp, err := fn(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	h.metrics.RecordCommand(ctx, name, status)
	return resp, err
}

// PlayAudio sends audio to the caller, base64 encoded.
func (h *Handler) PlayAudio(ctx context.Context, callID string, audio []byte, audioContentType string, sampleRate int) (Response, error) {
	return h.send(ctx, callID, protocol.PlayAudio(audio, audioContentType, sampleRate))
}

// KillAudio stops any audio the client is playing.
func (h *Handler) KillAudio(ctx context.Context, callID string) (Response, error) {
	return h.send(ctx, callID, protocol.KillAudio())
}

// Disconnect asks the client to hang up.
func (h *Handler) Disconnect(ctx context.Context, callID string) (Response, error) {
	return h.send(ctx, callID, protocol.Disconnect())
}

// Transfer sends the reserved transfer stub.
func (h *Handler) Transfer(ctx context.Context, callID string) (Response, error) {
	return h.send(ctx, callID, protocol.Transfer())
}

// Transcription sends the reserved transcription stub.
func (h *Handler) Transcription(ctx context.Context, callID string) (Response, error) {
	return h.send(ctx, callID, protocol.Transcription())
}

func (h *Handler) send(ctx context.Context, callID string, msg protocol.Outbound) (Response, error) {
	resp := Response{CallID: callID}
	c, ok := h.registry.Get(callID)
	if !ok {
		observe.Logger(ctx).Debug("command for inactive call", "call_id", callID, "type", msg.Type)
		return resp, nil
	}
	if err := c.Send(ctx, msg); err != nil {
		if errors.Is(err, call.ErrCallClosed) {
			return resp, nil
		}
		return resp, fmt.Errorf("command: %s to call %q: %w", msg.Type, callID, err)
	}
	observe.Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "command sent",
		slog.String("call_id", callID),
		slog.String("type", string(msg.Type)),
	)
	return resp, nil
}
