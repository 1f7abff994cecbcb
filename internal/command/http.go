package command

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MrWong99/callbridge/internal/observe"
)

// maxBodyBytes bounds a command request body. playAudio carries base64 audio.
const maxBodyBytes = 16 << 20

type errorBody struct {
	Error string `json:"error"`
}

// Register adds the command bus route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /commands/{command}", h.ServeCommand)
}

// ServeCommand decodes a [Request] from the body and dispatches it to the
// command named in the path. It answers 404 for unknown commands and 400 for
// malformed bodies.
func (h *Handler) ServeCommand(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("command")

	var req Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.CallID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "callId is required"})
		return
	}

	resp, err := h.Dispatch(r.Context(), name, req)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case err != nil:
		observe.Logger(r.Context()).Warn("command failed", "command", name, "call_id", req.CallID, "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
