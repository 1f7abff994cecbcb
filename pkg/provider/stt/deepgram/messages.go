package deepgram

import (
	"encoding/json"

	"github.com/MrWong99/callbridge/pkg/provider/stt"
)

// envelope carries the type shared by every server frame. The other fields
// differ per type; UtteranceEnd even sends channel as an array.
type envelope struct {
	Type string `json:"type"`
}

// results is a Results frame.
type results struct {
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// control is a client text frame.
type control struct {
	Type string `json:"type"`
}

var (
	keepAliveMsg   = control{Type: "KeepAlive"}
	closeStreamMsg = control{Type: "CloseStream"}
)

// decode turns a server frame into a transcript. Frames other than Results
// and UtteranceEnd, and results without alternatives, are skipped.
//
// UtteranceEnd becomes an empty final that ends the turn, so a consumer
// joining finals until SpeechFinal needs no Deepgram-specific handling.
func decode(frame []byte) (stt.Transcript, bool) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return stt.Transcript{}, false
	}
	switch env.Type {
	case "UtteranceEnd":
		return stt.Transcript{IsFinal: true, SpeechFinal: true}, true
	case "Results":
	default:
		return stt.Transcript{}, false
	}
	var m results
	if err := json.Unmarshal(frame, &m); err != nil || len(m.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	best := m.Channel.Alternatives[0]
	return stt.Transcript{
		Text:        best.Transcript,
		IsFinal:     m.IsFinal,
		SpeechFinal: m.IsFinal && m.SpeechFinal,
		Confidence:  best.Confidence,
	}, true
}
