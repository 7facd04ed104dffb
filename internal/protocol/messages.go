package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/pagevoice/internal/audio"
)

// Event type names exchanged on the realtime sockets.
const (
	TypeSessionUpdate  = "session.update"
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"
	TypeAudioAppend    = "input_audio_buffer.append"
	TypeAudioCommit    = "input_audio_buffer.commit"
	TypeSpeechStarted  = "input_audio_buffer.speech_started"
	TypeSpeechStopped  = "input_audio_buffer.speech_stopped"
	TypeAudioDelta     = "response.audio.delta"
	TypeAudioDone      = "response.audio.done"
	TypeTranscriptDone = "response.audio_transcript.done"
	TypeError          = "error"
)

// ErrMalformedFrame reports a frame that is not a JSON object with a type.
var ErrMalformedFrame = errors.New("malformed frame")

// Event is one parsed realtime frame. Frame returns the exact bytes it was
// parsed from so relays can forward it untouched.
type Event interface {
	EventType() string
	Frame() []byte
}

// Header is embedded by every event variant.
type Header struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	raw []byte
}

func (h Header) EventType() string { return h.Type }
func (h Header) Frame() []byte     { return h.raw }

type SessionInfo struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

// SessionCreated acknowledges the upstream handshake.
type SessionCreated struct {
	Header
	Session SessionInfo `json:"session"`
}

// SessionUpdated confirms the session configuration; the session is ready.
type SessionUpdated struct {
	Header
	Session SessionInfo `json:"session"`
}

type SpeechStarted struct {
	Header
	AudioStartMS int    `json:"audio_start_ms"`
	ItemID       string `json:"item_id,omitempty"`
}

type SpeechStopped struct {
	Header
	AudioEndMS int    `json:"audio_end_ms"`
	ItemID     string `json:"item_id,omitempty"`
}

// AudioDelta carries one encoded chunk of assistant audio.
type AudioDelta struct {
	Header
	ResponseID   string `json:"response_id,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

type AudioDone struct {
	Header
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
}

type TranscriptDone struct {
	Header
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript"`
}

type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

type ErrorEvent struct {
	Header
	Error ErrorDetail `json:"error"`
}

// AudioAppend is a captured audio frame headed upstream.
type AudioAppend struct {
	Header
	Audio string `json:"audio"`
}

// Unrecognized preserves any frame whose type is not modelled here.
type Unrecognized struct {
	Header
}

// ParseEvent parses an upstream frame. Unknown types are returned as
// Unrecognized rather than rejected.
func ParseEvent(raw []byte) (Event, error) {
	hdr, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	var ev Event
	switch hdr.Type {
	case TypeSessionCreated:
		var e SessionCreated
		err = json.Unmarshal(raw, &e)
		e.raw = raw
		ev = e
	case TypeSessionUpdated:
		var e SessionUpdated
		err = json.Unmarshal(raw, &e)
		e.raw = raw
		ev = e
	case TypeSpeechStarted:
		var e SpeechStarted
		err = json.Unmarshal(raw, &e)
		e.raw = raw
		ev = e
	case TypeSpeechStopped:
		var e SpeechStopped
		err = json.Unmarshal(raw, &e)
		e.raw = raw
		ev = e
	case TypeAudioDelta:
		var e AudioDelta
		err = json.Unmarshal(raw, &e)
		e.raw = raw
		ev = e
	case TypeAudioDone:
		var e AudioDone
		err = json.Unmarshal(raw, &e)
		e.raw = raw
		ev = e
	case TypeTranscriptDone:
		var e TranscriptDone
		err = json.Unmarshal(raw, &e)
		e.raw = raw
		ev = e
	case TypeError:
		var e ErrorEvent
		err = json.Unmarshal(raw, &e)
		e.raw = raw
		ev = e
	default:
		ev = Unrecognized{Header: hdr}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, hdr.Type, err)
	}
	return ev, nil
}

// ParseClientFrame validates a frame sent by the client after the auth frame.
// Audio appends must carry a decodable pcm16 payload; every other type passes
// through as Unrecognized.
func ParseClientFrame(raw []byte) (Event, error) {
	hdr, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Type != TypeAudioAppend {
		return Unrecognized{Header: hdr}, nil
	}

	var e AudioAppend
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, hdr.Type, err)
	}
	if e.Audio == "" {
		return nil, fmt.Errorf("%w: %s: missing audio", ErrMalformedFrame, hdr.Type)
	}
	if _, err := audio.DecodeBytes(e.Audio); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, hdr.Type, err)
	}
	e.raw = raw
	return e, nil
}

func parseHeader(raw []byte) (Header, error) {
	var hdr Header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if hdr.Type == "" {
		return Header{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	hdr.raw = raw
	return hdr, nil
}

// NewErrorFrame builds the proxy's own error frame.
func NewErrorFrame(code, message string) []byte {
	b, _ := json.Marshal(ErrorEvent{
		Header: Header{Type: TypeError},
		Error:  ErrorDetail{Code: code, Message: message},
	})
	return b
}

// NewAudioAppend builds an input_audio_buffer.append frame for an encoded payload.
func NewAudioAppend(encoded string) []byte {
	b, _ := json.Marshal(AudioAppend{Header: Header{Type: TypeAudioAppend}, Audio: encoded})
	return b
}
