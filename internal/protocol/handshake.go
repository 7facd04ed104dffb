package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AuthFrame is the first frame a client sends. Credential and Model are
// optional; when Credential is empty the proxy negotiates one for Context.
// client_secret and page_name are accepted for older clients.
type AuthFrame struct {
	Credential   string `json:"credential,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Model        string `json:"model,omitempty"`
	Context      string `json:"context,omitempty"`
	PageName     string `json:"page_name,omitempty"`
}

// ParseAuthFrame decodes and normalizes a client auth frame.
func ParseAuthFrame(raw []byte) (AuthFrame, error) {
	var f AuthFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return AuthFrame{}, fmt.Errorf("%w: auth frame: %v", ErrMalformedFrame, err)
	}
	if strings.TrimSpace(f.Credential) == "" {
		f.Credential = f.ClientSecret
	}
	if strings.TrimSpace(f.Context) == "" {
		f.Context = f.PageName
	}
	f.Credential = strings.TrimSpace(f.Credential)
	f.Model = strings.TrimSpace(f.Model)
	f.Context = strings.TrimSpace(f.Context)
	f.ClientSecret, f.PageName = "", ""
	if f.Credential == "" && f.Context == "" {
		return AuthFrame{}, fmt.Errorf("%w: auth frame needs credential or context", ErrMalformedFrame)
	}
	return f, nil
}

// Handshake is the first message on the upstream socket.
type Handshake struct {
	Credential string `json:"credential"`
	Model      string `json:"model"`
	Context    string `json:"context"`
}

type TranscriptionConfig struct {
	Model string `json:"model"`
}

type TurnDetectionConfig struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

// SessionConfig is the body of a session.update event.
type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetectionConfig `json:"turn_detection,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                  `json:"max_response_output_tokens,omitempty"`
}

type SessionUpdate struct {
	Header
	Session SessionConfig `json:"session"`
}

// NewSessionUpdate builds a session.update frame.
func NewSessionUpdate(cfg SessionConfig) ([]byte, error) {
	return json.Marshal(SessionUpdate{Header: Header{Type: TypeSessionUpdate}, Session: cfg})
}
