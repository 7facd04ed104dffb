package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventAudioDelta(t *testing.T) {
	raw := []byte(`{"type":"response.audio.delta","event_id":"e1","response_id":"r1","item_id":"i1","output_index":0,"content_index":2,"delta":"AQID"}`)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	delta, ok := ev.(AudioDelta)
	require.True(t, ok, "event type = %T", ev)
	assert.Equal(t, "AQID", delta.Delta)
	assert.Equal(t, 2, delta.ContentIndex)
	assert.Equal(t, "i1", delta.ItemID)
	assert.Equal(t, raw, ev.Frame())
}

func TestParseEventKnownKinds(t *testing.T) {
	cases := map[string]any{
		`{"type":"session.created","session":{"id":"s1","model":"m1"}}`:  SessionCreated{},
		`{"type":"session.updated","session":{"id":"s1"}}`:               SessionUpdated{},
		`{"type":"input_audio_buffer.speech_started","audio_start_ms":5}`: SpeechStarted{},
		`{"type":"input_audio_buffer.speech_stopped","audio_end_ms":9}`:   SpeechStopped{},
		`{"type":"response.audio.done","item_id":"i1"}`:                   AudioDone{},
		`{"type":"response.audio_transcript.done","transcript":"hello"}`:  TranscriptDone{},
		`{"type":"error","error":{"code":"bad","message":"nope"}}`:        ErrorEvent{},
	}
	for raw, want := range cases {
		ev, err := ParseEvent([]byte(raw))
		require.NoError(t, err, raw)
		assert.IsType(t, want, ev, raw)
		assert.Equal(t, raw, string(ev.Frame()))
	}
}

func TestParseEventErrorDetail(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`))
	require.NoError(t, err)
	e := ev.(ErrorEvent)
	assert.Equal(t, "rate_limited", e.Error.Code)
	assert.Equal(t, "slow down", e.Error.Message)
}

func TestParseEventKeepsUnknownTypeVerbatim(t *testing.T) {
	raw := []byte(`{"type":"response.shiny_new_thing","payload":{"a":[1,2,3]},"x":  true}`)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	_, ok := ev.(Unrecognized)
	require.True(t, ok)
	assert.Equal(t, "response.shiny_new_thing", ev.EventType())
	assert.Equal(t, raw, ev.Frame())
}

func TestParseEventRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"no_type":1}`, `[1,2]`, `{"type":"response.audio.delta","delta":5}`} {
		_, err := ParseEvent([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedFrame, raw)
	}
}

func TestParseClientFrame(t *testing.T) {
	ev, err := ParseClientFrame([]byte(`{"type":"input_audio_buffer.append","audio":"AQID"}`))
	require.Error(t, err, "odd length payload must be rejected")
	assert.Nil(t, ev)

	ev, err = ParseClientFrame(NewAudioAppend("AQIDBA=="))
	require.NoError(t, err)
	assert.IsType(t, AudioAppend{}, ev)

	ev, err = ParseClientFrame([]byte(`{"type":"input_audio_buffer.commit"}`))
	require.NoError(t, err)
	assert.IsType(t, Unrecognized{}, ev)

	_, err = ParseClientFrame([]byte(`{"type":"input_audio_buffer.append"}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestNewErrorFrameShape(t *testing.T) {
	var got map[string]any
	require.NoError(t, json.Unmarshal(NewErrorFrame("transport_failure", "upstream closed"), &got))
	assert.Equal(t, map[string]any{
		"type":  "error",
		"error": map[string]any{"code": "transport_failure", "message": "upstream closed"},
	}, got)
}

func BenchmarkParseEventAudioDelta(b *testing.B) {
	raw := []byte(`{"type":"response.audio.delta","item_id":"i1","output_index":0,"content_index":0,"delta":"AQIDBAUGBwgJCgsMDQ4P"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ParseEvent(raw); err != nil {
			b.Fatalf("ParseEvent() error = %v", err)
		}
	}
}
