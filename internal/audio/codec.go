// Package audio converts between PCM16LE samples, the base64 transport encoding
// used on realtime sockets, and WAV containers for local playback.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload reports a transport string that cannot form whole samples.
var ErrMalformedPayload = errors.New("malformed audio payload")

// Format describes interleaved linear PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// RealtimeFormat is the pcm16 format spoken by the upstream realtime service.
var RealtimeFormat = Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}

func (f Format) withDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = RealtimeFormat.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = RealtimeFormat.Channels
	}
	if f.BitsPerSample <= 0 {
		f.BitsPerSample = RealtimeFormat.BitsPerSample
	}
	return f
}

// BytesPerSecond returns the PCM byte rate.
func (f Format) BytesPerSecond() int {
	f = f.withDefaults()
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// Duration returns how long byteLen bytes of PCM in format f take to play.
func Duration(byteLen int, f Format) time.Duration {
	if byteLen <= 0 {
		return 0
	}
	bps := f.BytesPerSecond()
	return time.Duration(int64(byteLen) * int64(time.Second) / int64(bps))
}

// Encode packs signed 16-bit samples little-endian and base64 encodes them.
func Encode(samples []int16) string {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// Decode is the exact inverse of Encode.
func Decode(s string) ([]int16, error) {
	raw, err := DecodeBytes(s)
	if err != nil {
		return nil, err
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples, nil
}

// EncodeBytes base64 encodes raw PCM16LE bytes.
func EncodeBytes(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBytes decodes a transport string into raw PCM16LE bytes.
func DecodeBytes(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedPayload, len(raw))
	}
	return raw, nil
}
