package audio

import (
	"encoding/base64"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, n := range []int{0, 1, 2, 479, 4800} {
		samples := make([]int16, n)
		for i := range samples {
			samples[i] = int16(rng.Intn(math.MaxUint16) + math.MinInt16)
		}
		if n > 1 {
			samples[0] = math.MinInt16
			samples[1] = math.MaxInt16
		}

		got, err := Decode(Encode(samples))
		require.NoError(t, err)
		assert.Equal(t, samples, got, "n=%d", n)
	}
}

func TestEncodeIsLittleEndian(t *testing.T) {
	raw, err := base64.StdEncoding.DecodeString(Encode([]int16{0x0102, -1}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x01, 0xff, 0xff}, raw)
}

func TestDecodeRejectsOddLength(t *testing.T) {
	odd := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	_, err := Decode(odd)
	require.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeBytes(odd)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeRejectsInvalidBase64(t *testing.T) {
	_, err := Decode("not base64!!")
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDuration(t *testing.T) {
	// 24 kHz mono pcm16 is 48000 bytes per second.
	assert.Equal(t, 100*time.Millisecond, Duration(4800, RealtimeFormat))
	assert.Equal(t, time.Duration(0), Duration(0, RealtimeFormat))
	assert.Equal(t, 50*time.Millisecond, Duration(3200, Format{SampleRate: 16000, Channels: 2, BitsPerSample: 16}))
}
