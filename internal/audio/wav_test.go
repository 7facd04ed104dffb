package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapHeaderFields(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6}
	out := Wrap(pcm, 16000, 2, 16)

	require.Len(t, out, WAVHeaderSize+len(pcm))
	assert.Equal(t, "RIFF", string(out[0:4]))
	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(out[4:8]))
	assert.Equal(t, "WAVE", string(out[8:12]))
	assert.Equal(t, "fmt ", string(out[12:16]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(out[20:22]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(out[22:24]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(out[24:28]))
	assert.Equal(t, uint32(64000), binary.LittleEndian.Uint32(out[28:32]))
	assert.Equal(t, uint16(4), binary.LittleEndian.Uint16(out[32:34]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(out[34:36]))
	assert.Equal(t, "data", string(out[36:40]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(out[40:44]))
	assert.Equal(t, pcm, out[44:])
}

func TestWrapDeterministic(t *testing.T) {
	pcm := []byte{9, 8, 7, 6}
	assert.Equal(t, Wrap(pcm, 24000, 1, 16), Wrap(pcm, 24000, 1, 16))
}

func TestWriteWAVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	pcm := []byte{0, 1, 0, 2}
	require.NoError(t, WriteWAVFile(path, pcm, RealtimeFormat))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Wrap(pcm, 24000, 1, 16), got)
}
