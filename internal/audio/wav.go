package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

// WAVHeaderSize is the length of the canonical RIFF/WAVE header written by Wrap.
const WAVHeaderSize = 44

const formatPCM = 1

// wavHeader is the canonical RIFF/WAVE header. Field order is the on-disk
// layout, so it is written with a single binary.Write.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func newWAVHeader(dataLen int, f Format) wavHeader {
	f = f.withDefaults()
	blockAlign := f.Channels * f.BitsPerSample / 8
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(WAVHeaderSize - 8 + dataLen),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   formatPCM,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataLen),
	}
}

// Wrap prepends a canonical 44-byte WAV header to raw PCM so generic players can
// interpret it without out-of-band metadata. Identical inputs give identical bytes.
func Wrap(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize + len(pcm))
	// bytes.Buffer writes never fail.
	_ = WriteWAVTo(&buf, pcm, Format{SampleRate: sampleRate, Channels: channels, BitsPerSample: bitsPerSample})
	return buf.Bytes()
}

// WriteWAVFile writes raw PCM as a WAV file.
func WriteWAVFile(path string, pcm []byte, f Format) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVTo(out, pcm, f); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// WriteWAVTo writes the header followed by pcm.
func WriteWAVTo(out io.Writer, pcm []byte, f Format) error {
	if err := binary.Write(out, binary.LittleEndian, newWAVHeader(len(pcm), f)); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}
