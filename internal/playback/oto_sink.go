package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/ent0n29/pagevoice/internal/audio"
)

// OtoSink streams scheduled PCM to the default speaker. Its player reads
// silence while nothing is queued so the device clock keeps running.
type OtoSink struct {
	otoCtx *oto.Context
	player *oto.Player

	mu     sync.Mutex
	buf    []byte
	closed bool
}

// NewOtoSink opens the speaker with a device buffer of the given length.
// Zero selects 100ms: smaller buffers cut latency but risk glitches.
func NewOtoSink(f audio.Format, buffer time.Duration) (*OtoSink, error) {
	if f.SampleRate == 0 {
		f = audio.RealtimeFormat
	}
	if buffer <= 0 {
		buffer = 100 * time.Millisecond
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &OtoSink{
		otoCtx: otoCtx,
		buf:    make([]byte, 0, f.SampleRate*4),
	}
	s.player = otoCtx.NewPlayer(s)
	s.player.Play()
	return s, nil
}

func (s *OtoSink) Play(w Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("speaker closed")
	}
	s.buf = append(s.buf, w.PCM...)
	return nil
}

// Read implements io.Reader for oto.Player.
func (s *OtoSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		clear(p)
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush drops pending audio, including what oto has already buffered.
func (s *OtoSink) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
	s.player.Reset()
	s.player.Play()
}

func (s *OtoSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.player.Close()
}
