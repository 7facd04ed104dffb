package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/pagevoice/internal/audio"
)

type fakeDevice struct {
	mu       sync.Mutex
	onData   func([]byte)
	startErr error
	stops    int
}

func (d *fakeDevice) Start(onData func([]byte)) error {
	if d.startErr != nil {
		return d.startErr
	}
	d.mu.Lock()
	d.onData = onData
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	d.onData = nil
	d.stops++
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) emit(b []byte) {
	d.mu.Lock()
	fn := d.onData
	d.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

func pcmBytes(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestPipelineSlicesIntoFrames(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPipeline(Config{FrameSamples: 4}, dev, nil)

	frames := make(chan Frame, 8)
	require.NoError(t, p.Start(context.Background(), func(f Frame) { frames <- f }))
	defer p.Stop()

	dev.emit(pcmBytes(5, 1))
	dev.emit(pcmBytes(7, 2))
	dev.emit(pcmBytes(4, 3))

	var got []Frame
	for len(got) < 2 {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-time.After(2 * time.Second):
			t.Fatal("frames not delivered")
		}
	}

	first, err := audio.DecodeBytes(got[0].Audio)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 1, 1, 1, 1, 2, 2, 2}, first)
	second, err := audio.DecodeBytes(got[1].Audio)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 2, 2, 2, 3, 3, 3, 3}, second)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(2), got[1].Seq)
}

func TestPipelineDropsOldestWhenConsumerStalls(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPipeline(Config{FrameSamples: 1, QueueFrames: 2}, dev, nil)

	release := make(chan struct{})
	var mu sync.Mutex
	var got []byte
	require.NoError(t, p.Start(context.Background(), func(f Frame) {
		<-release
		raw, _ := audio.DecodeBytes(f.Audio)
		mu.Lock()
		got = append(got, raw[0])
		mu.Unlock()
	}))

	// The first frame is taken by the blocked consumer; the rest contend
	// for two queue slots.
	dev.emit([]byte{0, 0})
	require.Eventually(t, func() bool { return len(p.frames) == 0 }, time.Second, time.Millisecond)
	for i := byte(1); i <= 5; i++ {
		dev.emit([]byte{i, i})
	}
	assert.Equal(t, uint64(3), p.Dropped())

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)
	require.NoError(t, p.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte{0, 4, 5}, got)
}

func TestPipelineStopIsIdempotentAndFinal(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPipeline(Config{FrameSamples: 1}, dev, nil)

	var calls atomic.Int32
	var stopped atomic.Bool
	require.NoError(t, p.Start(context.Background(), func(Frame) {
		if stopped.Load() {
			t.Error("callback after Stop")
		}
		calls.Add(1)
	}))

	for i := 0; i < 10; i++ {
		dev.emit([]byte{1, 1})
	}
	require.NoError(t, p.Stop())
	stopped.Store(true)
	require.NoError(t, p.Stop())

	p.onData([]byte{1, 1})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, dev.stops)
}

func TestPipelineDeviceUnavailable(t *testing.T) {
	dev := &fakeDevice{startErr: fmt.Errorf("%w: permission denied", ErrDeviceUnavailable)}
	p := NewPipeline(Config{}, dev, nil)

	err := p.Start(context.Background(), func(Frame) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))
	require.NoError(t, p.Stop())
	assert.Equal(t, 0, dev.stops)
}

func TestPipelineRejectsSecondStart(t *testing.T) {
	p := NewPipeline(Config{}, &fakeDevice{}, nil)
	require.NoError(t, p.Start(context.Background(), func(Frame) {}))
	defer p.Stop()
	assert.ErrorIs(t, p.Start(context.Background(), func(Frame) {}), ErrPipelineUsed)
}

func TestPipelineFailedStartIsFinal(t *testing.T) {
	dev := &fakeDevice{startErr: fmt.Errorf("%w: busy", ErrDeviceUnavailable)}
	p := NewPipeline(Config{FrameSamples: 1}, dev, nil)

	require.ErrorIs(t, p.Start(context.Background(), func(Frame) {}), ErrDeviceUnavailable)

	dev.startErr = nil
	require.ErrorIs(t, p.Start(context.Background(), func(Frame) {}), ErrPipelineUsed)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.Equal(t, 0, dev.stops)
}

func TestPipelineStopBeforeStart(t *testing.T) {
	dev := &fakeDevice{}
	p := NewPipeline(Config{FrameSamples: 1}, dev, nil)

	require.NoError(t, p.Stop())
	require.ErrorIs(t, p.Start(context.Background(), func(Frame) {
		t.Error("callback on a stopped pipeline")
	}), ErrPipelineUsed)

	dev.emit([]byte{1, 1})
	assert.Nil(t, dev.onData)
	assert.Equal(t, 0, dev.stops)
}
