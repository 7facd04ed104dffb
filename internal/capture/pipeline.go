// Package capture reads microphone audio and hands fixed-size, transport
// encoded frames to a consumer without ever blocking the device thread.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/pagevoice/internal/audio"
)

const (
	// DefaultFrameSamples is 20ms at 24kHz.
	DefaultFrameSamples = 480
	DefaultQueueFrames  = 16
)

// ErrPipelineUsed is returned by Start on a pipeline that was already
// started or stopped. A pipeline runs at most once.
var ErrPipelineUsed = errors.New("capture pipeline already used")

// Frame is one encoded capture frame.
type Frame struct {
	Seq   uint64
	Audio string
}

type Config struct {
	Format       audio.Format
	FrameSamples int
	QueueFrames  int
}

func (c Config) withDefaults() Config {
	if c.Format.SampleRate == 0 {
		c.Format = audio.RealtimeFormat
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = DefaultFrameSamples
	}
	if c.QueueFrames <= 0 {
		c.QueueFrames = DefaultQueueFrames
	}
	return c
}

func (c Config) frameBytes() int {
	channels := c.Format.Channels
	if channels <= 0 {
		channels = 1
	}
	return c.FrameSamples * channels * 2
}

// Pipeline slices device output into frames and delivers them on a single
// goroutine. When the consumer falls behind the oldest queued frame is
// discarded.
type Pipeline struct {
	cfg    Config
	device Device
	logger *slog.Logger

	mu      sync.Mutex
	pending []byte
	seq     uint64
	frames  chan []byte
	used    bool
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	dropped atomic.Uint64
}

func NewPipeline(cfg Config, device Device, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:    cfg,
		device: device,
		logger: logger.With("component", "capture"),
		frames: make(chan []byte, cfg.QueueFrames),
	}
}

// Start acquires the device and begins delivering frames to fn. A device
// failure is returned synchronously and wraps ErrDeviceUnavailable. Start
// may be attempted once per pipeline.
func (p *Pipeline) Start(ctx context.Context, fn func(Frame)) error {
	p.mu.Lock()
	if p.used || p.stopped {
		p.mu.Unlock()
		return ErrPipelineUsed
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.used = true
	p.running = true
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go p.deliver(ctx, done, fn)

	if err := p.device.Start(p.onData); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		cancel()
		<-done
		return err
	}
	return nil
}

// onData runs on the device thread.
func (p *Pipeline) onData(in []byte) {
	size := p.cfg.frameBytes()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.pending = append(p.pending, in...)
	for len(p.pending) >= size {
		frame := make([]byte, size)
		copy(frame, p.pending[:size])
		p.pending = p.pending[size:]
		p.push(frame)
	}
}

// push enqueues frame, evicting the oldest queued frame if the queue is full.
func (p *Pipeline) push(frame []byte) {
	for {
		select {
		case p.frames <- frame:
			return
		default:
		}
		select {
		case <-p.frames:
			p.dropped.Add(1)
		default:
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context, done chan struct{}, fn func(Frame)) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-p.frames:
			if ctx.Err() != nil {
				return
			}
			p.seq++
			fn(Frame{Seq: p.seq, Audio: audio.EncodeBytes(raw)})
		}
	}
}

// Stop halts capture and waits for the delivery goroutine. No callback runs
// after Stop returns. Safe to call more than once, and before Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	wasRunning := p.running
	cancel, done := p.cancel, p.done
	p.running = false
	p.pending = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	var err error
	if wasRunning {
		err = p.device.Stop()
	}
	cancel()
	<-done
	if n := p.dropped.Load(); n > 0 {
		p.logger.Info("capture stopped", "dropped_frames", n)
	}
	return err
}

// Dropped reports frames discarded under backpressure.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}
