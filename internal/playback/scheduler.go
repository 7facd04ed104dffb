// Package playback turns a stream of encoded audio chunks into a gapless,
// non-overlapping timeline on an output clock.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/pagevoice/internal/audio"
)

var ErrQueueFull = errors.New("playback queue full")

const (
	DefaultLeadIn     = 180 * time.Millisecond
	DefaultMinGap     = 20 * time.Millisecond
	DefaultQueueLimit = 512
)

// Chunk is one encoded audio delta in arrival order.
type Chunk struct {
	Seq    uint64
	ItemID string
	Audio  string
}

// Window is the slot a chunk occupies on the output clock.
type Window struct {
	Seq   uint64
	Start time.Duration
	End   time.Duration
	PCM   []byte
}

func (w Window) Duration() time.Duration {
	return w.End - w.Start
}

// Sink receives PCM when its window starts.
type Sink interface {
	Play(w Window) error
	Flush()
}

type Config struct {
	Format     audio.Format
	LeadIn     time.Duration
	MinGap     time.Duration
	QueueLimit int
	// OnDrop is called once for every chunk that cannot be played.
	OnDrop func(c Chunk, err error)
}

func (c Config) withDefaults() Config {
	if c.Format.SampleRate == 0 {
		c.Format = audio.RealtimeFormat
	}
	if c.LeadIn <= 0 {
		c.LeadIn = DefaultLeadIn
	}
	if c.MinGap <= 0 {
		c.MinGap = DefaultMinGap
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = DefaultQueueLimit
	}
	return c
}

type Stats struct {
	Scheduled uint64 `json:"scheduled"`
	Dropped   uint64 `json:"dropped"`
	InFlight  int    `json:"in_flight"`
	Queued    int    `json:"queued"`
}

// cursor is the next free start time on the output clock.
type cursor struct {
	next    time.Duration
	started bool
}

// Scheduler places chunks on the output clock. Schedule may be called from
// any goroutine; Run is the single dispatch loop.
type Scheduler struct {
	cfg    Config
	clock  Clock
	sink   Sink
	logger *slog.Logger

	mu        sync.Mutex
	cur       cursor
	queue     []Window
	inFlight  []time.Duration
	scheduled uint64
	dropped   uint64
	epoch     uint64

	notify chan struct{}
}

func New(cfg Config, clock Clock, sink Sink, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = NewMonotonicClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		sink:   sink,
		logger: logger.With("component", "playback"),
		notify: make(chan struct{}, 1),
	}
}

// Schedule decodes c and reserves its window. Zero-length chunks are
// skipped without touching the cursor. A malformed chunk is dropped and the
// stream continues.
func (s *Scheduler) Schedule(c Chunk) (Window, error) {
	pcm, err := audio.DecodeBytes(c.Audio)
	if err != nil {
		s.drop(c, err)
		return Window{}, err
	}
	if len(pcm) == 0 {
		return Window{}, nil
	}
	d := audio.Duration(len(pcm), s.cfg.Format)

	s.mu.Lock()
	if len(s.queue) >= s.cfg.QueueLimit {
		s.mu.Unlock()
		err := fmt.Errorf("%w: %d windows queued", ErrQueueFull, s.cfg.QueueLimit)
		s.drop(c, err)
		return Window{}, err
	}
	now := s.clock.Now()
	if !s.cur.started {
		s.cur.next = now + s.cfg.LeadIn
		s.cur.started = true
	} else if floor := now + s.cfg.MinGap; s.cur.next < floor {
		// Start at max(next, now+MinGap). A cursor less than MinGap ahead
		// of now is also pushed out, leaving a short gap before the chunk.
		s.cur.next = floor
	}
	w := Window{Seq: c.Seq, Start: s.cur.next, End: s.cur.next + d, PCM: pcm}
	s.cur.next = w.End
	s.queue = append(s.queue, w)
	s.scheduled++
	s.mu.Unlock()

	s.wake()
	return w, nil
}

func (s *Scheduler) drop(c Chunk, err error) {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
	s.logger.Warn("audio chunk dropped", "seq", c.Seq, "item_id", c.ItemID, "error", err)
	if s.cfg.OnDrop != nil {
		s.cfg.OnDrop(c, err)
	}
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Run dispatches each window to the sink when its start time arrives. It
// returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		w, epoch, ok := s.head()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.notify:
				continue
			}
		}

		if wait := w.Start - s.clock.Now(); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-s.notify:
				// Reset or a new window; re-read the head.
				continue
			case <-s.clock.After(wait):
			}
		}

		if !s.pop(epoch) {
			continue
		}
		if err := s.sink.Play(w); err != nil {
			s.logger.Warn("sink rejected window", "seq", w.Seq, "error", err)
		}
	}
}

func (s *Scheduler) head() (Window, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Window{}, s.epoch, false
	}
	return s.queue[0], s.epoch, true
}

// pop removes the head window unless a Reset happened since it was read.
func (s *Scheduler) pop(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || len(s.queue) == 0 {
		return false
	}
	w := s.queue[0]
	s.queue[0] = Window{}
	s.queue = s.queue[1:]
	s.inFlight = append(s.inFlight, w.End)
	s.releaseLocked(s.clock.Now())
	return true
}

// releaseLocked forgets windows whose playback has ended.
func (s *Scheduler) releaseLocked(now time.Duration) {
	n := 0
	for _, end := range s.inFlight {
		if end > now {
			s.inFlight[n] = end
			n++
		}
	}
	s.inFlight = s.inFlight[:n]
}

// Reset discards queued windows, flushes the sink and restarts the cursor so
// the next chunk gets the lead-in again.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	discarded := len(s.queue)
	s.queue = nil
	s.inFlight = nil
	s.cur = cursor{}
	s.epoch++
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.Flush()
	}
	s.wake()
	if discarded > 0 {
		s.logger.Info("playback reset", "discarded", discarded)
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(s.clock.Now())
	return Stats{
		Scheduled: s.scheduled,
		Dropped:   s.dropped,
		InFlight:  len(s.inFlight),
		Queued:    len(s.queue),
	}
}
