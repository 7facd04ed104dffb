package playback

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/pagevoice/internal/audio"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *fakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// After fires immediately and moves the clock forward by d.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type played struct {
	seq uint64
	at  time.Duration
}

type fakeSink struct {
	clock   *fakeClock
	mu      sync.Mutex
	plays   []played
	flushes int
	out     chan played
}

func newFakeSink(clock *fakeClock) *fakeSink {
	return &fakeSink{clock: clock, out: make(chan played, 64)}
}

func (s *fakeSink) Play(w Window) error {
	p := played{seq: w.Seq, at: s.clock.Now()}
	s.mu.Lock()
	s.plays = append(s.plays, p)
	s.mu.Unlock()
	s.out <- p
	return nil
}

func (s *fakeSink) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

// chunkOf returns an encoded chunk of silence lasting d at the realtime format.
func chunkOf(seq uint64, d time.Duration) Chunk {
	n := int(int64(audio.RealtimeFormat.BytesPerSecond()) * int64(d) / int64(time.Second))
	n -= n % 2
	return Chunk{Seq: seq, Audio: audio.EncodeBytes(make([]byte, n))}
}

func newTestScheduler(cfg Config) (*Scheduler, *fakeClock, *fakeSink) {
	clock := &fakeClock{now: time.Second}
	sink := newFakeSink(clock)
	return New(cfg, clock, sink, nil), clock, sink
}

func TestScheduleBurstIsContiguousAfterLeadIn(t *testing.T) {
	s, clock, _ := newTestScheduler(Config{})
	start := clock.Now()

	var windows []Window
	for i, d := range []time.Duration{100 * time.Millisecond, 50 * time.Millisecond, 200 * time.Millisecond} {
		w, err := s.Schedule(chunkOf(uint64(i), d))
		require.NoError(t, err)
		windows = append(windows, w)
	}

	assert.Equal(t, start+DefaultLeadIn, windows[0].Start)
	for i := 1; i < len(windows); i++ {
		assert.Equal(t, windows[i-1].End, windows[i].Start)
	}
	assert.Equal(t, 350*time.Millisecond, windows[2].End-windows[0].Start)
}

func TestScheduleIsMonotonic(t *testing.T) {
	s, clock, _ := newTestScheduler(Config{})
	rng := rand.New(rand.NewSource(7))

	var prev Window
	for i := 0; i < 200; i++ {
		clock.Advance(time.Duration(rng.Intn(80)) * time.Millisecond)
		now := clock.Now()
		w, err := s.Schedule(chunkOf(uint64(i), time.Duration(1+rng.Intn(120))*time.Millisecond))
		require.NoError(t, err)

		assert.GreaterOrEqual(t, w.Start, now, "window %d starts in the past", i)
		if i > 0 {
			assert.GreaterOrEqual(t, w.Start, prev.End, "window %d overlaps", i)
		}
		prev = w
	}
}

func TestScheduleCatchUpClampsToNow(t *testing.T) {
	s, clock, _ := newTestScheduler(Config{})

	first, err := s.Schedule(chunkOf(1, 100*time.Millisecond))
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	late, err := s.Schedule(chunkOf(2, 100*time.Millisecond))
	require.NoError(t, err)

	assert.Greater(t, late.Start, first.End)
	assert.Equal(t, clock.Now()+DefaultMinGap, late.Start)
}

func TestScheduleKeepsMinGapAheadOfNow(t *testing.T) {
	s, clock, _ := newTestScheduler(Config{})

	first, err := s.Schedule(chunkOf(1, 100*time.Millisecond))
	require.NoError(t, err)

	// The cursor is still ahead of now, but by less than MinGap.
	clock.Advance(first.End - clock.Now() - DefaultMinGap/2)
	next, err := s.Schedule(chunkOf(2, 100*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, clock.Now()+DefaultMinGap, next.Start)
	assert.Equal(t, DefaultMinGap/2, next.Start-first.End)

	// A cursor at least MinGap ahead is left alone.
	clock.Advance(10 * time.Millisecond)
	third, err := s.Schedule(chunkOf(3, 50*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, next.End, third.Start)
}

func TestScheduleZeroLengthIsNoop(t *testing.T) {
	s, _, _ := newTestScheduler(Config{})

	first, err := s.Schedule(chunkOf(1, 100*time.Millisecond))
	require.NoError(t, err)

	w, err := s.Schedule(Chunk{Seq: 2, Audio: ""})
	require.NoError(t, err)
	assert.Equal(t, Window{}, w)

	next, err := s.Schedule(chunkOf(3, 100*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, first.End, next.Start)
	assert.Equal(t, uint64(2), s.Stats().Scheduled)
}

func TestMalformedChunkIsDroppedOnce(t *testing.T) {
	var drops []Chunk
	s, _, _ := newTestScheduler(Config{OnDrop: func(c Chunk, err error) {
		assert.ErrorIs(t, err, audio.ErrMalformedPayload)
		drops = append(drops, c)
	}})

	w1, err := s.Schedule(chunkOf(1, 100*time.Millisecond))
	require.NoError(t, err)

	_, err = s.Schedule(Chunk{Seq: 2, Audio: audio.EncodeBytes([]byte{1, 2, 3})})
	require.ErrorIs(t, err, audio.ErrMalformedPayload)

	w3, err := s.Schedule(chunkOf(3, 50*time.Millisecond))
	require.NoError(t, err)
	w4, err := s.Schedule(chunkOf(4, 50*time.Millisecond))
	require.NoError(t, err)

	require.Len(t, drops, 1)
	assert.Equal(t, uint64(2), drops[0].Seq)
	assert.Equal(t, w1.End, w3.Start)
	assert.Equal(t, w3.End, w4.Start)

	st := s.Stats()
	assert.Equal(t, uint64(3), st.Scheduled)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 3, st.Queued)
}

func TestQueueLimit(t *testing.T) {
	s, _, _ := newTestScheduler(Config{QueueLimit: 2})

	_, err := s.Schedule(chunkOf(1, 10*time.Millisecond))
	require.NoError(t, err)
	_, err = s.Schedule(chunkOf(2, 10*time.Millisecond))
	require.NoError(t, err)
	_, err = s.Schedule(chunkOf(3, 10*time.Millisecond))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestConcurrentScheduleNeverOverlaps(t *testing.T) {
	s, _, _ := newTestScheduler(Config{})

	var mu sync.Mutex
	var windows []Window
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				w, err := s.Schedule(chunkOf(uint64(i*10+j), 20*time.Millisecond))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				windows = append(windows, w)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(windows, func(a, b int) bool { return windows[a].Start < windows[b].Start })
	for i := 1; i < len(windows); i++ {
		assert.Equal(t, windows[i-1].End, windows[i].Start)
	}
}

func TestRunDispatchesAtWindowStart(t *testing.T) {
	s, clock, sink := newTestScheduler(Config{})

	var want []Window
	for i, d := range []time.Duration{100 * time.Millisecond, 50 * time.Millisecond, 200 * time.Millisecond} {
		w, err := s.Schedule(chunkOf(uint64(i+1), d))
		require.NoError(t, err)
		want = append(want, w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for _, w := range want {
		select {
		case p := <-sink.out:
			assert.Equal(t, w.Seq, p.seq)
			assert.Equal(t, w.Start, p.at)
		case <-time.After(2 * time.Second):
			t.Fatalf("window %d was not dispatched", w.Seq)
		}
	}

	clock.Advance(time.Second)
	assert.Equal(t, 0, s.Stats().InFlight)

	cancel()
	require.NoError(t, <-done)
}

func TestResetDiscardsQueueAndRestartsLeadIn(t *testing.T) {
	s, clock, sink := newTestScheduler(Config{})

	_, err := s.Schedule(chunkOf(1, 100*time.Millisecond))
	require.NoError(t, err)
	_, err = s.Schedule(chunkOf(2, 100*time.Millisecond))
	require.NoError(t, err)

	s.Reset()
	st := s.Stats()
	assert.Equal(t, 0, st.Queued)
	assert.Equal(t, 1, sink.flushes)

	w, err := s.Schedule(chunkOf(3, 100*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, clock.Now()+DefaultLeadIn, w.Start)
}
