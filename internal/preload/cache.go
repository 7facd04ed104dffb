// Package preload prefetches the greeting audio and the upstream session
// credential for a content identifier ahead of user interaction.
package preload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/pagevoice/internal/negotiator"
)

// State is the readiness of one prefetched artifact.
type State string

const (
	StateAbsent   State = "absent"
	StatePending  State = "pending"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateConsumed State = "consumed"
)

const (
	artifactAudio   = "audio"
	artifactSession = "session"
)

// Status is a readiness snapshot of one entry.
type Status struct {
	ContentID string    `json:"content_id"`
	Audio     State     `json:"audio"`
	Session   State     `json:"session"`
	CreatedAt time.Time `json:"created_at"`
}

// Recorder observes prefetch outcomes. Implemented by observability.Metrics.
type Recorder interface {
	PreloadFetched(artifact string, ok bool)
}

type entry struct {
	contentID    string
	createdAt    time.Time
	audio        []byte
	audioState   State
	credential   negotiator.Credential
	sessionState State
}

func (e *entry) status() Status {
	return Status{
		ContentID: e.contentID,
		Audio:     e.audioState,
		Session:   e.sessionState,
		CreatedAt: e.createdAt,
	}
}

// Cache is the process-wide preload cache. The mutex guards the entry map
// only; fetches always run outside it.
type Cache struct {
	greeter    negotiator.GreetingFetcher
	negotiator negotiator.Negotiator
	store      ArtifactStore
	recorder   Recorder
	logger     *slog.Logger

	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore sets the shared tier consulted before fetching greeting audio.
func WithStore(store ArtifactStore) Option {
	return func(c *Cache) { c.store = store }
}

// WithTTL bounds how long an entry lives. Zero keeps entries until restart.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

func withClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(greeter negotiator.GreetingFetcher, neg negotiator.Negotiator, opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		greeter:      greeter,
		negotiator:   neg,
		logger:       slog.Default(),
		fetchTimeout: 60 * time.Second,
		now:          time.Now,
		entries:      make(map[string]*entry),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "preload")
	return c
}

// Trigger starts both prefetches for contentID unless they were already
// started for the live entry. It reports whether fetches were started.
func (c *Cache) Trigger(contentID string) bool {
	c.mu.Lock()
	if _, ok := c.entries[contentID]; ok {
		c.mu.Unlock()
		return false
	}
	e := &entry{
		contentID:    contentID,
		createdAt:    c.now(),
		audioState:   StatePending,
		sessionState: StatePending,
	}
	c.entries[contentID] = e
	c.mu.Unlock()

	c.logger.Info("preload triggered", "content_id", contentID)

	c.wg.Add(2)
	go c.prefetchAudio(e)
	go c.prefetchSession(e)
	return true
}

func (c *Cache) prefetchAudio(e *entry) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	defer cancel()

	audio, err := c.fetchAudio(ctx, e.contentID)
	c.record(artifactAudio, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		e.audioState = StateFailed
		c.logger.Warn("greeting prefetch failed", "content_id", e.contentID, "error", err)
		return
	}
	e.audio = audio
	e.audioState = StateReady
}

func (c *Cache) prefetchSession(e *entry) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	defer cancel()

	cred, err := c.negotiator.Negotiate(ctx, e.contentID)
	c.record(artifactSession, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		e.sessionState = StateFailed
		c.logger.Warn("session prefetch failed", "content_id", e.contentID, "error", err)
		return
	}
	e.credential = cred
	e.sessionState = StateReady
}

func (c *Cache) fetchAudio(ctx context.Context, contentID string) ([]byte, error) {
	if c.store != nil {
		audio, ok, err := c.store.GetAudio(ctx, contentID)
		if err != nil {
			c.logger.Warn("artifact store read failed", "content_id", contentID, "error", err)
		} else if ok {
			return audio, nil
		}
	}

	audio, err := c.greeter.FetchGreeting(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if c.store != nil {
		if err := c.store.PutAudio(ctx, contentID, audio); err != nil {
			c.logger.Warn("artifact store write failed", "content_id", contentID, "error", err)
		}
	}
	return audio, nil
}

func (c *Cache) record(artifact string, err error) {
	if c.recorder != nil {
		c.recorder.PreloadFetched(artifact, err == nil)
	}
}

// TakeAudio returns the prefetched greeting if it is ready and marks it
// consumed. It never blocks on a fetch.
func (c *Cache) TakeAudio(contentID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[contentID]
	if !ok || e.audioState != StateReady {
		return nil, false
	}
	audio := e.audio
	e.audio = nil
	e.audioState = StateConsumed
	return audio, true
}

// TakeSession returns the prefetched credential if it is ready and marks it
// consumed. It never blocks on a fetch.
func (c *Cache) TakeSession(contentID string) (negotiator.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[contentID]
	if !ok || e.sessionState != StateReady {
		return negotiator.Credential{}, false
	}
	cred := e.credential
	e.credential = negotiator.Credential{}
	e.sessionState = StateConsumed
	return cred, true
}

// Audio takes the prefetched greeting or fetches it synchronously.
// Concurrent fallbacks for one content id share a single fetch that runs on
// the cache's own context, so a caller leaving early does not fail the rest.
func (c *Cache) Audio(ctx context.Context, contentID string) ([]byte, error) {
	if audio, ok := c.TakeAudio(contentID); ok {
		return audio, nil
	}
	ch := c.group.DoChan(artifactAudio+":"+contentID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
		defer cancel()
		return c.fetchAudio(fetchCtx, contentID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Session takes the prefetched credential or negotiates one synchronously.
// Credentials are single use, so fallbacks are never shared between callers.
func (c *Cache) Session(ctx context.Context, contentID string) (negotiator.Credential, error) {
	if cred, ok := c.TakeSession(contentID); ok {
		return cred, nil
	}
	cred, err := c.negotiator.Negotiate(ctx, contentID)
	if err != nil {
		return negotiator.Credential{}, fmt.Errorf("negotiate %q: %w", contentID, err)
	}
	return cred, nil
}

// Status returns the readiness snapshot for contentID.
func (c *Cache) Status(contentID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[contentID]
	if !ok {
		return Status{ContentID: contentID, Audio: StateAbsent, Session: StateAbsent}, false
	}
	return e.status(), true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartJanitor evicts expired entries every interval until ctx ends. It is a
// no-op when the cache has no TTL.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if c.ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.evictExpired(); n > 0 {
					c.logger.Info("preload entries evicted", "count", n)
				}
			}
		}
	}()
}

func (c *Cache) evictExpired() int {
	if c.ttl <= 0 {
		return 0
	}
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if e.createdAt.Before(cutoff) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Close cancels in-flight prefetches and waits for them to finish.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

// wait blocks until all started prefetches finished.
func (c *Cache) wait() {
	c.wg.Wait()
}
