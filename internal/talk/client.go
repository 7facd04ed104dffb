// Package talk is the local voice client: it speaks to the realtime proxy,
// streams microphone frames upstream and schedules assistant audio for
// gapless playback.
package talk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/pagevoice/internal/audio"
	"github.com/ent0n29/pagevoice/internal/capture"
	"github.com/ent0n29/pagevoice/internal/playback"
	"github.com/ent0n29/pagevoice/internal/protocol"
)

var (
	// ErrServer wraps an error frame received from the proxy.
	ErrServer  = errors.New("server error")
	ErrConnect = errors.New("connect to proxy")
)

// ServerError is an error frame sent by the proxy. It matches ErrServer.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrServer, e.Code, e.Message)
}

func (e *ServerError) Unwrap() error { return ErrServer }

// Capturer delivers microphone frames. Implemented by capture.Pipeline.
type Capturer interface {
	Start(ctx context.Context, fn func(capture.Frame)) error
	Stop() error
}

// Player schedules assistant audio. Implemented by playback.Scheduler.
type Player interface {
	Schedule(c playback.Chunk) (playback.Window, error)
	Reset()
}

type Config struct {
	URL        string
	ContentID  string
	Credential string
	Model      string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// SendQueue bounds captured frames waiting for the socket. Frames beyond
	// it are dropped.
	SendQueue int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	return c
}

type Client struct {
	cfg          Config
	dialer       *websocket.Dialer
	capture      Capturer
	player       Player
	logger       *slog.Logger
	onTranscript func(string)

	seq     atomic.Uint64
	dropped atomic.Uint64
}

type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// OnTranscript registers a callback for completed assistant transcripts.
func OnTranscript(fn func(string)) Option {
	return func(c *Client) { c.onTranscript = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(cfg Config, capturer Capturer, player Player, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg.withDefaults(),
		capture: capturer,
		player:  player,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	}
	c.logger = c.logger.With("component", "talk", "content_id", c.cfg.ContentID)
	return c
}

// Run holds one conversation until ctx is cancelled, the proxy closes the
// socket, or the proxy reports an error. Cancellation and a normal close
// return nil.
func (c *Client) Run(ctx context.Context) error {
	target, err := c.target()
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	defer conn.Close()

	auth, err := json.Marshal(protocol.AuthFrame{
		Credential: c.cfg.Credential,
		Model:      c.cfg.Model,
		Context:    c.cfg.ContentID,
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		return fmt.Errorf("%w: send auth frame: %v", ErrConnect, err)
	}

	s := &stream{
		c:    c,
		conn: conn,
		out:  make(chan []byte, c.cfg.SendQueue),
	}
	defer s.stopCapture()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.write(gctx) })
	g.Go(func() error { return s.read(gctx) })
	stop := context.AfterFunc(gctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	err = g.Wait()
	if n := c.dropped.Load(); n > 0 {
		c.logger.Info("dropped captured frames under backpressure", "frames", n)
	}
	if errors.Is(err, errStreamEnded) || (err != nil && ctx.Err() != nil && !errors.Is(err, ErrServer)) {
		return nil
	}
	return err
}

func (c *Client) target() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.cfg.URL))
	if err != nil {
		return "", fmt.Errorf("%w: invalid url: %v", ErrConnect, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrConnect, u.Scheme)
	}
	return u.String(), nil
}

var errStreamEnded = errors.New("stream ended")

// stream is the per-connection state of Run.
type stream struct {
	c    *Client
	conn *websocket.Conn
	out  chan []byte

	mu        sync.Mutex
	capturing bool
}

func (s *stream) read(ctx context.Context) error {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errStreamEnded
			}
			return fmt.Errorf("read: %w", err)
		}
		ev, err := protocol.ParseEvent(raw)
		if err != nil {
			s.c.logger.Warn("skipping malformed frame", "error", err)
			continue
		}
		if err := s.handle(ctx, ev); err != nil {
			return err
		}
	}
}

func (s *stream) handle(ctx context.Context, ev protocol.Event) error {
	switch e := ev.(type) {
	case protocol.SessionUpdated:
		return s.startCapture(ctx)
	case protocol.AudioDelta:
		_, err := s.c.player.Schedule(playback.Chunk{
			Seq:    s.c.seq.Add(1),
			ItemID: e.ItemID,
			Audio:  e.Delta,
		})
		if err != nil && !errors.Is(err, audio.ErrMalformedPayload) {
			s.c.logger.Warn("playback schedule failed", "item_id", e.ItemID, "error", err)
		}
	case protocol.SpeechStarted:
		// The user is talking over the assistant.
		s.c.player.Reset()
	case protocol.TranscriptDone:
		s.c.logger.Debug("assistant transcript", "item_id", e.ItemID, "chars", len(e.Transcript))
		if s.c.onTranscript != nil {
			s.c.onTranscript(e.Transcript)
		}
	case protocol.ErrorEvent:
		s.c.logger.Error("proxy reported error", "code", e.Error.Code, "message", e.Error.Message)
		return &ServerError{Code: e.Error.Code, Message: e.Error.Message}
	}
	return nil
}

func (s *stream) startCapture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capturing {
		return nil
	}
	if err := s.c.capture.Start(ctx, s.enqueue); err != nil {
		return err
	}
	s.capturing = true
	s.c.logger.Info("session active, capturing microphone")
	return nil
}

func (s *stream) stopCapture() {
	s.mu.Lock()
	capturing := s.capturing
	s.capturing = false
	s.mu.Unlock()
	if capturing {
		_ = s.c.capture.Stop()
	}
}

// enqueue runs on the capture delivery goroutine.
func (s *stream) enqueue(f capture.Frame) {
	frame := protocol.NewAudioAppend(f.Audio)
	select {
	case s.out <- frame:
	default:
		s.c.dropped.Add(1)
	}
}

// write is the only goroutine writing to the socket.
func (s *stream) write(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.c.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}
