// Package proxy relays one client websocket onto one upstream realtime
// session. It owns the session handshake and forwards every frame in both
// directions byte for byte.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ent0n29/pagevoice/internal/ledger"
	"github.com/ent0n29/pagevoice/internal/negotiator"
	"github.com/ent0n29/pagevoice/internal/observability"
	"github.com/ent0n29/pagevoice/internal/policy"
	"github.com/ent0n29/pagevoice/internal/protocol"
	"github.com/ent0n29/pagevoice/internal/session"
)

// ContentPlaceholder is replaced by the content id in the session instructions.
const ContentPlaceholder = "{content}"

const DefaultInstructions = `You are a helpful voice assistant for the page '{content}'.
Your knowledge is strictly limited to the content of that page.

Rules:
1. Be brief but complete. Keep responses under 15 seconds and always finish your sentences.
2. Only answer questions about the page content.
3. If asked about anything else, say that you can only answer questions about this page.
4. Be conversational and helpful.`

// DefaultSessionConfig is the session.update body sent to every upstream
// session unless overridden.
func DefaultSessionConfig() protocol.SessionConfig {
	return protocol.SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            DefaultInstructions,
		Voice:                   "shimmer",
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &protocol.TranscriptionConfig{Model: "whisper-1"},
		TurnDetection: &protocol.TurnDetectionConfig{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 200,
		},
		Temperature:             0.8,
		MaxResponseOutputTokens: 500,
	}
}

// SessionSource supplies a credential for a content id, from the preload
// cache or a fresh negotiation.
type SessionSource interface {
	Session(ctx context.Context, contentID string) (negotiator.Credential, error)
}

type Config struct {
	DefaultModel     string
	HandshakeTimeout time.Duration
	ConfigureTimeout time.Duration
	CloseGracePeriod time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	// InboundRate limits client frames per second. Zero disables the limit.
	InboundRate  float64
	InboundBurst int
	ClientQueue  int
	Session      protocol.SessionConfig
}

func (c Config) withDefaults() Config {
	if c.DefaultModel == "" {
		c.DefaultModel = "gpt-realtime"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ConfigureTimeout <= 0 {
		c.ConfigureTimeout = 5 * time.Second
	}
	if c.CloseGracePeriod <= 0 {
		c.CloseGracePeriod = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 2 << 20
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 50
	}
	if c.ClientQueue <= 0 {
		c.ClientQueue = 256
	}
	if c.Session.Voice == "" && len(c.Session.Modalities) == 0 {
		c.Session = DefaultSessionConfig()
	}
	return c
}

type Deps struct {
	Dialer   Dialer
	Sessions SessionSource
	Registry *session.Manager
	Ledger   ledger.Store
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

type Proxy struct {
	cfg      Config
	dialer   Dialer
	sessions SessionSource
	registry *session.Manager
	ledger   ledger.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func New(cfg Config, deps Deps) *Proxy {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		cfg:      cfg.withDefaults(),
		dialer:   deps.Dialer,
		sessions: deps.Sessions,
		registry: deps.Registry,
		ledger:   deps.Ledger,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "proxy"),
	}
}

type frame struct {
	kind int
	data []byte
}

// relay is the state of one proxied connection.
type relay struct {
	p      *Proxy
	logger *slog.Logger
	cancel context.CancelFunc

	id        string
	contentID string
	model     string
	createdAt time.Time
	activeAt  time.Time

	mu       sync.Mutex
	state    session.State
	errCode  string
	upstream *websocket.Conn

	client       *websocket.Conn
	clientOut    chan frame
	writerDone   chan struct{}
	clientBroken atomic.Bool

	closeClientOnce   sync.Once
	closeUpstreamOnce sync.Once
	firstAudioOnce    sync.Once

	framesUpstream atomic.Int64
	framesClient   atomic.Int64
}

// Serve runs the full session for an upgraded client socket and returns
// once both sockets are released. A nil error means the session ended
// cleanly.
func (p *Proxy) Serve(ctx context.Context, client *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &relay{
		p:          p,
		cancel:     cancel,
		createdAt:  time.Now().UTC(),
		state:      session.StateIdle,
		client:     client,
		clientOut:  make(chan frame, p.cfg.ClientQueue),
		writerDone: make(chan struct{}),
	}
	if p.registry != nil {
		r.id = p.registry.Create("", cancel).ID
	} else {
		r.id = uuid.NewString()
	}
	r.logger = p.logger.With("session_id", r.id)
	client.SetReadLimit(p.cfg.ReadLimit)
	p.metrics.SessionEvent("connected")

	go r.writeClient()
	stop := context.AfterFunc(ctx, r.closeAll)

	err := r.run(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, errPeerClosed) {
		// Torn down from outside; not a session failure.
		err = errPeerClosed
	}
	stop()
	r.finish(err)
	if errors.Is(err, errPeerClosed) {
		return nil
	}
	return err
}

func (r *relay) run(ctx context.Context) error {
	started := time.Now()

	auth, err := r.readAuth(ctx)
	if err != nil {
		return err
	}
	r.contentID = auth.Context
	r.logger = r.logger.With("content_id", auth.Context)

	r.setState(session.StateNegotiating)
	t := time.Now()
	cred, err := r.credential(ctx, auth)
	if err != nil {
		return err
	}
	r.model = cred.Model
	r.p.metrics.ObserveStage("negotiate", time.Since(t))
	if r.p.registry != nil {
		_ = r.p.registry.Bind(r.id, auth.Context, cred.Model, cred.Value)
	}

	r.setState(session.StateConnecting)
	t = time.Now()
	if r.p.dialer == nil {
		return fmt.Errorf("%w: no upstream dialer configured", ErrTransport)
	}
	up, err := r.p.dialer.Dial(ctx, cred)
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return err
	}
	up.SetReadLimit(r.p.cfg.ReadLimit)
	r.mu.Lock()
	r.upstream = up
	r.mu.Unlock()
	if ctx.Err() != nil {
		return errPeerClosed
	}
	r.p.metrics.ObserveStage("connect", time.Since(t))

	r.setState(session.StateAuthenticating)
	t = time.Now()
	hello, err := json.Marshal(protocol.Handshake{Credential: cred.Value, Model: cred.Model, Context: auth.Context})
	if err != nil {
		return fmt.Errorf("%w: encode handshake: %v", ErrTransport, err)
	}
	if err := r.writeUpstream(websocket.TextMessage, hello); err != nil {
		return err
	}
	if err := r.await(ctx, protocol.TypeSessionCreated, r.p.cfg.HandshakeTimeout, ErrTransport); err != nil {
		return err
	}
	r.p.metrics.ObserveStage("authenticate", time.Since(t))

	r.setState(session.StateConfiguring)
	t = time.Now()
	update, err := protocol.NewSessionUpdate(r.sessionConfig())
	if err != nil {
		return fmt.Errorf("%w: encode session.update: %v", ErrTransport, err)
	}
	if err := r.writeUpstream(websocket.TextMessage, update); err != nil {
		return err
	}
	if err := r.await(ctx, protocol.TypeSessionUpdated, r.p.cfg.ConfigureTimeout, ErrConfigureTimeout); err != nil {
		return err
	}
	r.p.metrics.ObserveStage("configure", time.Since(t))
	r.p.metrics.ObserveStage("handshake_total", time.Since(started))

	r.activeAt = time.Now()
	r.setState(session.StateActive)
	r.logger.Info("session active", "model", cred.Model)
	return r.forward(ctx)
}

func (r *relay) readAuth(ctx context.Context) (protocol.AuthFrame, error) {
	_ = r.client.SetReadDeadline(time.Now().Add(r.p.cfg.HandshakeTimeout))
	_, raw, err := r.client.ReadMessage()
	if err != nil {
		if isCleanClose(ctx, err) {
			return protocol.AuthFrame{}, errPeerClosed
		}
		return protocol.AuthFrame{}, fmt.Errorf("%w: read auth frame: %v", ErrTransport, err)
	}
	_ = r.client.SetReadDeadline(time.Time{})

	auth, err := protocol.ParseAuthFrame(raw)
	if err != nil {
		return protocol.AuthFrame{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return auth, nil
}

func (r *relay) credential(ctx context.Context, auth protocol.AuthFrame) (negotiator.Credential, error) {
	if auth.Credential != "" {
		model := auth.Model
		if model == "" {
			model = r.p.cfg.DefaultModel
		}
		return negotiator.Credential{Value: auth.Credential, Model: model}, nil
	}
	if r.p.sessions == nil {
		return negotiator.Credential{}, fmt.Errorf("%w: no session source configured", negotiator.ErrNegotiation)
	}

	cred, err := r.p.sessions.Session(ctx, auth.Context)
	if err != nil {
		if ctx.Err() != nil {
			return negotiator.Credential{}, errPeerClosed
		}
		if !errors.Is(err, negotiator.ErrNegotiation) {
			err = fmt.Errorf("%w: %w", negotiator.ErrNegotiation, err)
		}
		return negotiator.Credential{}, err
	}
	if cred.Model == "" {
		cred.Model = auth.Model
	}
	if cred.Model == "" {
		cred.Model = r.p.cfg.DefaultModel
	}
	return cred, nil
}

func (r *relay) sessionConfig() protocol.SessionConfig {
	cfg := r.p.cfg.Session
	cfg.Instructions = strings.ReplaceAll(cfg.Instructions, ContentPlaceholder, r.contentID)
	return cfg
}

// await reads upstream frames until one of type want arrives, forwarding
// every frame to the client on the way.
func (r *relay) await(ctx context.Context, want string, timeout time.Duration, timeoutErr error) error {
	up := r.upstreamConn()
	_ = up.SetReadDeadline(time.Now().Add(timeout))
	defer up.SetReadDeadline(time.Time{})

	for {
		kind, raw, err := up.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return errPeerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: no %s within %s", timeoutErr, want, timeout)
			}
			return fmt.Errorf("%w: upstream read: %v", ErrTransport, err)
		}

		ev, err := protocol.ParseEvent(raw)
		if err != nil {
			return fmt.Errorf("%w: upstream: %v", ErrProtocolViolation, err)
		}
		// A rejection is reported to the client once, as the proxy's own
		// error frame.
		if e, ok := ev.(protocol.ErrorEvent); ok {
			r.p.metrics.ObserveMessage("outbound", ev.EventType())
			return fmt.Errorf("%w: upstream rejected session: %s: %s",
				negotiator.ErrNegotiation, e.Error.Code, e.Error.Message)
		}
		if err := r.sendClient(ctx, frame{kind: kind, data: raw}); err != nil {
			return errPeerClosed
		}
		r.observeUpstream(ev)
		if ev.EventType() == want {
			return nil
		}
	}
}

// forward runs both directions until either side ends.
func (r *relay) forward(ctx context.Context) error {
	limit := rate.Inf
	if r.p.cfg.InboundRate > 0 {
		limit = rate.Limit(r.p.cfg.InboundRate)
	}
	limiter := rate.NewLimiter(limit, r.p.cfg.InboundBurst)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pumpClient(gctx, limiter) })
	g.Go(func() error { return r.pumpUpstream(gctx) })
	stop := context.AfterFunc(gctx, r.interruptReads)
	defer stop()

	err := g.Wait()
	if errors.Is(err, errPeerClosed) {
		return nil
	}
	return err
}

// pumpClient forwards client frames upstream. Frames are validated, never
// rewritten, and never dropped: a slow upstream slows the client down.
func (r *relay) pumpClient(ctx context.Context, limiter *rate.Limiter) error {
	up := r.upstreamConn()
	for {
		kind, raw, err := r.client.ReadMessage()
		if err != nil {
			if isCleanClose(ctx, err) {
				return errPeerClosed
			}
			return fmt.Errorf("%w: client read: %v", ErrTransport, err)
		}

		ev, err := protocol.ParseClientFrame(raw)
		if err != nil {
			return fmt.Errorf("%w: client: %v", ErrProtocolViolation, err)
		}

		if !limiter.Allow() {
			r.p.metrics.Throttled()
			if err := limiter.Wait(ctx); err != nil {
				return errPeerClosed
			}
		}

		_ = up.SetWriteDeadline(time.Now().Add(r.p.cfg.WriteTimeout))
		if err := up.WriteMessage(kind, raw); err != nil {
			if ctx.Err() != nil {
				return errPeerClosed
			}
			return fmt.Errorf("%w: upstream write: %v", ErrTransport, err)
		}
		r.framesUpstream.Add(1)
		r.p.metrics.ObserveMessage("inbound", ev.EventType())
		r.touch()
	}
}

func (r *relay) pumpUpstream(ctx context.Context) error {
	up := r.upstreamConn()
	for {
		kind, raw, err := up.ReadMessage()
		if err != nil {
			if isCleanClose(ctx, err) {
				return errPeerClosed
			}
			return fmt.Errorf("%w: upstream read: %v", ErrTransport, err)
		}

		ev, err := protocol.ParseEvent(raw)
		if err != nil {
			return fmt.Errorf("%w: upstream: %v", ErrProtocolViolation, err)
		}
		if err := r.sendClient(ctx, frame{kind: kind, data: raw}); err != nil {
			return errPeerClosed
		}
		r.observeUpstream(ev)
	}
}

func (r *relay) observeUpstream(ev protocol.Event) {
	r.p.metrics.ObserveMessage("outbound", ev.EventType())
	switch ev.(type) {
	case protocol.Unrecognized:
		r.p.metrics.ObserveIndicator("unknown_event")
	case protocol.AudioDelta:
		if !r.activeAt.IsZero() {
			r.firstAudioOnce.Do(func() {
				r.p.metrics.ObserveStage("first_audio", time.Since(r.activeAt))
			})
		}
	}
}

func (r *relay) sendClient(ctx context.Context, f frame) error {
	select {
	case r.clientOut <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeClient is the only goroutine writing data frames to the client. It
// drains clientOut until finish closes it.
func (r *relay) writeClient() {
	defer close(r.writerDone)
	for f := range r.clientOut {
		if r.clientBroken.Load() {
			continue
		}
		_ = r.client.SetWriteDeadline(time.Now().Add(r.p.cfg.WriteTimeout))
		if err := r.client.WriteMessage(f.kind, f.data); err != nil {
			r.clientBroken.Store(true)
			r.logger.Debug("client write failed", "error", err)
			r.cancel()
			continue
		}
		r.framesClient.Add(1)
	}
}

func (r *relay) writeUpstream(kind int, data []byte) error {
	up := r.upstreamConn()
	_ = up.SetWriteDeadline(time.Now().Add(r.p.cfg.WriteTimeout))
	if err := up.WriteMessage(kind, data); err != nil {
		return fmt.Errorf("%w: upstream write: %v", ErrTransport, err)
	}
	return nil
}

func (r *relay) upstreamConn() *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstream
}

func (r *relay) touch() {
	if r.p.registry != nil {
		_ = r.p.registry.Touch(r.id)
	}
}

// interruptReads unblocks both readers without closing the sockets so the
// final frames can still be written.
func (r *relay) interruptReads() {
	now := time.Now()
	_ = r.client.SetReadDeadline(now)
	if up := r.upstreamConn(); up != nil {
		_ = up.SetReadDeadline(now)
	}
}

func (r *relay) closeAll() {
	r.closeClientOnce.Do(func() { _ = r.client.Close() })
	if up := r.upstreamConn(); up != nil {
		r.closeUpstreamOnce.Do(func() { _ = up.Close() })
	}
}

func (r *relay) currentState() session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// setState applies a transition if the table allows it.
func (r *relay) setState(to session.State) bool {
	r.mu.Lock()
	from, code := r.state, r.errCode
	ok := canTransition(from, to)
	if ok {
		r.state = to
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Error("illegal session transition", "from", from, "to", to)
		return false
	}
	if r.p.registry != nil {
		_ = r.p.registry.SetState(r.id, to, code)
		if to == session.StateActive {
			r.p.metrics.SetActiveSessions(r.p.registry.ActiveCount())
		}
	}
	r.p.metrics.SessionEvent(string(to))
	return true
}

// finish reports a failure to the client, flushes queued frames within the
// grace period and releases both sockets exactly once.
func (r *relay) finish(runErr error) {
	grace := r.p.cfg.CloseGracePeriod
	failed := runErr != nil && !errors.Is(runErr, errPeerClosed)

	code := ""
	if failed {
		code = ErrorCode(runErr)
		r.mu.Lock()
		r.errCode = code
		r.mu.Unlock()
		r.logger.Warn("session failed", "code", code, "state", r.currentState(), "error", runErr)
		r.p.metrics.ObserveFailure(code)
		msg, _ := policy.Redact(runErr.Error())
		select {
		case r.clientOut <- frame{kind: websocket.TextMessage, data: protocol.NewErrorFrame(code, msg)}:
		case <-time.After(grace):
			r.logger.Warn("error frame not queued", "code", code)
		}
	}

	if failed && r.currentState() != session.StateActive {
		r.setState(session.StateFailed)
	} else {
		r.setState(session.StateClosing)
	}

	close(r.clientOut)
	select {
	case <-r.writerDone:
	case <-time.After(grace):
		r.logger.Warn("client flush timed out", "grace", grace)
	}

	deadline := time.Now().Add(grace)
	closeErr := runErr
	if !failed {
		closeErr = nil
	}
	reason := code
	_ = r.client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCodeFor(closeErr), reason), deadline)
	if up := r.upstreamConn(); up != nil {
		if failed {
			r.logger.Info("closing upstream", "reason", reason)
		}
		_ = up.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	}
	r.closeAll()
	<-r.writerDone

	if r.currentState() == session.StateClosing {
		if failed {
			r.setState(session.StateFailed)
		} else {
			r.setState(session.StateClosed)
		}
	}
	final := r.currentState()
	r.logger.Info("session ended",
		"state", final,
		"frames_upstream", r.framesUpstream.Load(),
		"frames_client", r.framesClient.Load(),
	)

	if r.p.registry != nil {
		if snap, err := r.p.registry.Remove(r.id); err == nil && code == "" {
			code = snap.ErrorCode
		}
		r.p.metrics.SetActiveSessions(r.p.registry.ActiveCount())
	}
	if r.p.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := r.p.ledger.Save(ctx, ledger.Record{
			SessionID:      r.id,
			ContentID:      r.contentID,
			Model:          r.model,
			FinalState:     string(final),
			ErrorCode:      code,
			FramesUpstream: r.framesUpstream.Load(),
			FramesClient:   r.framesClient.Load(),
			CreatedAt:      r.createdAt,
			EndedAt:        time.Now().UTC(),
		})
		if err != nil {
			r.logger.Warn("ledger write failed", "error", err)
		}
	}
}
