package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/pagevoice/internal/audio"
	"github.com/ent0n29/pagevoice/internal/protocol"
)

// perfvoice replays synthetic speech through a running pagevoice proxy and
// reports handshake and first-audio latency per session.

type options struct {
	baseURL        string
	contentID      string
	credential     string
	sessions       int
	concurrency    int
	chunkMS        int
	realtime       float64
	wavPath        string
	sessionTimeout time.Duration
	verbose        bool
}

type audioClip struct {
	PCM16LE    []byte
	SampleRate int
}

type sessionResult struct {
	index      int
	handshake  time.Duration
	firstAudio time.Duration
	deltas     int
	errCode    string
	err        error
}

var errNoAudio = errors.New("no assistant audio before timeout")

// frameError is an error frame sent by the proxy.
type frameError struct {
	code    string
	message string
}

func (e *frameError) Error() string {
	return fmt.Sprintf("error frame %s: %s", e.code, e.message)
}

func frameCode(err error) string {
	var fe *frameError
	if errors.As(err, &fe) {
		return fe.code
	}
	return ""
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var timeoutMS int

	fs := flag.NewFlagSet("perfvoice", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "pagevoice base URL")
	fs.StringVar(&cfg.contentID, "content-id", "perf-replay", "content id sent in the auth frame")
	fs.StringVar(&cfg.credential, "credential", "", "optional upstream credential; the proxy negotiates when empty")
	fs.IntVar(&cfg.sessions, "sessions", 4, "number of sessions to replay")
	fs.IntVar(&cfg.concurrency, "concurrency", 2, "sessions in flight at once")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file to replay (default: synthetic tone)")
	fs.IntVar(&timeoutMS, "session-timeout-ms", 20000, "timeout waiting for first assistant audio per session")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.contentID) == "" && strings.TrimSpace(cfg.credential) == "" {
		return options{}, fmt.Errorf("content-id or credential is required")
	}
	if cfg.sessions <= 0 {
		return options{}, fmt.Errorf("sessions must be > 0")
	}
	if cfg.concurrency <= 0 {
		cfg.concurrency = 1
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.sessionTimeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	clip, err := loadClip(cfg.wavPath)
	if err != nil {
		return fmt.Errorf("prepare audio: %w", err)
	}
	wsURL, err := realtimeURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	if cfg.verbose {
		fmt.Printf("perfvoice: url=%s sessions=%d concurrency=%d chunk_ms=%d realtime=%.2f audio=%s\n",
			wsURL, cfg.sessions, cfg.concurrency, cfg.chunkMS, cfg.realtime,
			audio.Duration(len(clip.PCM16LE), audio.RealtimeFormat).Round(time.Millisecond))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.sessions)*(cfg.sessionTimeout+10*time.Second))
	defer cancel()

	var (
		mu      sync.Mutex
		results []sessionResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for i := 0; i < cfg.sessions; i++ {
		g.Go(func() error {
			res := replaySession(gctx, cfg, wsURL, clip)
			res.index = i + 1
			if cfg.verbose {
				printResult(res)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s := summarize(results)
	fmt.Printf("perfvoice: ok=%d failed=%d handshake_p50=%s handshake_p95=%s first_audio_p50=%s first_audio_p95=%s\n",
		s.ok, s.failed, s.handshakeP50, s.handshakeP95, s.firstAudioP50, s.firstAudioP95)
	for code, n := range s.failures {
		fmt.Printf("perfvoice: failure code=%s count=%d\n", code, n)
	}
	if s.ok == 0 {
		return fmt.Errorf("all %d sessions failed", s.failed)
	}
	return nil
}

func printResult(res sessionResult) {
	if res.err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: session %d failed code=%s err=%v\n", res.index, res.errCode, res.err)
		return
	}
	fmt.Printf("perfvoice: session %d handshake=%s first_audio=%s deltas=%d\n",
		res.index, res.handshake.Round(time.Millisecond), res.firstAudio.Round(time.Millisecond), res.deltas)
}

// replaySession opens one session, streams the clip and waits for the first
// assistant audio delta.
func replaySession(ctx context.Context, cfg options, wsURL string, clip audioClip) sessionResult {
	ctx, cancel := context.WithTimeout(ctx, cfg.sessionTimeout)
	defer cancel()

	var res sessionResult
	start := time.Now()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		res.err = fmt.Errorf("open websocket: %w", err)
		return res
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	auth := protocol.AuthFrame{Credential: cfg.credential, Context: cfg.contentID}
	if err := conn.WriteJSON(auth); err != nil {
		res.err = fmt.Errorf("send auth: %w", err)
		return res
	}

	updated := make(chan struct{})
	firstAudio := make(chan time.Duration, 1)
	readErr := make(chan error, 1)
	go func() {
		readErr <- readEvents(conn, start, updated, firstAudio)
	}()

	select {
	case <-updated:
		res.handshake = time.Since(start)
	case err := <-readErr:
		res.err, res.errCode = fmt.Errorf("before session.updated: %w", err), frameCode(err)
		return res
	case <-ctx.Done():
		res.err = fmt.Errorf("await session.updated: %w", ctx.Err())
		return res
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- sendClip(ctx, conn, clip, cfg.chunkMS, cfg.realtime) }()

	select {
	case d := <-firstAudio:
		res.firstAudio = d
	case err := <-readErr:
		res.err, res.errCode = err, frameCode(err)
	case <-ctx.Done():
		res.err, res.errCode = errNoAudio, "no_audio"
	}
	cancel()
	<-sendErr
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return res
}

// readEvents owns the read side of the socket until it fails.
func readEvents(conn *websocket.Conn, start time.Time, updated chan<- struct{}, firstAudio chan<- time.Duration) error {
	var sawUpdate, sawAudio bool
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := protocol.ParseEvent(raw)
		if err != nil {
			continue
		}
		switch e := ev.(type) {
		case protocol.SessionUpdated:
			if !sawUpdate {
				sawUpdate = true
				close(updated)
			}
		case protocol.AudioDelta:
			if !sawAudio {
				sawAudio = true
				firstAudio <- time.Since(start)
			}
		case protocol.ErrorEvent:
			return &frameError{code: e.Error.Code, message: e.Error.Message}
		}
	}
}

func sendClip(ctx context.Context, conn *websocket.Conn, clip audioClip, chunkMS int, realtime float64) error {
	bytesPerChunk := clip.SampleRate * 2 * chunkMS / 1000
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}
	pace := time.Duration(float64(time.Duration(chunkMS)*time.Millisecond) / realtime)
	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	for off := 0; off < len(clip.PCM16LE); off += bytesPerChunk {
		end := min(off+bytesPerChunk, len(clip.PCM16LE))
		frame := protocol.NewAudioAppend(audio.EncodeBytes(clip.PCM16LE[off:end]))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func realtimeURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/realtime"
	return u.String(), nil
}

func loadClip(path string) (audioClip, error) {
	if strings.TrimSpace(path) == "" {
		return audioClip{PCM16LE: synthTone(1500*time.Millisecond, 220), SampleRate: audio.RealtimeFormat.SampleRate}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return audioClip{}, err
	}
	pcm, sampleRate, err := decodeWAVPCM16(data)
	if err != nil {
		return audioClip{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if sampleRate != audio.RealtimeFormat.SampleRate {
		return audioClip{}, fmt.Errorf("%s is %dHz, the proxy expects %dHz", path, sampleRate, audio.RealtimeFormat.SampleRate)
	}
	return audioClip{PCM16LE: pcm, SampleRate: sampleRate}, nil
}

// synthTone renders a sine wave that server VAD treats as speech.
func synthTone(d time.Duration, hz float64) []byte {
	rate := audio.RealtimeFormat.SampleRate
	n := int(d.Seconds() * float64(rate))
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

type summary struct {
	ok, failed    int
	handshakeP50  time.Duration
	handshakeP95  time.Duration
	firstAudioP50 time.Duration
	firstAudioP95 time.Duration
	failures      map[string]int
}

func summarize(results []sessionResult) summary {
	s := summary{failures: map[string]int{}}
	var handshakes, firsts []time.Duration
	for _, r := range results {
		if r.err != nil {
			s.failed++
			code := r.errCode
			if code == "" {
				code = "client"
			}
			s.failures[code]++
			continue
		}
		s.ok++
		handshakes = append(handshakes, r.handshake)
		firsts = append(firsts, r.firstAudio)
	}
	s.handshakeP50, s.handshakeP95 = percentile(handshakes, 0.50), percentile(handshakes, 0.95)
	s.firstAudioP50, s.firstAudioP95 = percentile(firsts, 0.50), percentile(firsts, 0.95)
	return s
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx].Round(time.Millisecond)
}

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	}
	if len(pcmData) == 0 {
		return nil, 0, fmt.Errorf("wav data chunk missing")
	}
	if audioFormat != 1 {
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	}
	if bitsPerSamp != 16 {
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	}
	if channels == 0 {
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	if channels == 1 {
		if len(pcmData)%2 != 0 {
			pcmData = pcmData[:len(pcmData)-1]
		}
		return pcmData, sampleRate, nil
	}

	frameBytes := int(channels) * 2
	if frameBytes <= 0 || len(pcmData) < frameBytes {
		return nil, 0, fmt.Errorf("invalid wav frame bytes")
	}
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			s := int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2]))
			sum += int(s)
		}
		avg := int16(sum / int(channels))
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(avg))
	}
	return mono, sampleRate, nil
}
