package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/pagevoice/internal/ledger"
	"github.com/ent0n29/pagevoice/internal/negotiator"
	"github.com/ent0n29/pagevoice/internal/observability"
	"github.com/ent0n29/pagevoice/internal/preload"
	"github.com/ent0n29/pagevoice/internal/session"
)

type fakeGreeter struct{ audio []byte }

func (f fakeGreeter) FetchGreeting(_ context.Context, contentID string) ([]byte, error) {
	if f.audio == nil {
		return nil, fmt.Errorf("%w: no greeting for %s", negotiator.ErrGreeting, contentID)
	}
	return f.audio, nil
}

type fakeNegotiator struct{ fail bool }

func (f fakeNegotiator) Negotiate(_ context.Context, contentID string) (negotiator.Credential, error) {
	if f.fail {
		return negotiator.Credential{}, fmt.Errorf("%w: upstream returned 429", negotiator.ErrNegotiation)
	}
	return negotiator.Credential{Value: "cred-" + contentID, Model: "gpt-realtime"}, nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type echoRelay struct{}

func (echoRelay) Serve(_ context.Context, conn *websocket.Conn) error {
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	return conn.WriteMessage(kind, data)
}

type harness struct {
	ts       *httptest.Server
	cache    *preload.Cache
	sessions *session.Manager
	ledger   *ledger.InMemoryStore
}

func newHarness(t *testing.T, neg fakeNegotiator, opts Options) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test_httpapi", reg)
	cache := preload.New(fakeGreeter{audio: []byte("RIFF....WAVEfmt ")}, neg, preload.WithRecorder(metrics))
	t.Cleanup(cache.Close)
	sessions := session.NewManager(time.Minute)
	store := ledger.NewInMemoryStore(10)
	opts.Gatherer = reg
	srv := New(echoRelay{}, cache, sessions, store, metrics, opts)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, cache: cache, sessions: sessions, ledger: store}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t, fakeNegotiator{}, Options{Checks: map[string]Pinger{
		"redis": pingFunc(func(context.Context) error { return nil }),
	}})

	res, err := http.Get(h.ts.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	health := decode[map[string]any](t, res)
	assert.Equal(t, "in-memory", health["ledger_mode"])

	ready, err := http.Get(h.ts.URL + "/readyz")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestReadyReportsFailingCheck(t *testing.T) {
	h := newHarness(t, fakeNegotiator{}, Options{Checks: map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	}})

	res, err := http.Get(h.ts.URL + "/readyz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	body := decode[map[string]any](t, res)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "connection refused", checks["postgres"])
}

func TestPreloadThenStatus(t *testing.T) {
	h := newHarness(t, fakeNegotiator{}, Options{})

	res := postJSON(t, h.ts.URL+"/v1/preload", map[string]string{"content_id": "pricing"})
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	first := decode[map[string]any](t, res)
	assert.Equal(t, true, first["started"])

	again := postJSON(t, h.ts.URL+"/v1/preload", map[string]string{"page_name": "pricing"})
	second := decode[map[string]any](t, again)
	assert.Equal(t, false, second["started"])

	require.Eventually(t, func() bool {
		st, ok := h.cache.Status("pricing")
		return ok && st.Audio == preload.StateReady && st.Session == preload.StateReady
	}, 2*time.Second, 10*time.Millisecond)

	status, err := http.Get(h.ts.URL + "/v1/preload/pricing")
	require.NoError(t, err)
	defer status.Body.Close()
	assert.Equal(t, http.StatusOK, status.StatusCode)
	st := decode[preload.Status](t, status)
	assert.Equal(t, preload.StateReady, st.Audio)

	missing, err := http.Get(h.ts.URL + "/v1/preload/unknown")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestPreloadRequiresContentID(t *testing.T) {
	h := newHarness(t, fakeNegotiator{}, Options{})
	res := postJSON(t, h.ts.URL+"/v1/preload", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	body := decode[errorResponse](t, res)
	assert.Equal(t, "missing_content_id", body.Code)
}

func TestTalkSession(t *testing.T) {
	h := newHarness(t, fakeNegotiator{}, Options{})
	res := postJSON(t, h.ts.URL+"/v1/talk-session", map[string]string{"content_id": "docs"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	cred := decode[negotiator.Credential](t, res)
	assert.Equal(t, "cred-docs", cred.Value)
	assert.Equal(t, "gpt-realtime", cred.Model)
}

func TestTalkSessionNegotiationFailure(t *testing.T) {
	h := newHarness(t, fakeNegotiator{fail: true}, Options{})
	res := postJSON(t, h.ts.URL+"/v1/talk-session", map[string]string{"content_id": "docs"})
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	body := decode[errorResponse](t, res)
	assert.Equal(t, "negotiation_failure", body.Code)
}

func TestGreeting(t *testing.T) {
	h := newHarness(t, fakeNegotiator{}, Options{})
	res, err := http.Get(h.ts.URL + "/v1/greeting/home")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "RIFF....WAVEfmt ", string(body))
	assert.Equal(t, "audio/wave", res.Header.Get("Content-Type"))
}

func TestSessionsAndRecent(t *testing.T) {
	h := newHarness(t, fakeNegotiator{}, Options{})
	h.sessions.Create("home", func() {})
	require.NoError(t, h.ledger.Save(context.Background(), ledger.Record{ID: "r1", SessionID: "s1", FinalState: "closed"}))

	res, err := http.Get(h.ts.URL + "/v1/sessions")
	require.NoError(t, err)
	defer res.Body.Close()
	live := decode[struct {
		Sessions []session.Session `json:"sessions"`
	}](t, res)
	require.Len(t, live.Sessions, 1)
	assert.Equal(t, "home", live.Sessions[0].ContentID)

	recent, err := http.Get(h.ts.URL + "/v1/sessions/recent?limit=5")
	require.NoError(t, err)
	defer recent.Body.Close()
	body := decode[struct {
		Mode    string          `json:"mode"`
		Records []ledger.Record `json:"records"`
	}](t, recent)
	assert.Equal(t, "in-memory", body.Mode)
	require.Len(t, body.Records, 1)
	assert.Equal(t, "s1", body.Records[0].SessionID)

	bad, err := http.Get(h.ts.URL + "/v1/sessions/recent?limit=zero")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestRealtimeWSOriginPolicy(t *testing.T) {
	h := newHarness(t, fakeNegotiator{}, Options{})
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws/realtime"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"context":"x"}`)))
	_, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"context":"x"}`, string(echoed))

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, fakeNegotiator{}, Options{})
	postJSON(t, h.ts.URL+"/v1/talk-session", map[string]string{"content_id": "docs"})

	res, err := http.Get(h.ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_httpapi_")
}
