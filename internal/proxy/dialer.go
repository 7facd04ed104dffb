package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/pagevoice/internal/negotiator"
)

// Dialer opens the upstream socket for a negotiated credential.
type Dialer interface {
	Dial(ctx context.Context, cred negotiator.Credential) (*websocket.Conn, error)
}

// UpstreamDialer dials the realtime service over websocket.
type UpstreamDialer struct {
	URL     string
	Timeout time.Duration
	Header  http.Header
}

func (d UpstreamDialer) Dial(ctx context.Context, cred negotiator.Credential) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimSpace(d.URL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid upstream url %q", ErrTransport, d.URL)
	}
	if cred.Model != "" {
		q := u.Query()
		q.Set("model", cred.Model)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	for k, vs := range d.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Set("Authorization", "Bearer "+cred.Value)
	header.Set("OpenAI-Beta", "realtime=v1")

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		ReadBufferSize:   16 << 10,
		WriteBufferSize:  16 << 10,
	}

	conn, res, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if res != nil {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
			_ = res.Body.Close()
			return nil, fmt.Errorf("%w: dial upstream: status %d: %s", ErrTransport, res.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("%w: dial upstream: %v", ErrTransport, err)
	}
	return conn, nil
}
