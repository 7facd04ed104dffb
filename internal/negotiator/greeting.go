package negotiator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrGreeting wraps every failure to fetch greeting audio.
var ErrGreeting = errors.New("greeting fetch failed")

// maxGreetingBytes bounds a greeting response body.
const maxGreetingBytes = 16 << 20

// GreetingFetcher returns the greeting audio for a content identifier. The
// bytes are opaque to the core.
type GreetingFetcher interface {
	FetchGreeting(ctx context.Context, contentID string) ([]byte, error)
}

// GreetingClient fetches greeting audio from the summarize-and-speak endpoint.
type GreetingClient struct {
	url    string
	client *http.Client
}

func NewGreetingClient(url string, timeout time.Duration) *GreetingClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GreetingClient{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

func (c *GreetingClient) FetchGreeting(ctx context.Context, contentID string) ([]byte, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: greeting url not configured", ErrGreeting)
	}
	payload, err := json.Marshal(map[string]string{"page_name": contentID})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrGreeting, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrGreeting, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %w", ErrGreeting, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, fmt.Errorf("%w: status %d: %s", ErrGreeting, res.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxGreetingBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrGreeting, err)
	}
	if len(body) > maxGreetingBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrGreeting, maxGreetingBytes)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrGreeting)
	}
	return body, nil
}
