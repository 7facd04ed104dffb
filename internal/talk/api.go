package talk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/pagevoice/internal/negotiator"
	"github.com/ent0n29/pagevoice/internal/preload"
)

// ErrAPI wraps a non-2xx response from the pagevoice HTTP API.
var ErrAPI = errors.New("pagevoice api")

// APIClient calls the pagevoice HTTP surface.
type APIClient struct {
	baseURL string
	http    *http.Client
}

func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type PreloadResult struct {
	Started bool `json:"started"`
	preload.Status
}

// Preload asks the server to start fetching both artifacts for contentID.
func (c *APIClient) Preload(ctx context.Context, contentID string) (PreloadResult, error) {
	var out PreloadResult
	err := c.do(ctx, http.MethodPost, "/v1/preload", map[string]string{"content_id": contentID}, &out)
	return out, err
}

func (c *APIClient) PreloadStatus(ctx context.Context, contentID string) (preload.Status, error) {
	var out preload.Status
	err := c.do(ctx, http.MethodGet, "/v1/preload/"+url.PathEscape(contentID), nil, &out)
	return out, err
}

// WaitPreload polls until neither artifact is pending.
func (c *APIClient) WaitPreload(ctx context.Context, contentID string, interval time.Duration) (preload.Status, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.PreloadStatus(ctx, contentID)
		if err != nil {
			return st, err
		}
		if st.Audio != preload.StatePending && st.Session != preload.StatePending {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TalkSession returns a credential for contentID, preloaded or fresh.
func (c *APIClient) TalkSession(ctx context.Context, contentID string) (negotiator.Credential, error) {
	var out negotiator.Credential
	err := c.do(ctx, http.MethodPost, "/v1/talk-session", map[string]string{"content_id": contentID}, &out)
	return out, err
}

// Greeting downloads the greeting audio for contentID.
func (c *APIClient) Greeting(ctx context.Context, contentID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/greeting/"+url.PathEscape(contentID), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, apiError(res.StatusCode, body)
	}
	return body, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return apiError(res.StatusCode, raw)
	}
	return json.Unmarshal(raw, out)
}

// APIError is a non-2xx API response. It matches ErrAPI.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v: HTTP %d %s: %s", ErrAPI, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%v: HTTP %d: %s", ErrAPI, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return ErrAPI }

func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &e) == nil && e.Code != "" {
		return &APIError{Status: status, Code: e.Code, Message: e.Error}
	}
	return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
}
