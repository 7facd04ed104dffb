// Package negotiator exchanges a content identifier for an ephemeral upstream
// credential and fetches greeting audio from the trusted intermediary.
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

// ErrNegotiation wraps every failure to obtain a credential.
var ErrNegotiation = errors.New("session negotiation failed")

// Credential is an ephemeral upstream credential bound to one model.
type Credential struct {
	Value     string `json:"credential"`
	Model     string `json:"model"`
	SessionID string `json:"session_id,omitempty"`
}

// Negotiator obtains credentials for a content identifier.
type Negotiator interface {
	Negotiate(ctx context.Context, contentID string) (Credential, error)
}

type Config struct {
	URL          string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// Client negotiates over HTTP.
type Client struct {
	cfg    Config
	client *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type negotiateRequest struct {
	ContentID string `json:"content_id"`
	PageName  string `json:"page_name"`
	Model     string `json:"model,omitempty"`
}

// negotiateResponse accepts both the intermediary's {credential, model} shape
// and the realtime sessions shape {id, model, client_secret:{value}}.
type negotiateResponse struct {
	Credential   string `json:"credential"`
	Model        string `json:"model"`
	ID           string `json:"id"`
	ClientSecret *struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

func (c *Client) Negotiate(ctx context.Context, contentID string) (Credential, error) {
	if c.cfg.URL == "" {
		return Credential{}, fmt.Errorf("%w: negotiation url not configured", ErrNegotiation)
	}
	payload, err := json.Marshal(negotiateRequest{ContentID: contentID, PageName: contentID, Model: c.cfg.DefaultModel})
	if err != nil {
		return Credential{}, fmt.Errorf("%w: marshal request: %v", ErrNegotiation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: create request: %v", ErrNegotiation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: send request: %w", ErrNegotiation, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Credential{}, fmt.Errorf("%w: status %d: %s", ErrNegotiation, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out negotiateResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return Credential{}, fmt.Errorf("%w: decode response: %v", ErrNegotiation, err)
	}

	cred := Credential{Value: out.Credential, Model: out.Model, SessionID: out.ID}
	if cred.Value == "" && out.ClientSecret != nil {
		cred.Value = out.ClientSecret.Value
	}
	if cred.Model == "" {
		cred.Model = c.cfg.DefaultModel
	}
	if strings.TrimSpace(cred.Value) == "" {
		return Credential{}, fmt.Errorf("%w: response carried no credential", ErrNegotiation)
	}
	return cred, nil
}
