package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"citysim.ai/internal/sim/errs"
)

type Request struct {
	// Channel scopes the conversation, usually the citizen id.
	Channel   string `json:"-"`
	Message   string `json:"message"`
	AddSystem string `json:"addSystem,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Asker returns the assistant's raw content for one message.
type Asker interface {
	Ask(ctx context.Context, req Request) (string, error)
}

type Client struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

type Options struct {
	APIKey     string
	Model      string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	HTTPClient *http.Client
}

func New(baseURL string, opt Options) *Client {
	if opt.Timeout <= 0 {
		opt.Timeout = 60 * time.Second
	}
	if opt.HTTPClient == nil {
		opt.HTTPClient = &http.Client{}
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if opt.RatePerSec > 0 {
		if opt.Burst <= 0 {
			opt.Burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opt.RatePerSec), opt.Burst)
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  opt.APIKey,
		model:   opt.Model,
		hc:      opt.HTTPClient,
		timeout: opt.Timeout,
		limiter: lim,
	}
}

type messageResp struct {
	Content  string `json:"content"`
	Response string `json:"response"`
}

// Ask posts to {base}/channels/{channel}/messages, or {base}/messages without a channel.
func (c *Client) Ask(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm rate limit: %v: %w", err, errs.ErrExternalServiceTimeout)
	}
	if req.Model == "" {
		req.Model = c.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	url := c.baseURL + "/messages"
	if req.Channel != "" {
		url = c.baseURL + "/channels/" + req.Channel + "/messages"
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.hc.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("llm: %v: %w", err, errs.ErrExternalServiceTimeout)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("llm read: %v: %w", err, errs.ErrExternalServiceTimeout)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("llm: status %d: %w", resp.StatusCode, errs.ErrExternalServiceTimeout)
	}
	var out messageResp
	if err := json.Unmarshal(raw, &out); err != nil {
		// Some deployments answer with plain text.
		return strings.TrimSpace(string(raw)), nil
	}
	if out.Content != "" {
		return out.Content, nil
	}
	return out.Response, nil
}

// Mock replays canned replies in order and records every request.
type Mock struct {
	mu      sync.Mutex
	Replies []string
	Err     error
	Calls   []Request
}

func (m *Mock) Ask(_ context.Context, req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Replies) == 0 {
		return "", nil
	}
	r := m.Replies[0]
	m.Replies = m.Replies[1:]
	return r, nil
}
