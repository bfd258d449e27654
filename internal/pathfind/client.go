package pathfind

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"citysim.ai/internal/sim/errs"
	"citysim.ai/internal/sim/model"
)

type Route struct {
	Path     []model.Point
	Duration time.Duration
}

// Oracle answers travel routes between two points.
type Oracle interface {
	Route(ctx context.Context, from, to model.Point, start time.Time) (Route, error)
}

type Client struct {
	baseURL string
	hc      *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

type Options struct {
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	HTTPClient *http.Client
}

func New(baseURL string, opt Options) *Client {
	if opt.Timeout <= 0 {
		opt.Timeout = 10 * time.Second
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
		hc:      opt.HTTPClient,
		timeout: opt.Timeout,
		limiter: lim,
	}
}

type transportReq struct {
	StartPoint model.Point `json:"startPoint"`
	EndPoint   model.Point `json:"endPoint"`
	StartDate  string      `json:"startDate"`
}

type transportResp struct {
	Success bool          `json:"success"`
	Path    []model.Point `json:"path"`
	Timing  struct {
		DurationSeconds float64 `json:"durationSeconds"`
	} `json:"timing"`
	Error string `json:"error"`
}

func (c *Client) Route(ctx context.Context, from, to model.Point, start time.Time) (Route, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return Route{}, fmt.Errorf("pathfind rate limit: %v: %w", err, errs.ErrExternalServiceTimeout)
	}

	body, err := json.Marshal(transportReq{StartPoint: from, EndPoint: to, StartDate: start.UTC().Format(time.RFC3339)})
	if err != nil {
		return Route{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transport", bytes.NewReader(body))
	if err != nil {
		return Route{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return Route{}, fmt.Errorf("pathfind: %v: %w", err, errs.ErrExternalServiceTimeout)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Route{}, fmt.Errorf("pathfind read: %v: %w", err, errs.ErrExternalServiceTimeout)
	}
	if resp.StatusCode >= 500 {
		return Route{}, fmt.Errorf("pathfind: status %d: %w", resp.StatusCode, errs.ErrExternalServiceTimeout)
	}

	var out transportResp
	if err := json.Unmarshal(raw, &out); err != nil {
		return Route{}, fmt.Errorf("pathfind: bad response (status %d): %v: %w", resp.StatusCode, err, errs.ErrNoRouteFound)
	}
	if resp.StatusCode/100 != 2 || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return Route{}, fmt.Errorf("pathfind: %s: %w", msg, errs.ErrNoRouteFound)
	}
	if out.Timing.DurationSeconds < 0 {
		return Route{}, fmt.Errorf("pathfind: negative duration: %w", errs.ErrNoRouteFound)
	}
	return Route{
		Path:     out.Path,
		Duration: time.Duration(out.Timing.DurationSeconds * float64(time.Second)),
	}, nil
}
