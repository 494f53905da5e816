package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/adeilh/rakh-state/state"
)

// Client talks to a state service over HTTP.
type Client struct {
	resty *resty.Client
}

func NewClient(opts ...ClientOption) *Client {
	cfg := defaultClientOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	rc := resty.New()
	if cfg.BaseURL != "" {
		rc.SetBaseURL(cfg.BaseURL)
	}
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}
	if len(cfg.Headers) > 0 {
		rc.SetHeaders(cfg.Headers)
	}
	if cfg.RetryCount > 0 {
		rc.SetRetryCount(cfg.RetryCount)
	}

	return &Client{resty: rc}
}

type RequestOption func(*resty.Request)

// WithRequestHeaders sets headers on the underlying Resty request.
func WithRequestHeaders(headers map[string]string) RequestOption {
	return func(r *resty.Request) {
		if len(headers) == 0 {
			return
		}
		r.SetHeaders(headers)
	}
}

// WithQuery sets query parameters on the request. Repeated keys keep every
// value.
func WithQuery(params url.Values) RequestOption {
	return func(r *resty.Request) {
		if len(params) == 0 {
			return
		}
		r.SetQueryParamsFromValues(params)
	}
}

func (c *Client) Get(ctx context.Context, path string, result any, opts ...RequestOption) (*resty.Response, error) {
	return c.do(ctx, resty.MethodGet, path, nil, result, opts...)
}

func (c *Client) Put(ctx context.Context, path string, body any, result any, opts ...RequestOption) (*resty.Response, error) {
	return c.do(ctx, resty.MethodPut, path, body, result, opts...)
}

func (c *Client) Delete(ctx context.Context, path string, result any, opts ...RequestOption) (*resty.Response, error) {
	return c.do(ctx, resty.MethodDelete, path, nil, result, opts...)
}

// Health fetches the health report. An unhealthy service answers 503 with a
// full report, so only transport failures and other statuses are errors.
func (c *Client) Health(ctx context.Context) (state.HealthResult, error) {
	var res state.HealthResult
	resp, err := c.resty.R().
		SetContext(ctx).
		SetResult(&res).
		SetError(&res).
		Get(HealthPath)
	if err != nil {
		return state.HealthResult{}, err
	}
	switch resp.StatusCode() {
	case StatusOK, StatusServiceUnavailable:
		return res, nil
	default:
		return state.HealthResult{}, fmt.Errorf("http %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
}

// ReadState returns the stored payloads of keys; absent keys are left out.
func (c *Client) ReadState(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	found := make(map[string]json.RawMessage)
	if _, err := c.Get(ctx, StatePath, &found, WithQuery(url.Values{keyParam: keys})); err != nil {
		return nil, err
	}
	return found, nil
}

// WriteState replaces the payload of every key in changes.
func (c *Client) WriteState(ctx context.Context, changes map[string]any) error {
	_, err := c.Put(ctx, StatePath, changes, nil)
	return err
}

// DeleteState removes keys.
func (c *Client) DeleteState(ctx context.Context, keys ...string) error {
	_, err := c.Delete(ctx, StatePath, nil, WithQuery(url.Values{keyParam: keys}))
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any, result any, opts ...RequestOption) (*resty.Response, error) {
	req := c.resty.R().SetContext(ctx)
	for _, opt := range opts {
		if opt != nil {
			opt(req)
		}
	}
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return resp, err
	}
	if resp.IsError() {
		return resp, fmt.Errorf("http %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return resp, nil
}
