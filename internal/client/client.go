// Package client is the foreground side: API calls routed through the local
// agent, the agent message channel and the connectivity watcher.
package client

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

	"github.com/austindbirch/fieldqueue/internal/connectivity"
	"github.com/austindbirch/fieldqueue/internal/queue"
	"github.com/austindbirch/fieldqueue/internal/replay"
)

const DefaultTimeout = 15 * time.Second

// ErrAgentUnreachable means the local agent itself did not answer.
var ErrAgentUnreachable = errors.New("agent unreachable")

// Client talks to the agent over HTTP. API calls go through the agent's
// proxy, so a write made while offline comes back as a queued 202.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	header  http.Header
}

type Option func(*Client)

// WithTimeout bounds every call, including the wait for the agent.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeader adds a header to every call, e.g. an identity assertion.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

func New(agentURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(agentURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse agent url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("agent url %q must be http or https", agentURL)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{},
		timeout: DefaultTimeout,
		header:  http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL is the agent address the client was built with.
func (c *Client) BaseURL() string { return c.base.String() }

// Response is an API answer as seen by a page.
type Response struct {
	StatusCode int
	Body       []byte
	Queued     bool // write captured by the agent for later sync
	Offline    bool // read failed while offline
	Durable    bool // queued record survives an agent restart
	Message    string
}

func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body (%d)", r.StatusCode)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("invalid JSON response (%d): %w", r.StatusCode, err)
	}
	return nil
}

// agentReply is the shape of the agent's own queued and offline answers.
type agentReply struct {
	Queued  bool   `json:"queued"`
	Offline bool   `json:"offline"`
	Durable bool   `json:"durable"`
	Message string `json:"message"`
}

// APIPath turns "call" or "/api/call" into "/api/call".
func APIPath(endpoint string) string {
	if strings.HasPrefix(endpoint, "/") {
		return endpoint
	}
	return "/api/" + endpoint
}

// Do issues an API call through the agent. body may be nil, raw JSON bytes
// or any value that marshals to JSON. It returns within the client timeout.
func (c *Client) Do(ctx context.Context, method, endpoint string, body any) (*Response, error) {
	raw, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, method, APIPath(endpoint), raw)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusServiceUnavailable:
		var ar agentReply
		if json.Unmarshal(resp.Body, &ar) == nil {
			resp.Queued = ar.Queued
			resp.Offline = ar.Offline
			resp.Durable = ar.Durable
			resp.Message = ar.Message
		}
	}
	return resp, nil
}

// Get reads endpoint and decodes a 2xx body into v.
func (c *Client) Get(ctx context.Context, endpoint string, v any) error {
	resp, err := c.Do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &StatusError{Method: http.MethodGet, Path: APIPath(endpoint), StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return resp.Decode(v)
}

// Post writes body to endpoint. A write the agent queued is not an error.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (*Response, error) {
	resp, err := c.Do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	if !resp.OK() && !resp.Queued {
		return resp, &StatusError{Method: http.MethodPost, Path: APIPath(endpoint), StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return resp, nil
}

// StatusError is a non-2xx answer that was neither queued nor offline.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %d", e.Method, e.Path, e.StatusCode)
}

// Status returns the agent's queue status.
func (c *Client) Status(ctx context.Context) (connectivity.Status, error) {
	var st connectivity.Status
	return st, c.agentJSON(ctx, http.MethodGet, "/agent/status", &st)
}

// Sync runs a replay pass and waits for its result.
func (c *Client) Sync(ctx context.Context) (replay.Result, error) {
	var res replay.Result
	return res, c.agentJSON(ctx, http.MethodPost, "/agent/sync", &res)
}

func (c *Client) Pending(ctx context.Context) ([]queue.Operation, error) {
	var ops []queue.Operation
	return ops, c.agentJSON(ctx, http.MethodGet, "/agent/queue", &ops)
}

func (c *Client) DeadLetters(ctx context.Context) ([]queue.DeadLetter, error) {
	var dead []queue.DeadLetter
	return dead, c.agentJSON(ctx, http.MethodGet, "/agent/dead", &dead)
}

func (c *Client) ClearPending(ctx context.Context) error {
	return c.agentJSON(ctx, http.MethodDelete, "/agent/queue", nil)
}

func (c *Client) ClearDeadLetters(ctx context.Context) error {
	return c.agentJSON(ctx, http.MethodDelete, "/agent/dead", nil)
}

// Health returns the agent's /healthz body and whether it reported healthy.
func (c *Client) Health(ctx context.Context) (map[string]any, bool, error) {
	resp, err := c.send(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return nil, false, err
	}
	var out map[string]any
	if err := resp.Decode(&out); err != nil {
		return nil, false, err
	}
	return out, resp.OK(), nil
}

func (c *Client) agentJSON(ctx context.Context, method, path string, v any) error {
	resp, err := c.send(ctx, method, path, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return resp.Decode(v)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrAgentUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		return raw, nil
	}
}
