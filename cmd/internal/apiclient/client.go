// Package apiclient is the authenticated request gateway to the platform API.
//
// Every request carries the current access credential as a bearer token and
// the refresh cookie through the client's cookie jar. A 401 carrying
// TOKEN_EXPIRED triggers one shared refresh followed by exactly one replay;
// the replay's outcome is final. Any other 401 is surfaced to the caller.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"sentinel/cmd/internal/metrics"
)

const maxResponseBody = 4 << 20

// Credentials is the read side of the token store.
type Credentials interface {
	Get() (string, bool)
}

// Refresher renews the access credential.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Request is a replayable API request. Body is kept as bytes so it can be sent
// twice.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

// Response is a successful (2xx) API response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client sends authenticated API requests.
type Client struct {
	log       *slog.Logger
	http      *http.Client
	base      string
	tokens    Credentials
	refresher Refresher
	metrics   *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records replay outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New builds a Client for baseURL. httpClient should carry the cookie jar
// shared with the refresher.
func New(log *slog.Logger, httpClient *http.Client, baseURL string, tokens Credentials, refresher Refresher, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		log:       log,
		http:      httpClient,
		base:      strings.TrimRight(baseURL, "/"),
		tokens:    tokens,
		refresher: refresher,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// BaseURL returns the API origin requests are sent to.
func (c *Client) BaseURL() string { return c.base }

// Do sends req. Non-2xx replies are returned as *APIError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	sent, _ := c.tokens.Get()

	resp, err := c.send(ctx, req, sent)
	if err == nil {
		return resp, nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Expired() {
		return nil, err
	}

	token, err := c.renewed(ctx, sent)
	if err != nil {
		c.metrics.Replay("refresh_failed")
		return nil, err
	}

	resp, err = c.send(ctx, req, token)
	if err != nil {
		c.metrics.Replay("failed")
		c.log.Debug("api.replay.fail", "path", req.Path, "err", err)
		return nil, err
	}
	c.metrics.Replay("ok")
	return resp, nil
}

// renewed returns the credential to replay with. If the credential already
// changed since the request was sent (a concurrent refresh or a new login),
// the current one is used without another refresh.
func (c *Client) renewed(ctx context.Context, sent string) (string, error) {
	if current, ok := c.tokens.Get(); ok && current != sent {
		return current, nil
	}
	if c.refresher == nil {
		return "", ErrSessionTerminated
	}

	token, err := c.refresher.Refresh(ctx)
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", err
	default:
		return "", fmt.Errorf("%w: %w", ErrSessionTerminated, err)
	}
}

func (c *Client) send(ctx context.Context, req Request, token string) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, c.base+req.Path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}
	if req.Body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if token != "" && hreq.Header.Get("Authorization") == "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}

	hresp, err := c.http.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = hresp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}

	if hresp.StatusCode < 200 || hresp.StatusCode > 299 {
		return nil, decodeAPIError(hresp.StatusCode, raw)
	}

	return &Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header,
		Body:       raw,
	}, nil
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeAPIError(status int, raw []byte) *APIError {
	e := &APIError{Status: status}

	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
	}
	return e
}
