// Package depot talks to the HTTP API of a package depot.
//
// Client is the transport: it builds request URIs, attaches credentials,
// enforces the read timeout and classifies responses.  Depot layers the
// typed API (origin keys, channel catalogs, package metadata, artifact
// transfer and promotion) on top of a Client.
package depot

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	// maxLoggedBody bounds the part of an unexpected response body that is logged.
	maxLoggedBody = 4096

	defaultUserAgent = "depotsync"
)

// Outcome classifies a response that reached the depot.
type Outcome int

const (
	// OutcomeOK is a terminal success.
	OutcomeOK Outcome = iota
	// OutcomePartial is a successful read of one page of a larger collection.
	OutcomePartial
	// OutcomeUnexpected is any other status.  The response carries no usable payload.
	OutcomeUnexpected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePartial:
		return "partial"
	default:
		return "unexpected"
	}
}

// Response is the result of a request that reached the depot.
//
// Transport failures are reported as errors instead.
type Response struct {
	Method  string
	URL     string
	Status  int
	Outcome Outcome
	Body    []byte
}

// Usable returns true if the response carries a payload.
func (r *Response) Usable() bool {
	return r != nil && r.Outcome != OutcomeUnexpected
}

// Err returns a *StatusError for unexpected responses, nil otherwise.
func (r *Response) Err() error {
	if r.Usable() {
		return nil
	}
	if r == nil {
		return errors.New("no response")
	}
	return &StatusError{Method: r.Method, URL: r.URL, Status: r.Status, Body: string(r.Body)}
}

// StatusError is returned by Depot operations that cannot continue
// without a usable response.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d %s", e.Method, e.URL, e.Status, http.StatusText(e.Status))
}

// Endpoint describes one depot.
type Endpoint struct {
	URL       string
	AuthToken string
}

// Options tune a Client.
type Options struct {
	// ReadTimeout bounds the wait for response headers and every read of
	// the response body.  Zero means no timeout.
	ReadTimeout time.Duration
	TLSConfig   *tls.Config
	UserAgent   string
}

// Client is an HTTP client for a single depot endpoint.
type Client struct {
	endpoint    Endpoint
	client      *http.Client
	readTimeout time.Duration
	userAgent   string
}

// NewClient creates a new Client for endpoint.
func NewClient(endpoint Endpoint, opts Options) *Client {
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		endpoint:    endpoint,
		client:      clonedTransport(opts),
		readTimeout: opts.ReadTimeout,
		userAgent:   userAgent,
	}
}

// Endpoint returns the endpoint of the client.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Get sends a GET request and reads the whole response body.
//
// 200 is OutcomeOK and 206 is OutcomePartial: both carry the body.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, 0)
	if err != nil {
		return nil, err
	}
	defer closeRespBody(resp)

	r := c.classify(resp, readOutcome(resp.StatusCode))
	if r.Outcome == OutcomeUnexpected {
		return c.unexpected(r, resp), nil
	}

	r.Body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", r.URL)
	}
	slog.Debug("depot response", "method", r.Method, "url", r.URL, "status", r.Status, "outcome", r.Outcome)
	return r, nil
}

// Download sends a GET request and streams a 200 response body into w.
//
// The returned Response has no Body on success.
func (c *Client) Download(ctx context.Context, path string, w io.Writer) (*Response, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, 0)
	if err != nil {
		return nil, err
	}
	defer closeRespBody(resp)

	r := c.classify(resp, OutcomeUnexpected)
	if resp.StatusCode == http.StatusOK {
		r.Outcome = OutcomeOK
	}
	if r.Outcome == OutcomeUnexpected {
		return c.unexpected(r, resp), nil
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", r.URL)
	}
	slog.Debug("depot download", "url", r.URL, "status", r.Status, "bytes", n)
	return r, nil
}

// Post sends body as an opaque payload.  size may be -1 when unknown.
func (c *Client) Post(ctx context.Context, path string, body io.Reader, size int64) (*Response, error) {
	return c.write(ctx, http.MethodPost, path, body, size)
}

// Put sends body as an opaque payload.  body may be nil.
func (c *Client) Put(ctx context.Context, path string, body io.Reader, size int64) (*Response, error) {
	return c.write(ctx, http.MethodPut, path, body, size)
}

func (c *Client) write(ctx context.Context, method, path string, body io.Reader, size int64) (*Response, error) {
	resp, err := c.do(ctx, method, path, body, size)
	if err != nil {
		return nil, err
	}
	defer closeRespBody(resp)

	outcome := OutcomeUnexpected
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		outcome = OutcomeOK
	}
	r := c.classify(resp, outcome)
	if r.Outcome == OutcomeUnexpected {
		return c.unexpected(r, resp), nil
	}

	r.Body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, r.URL)
	}
	slog.Debug("depot write ok", "method", method, "url", r.URL, "status", r.Status)
	return r, nil
}

// do sends a request.  The URI is the endpoint URL and path concatenated
// verbatim; path must already carry any escaping and query string.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, size int64) (*http.Response, error) {
	uri := c.endpoint.URL + path

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "%s %s", method, uri)
	}
	if body != nil && size >= 0 {
		req.ContentLength = size
	}

	if c.endpoint.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.endpoint.AuthToken)
	}
	if method == http.MethodGet {
		req.Header.Set("Accept", "application/json")
	} else {
		req.Header.Set("Content-Type", "text/plain")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "%s %s", method, uri)
	}
	resp.Body = newIdleTimeoutBody(resp.Body, c.readTimeout, cancel)
	return resp, nil
}

func (c *Client) classify(resp *http.Response, outcome Outcome) *Response {
	return &Response{
		Method:  resp.Request.Method,
		URL:     resp.Request.URL.String(),
		Status:  resp.StatusCode,
		Outcome: outcome,
	}
}

// unexpected logs an unexpected response with the leading part of its body.
func (c *Client) unexpected(r *Response, resp *http.Response) *Response {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	if err != nil {
		slog.Debug("failed to read unexpected response body", "url", r.URL, "error", err)
	}
	r.Body = body
	slog.Warn("unexpected depot response", "method", r.Method, "url", r.URL, "status", resp.Status, "body", string(body))
	return r
}

func readOutcome(status int) Outcome {
	switch status {
	case http.StatusOK:
		return OutcomeOK
	case http.StatusPartialContent:
		return OutcomePartial
	default:
		return OutcomeUnexpected
	}
}

// idleTimeoutBody cancels the request when a body read stalls longer than timeout.
type idleTimeoutBody struct {
	io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
	cancel  context.CancelFunc
}

func newIdleTimeoutBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) io.ReadCloser {
	b := &idleTimeoutBody{
		ReadCloser: rc,
		timeout:    timeout,
		cancel:     cancel,
	}
	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, func() {
			b.expired.Store(true)
			cancel()
		})
	}
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF && b.expired.Load() {
		return n, errors.Newf("read timeout after %s", b.timeout)
	}
	if b.timer != nil {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates a new HTTP client with the depot's timeout and TLS settings.
func clonedTransport(opts Options) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 10
	tr.MaxIdleConnsPerHost = 2
	tr.IdleConnTimeout = 90 * time.Second
	tr.ResponseHeaderTimeout = opts.ReadTimeout
	if opts.ReadTimeout > 0 {
		tr.DialContext = (&net.Dialer{
			Timeout:   opts.ReadTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}
	if opts.TLSConfig != nil {
		tr.TLSClientConfig = opts.TLSConfig
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0, // artifacts are large; reads are bounded by idleTimeoutBody
	}
}
