// Package ldp is a client for HTTP-addressable graph resources with
// optimistic concurrency and tombstoning.
package ldp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"harvestline/internal/ctxlog"
)

var (
	ErrInvalidSubject = errors.New("invalid subject")
	ErrNotExist       = errors.New("resource does not exist")
	ErrAlreadyInvalid = errors.New("resource is already invalid")
)

var errTooManyRedirects = errors.New("too many redirects")

// ClientError is a non-success response that survived retries and redirects.
type ClientError struct {
	Method string
	URI    string
	Status int
	Header http.Header
	Body   []byte
}

func (e *ClientError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URI, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URI, e.Status, http.StatusText(e.Status), body)
}

// IsPreconditionFailed reports whether err is a rejected If-Match write.
func IsPreconditionFailed(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Status == http.StatusPreconditionFailed
}

// TransportError wraps the last connection or timeout failure once retries
// are exhausted.
type TransportError struct {
	Method   string
	URI      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Method, e.URI, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Options configures a Client.
type Options struct {
	Namespace string
	Timeout   time.Duration
	Retries   int
	Backoff   time.Duration
	Redirects int
	Transport http.RoundTripper
}

// Client talks to the graph store. Resources outside Namespace are rejected.
type Client struct {
	HTTP      *http.Client
	Namespace string
	Retries   int
	Backoff   time.Duration
	Now       func() time.Time
}

func NewClient(opts Options) *Client {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 25 * time.Millisecond
	}
	redirects := opts.Redirects
	hc := &http.Client{
		Timeout:   opts.Timeout,
		Transport: opts.Transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > redirects {
				return errTooManyRedirects
			}
			return nil
		},
	}
	return &Client{
		HTTP:      hc,
		Namespace: opts.Namespace,
		Retries:   opts.Retries,
		Backoff:   opts.Backoff,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Resource returns an uncached handle on uri.
func (c *Client) Resource(uri string) *Resource {
	return &Resource{client: c, uri: uri}
}

// CheckSubject rejects empty, blank-node and out-of-namespace subjects.
func (c *Client) CheckSubject(uri string) error {
	switch {
	case strings.TrimSpace(uri) == "":
		return fmt.Errorf("%w: empty", ErrInvalidSubject)
	case strings.HasPrefix(uri, "_:"):
		return fmt.Errorf("%w: anonymous node %s", ErrInvalidSubject, uri)
	}
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: %s is not an absolute URI", ErrInvalidSubject, uri)
	}
	ns := strings.TrimRight(c.Namespace, "/")
	if uri != ns && !strings.HasPrefix(uri, ns+"/") {
		return fmt.Errorf("%w: %s is outside namespace %s", ErrInvalidSubject, uri, c.Namespace)
	}
	return nil
}

type response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *response) ok() bool { return r.Status >= 200 && r.Status < 300 }

func (r *response) clientError(method, uri string) *ClientError {
	return &ClientError{Method: method, URI: uri, Status: r.Status, Header: r.Header, Body: r.Body}
}

// do sends one logical request, retrying connection failures and timeouts
// with jittered exponential backoff.
func (c *Client) do(ctx context.Context, method, uri string, body []byte, header http.Header) (*response, error) {
	b := retry.NewExponential(c.Backoff)
	b = retry.WithJitterPercent(50, b)
	b = retry.WithMaxRetries(uint64(c.Retries), b)

	attempts := 0
	var out *response
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, uri, rd)
		if err != nil {
			return err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			if retryable(ctx, err) {
				ctxlog.FromContext(ctx).Warn("resource request failed, retrying",
					"method", method, "uri", uri, "attempt", attempts, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			if retryable(ctx, err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = &response{Status: resp.StatusCode, Header: resp.Header, Body: data}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil && retryable(ctx, err) {
			return nil, &TransportError{Method: method, URI: uri, Attempts: attempts, Err: err}
		}
		return nil, fmt.Errorf("%s %s: %w", method, uri, err)
	}
	return out, nil
}

// retryable is true for connection failures and timeouts. Caller
// cancellation and redirect loops are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, errTooManyRedirects) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
