package harvest

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"harvestline/internal/ctxlog"
)

// HTTPOptions tunes the shared harvester transport.
type HTTPOptions struct {
	Timeout time.Duration
	// Retries bounds retries of connection failures and timeouts.
	Retries   int
	UserAgent string
}

// NewHTTPClient builds the resty client harvesters share. Only transport
// failures are retried, with capped exponential backoff; any HTTP answer is
// returned to the harvester as is.
func NewHTTPClient(opts HTTPOptions) *resty.Client {
	c := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryHook(func(resp *resty.Response, err error) {
			if resp == nil || resp.Request == nil {
				return
			}
			req := resp.Request
			ctxlog.FromContext(req.Context()).Warn("harvest request failed, retrying",
				"url", req.URL, "attempt", req.Attempt, "error", err)
		})
	if opts.UserAgent != "" {
		c.SetHeader("User-Agent", opts.UserAgent)
	}
	return c
}

// Get issues a page request and turns any non-2xx answer into an *Error.
func Get(ctx context.Context, c *resty.Client, harvester, url string, params map[string]string) (*resty.Response, error) {
	resp, err := c.R().SetContext(ctx).SetQueryParams(params).Get(url)
	if err != nil {
		return nil, &TransportError{Harvester: harvester, URL: url, Err: err}
	}
	if err := CheckStatus(harvester, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CheckStatus validates a page response.
func CheckStatus(harvester string, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	url := ""
	if resp.Request != nil {
		url = resp.Request.URL
	}
	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > 200 {
		body = body[:200]
	}
	return &Error{Harvester: harvester, URL: url, Status: resp.StatusCode(), Message: body}
}
