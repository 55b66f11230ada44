package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// maxErrorBody caps how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// NewCookieJar returns the jar that holds the refresh ticket cookie. The ticket never leaves it.
func NewCookieJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

// NewHTTPClient returns an *http.Client over rt (http.DefaultTransport when nil) sharing jar.
func NewHTTPClient(rt http.RoundTripper, jar http.CookieJar, timeout time.Duration) *http.Client {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &http.Client{Transport: rt, Jar: jar, Timeout: timeout}
}

// Client issues JSON requests against the API root and returns *RequestError for any failure.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient returns a client for baseURL. Paths passed to the request helpers are joined to it.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: base url %q must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: u, http: httpClient}, nil
}

// HTTPClient returns the underlying client.
func (c *Client) HTTPClient() *http.Client { return c.http }

// URL resolves path against the base URL.
func (c *Client) URL(path string) string {
	return c.base.String() + "/" + strings.TrimPrefix(path, "/")
}

// NewRequest builds a request; body, when non-nil, is encoded as JSON.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: encode body: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Do sends req and decodes a 2xx JSON body into out (ignored when nil or the body is empty).
func (c *Client) Do(req *http.Request, out any) error {
	id := requestID(req)
	req.Header.Set(HeaderRequestID, id)

	resp, err := c.http.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return transportError(err, id)
	}
	defer resp.Body.Close()

	if kind := KindForStatus(resp.StatusCode); kind != "" {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(resp.StatusCode, body, id)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err, id)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &RequestError{Kind: KindDecode, Status: resp.StatusCode, RequestID: id, Err: err}
	}
	return nil
}

// DoJSON builds and sends a JSON request in one call.
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.NewRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	return c.Do(req, out)
}

// Get is DoJSON with GET and no body.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, out)
}
