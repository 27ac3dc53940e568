// Package transport talks HTTP with the directory service and the test
// servers.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ooni/minispeed/internal/model"
)

// DefaultUserAgent is the User-Agent sent when none is configured.
const DefaultUserAgent = "minispeed/0.1"

// Endpoints are the URLs of the directory service.
type Endpoints struct {
	Token   string `json:"token"`
	IPInfo  string `json:"ip_info"`
	Servers string `json:"servers"`
}

// DefaultEndpoints returns the production directory endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Token:   "https://sp-dir.uwn.com/api/v1/tokens",
		IPInfo:  "https://sp-dir.uwn.com/api/v1/ip",
		Servers: "https://sp-dir.uwn.com/api/v2/servers?secured=only",
	}
}

// NewTransport returns an HTTP/1.1 only transport. Measurements use one
// connection at a time, so HTTP/2 multiplexing brings nothing.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   false,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSNextProto:        make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
}

// Client is the HTTP client of the measurement engine. The zero value is
// not valid; use [NewClient].
type Client struct {
	HTTPClient *http.Client
	Endpoints  Endpoints
	UserAgent  string

	logger model.Logger
}

var (
	_ model.Directory  = &Client{}
	_ model.Downloader = &Client{}
)

// NewClient creates a [Client]. A zero timeout means no per-request
// deadline other than the one carried by the context.
func NewClient(endpoints Endpoints, userAgent string, timeout time.Duration, logger model.Logger) *Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Client{
		HTTPClient: &http.Client{Transport: NewTransport(), Timeout: timeout},
		Endpoints:  endpoints,
		UserAgent:  userAgent,
		logger:     logger,
	}
}

// errStatus is returned for any status other than 200.
var errStatus = errors.New("unexpected HTTP status")

func (c *Client) do(ctx context.Context, method, URL, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.UserAgent)
	if token != "" {
		req.Header.Set("x-test-token", token)
	}
	c.logger.Debugf("transport: %s %s", method, URL)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: %d", model.ErrTransport, errStatus, resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) fetchJSON(ctx context.Context, method, URL, token string, out any) error {
	resp, err := c.do(ctx, method, URL, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: cannot decode response: %s", model.ErrTransport, err)
	}
	return nil
}

// FetchObject fetches URL and decodes a JSON object into out.
func (c *Client) FetchObject(ctx context.Context, method, URL, token string, out any) error {
	var raw json.RawMessage
	if err := c.fetchJSON(ctx, method, URL, token, &raw); err != nil {
		return err
	}
	if !hasPrefix(raw, '{') {
		return fmt.Errorf("%w: expected a JSON object", model.ErrTransport)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: cannot decode object: %s", model.ErrTransport, err)
	}
	return nil
}

// FetchArray fetches URL and returns the elements of a JSON array.
func (c *Client) FetchArray(ctx context.Context, method, URL, token string) ([]json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.fetchJSON(ctx, method, URL, token, &raw); err != nil {
		return nil, err
	}
	if !hasPrefix(raw, '[') {
		return nil, fmt.Errorf("%w: expected a JSON array", model.ErrTransport)
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: cannot decode array: %s", model.ErrTransport, err)
	}
	return out, nil
}

// Download implements [model.Downloader]. The body is read to completion
// and discarded.
func (c *Client) Download(ctx context.Context, URL, token string) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, URL, token)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	count, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return count, fmt.Errorf("%w: %s", model.ErrTransport, err)
	}
	return count, nil
}

func hasPrefix(raw json.RawMessage, c byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == c
}
