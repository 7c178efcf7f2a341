package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const chatCompletionsPath = "/v1/chat/completions"

// TransportError is returned when the upstream could not be reached at all.
type TransportError struct {
	Code string
	Err  error
}

func (e *TransportError) Error() string {
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient targets baseURL's chat completions endpoint. proxyURL may be empty.
// A zero timeout leaves the request bounded only by its context.
func NewClient(baseURL, proxyURL string, timeout time.Duration) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.openai.com"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base_url: %w", err)
	}
	u.Path = joinPath(u.Path, chatCompletionsPath)

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil
	if p := strings.TrimSpace(proxyURL); p != "" {
		pu, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream proxy url: %w", err)
		}
		tr.Proxy = http.ProxyURL(pu)
	}
	return &Client{
		endpoint: u.String(),
		http:     &http.Client{Transport: tr, Timeout: timeout},
	}, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Do sends req. Any failure before a response arrives is a *TransportError.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode upstream payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Code: classifyTransportError(err), Err: err}
	}
	return resp, nil
}

func classifyTransportError(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns_error"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "connection_error"
	}
}

func joinPath(basePath, requestPath string) string {
	base := path.Clean("/" + strings.TrimSpace(basePath))
	req := path.Clean("/" + strings.TrimSpace(requestPath))
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(req, "/v1/") {
		return path.Join(base, strings.TrimPrefix(req, "/v1/"))
	}
	return path.Join(base, req)
}
