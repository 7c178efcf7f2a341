package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	ConsumePath     = "/api/gpt/consume"
	PayNoticePath   = "/api/gpt/paynotice"
	DefaultInfoPath = "/api/user/info"

	consumeModel   = "gpt-3.5-turbo"
	maxBodyBytes   = 1 << 20
	defaultTimeout = 30 * time.Second
)

var ErrNotConfigured = errors.New("account service is not configured")

// User is the profile record kept by the account service.
type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Nickname string `json:"nickname"`
	Times    int    `json:"times"`
	Token    string `json:"token"`
}

// QuotaError is a consume rejection. Message is the service's text, unmodified.
type QuotaError struct {
	Code    int
	Message string
}

func (e *QuotaError) Error() string {
	return e.Message
}

// HTTPError reports a response that could not be interpreted as a service reply.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("account %s status %d: %s", e.Op, e.StatusCode, e.Body)
}

type InfoResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    *User  `json:"data,omitempty"`
}

// OK reports whether the service returned a profile.
func (r InfoResponse) OK() bool {
	return r.Code == http.StatusOK && r.Data != nil
}

type consumeRequest struct {
	Model  string `json:"model"`
	Token  int    `json:"token"`
	Times  int    `json:"times"`
	AppKey string `json:"app_key"`
}

type serviceReply struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Options struct {
	BaseURL  string
	AppKey   string
	InfoPath string
	Timeout  time.Duration
}

type Client struct {
	baseURL  *url.URL
	appKey   string
	infoPath string
	client   *http.Client
}

func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid account base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid account base_url %q", raw)
	}
	infoPath := strings.TrimSpace(opts.InfoPath)
	if infoPath == "" {
		infoPath = DefaultInfoPath
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:  u,
		appKey:   strings.TrimSpace(opts.AppKey),
		infoPath: infoPath,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Consume debits times turns and cost tokens from the user behind token.
// A reply with code != 200 yields *QuotaError.
func (c *Client) Consume(ctx context.Context, token string, cost, times int) error {
	body, status, err := c.post(ctx, ConsumePath, token, false, consumeRequest{
		Model:  consumeModel,
		Token:  cost,
		Times:  times,
		AppKey: c.appKey,
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	var reply serviceReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return &HTTPError{Op: "consume", StatusCode: status, Body: snippet(body)}
	}
	if reply.Code != http.StatusOK {
		return &QuotaError{Code: reply.Code, Message: reply.Message}
	}
	return nil
}

// PayNotice asks the service for its payment instructions. The raw body and
// status are returned so callers can relay them unchanged.
func (c *Client) PayNotice(ctx context.Context, token string) ([]byte, int, error) {
	body, status, err := c.post(ctx, PayNoticePath, token, true, map[string]string{"app_key": c.appKey})
	if err != nil {
		return nil, 0, fmt.Errorf("paynotice: %w", err)
	}
	return body, status, nil
}

// InfoRaw fetches the profile reply without interpreting it.
func (c *Client) InfoRaw(ctx context.Context, token string) ([]byte, int, error) {
	body, status, err := c.post(ctx, c.infoPath, token, true, map[string]string{
		"token":   token,
		"app_key": c.appKey,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("info: %w", err)
	}
	return body, status, nil
}

func (c *Client) Info(ctx context.Context, token string) (InfoResponse, error) {
	body, status, err := c.InfoRaw(ctx, token)
	if err != nil {
		return InfoResponse{}, err
	}
	return DecodeInfo(body, status)
}

// DecodeInfo parses an info reply as relayed by either the service or the relay.
func DecodeInfo(body []byte, status int) (InfoResponse, error) {
	var out InfoResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return InfoResponse{}, &HTTPError{Op: "info", StatusCode: status, Body: snippet(body)}
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint, token string, withAppKey bool, payload any) ([]byte, int, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	u := *c.baseURL
	u.Path = path.Join("/", u.Path, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", token)
	if withAppKey {
		req.Header.Set("Appkey", c.appKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		return s[:256]
	}
	return s
}
