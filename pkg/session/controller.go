package session

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
	"sync"
	"time"

	"github.com/juststayawake/chatuser/pkg/account"
	"github.com/juststayawake/chatuser/pkg/chat"
	"github.com/juststayawake/chatuser/pkg/signature"
)

const (
	DefaultThrottle       = 300 * time.Millisecond
	DefaultRefreshTimeout = 10 * time.Second
	readBufferSize        = 4096
)

type State int

const (
	Idle State = iota
	AwaitingQuotaOrAuth
	Streaming
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingQuotaOrAuth:
		return "awaiting"
	case Streaming:
		return "streaming"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrBusy          = errors.New("a request is already in progress")
	ErrEmptyInput    = errors.New("empty input")
	ErrNothingToSend = errors.New("no messages to send")
	ErrNotLoggedIn   = errors.New("not logged in")
)

// RequestError is a generate request that failed before or while streaming.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.Message != "" && e.StatusCode != 0:
		return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

type Settings struct {
	ContinuousDialogue bool `json:"continuousDialogue"`
}

type Options struct {
	ServerURL      string
	Token          string
	Password       string
	SignSecret     string
	Settings       Settings
	SystemRole     string
	User           account.User
	// OnUpdate receives the partial assistant text, throttled.
	OnUpdate       func(text string)
	Throttle       time.Duration
	// RefreshTimeout bounds the profile refresh that follows each reply.
	RefreshTimeout time.Duration
	HTTPClient     *http.Client
	SessionID      string
	Now            func() time.Time
}

// Reply is the assistant message archived at the end of a request.
// Discarded replies were cut short by Clear and are not archived.
type Reply struct {
	Text      string
	Stopped   bool
	Discarded bool
}

// Controller owns one conversation. All methods are safe for concurrent use;
// at most one generate request is pending at a time.
type Controller struct {
	serverURL  string
	password   string
	signSecret string
	onUpdate   func(string)
	interval   time.Duration
	refresh    time.Duration
	client     *http.Client
	sessionID  string
	now        func() time.Time

	mu         sync.Mutex
	token      string
	state      State
	settings   Settings
	systemRole string
	user       account.User
	messages   []chat.Message
	buffer     strings.Builder
	cancel     context.CancelFunc
	stopped    bool
	discarded  bool
	lastErr    error
}

func New(opts Options) *Controller {
	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	client.Transport = WrapRoundTripper(base.Transport, sessionID)
	interval := opts.Throttle
	if interval <= 0 {
		interval = DefaultThrottle
	}
	refresh := opts.RefreshTimeout
	if refresh <= 0 {
		refresh = DefaultRefreshTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		serverURL:  strings.TrimRight(strings.TrimSpace(opts.ServerURL), "/"),
		token:      strings.TrimSpace(opts.Token),
		password:   opts.Password,
		signSecret: opts.SignSecret,
		onUpdate:   opts.OnUpdate,
		interval:   interval,
		refresh:    refresh,
		client:     &client,
		sessionID:  sessionID,
		now:        now,
		settings:   opts.Settings,
		systemRole: strings.TrimSpace(opts.SystemRole),
		user:       opts.User,
	}
}

func (c *Controller) SessionID() string {
	return c.sessionID
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chat.Clone(c.messages)
}

// Partial is the assistant text received so far for the pending or last failed request.
func (c *Controller) Partial() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.String()
}

func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) User() account.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *Controller) SetUser(u account.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = u
	if tok := strings.TrimSpace(u.Token); tok != "" {
		c.token = tok
	}
}

func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Controller) SetContinuous(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.ContinuousDialogue = on
}

func (c *Controller) SystemRole() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemRole
}

func (c *Controller) SetSystemRole(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemRole = strings.TrimSpace(role)
}

// Send appends text as a user message and requests a reply.
func (c *Controller) Send(ctx context.Context, text string) (Reply, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, ErrEmptyInput
	}
	return c.request(ctx, func() {
		c.messages = append(c.messages, chat.Message{Role: chat.RoleUser, Content: text})
	})
}

// Retry drops a trailing assistant message and re-issues the request.
func (c *Controller) Retry(ctx context.Context) (Reply, error) {
	return c.request(ctx, func() {
		if n := len(c.messages); n > 0 && c.messages[n-1].Role == chat.RoleAssistant {
			c.messages = c.messages[:n-1]
		}
	})
}

// Stop cancels the pending request. Text already received is archived.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.stopped = true
	c.cancel()
	return true
}

// Clear resets the conversation and the assistant buffer. Settings, the
// system role and the user record are kept. A pending request is cancelled
// and its reply dropped.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.buffer.Reset()
	c.lastErr = nil
	if c.cancel != nil {
		c.stopped = true
		c.discarded = true
		c.cancel()
		return
	}
	c.state = Idle
}

func (c *Controller) busyLocked() bool {
	return c.state == AwaitingQuotaOrAuth || c.state == Streaming
}

type generateBody struct {
	Messages []chat.Message `json:"messages"`
	Time     int64          `json:"time"`
	Pass     string         `json:"pass"`
	Token    string         `json:"token"`
	Sign     string         `json:"sign"`
}

func (c *Controller) historyLocked() []chat.Message {
	var hist []chat.Message
	if c.settings.ContinuousDialogue {
		hist = chat.Clone(c.messages)
	} else if n := len(c.messages); n > 0 {
		hist = []chat.Message{c.messages[n-1]}
	}
	if c.systemRole != "" {
		hist = append([]chat.Message{{Role: chat.RoleSystem, Content: c.systemRole}}, hist...)
	}
	return hist
}

// request runs prepare and starts the exchange under one lock so two
// callers cannot both pass the busy check.
func (c *Controller) request(ctx context.Context, prepare func()) (Reply, error) {
	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return Reply{}, ErrBusy
	}
	prepare()
	if len(c.messages) == 0 {
		c.mu.Unlock()
		return Reply{}, ErrNothingToSend
	}
	history := c.historyLocked()
	token := c.token
	reqCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = false
	c.discarded = false
	c.state = AwaitingQuotaOrAuth
	c.buffer.Reset()
	c.lastErr = nil
	c.mu.Unlock()
	defer cancel()

	env := signature.NewEnvelope(c.signSecret, c.now(), chat.LastContent(history))
	payload, err := json.Marshal(generateBody{
		Messages: history,
		Time:     env.Timestamp,
		Pass:     c.password,
		Token:    token,
		Sign:     env.Signature,
	})
	if err != nil {
		return Reply{}, c.fail(&RequestError{Err: err})
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.serverURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return Reply{}, c.fail(&RequestError{Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		if c.wasStopped() {
			return c.archive(ctx, true), nil
		}
		return Reply{}, c.fail(&RequestError{Err: err})
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Reply{}, c.fail(responseError(resp))
	}

	c.setState(Streaming)
	th := newThrottle(c.interval, c.onUpdate)
	var dec utf8Stream
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			c.appendText(dec.decode(buf[:n]), th)
		}
		if errors.Is(readErr, io.EOF) {
			c.appendText(dec.flush(), th)
			th.finish(c.Partial())
			return c.archive(ctx, false), nil
		}
		if readErr != nil {
			c.appendText(dec.flush(), th)
			th.finish(c.Partial())
			if c.wasStopped() {
				return c.archive(ctx, true), nil
			}
			return Reply{}, c.fail(&RequestError{StatusCode: resp.StatusCode, Err: readErr})
		}
	}
}

func (c *Controller) appendText(frag string, th *throttle) {
	if frag == "" {
		return
	}
	c.mu.Lock()
	if c.discarded {
		c.mu.Unlock()
		return
	}
	appendFragment(&c.buffer, frag)
	text := c.buffer.String()
	c.mu.Unlock()
	th.update(text)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) wasStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// fail leaves the conversation as it was and records err. A request already
// dropped by Clear just returns to idle.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	if c.discarded {
		c.state = Idle
		c.cancel = nil
		c.stopped = false
		c.discarded = false
		c.mu.Unlock()
		return err
	}
	c.state = Errored
	c.cancel = nil
	c.lastErr = err
	c.mu.Unlock()
	return err
}

// archive stores the buffered reply and refreshes the profile. A completed
// reply also debits the cached credits; a successful refresh overrides the
// local estimate either way.
func (c *Controller) archive(ctx context.Context, stopped bool) Reply {
	c.mu.Lock()
	if c.discarded {
		c.buffer.Reset()
		c.state = Idle
		c.cancel = nil
		c.stopped = false
		c.discarded = false
		c.mu.Unlock()
		return Reply{Stopped: true, Discarded: true}
	}
	text := c.buffer.String()
	if text != "" {
		c.messages = append(c.messages, chat.Message{Role: chat.RoleAssistant, Content: text})
	}
	c.buffer.Reset()
	c.state = Idle
	c.cancel = nil
	c.stopped = false
	if !stopped {
		c.user.Times -= chat.LocalDebit(len(c.messages), c.settings.ContinuousDialogue)
		if c.user.Times < 0 {
			c.user.Times = 0
		}
	}
	loggedIn := c.token != ""
	c.mu.Unlock()

	if loggedIn && ctx.Err() == nil {
		refreshCtx, cancel := context.WithTimeout(ctx, c.refresh)
		defer cancel()
		if _, err := c.Refresh(refreshCtx); err != nil {
			slog.Debug("profile refresh after reply failed", "error", err)
		}
	}
	return Reply{Text: text, Stopped: stopped}
}

func responseError(resp *http.Response) *RequestError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	out := &RequestError{StatusCode: resp.StatusCode}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &body); err == nil && body.Error.Message != "" {
		out.Code = body.Error.Code
		out.Message = body.Error.Message
		return out
	}
	out.Message = strings.TrimSpace(string(b))
	if out.Message == "" {
		out.Message = http.StatusText(resp.StatusCode)
	}
	return out
}

func (c *Controller) postToken(ctx context.Context, path string) ([]byte, int, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return nil, 0, ErrNotLoggedIn
	}
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return b, resp.StatusCode, err
}

// Refresh reloads the user record through the relay's info endpoint.
func (c *Controller) Refresh(ctx context.Context) (account.User, error) {
	body, status, err := c.postToken(ctx, "/api/info")
	if errors.Is(err, ErrNotLoggedIn) {
		return account.User{}, err
	}
	if err != nil {
		return account.User{}, fmt.Errorf("info: %w", err)
	}
	info, err := account.DecodeInfo(body, status)
	if err != nil {
		return account.User{}, err
	}
	if !info.OK() {
		if info.Message != "" {
			return account.User{}, fmt.Errorf("%w: %s", ErrNotLoggedIn, info.Message)
		}
		return account.User{}, ErrNotLoggedIn
	}
	c.mu.Lock()
	c.user = *info.Data
	c.mu.Unlock()
	return *info.Data, nil
}

// PayNotice returns the account service's payment instructions as text.
func (c *Controller) PayNotice(ctx context.Context) (string, error) {
	body, status, err := c.postToken(ctx, "/api/paynotice")
	if errors.Is(err, ErrNotLoggedIn) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("paynotice: %w", err)
	}
	if status != http.StatusOK {
		return "", &RequestError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	return string(body), nil
}
