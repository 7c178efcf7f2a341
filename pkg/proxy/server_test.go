package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juststayawake/chatuser/pkg/chat"
	"github.com/juststayawake/chatuser/pkg/config"
	"github.com/juststayawake/chatuser/pkg/signature"
	"github.com/juststayawake/chatuser/pkg/usagedb"
	openai "github.com/sashabaranov/go-openai"
)

const testSecret = "sign-secret"

type testRelay struct {
	srv           *Server
	http          *httptest.Server
	upstreamCalls atomic.Int64
	consumeCalls  atomic.Int64
	lastConsume   atomic.Value
}

type testRelayOptions struct {
	mutate       func(*config.ServerConfig)
	upstream     http.HandlerFunc
	consumeReply string
}

func sseDelta(t *testing.T, s string) string {
	t.Helper()
	b, err := json.Marshal(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: s}}},
	})
	if err != nil {
		t.Fatalf("marshal delta: %v", err)
	}
	return "data: " + string(b) + "\n\n"
}

func streamingUpstream(t *testing.T, deltas ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, d := range deltas {
			_, _ = io.WriteString(w, sseDelta(t, d))
			w.(http.Flusher).Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}
}

func newTestRelay(t *testing.T, opts testRelayOptions) *testRelay {
	t.Helper()
	tr := &testRelay{}
	if opts.upstream == nil {
		opts.upstream = streamingUpstream(t, "Hello", ", world")
	}
	if opts.consumeReply == "" {
		opts.consumeReply = `{"code":200,"message":"ok"}`
	}
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr.upstreamCalls.Add(1)
		opts.upstream(w, r)
	}))
	t.Cleanup(up.Close)
	acct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/gpt/consume":
			tr.consumeCalls.Add(1)
			b, _ := io.ReadAll(r.Body)
			tr.lastConsume.Store(string(b))
			_, _ = io.WriteString(w, opts.consumeReply)
		case "/api/gpt/paynotice":
			_, _ = io.WriteString(w, "Pay via the QR code. token="+r.Header.Get("Token")+" app="+r.Header.Get("Appkey"))
		case "/api/user/info":
			_, _ = io.WriteString(w, `{"code":200,"data":{"id":1,"email":"u@example.com","nickname":"u","times":9,"token":"tok"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(acct.Close)

	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.BaseURL = up.URL
	cfg.Upstream.APIKey = "sk-test"
	cfg.Account.BaseURL = acct.URL
	cfg.Account.AppKey = "app-1"
	cfg.Signature.Secret = testSecret
	cfg.Usage.Dir = t.TempDir()
	cfg.RateLimit.RequestsPerMinute = 0
	cfg.AdminToken = "admin-token"
	if opts.mutate != nil {
		opts.mutate(cfg)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	srv, err := NewServer(context.Background(), "", cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Close)
	tr.srv = srv
	tr.http = httptest.NewServer(srv.Handler())
	t.Cleanup(tr.http.Close)
	return tr
}

func signedBody(t *testing.T, messages []chat.Message, mutate func(map[string]any)) []byte {
	t.Helper()
	env := signature.NewEnvelope(testSecret, time.Now(), chat.LastContent(messages))
	body := map[string]any{
		"messages": messages,
		"time":     env.Timestamp,
		"pass":     "",
		"token":    "user-token",
		"sign":     env.Signature,
	}
	if mutate != nil {
		mutate(body)
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return b
}

func (tr *testRelay) post(t *testing.T, path string, body []byte) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(tr.http.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(b)
}

func decodeErrorBody(t *testing.T, body string) errorDetail {
	t.Helper()
	var out errorBody
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	return out.Error
}

func flipFirstHex(sig string) string {
	if sig[0] == '0' {
		return "1" + sig[1:]
	}
	return "0" + sig[1:]
}

var userHi = []chat.Message{{Role: chat.RoleUser, Content: "hi"}}

func TestGenerateStreamsPlainText(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{})
	resp, body := tr.post(t, "/api/generate", signedBody(t, userHi, nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	if body != "Hello, world" {
		t.Fatalf("unexpected body %q", body)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	var consume struct {
		Model  string `json:"model"`
		Token  int    `json:"token"`
		Times  int    `json:"times"`
		AppKey string `json:"app_key"`
	}
	if err := json.Unmarshal([]byte(tr.lastConsume.Load().(string)), &consume); err != nil {
		t.Fatalf("decode consume: %v", err)
	}
	if consume.Times != 1 || consume.Token != chat.EstimateCost(userHi) || consume.AppKey != "app-1" {
		t.Fatalf("unexpected consume payload %+v", consume)
	}

	tr.srv.usage.Flush()
	events, err := tr.srv.usage.Events(time.Time{}, time.Time{})
	if err != nil || len(events) != 1 || events[0].Outcome != usagedb.OutcomeOK || events[0].BytesStreamed != int64(len("Hello, world")) {
		t.Fatalf("unexpected usage events %+v %v", events, err)
	}
}

func TestGenerateRejectsMissingMessages(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{})
	for _, body := range []string{`{}`, `{"messages":[]}`, `{"messages":null,"time":1}`} {
		resp, out := tr.post(t, "/api/generate", []byte(body))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, resp.StatusCode)
		}
		if got := decodeErrorBody(t, out); got.Message != "No input text." || got.Code != "" {
			t.Fatalf("%s: unexpected error %+v", body, got)
		}
	}
	if tr.consumeCalls.Load() != 0 || tr.upstreamCalls.Load() != 0 {
		t.Fatal("validation failures must not reach account or upstream")
	}
}

func TestGenerateRejectsWrongPassword(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{mutate: func(c *config.ServerConfig) { c.SitePassword = "letmein" }})
	resp, out := tr.post(t, "/api/generate", signedBody(t, userHi, func(b map[string]any) { b["pass"] = "wrong" }))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if got := decodeErrorBody(t, out); got.Message != "Invalid password." {
		t.Fatalf("unexpected error %+v", got)
	}

	resp, _ = tr.post(t, "/api/generate", signedBody(t, userHi, func(b map[string]any) { b["pass"] = "letmein" }))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with correct password, got %d", resp.StatusCode)
	}
}

func TestGenerateRejectsBadSignature(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{})
	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"tampered sign", func(b map[string]any) { b["sign"] = flipFirstHex(b["sign"].(string)) }},
		{"tampered time", func(b map[string]any) { b["time"] = b["time"].(int64) + 1 }},
		{"stale time", func(b map[string]any) {
			ts := time.Now().Add(-10 * time.Minute).UnixMilli()
			b["time"] = ts
			b["sign"] = signature.Sign(testSecret, ts, "hi")
		}},
		{"missing sign", func(b map[string]any) { delete(b, "sign") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, out := tr.post(t, "/api/generate", signedBody(t, userHi, tc.mutate))
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.StatusCode)
			}
			if got := decodeErrorBody(t, out); got.Message != "Invalid signature." {
				t.Fatalf("unexpected error %+v", got)
			}
		})
	}
	if tr.consumeCalls.Load() != 0 {
		t.Fatal("auth failures must not debit the account")
	}
}

func TestGenerateRejectsReplayedSignature(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{})
	body := signedBody(t, userHi, nil)
	if resp, _ := tr.post(t, "/api/generate", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", resp.StatusCode)
	}
	if resp, _ := tr.post(t, "/api/generate", body); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", resp.StatusCode)
	}
}

func TestGenerateSkipsSignatureWhenDisabled(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{mutate: func(c *config.ServerConfig) { c.Signature.Enabled = false }})
	resp, body := tr.post(t, "/api/generate", []byte(`{"messages":[{"role":"user","content":"hi"}],"token":"t"}`))
	if resp.StatusCode != http.StatusOK || body != "Hello, world" {
		t.Fatalf("expected unsigned request to pass, got %d %q", resp.StatusCode, body)
	}
}

func TestGenerateQuotaRejectionNeverCallsUpstream(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{consumeReply: `{"code":400,"message":"insufficient credits"}`})
	resp, out := tr.post(t, "/api/generate", signedBody(t, userHi, nil))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	got := decodeErrorBody(t, out)
	if got.Message != "insufficient credits" || got.Code != "quota_rejected" {
		t.Fatalf("expected verbatim quota message, got %+v", got)
	}
	if tr.consumeCalls.Load() != 1 {
		t.Fatalf("expected one consume call, got %d", tr.consumeCalls.Load())
	}
	if n := tr.upstreamCalls.Load(); n != 0 {
		t.Fatalf("upstream must not be called after quota rejection, got %d calls", n)
	}
}

func TestGeneratePassesThroughUpstreamErrorStatus(t *testing.T) {
	const upstreamErr = `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`
	tr := newTestRelay(t, testRelayOptions{upstream: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, upstreamErr)
	}})
	resp, out := tr.post(t, "/api/generate", signedBody(t, userHi, nil))
	if resp.StatusCode != http.StatusTooManyRequests || out != upstreamErr {
		t.Fatalf("expected passthrough, got %d %q", resp.StatusCode, out)
	}
}

func TestGenerateSynthesizesTransportError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	tr := newTestRelay(t, testRelayOptions{mutate: func(c *config.ServerConfig) { c.Upstream.BaseURL = deadURL }})
	resp, out := tr.post(t, "/api/generate", signedBody(t, userHi, nil))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	got := decodeErrorBody(t, out)
	if got.Code == "" || got.Message == "" {
		t.Fatalf("expected code and message, got %+v", got)
	}
}

func TestPayNoticeAndInfoRelay(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{})
	resp, out := tr.post(t, "/api/paynotice", []byte(`{"token":"tok"}`))
	if resp.StatusCode != http.StatusOK || out != "Pay via the QR code. token=tok app=app-1" {
		t.Fatalf("unexpected paynotice %d %q", resp.StatusCode, out)
	}
	resp, out = tr.post(t, "/api/info", []byte(`{"token":"tok"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected info status %d", resp.StatusCode)
	}
	var info struct {
		Code int `json:"code"`
		Data struct {
			Times int `json:"times"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil || info.Code != 200 || info.Data.Times != 9 {
		t.Fatalf("unexpected info %q %v", out, err)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{mutate: func(c *config.ServerConfig) {
		c.RateLimit.RequestsPerMinute = 1
		c.RateLimit.Burst = 2
	}})
	codes := []int{}
	for i := 0; i < 3; i++ {
		resp, _ := tr.post(t, "/api/info", []byte(`{"token":"tok"}`))
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}

func TestDrainingRejectsNewAPIRequests(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{})
	tr.srv.draining.Store(true)
	resp, _ := tr.post(t, "/api/info", []byte(`{}`))
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected 503 with Retry-After, got %d", resp.StatusCode)
	}
	hc, err := http.Get(tr.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	hc.Body.Close()
	if hc.StatusCode != http.StatusOK {
		t.Fatalf("healthz should stay up while draining, got %d", hc.StatusCode)
	}
}

func TestAdminUsageRequiresToken(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{})
	tr.post(t, "/api/generate", signedBody(t, userHi, nil))

	resp, err := http.Get(tr.http.URL + "/admin/usage")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, tr.http.URL+"/admin/usage?period=1h", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var sum usagedb.Summary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Requests != 1 || sum.ByOutcome[usagedb.OutcomeOK] != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestAdminWebsocketReceivesGenerateEvents(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{})
	wsURL := "ws" + strings.TrimPrefix(tr.http.URL, "http") + "/admin/ws?token=admin-token"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for tr.srv.events.clientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	tr.post(t, "/api/generate", []byte(`{"messages":[]}`))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got struct {
		Type  string        `json:"type"`
		Event usagedb.Event `json:"event"`
	}
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != "generate" || got.Event.Outcome != usagedb.OutcomeBadRequest || got.Event.ID == "" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestAdminLogsListAndClear(t *testing.T) {
	tr := newTestRelay(t, testRelayOptions{})
	tr.srv.logs.Add("INFO relay listening")
	tr.srv.logs.Add("ERRO upstream request failed")

	get := func(query string) (int, []map[string]any) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, tr.http.URL+"/admin/logs"+query, nil)
		req.Header.Set("Authorization", "Bearer admin-token")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET logs: %v", err)
		}
		defer resp.Body.Close()
		var out struct {
			Data []map[string]any `json:"data"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out.Data
	}

	status, entries := get("?level=error")
	if status != http.StatusOK || len(entries) != 1 || entries[0]["line"] != "ERRO upstream request failed" {
		t.Fatalf("unexpected error-level logs: %d %+v", status, entries)
	}
	if status, _ := get("?level=loud"); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown level, got %d", status)
	}

	req, _ := http.NewRequest(http.MethodDelete, tr.http.URL+"/admin/logs", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE logs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if _, entries := get("?q=upstream"); len(entries) != 0 {
		t.Fatalf("expected cleared ring, got %+v", entries)
	}
}
