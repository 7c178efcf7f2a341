package session

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const SessionHeader = "X-Chat-Session"

// NewSessionID returns a random identifier for one controller lifetime.
func NewSessionID() string {
	return uuid.NewString()
}

// WrapRoundTripper tags every outbound request with the session id so the
// relay's access log can correlate a conversation.
func WrapRoundTripper(base http.RoundTripper, sessionID string) http.RoundTripper {
	return sessionHeaderRoundTripper{Base: base, SessionID: strings.TrimSpace(sessionID)}
}

type sessionHeaderRoundTripper struct {
	Base      http.RoundTripper
	SessionID string
}

func (rt sessionHeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	if rt.SessionID != "" {
		out.Header.Set(SessionHeader, rt.SessionID)
	}
	return base.RoundTrip(out)
}
