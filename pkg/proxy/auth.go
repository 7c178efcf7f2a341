package proxy

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// adminToken accepts a bearer header, or a token query parameter for
// websocket clients that cannot set headers.
func adminToken(r *http.Request) string {
	if tok := bearerToken(r.Header); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func tokenMatches(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// requireAdmin guards /admin. Without a configured admin token only loopback
// callers are let through.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.store.Snapshot().AdminToken
		if want == "" {
			if !requestIsLoopback(r) {
				writeError(w, http.StatusForbidden, "forbidden", "admin endpoints are restricted to localhost")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if !tokenMatches(adminToken(r), want) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// passwordMatches implements the optional site password. An empty configured
// password admits everyone.
func passwordMatches(configured, got string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(got)) == 1
}

// requestIsLoopback requires both the socket peer and the forwarded client
// address to be loopback.
func requestIsLoopback(r *http.Request) bool {
	return hostIsLoopback(socketPeer(r)) && hostIsLoopback(remoteHost(r))
}

func remoteHost(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func hostIsLoopback(host string) bool {
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
