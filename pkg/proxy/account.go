package proxy

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

type tokenRequest struct {
	Token string `json:"token"`
}

func decodeTokenRequest(r *http.Request) (string, error) {
	var req tokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return req.Token, nil
}

// handlePayNotice relays the account service's payment instructions unchanged.
func (s *Server) handlePayNotice(w http.ResponseWriter, r *http.Request) {
	token, err := decodeTokenRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "Invalid request body.")
		return
	}
	body, status, err := s.accounts.PayNotice(r.Context(), token)
	if err != nil {
		slog.Warn("paynotice failed", "error", err)
		writeError(w, http.StatusBadGateway, "account_unavailable", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// handleInfo relays the profile reply; code 200 carries the user record in data.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	token, err := decodeTokenRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "Invalid request body.")
		return
	}
	body, status, err := s.accounts.InfoRaw(r.Context(), token)
	if err != nil {
		slog.Warn("info failed", "error", err)
		writeError(w, http.StatusBadGateway, "account_unavailable", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
