package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/juststayawake/chatuser/pkg/account"
	"github.com/juststayawake/chatuser/pkg/chat"
	"github.com/juststayawake/chatuser/pkg/signature"
	"github.com/juststayawake/chatuser/pkg/upstream"
	"github.com/juststayawake/chatuser/pkg/usagedb"
)

const (
	msgNoInput          = "No input text."
	msgInvalidPassword  = "Invalid password."
	msgInvalidSignature = "Invalid signature."
)

type generateRequest struct {
	Messages []chat.Message `json:"messages" validate:"required,min=1,dive"`
	Time     int64          `json:"time"`
	Pass     string         `json:"pass"`
	Token    string         `json:"token"`
	Sign     string         `json:"sign"`
}

func decodeGenerateRequest(r io.Reader) (generateRequest, error) {
	var req generateRequest
	if err := json.NewDecoder(io.LimitReader(r, maxRequestBodyBytes)).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: %v", errValidation, err)
	}
	for i := range req.Messages {
		req.Messages[i].Role = chat.NormalizeRole(req.Messages[i].Role)
	}
	if err := validateRequest(req); err != nil {
		return req, err
	}
	return req, nil
}

// handleGenerate authenticates, debits and relays one completion. The account
// service is charged before the upstream is contacted; a rejected debit never
// reaches the upstream.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	evt := usagedb.Event{
		ID:       uuid.NewString(),
		ClientIP: remoteHost(r),
	}
	defer func() {
		evt.LatencyMS = time.Since(start).Milliseconds()
		s.recordUsage(evt)
	}()
	fail := func(status int, outcome, code, message string) {
		evt.Outcome = outcome
		evt.StatusCode = status
		evt.Error = message
		writeError(w, status, code, message)
	}

	req, err := decodeGenerateRequest(r.Body)
	evt.Messages = len(req.Messages)
	if err != nil {
		msg := err.Error()
		if len(req.Messages) == 0 {
			msg = msgNoInput
		}
		fail(http.StatusBadRequest, usagedb.OutcomeBadRequest, "", msg)
		return
	}

	cfg := s.store.Snapshot()
	if err := s.authenticate(r, cfg.SitePassword, req); err != nil {
		msg := msgInvalidSignature
		if errors.Is(err, errInvalidPassword) {
			msg = msgInvalidPassword
		}
		slog.Info("generate rejected", "reason", err, "request_id", middleware.GetReqID(r.Context()))
		fail(http.StatusUnauthorized, usagedb.OutcomeUnauthorized, "", msg)
		return
	}

	evt.Cost = chat.EstimateCost(req.Messages)
	evt.Times = chat.ConsumeTimes(len(req.Messages))
	if err := s.accounts.Consume(r.Context(), req.Token, evt.Cost, evt.Times); err != nil {
		var qe *account.QuotaError
		if errors.As(err, &qe) {
			fail(http.StatusInternalServerError, usagedb.OutcomeQuotaRejected, "quota_rejected", qe.Message)
			return
		}
		slog.Warn("account consume failed", "error", err, "request_id", middleware.GetReqID(r.Context()))
		fail(http.StatusInternalServerError, usagedb.OutcomeQuotaRejected, "account_unavailable", err.Error())
		return
	}

	payload := upstream.Build(cfg.Upstream.APIKey, cfg.Upstream.Model, req.Messages)
	resp, err := s.upstream.Do(r.Context(), payload)
	if err != nil {
		var te *upstream.TransportError
		code := "upstream_error"
		if errors.As(err, &te) {
			code = te.Code
		}
		slog.Warn("upstream request failed", "error", err, "code", code, "request_id", middleware.GetReqID(r.Context()))
		fail(http.StatusInternalServerError, usagedb.OutcomeUpstreamError, code, err.Error())
		return
	}

	res, err := upstream.Relay(w, resp)
	evt.StatusCode = res.StatusCode
	evt.BytesStreamed = res.BytesWritten
	switch {
	case res.StatusCode < 200 || res.StatusCode > 299:
		evt.Outcome = usagedb.OutcomeUpstreamStatus
	case err != nil && r.Context().Err() != nil:
		evt.Outcome = usagedb.OutcomeCanceled
	case err != nil:
		evt.Outcome = usagedb.OutcomeUpstreamError
		evt.Error = err.Error()
		slog.Warn("relay stream ended early", "error", err, "bytes", res.BytesWritten)
	default:
		evt.Outcome = usagedb.OutcomeOK
	}
	if res.Skipped > 0 {
		slog.Debug("relay skipped undecodable chunks", "count", res.Skipped)
	}
}

var errInvalidPassword = fmt.Errorf("%w: invalid password", errAuth)

func (s *Server) authenticate(r *http.Request, sitePassword string, req generateRequest) error {
	if !passwordMatches(sitePassword, req.Pass) {
		return errInvalidPassword
	}
	if s.verifier == nil {
		return nil
	}
	env := signature.Envelope{
		Timestamp: req.Time,
		Message:   chat.LastContent(req.Messages),
		Signature: req.Sign,
	}
	if err := s.verifier.Verify(r.Context(), env); err != nil {
		return fmt.Errorf("%w: %w", errAuth, err)
	}
	return nil
}

func (s *Server) recordUsage(evt usagedb.Event) {
	evt.Timestamp = nowUTC()
	if s.usage != nil {
		if err := s.usage.Append(evt); err != nil {
			slog.Warn("usage ledger append failed", "error", err)
		}
	}
	s.events.publish(evt)
}
