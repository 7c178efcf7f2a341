package proxy

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const maxUsagePeriod = 90 * 24 * time.Hour

var errInvalidPeriod = fmt.Errorf("%w: period must be a positive duration such as 1h or 24h", errValidation)

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, http.StatusNotFound, "usage_disabled", "usage ledger is disabled")
		return
	}
	period, err := parsePeriod(r.URL.Query().Get("period"), 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	summary, err := s.usage.Summary(period, nowUTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUsageEvents(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, http.StatusNotFound, "usage_disabled", "usage ledger is disabled")
		return
	}
	period, err := parsePeriod(r.URL.Query().Get("period"), time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	now := nowUTC()
	events, err := s.usage.Events(now.Add(-period), now.Add(time.Second))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "usage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events})
}

func parsePeriod(raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errInvalidPeriod
	}
	if d > maxUsagePeriod {
		d = maxUsagePeriod
	}
	return d, nil
}
