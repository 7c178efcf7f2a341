package proxy

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/juststayawake/chatuser/pkg/logstore"
	"github.com/juststayawake/chatuser/pkg/logutil"
)

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		s.logs.Clear()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	q := r.URL.Query()
	level := strings.TrimSpace(q.Get("level"))
	if level != "" {
		if _, err := logutil.ParseLevel(level); err != nil {
			writeError(w, http.StatusBadRequest, "", err.Error())
			return
		}
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries := s.logs.List(logstore.Filter{MinLevel: level, Query: q.Get("q"), Limit: limit})
	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
