package logstore

import (
	"bytes"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/juststayawake/chatuser/pkg/cache"
	"github.com/juststayawake/chatuser/pkg/logutil"
)

const (
	DefaultMaxLines = 2000
	defaultLimit    = 200
	maxLimit        = 5000
)

type Entry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Line      string    `json:"line"`
}

type Filter struct {
	// MinLevel keeps entries at or above this level; empty keeps all.
	MinLevel string
	Query    string
	Limit    int
}

type persisted struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Store keeps the most recent log lines in a fixed-size ring.
type Store struct {
	mu       sync.RWMutex
	path     string
	maxLines int
	entries  []Entry
	next     int
	full     bool
	seq      uint64
	dirty    bool
	now      func() time.Time
}

// NewStore returns a ring of maxLines entries. When path is set the ring is
// seeded from it and Flush writes it back.
func NewStore(path string, maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	s := &Store{
		path:     strings.TrimSpace(path),
		maxLines: maxLines,
		entries:  make([]Entry, maxLines),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.path != "" {
		var p persisted
		if err := cache.LoadJSON(s.path, &p); err == nil {
			for _, e := range p.Entries {
				s.addLocked(e.Timestamp, e.Level, e.Line)
			}
			s.dirty = false
		}
	}
	return s
}

// Add records one rendered line.
func (s *Store) Add(line string) {
	line = strings.TrimSpace(logutil.StripANSI(line))
	if line == "" {
		return
	}
	level := logutil.LineLevel(line).String()
	s.mu.Lock()
	s.addLocked(s.now(), level, line)
	s.mu.Unlock()
}

func (s *Store) addLocked(ts time.Time, level, line string) {
	s.seq++
	s.entries[s.next] = Entry{Seq: s.seq, Timestamp: ts, Level: level, Line: line}
	s.next = (s.next + 1) % s.maxLines
	if s.next == 0 {
		s.full = true
	}
	s.dirty = true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return s.maxLines
	}
	return s.next
}

// List returns matching entries, newest first.
func (s *Store) List(f Filter) []Entry {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	minLevel := log.DebugLevel
	if lv, err := logutil.ParseLevel(f.MinLevel); err == nil && strings.TrimSpace(f.MinLevel) != "" {
		minLevel = lv
	}
	query := strings.ToLower(strings.TrimSpace(f.Query))

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.next
	if s.full {
		n = s.maxLines
	}
	out := make([]Entry, 0, min(limit, n))
	for i := 0; i < n && len(out) < limit; i++ {
		e := s.entries[(s.next-1-i+s.maxLines)%s.maxLines]
		if lv, err := log.ParseLevel(e.Level); err == nil && lv < minLevel {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Line), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	s.next = 0
	s.full = false
	s.dirty = true
}

// Flush persists the ring when a path is configured and something changed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" || !s.dirty {
		return nil
	}
	n := s.next
	start := 0
	if s.full {
		n = s.maxLines
		start = s.next
	}
	cp := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		cp = append(cp, s.entries[(start+i)%s.maxLines])
	}
	if err := cache.SaveJSON(s.path, persisted{Version: 1, Entries: cp}); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Writer adapts the store to a line-oriented io.Writer for logutil.SetOutputTee.
func (s *Store) Writer() *Sink {
	return &Sink{store: s}
}

type Sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func (w *Sink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		w.store.Add(line)
	}
	return len(p), nil
}
