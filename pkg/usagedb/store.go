package usagedb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultRetention     = 30 * 24 * time.Hour
	defaultSegmentMaxAge = 6 * time.Hour
	summarySlot          = 5 * time.Minute
	segmentSuffix        = ".jsonl.zst"
)

// Outcomes recorded for each generate request.
const (
	OutcomeOK             = "ok"
	OutcomeBadRequest     = "bad_request"
	OutcomeUnauthorized   = "unauthorized"
	OutcomeQuotaRejected  = "quota_rejected"
	OutcomeUpstreamError  = "upstream_error"
	OutcomeUpstreamStatus = "upstream_status"
	OutcomeCanceled       = "canceled"
)

type Event struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	ClientIP      string    `json:"client_ip,omitempty"`
	Outcome       string    `json:"outcome"`
	StatusCode    int       `json:"status_code"`
	Messages      int       `json:"messages"`
	Cost          int       `json:"cost,omitempty"`
	Times         int       `json:"times,omitempty"`
	BytesStreamed int64     `json:"bytes_streamed,omitempty"`
	LatencyMS     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
}

type Bucket struct {
	StartAt     time.Time `json:"start_at"`
	SlotSeconds int       `json:"slot_seconds"`
	Requests    int       `json:"requests"`
	Failed      int       `json:"failed"`
	Cost        int       `json:"cost"`
	Times       int       `json:"times"`
	Bytes       int64     `json:"bytes"`
}

type Summary struct {
	PeriodSeconds int64          `json:"period_seconds"`
	Requests      int            `json:"requests"`
	Failed        int            `json:"failed"`
	Cost          int            `json:"cost"`
	Times         int            `json:"times"`
	Bytes         int64          `json:"bytes"`
	AvgLatencyMS  float64        `json:"avg_latency_ms"`
	ByOutcome     map[string]int `json:"by_outcome"`
	ByClientIP    map[string]int `json:"by_client_ip"`
	Buckets       []Bucket       `json:"buckets"`
}

type Settings struct {
	Retention     time.Duration
	SegmentMaxAge time.Duration
}

// Store is an append-only ledger of zstd-compressed JSONL segments laid out
// as dir/YYYY/MM/DD/HH/<min>-<max>-<seq>.jsonl.zst.
type Store struct {
	mu        sync.Mutex
	dir       string
	settings  Settings
	writer    *segmentWriter
	writerDir string
}

type segmentWriter struct {
	pathTmp  string
	dir      string
	seq      int64
	file     *os.File
	enc      *zstd.Encoder
	minTs    time.Time
	maxTs    time.Time
	count    int
	openedAt time.Time
}

type segmentMeta struct {
	path string
	min  time.Time
	max  time.Time
}

func New(dir string, settings Settings) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("usage dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create usage dir: %w", err)
	}
	if settings.Retention <= 0 {
		settings.Retention = defaultRetention
	}
	if settings.SegmentMaxAge <= 0 {
		settings.SegmentMaxAge = defaultSegmentMaxAge
	}
	removeAbandonedSegments(dir)
	return &Store{dir: dir, settings: settings}, nil
}

func (s *Store) Append(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	} else {
		evt.Timestamp = evt.Timestamp.UTC()
	}
	evt.ClientIP = strings.TrimSpace(evt.ClientIP)

	if err := s.openWriterLocked(evt.Timestamp); err != nil {
		return err
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := s.writer.writeLine(line, evt.Timestamp); err != nil {
		return err
	}
	if time.Since(s.writer.openedAt) >= s.settings.SegmentMaxAge {
		return s.closeWriterLocked()
	}
	return nil
}

// Flush seals the open segment so its events become visible to readers.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeWriterLocked()
}

func (s *Store) Close() error {
	return s.Flush()
}

// Events returns sealed events with from <= timestamp < to, oldest first.
func (s *Store) Events(from, to time.Time) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.closeWriterLocked(); err != nil {
		return nil, err
	}
	var out []Event
	err := s.readRangeLocked(from, to, func(e Event) { out = append(out, e) })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) Summary(period time.Duration, now time.Time) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if err := s.closeWriterLocked(); err != nil {
		return Summary{}, err
	}
	slot := summarySlot
	if period <= time.Hour {
		slot = time.Minute
	}
	summary := Summary{
		PeriodSeconds: int64(period.Seconds()),
		ByOutcome:     map[string]int{},
		ByClientIP:    map[string]int{},
	}
	buckets := map[int64]*Bucket{}
	var latency int64
	err := s.readRangeLocked(now.Add(-period), now.Add(time.Nanosecond), func(e Event) {
		failed := 0
		if e.Outcome != OutcomeOK {
			failed = 1
		}
		summary.Requests++
		summary.Failed += failed
		summary.Cost += e.Cost
		summary.Times += e.Times
		summary.Bytes += e.BytesStreamed
		summary.ByOutcome[e.Outcome]++
		if e.ClientIP != "" {
			summary.ByClientIP[e.ClientIP]++
		}
		latency += e.LatencyMS

		start := e.Timestamp.UTC().Truncate(slot)
		b := buckets[start.Unix()]
		if b == nil {
			b = &Bucket{StartAt: start, SlotSeconds: int(slot.Seconds())}
			buckets[start.Unix()] = b
		}
		b.Requests++
		b.Failed += failed
		b.Cost += e.Cost
		b.Times += e.Times
		b.Bytes += e.BytesStreamed
	})
	if err != nil {
		return Summary{}, err
	}
	summary.Buckets = make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		summary.Buckets = append(summary.Buckets, *b)
	}
	sort.Slice(summary.Buckets, func(i, j int) bool {
		return summary.Buckets[i].StartAt.Before(summary.Buckets[j].StartAt)
	})
	if summary.Requests > 0 {
		summary.AvgLatencyMS = float64(latency) / float64(summary.Requests)
	}
	return summary, nil
}

// Prune removes sealed segments whose newest event is older than the retention window.
func (s *Store) Prune(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.UTC().Add(-s.settings.Retention)
	segs, err := listSegments(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	pruned := 0
	for _, seg := range segs {
		if !seg.max.Before(cutoff) {
			continue
		}
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		slog.Info("usage ledger pruned", "segments", pruned, "cutoff", cutoff.Format(time.RFC3339))
	}
	return pruned, nil
}

func (s *Store) readRangeLocked(from, to time.Time, fn func(Event)) error {
	segs, err := listSegments(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, seg := range segs {
		if !overlaps(seg.min, seg.max, from, to) {
			continue
		}
		if err := scanEvents(seg.path, from, to, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) openWriterLocked(ts time.Time) error {
	hourDir := filepath.Join(s.dir, ts.Format("2006"), ts.Format("01"), ts.Format("02"), ts.Format("15"))
	if s.writer != nil && s.writerDir == hourDir {
		return nil
	}
	if err := s.closeWriterLocked(); err != nil {
		return err
	}
	w, err := newSegmentWriter(hourDir)
	if err != nil {
		return err
	}
	s.writer = w
	s.writerDir = hourDir
	return nil
}

func (s *Store) closeWriterLocked() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.close()
	s.writer = nil
	s.writerDir = ""
	return err
}

func newSegmentWriter(dir string) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	seq := time.Now().UTC().UnixNano()
	tmp := filepath.Join(dir, fmt.Sprintf("open-%d%s.tmp", seq, segmentSuffix))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segmentWriter{pathTmp: tmp, dir: dir, seq: seq, file: f, enc: enc, openedAt: time.Now().UTC()}, nil
}

func (w *segmentWriter) writeLine(line []byte, ts time.Time) error {
	if _, err := w.enc.Write(append(line, '\n')); err != nil {
		return err
	}
	if w.minTs.IsZero() || ts.Before(w.minTs) {
		w.minTs = ts
	}
	if w.maxTs.IsZero() || ts.After(w.maxTs) {
		w.maxTs = ts
	}
	w.count++
	return nil
}

func (w *segmentWriter) close() error {
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	if w.count == 0 {
		_ = os.Remove(w.pathTmp)
		return nil
	}
	if encErr != nil {
		return encErr
	}
	if fileErr != nil {
		return fileErr
	}
	final := filepath.Join(w.dir, fmt.Sprintf("%d-%d-%d%s", w.minTs.Unix(), w.maxTs.Unix(), w.seq, segmentSuffix))
	return os.Rename(w.pathTmp, final)
}

// removeAbandonedSegments drops open-* files left behind by a crash; a
// truncated zstd stream cannot be read back.
func removeAbandonedSegments(root string) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), "open-") {
			slog.Warn("usage ledger removed unsealed segment", "path", path)
			_ = os.Remove(path)
		}
		return nil
	})
}

func listSegments(root string) ([]segmentMeta, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, os.ErrNotExist
	}
	out := []segmentMeta{}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, segmentSuffix) || strings.HasPrefix(name, "open-") {
			return nil
		}
		parts := strings.Split(strings.TrimSuffix(name, segmentSuffix), "-")
		if len(parts) < 3 {
			return nil
		}
		minUnix, err1 := strconv.ParseInt(parts[0], 10, 64)
		maxUnix, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		out = append(out, segmentMeta{path: path, min: time.Unix(minUnix, 0).UTC(), max: time.Unix(maxUnix, 0).UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].min.Equal(out[j].min) {
			return out[i].path < out[j].path
		}
		return out[i].min.Before(out[j].min)
	})
	return out, nil
}

func scanEvents(path string, from, to time.Time, fn func(Event)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer zr.Close()
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			continue
		}
		ts := evt.Timestamp.UTC()
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && !ts.Before(to) {
			continue
		}
		fn(evt)
	}
	return sc.Err()
}

// overlaps compares at second precision, matching segment file names.
func overlaps(segMin, segMax, from, to time.Time) bool {
	if !to.IsZero() && !segMin.Before(to) {
		return false
	}
	if !from.IsZero() && segMax.Add(time.Second).Before(from) {
		return false
	}
	return true
}
