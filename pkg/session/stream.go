package session

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// utf8Stream decodes a byte stream into text, holding back a rune split
// across reads until its remaining bytes arrive.
type utf8Stream struct {
	carry []byte
}

func (s *utf8Stream) decode(chunk []byte) string {
	b := append(s.carry, chunk...)
	cut := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			cut = i
		}
		break
	}
	s.carry = append([]byte(nil), b[cut:]...)
	return string(b[:cut])
}

// flush returns whatever is left, even if it is not valid UTF-8.
func (s *utf8Stream) flush() string {
	out := string(s.carry)
	s.carry = nil
	return out
}

// appendFragment applies the display rule that a lone newline after a
// buffer already ending in a newline is dropped.
func appendFragment(buf *strings.Builder, frag string) {
	if frag == "" {
		return
	}
	if frag == "\n" && strings.HasSuffix(buf.String(), "\n") {
		return
	}
	buf.WriteString(frag)
}

// throttle delivers the newest value at most once per interval, always
// including the trailing value of a burst. Values carry a sequence number so
// a tick racing with finish cannot emit a stale value after the final one.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func(string)
	latest   string
	seq      uint64
	timer    *time.Timer

	emitMu  sync.Mutex
	emitted uint64
}

func newThrottle(interval time.Duration, fn func(string)) *throttle {
	return &throttle{interval: interval, fn: fn}
}

func (t *throttle) update(v string) {
	if t.fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest = v
	t.seq++
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval, t.fire)
	}
}

func (t *throttle) fire() {
	t.mu.Lock()
	t.timer = nil
	v, seq := t.latest, t.seq
	t.mu.Unlock()
	t.emit(v, seq)
}

// finish cancels any pending tick and emits the final value synchronously.
func (t *throttle) finish(v string) {
	if t.fn == nil {
		return
	}
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.latest = v
	t.seq++
	seq := t.seq
	t.mu.Unlock()
	t.emit(v, seq)
}

func (t *throttle) emit(v string, seq uint64) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if seq <= t.emitted {
		return
	}
	t.emitted = seq
	t.fn(v)
}
