package logutil

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	outputMu   sync.Mutex
	outputTee  io.Writer
	stderrSink = &levelFilterWriter{minLevel: log.InfoLevel}
)

// Configure routes both charm log and log/slog through the stderr sink.
// Everything is rendered at debug level so a tee sees all lines; the sink
// drops lines below levelRaw before they reach stderr.
func Configure(levelRaw string) error {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	stderrSink.setMinLevel(level)
	log.SetLevel(log.DebugLevel)
	log.SetReportTimestamp(true)
	applyOutputLocked(os.Stderr)
	slog.SetDefault(slog.New(log.Default()))
	return nil
}

func ParseLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	switch levelRaw {
	case "":
		return log.InfoLevel, nil
	case "trace":
		return log.DebugLevel, nil
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	return level, nil
}

// SetOutputTee mirrors every rendered line to w, regardless of level.
func SetOutputTee(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	outputTee = w
	applyOutputLocked(os.Stderr)
}

func applyOutputLocked(out io.Writer) {
	stderrSink.setOutputs(out, outputTee)
	log.SetOutput(stderrSink)
}

type levelFilterWriter struct {
	mu       sync.Mutex
	out      io.Writer
	tee      io.Writer
	minLevel log.Level
	buf      []byte
}

func (w *levelFilterWriter) setMinLevel(level log.Level) {
	w.mu.Lock()
	w.minLevel = level
	w.mu.Unlock()
}

func (w *levelFilterWriter) setOutputs(out, tee io.Writer) {
	w.mu.Lock()
	w.out = out
	w.tee = tee
	w.mu.Unlock()
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		if w.tee != nil {
			_, _ = w.tee.Write(line)
		}
		if w.out != nil && LineLevel(string(line)) >= w.minLevel {
			_, _ = w.out.Write(line)
		}
	}
	return len(p), nil
}

var levelTokens = []struct {
	tokens []string
	level  log.Level
}{
	{[]string{"DEBU", "DEBUG", "TRACE"}, log.DebugLevel},
	{[]string{"WARN", "WARNING"}, log.WarnLevel},
	{[]string{"ERRO", "ERROR"}, log.ErrorLevel},
	{[]string{"FATA", "FATAL"}, log.FatalLevel},
	{[]string{"INFO"}, log.InfoLevel},
}

// LineLevel recovers the level from a rendered text line. Unknown lines count as info.
func LineLevel(line string) log.Level {
	fields := strings.Fields(strings.ToUpper(StripANSI(line)))
	for _, f := range fields {
		f = strings.TrimPrefix(f, "LEVEL=")
		for _, lt := range levelTokens {
			for _, tok := range lt.tokens {
				if f == tok {
					return lt.level
				}
			}
		}
	}
	return log.InfoLevel
}

func StripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
