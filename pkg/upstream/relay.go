package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

const (
	doneSentinel  = "[DONE]"
	readChunkSize = 32 * 1024
)

// Decoder turns provider SSE bytes into completion text. Partial lines are held
// until their newline arrives, so split runes and split sentinels are safe.
type Decoder struct {
	pending []byte
	done    bool
	skipped int
}

func (d *Decoder) Feed(chunk []byte) []byte {
	if d.done || len(chunk) == 0 {
		return nil
	}
	d.pending = append(d.pending, chunk...)
	var out []byte
	for !d.done {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := d.pending[:idx]
		d.pending = d.pending[idx+1:]
		out = append(out, d.decodeLine(line)...)
	}
	if d.done {
		d.pending = nil
	}
	return out
}

// Finish decodes a trailing line that was not newline-terminated.
func (d *Decoder) Finish() []byte {
	if d.done || len(d.pending) == 0 {
		return nil
	}
	line := d.pending
	d.pending = nil
	return d.decodeLine(line)
}

func (d *Decoder) Done() bool {
	return d.done
}

// Skipped counts data payloads that could not be decoded.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) decodeLine(raw []byte) []byte {
	line := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil
	}
	data := bytes.TrimSpace(line[len("data:"):])
	if len(data) == 0 {
		return nil
	}
	if string(data) == doneSentinel {
		d.done = true
		return nil
	}
	var evt openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(data, &evt); err != nil {
		d.skipped++
		return nil
	}
	if len(evt.Choices) == 0 {
		return nil
	}
	return []byte(evt.Choices[0].Delta.Content)
}

// TextReader lazily exposes the completion text of an SSE body. It reads the
// source once and stops at the done sentinel without draining the rest.
type TextReader struct {
	src io.Reader
	dec Decoder
	buf []byte
	out []byte
	err error
}

func NewTextReader(src io.Reader) *TextReader {
	return &TextReader{src: src, buf: make([]byte, readChunkSize)}
}

func (r *TextReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.dec.Done() {
			r.err = io.EOF
			continue
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.out = append(r.out, r.dec.Feed(r.buf[:n])...)
		}
		if errors.Is(err, io.EOF) {
			r.out = append(r.out, r.dec.Finish()...)
			r.err = io.EOF
		} else if err != nil {
			r.err = err
		}
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func (r *TextReader) Done() bool {
	return r.dec.Done()
}

func (r *TextReader) Skipped() int {
	return r.dec.Skipped()
}

type RelayResult struct {
	StatusCode   int
	BytesWritten int64
	SawDone      bool
	Skipped      int
}

// Relay writes resp to w. Non-2xx responses pass through unchanged; 2xx SSE
// bodies are re-streamed as plain UTF-8 text, flushed after every upstream read.
// Once the header is written a midstream failure can only end the stream early.
func Relay(w http.ResponseWriter, resp *http.Response) (RelayResult, error) {
	defer resp.Body.Close()
	res := RelayResult{StatusCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		n, err := io.Copy(w, resp.Body)
		res.BytesWritten = n
		return res, err
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	tr := NewTextReader(resp.Body)
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := tr.Read(buf)
		if n > 0 {
			written, writeErr := w.Write(buf[:n])
			res.BytesWritten += int64(written)
			if writeErr != nil {
				res.Skipped = tr.Skipped()
				return res, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(readErr, io.EOF) {
			res.SawDone = tr.Done()
			res.Skipped = tr.Skipped()
			return res, nil
		}
		if readErr != nil {
			res.Skipped = tr.Skipped()
			return res, readErr
		}
	}
}
