package session

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestUTF8StreamCarriesSplitRunes(t *testing.T) {
	src := []byte("héllo, 世界 🙂")
	for size := 1; size <= len(src); size++ {
		var s utf8Stream
		var out strings.Builder
		for i := 0; i < len(src); i += size {
			end := i + size
			if end > len(src) {
				end = len(src)
			}
			out.WriteString(s.decode(src[i:end]))
		}
		out.WriteString(s.flush())
		if out.String() != string(src) {
			t.Fatalf("chunk size %d: got %q", size, out.String())
		}
	}
}

func TestUTF8StreamNeverEmitsHalfRune(t *testing.T) {
	var s utf8Stream
	world := []byte("世")
	if got := s.decode(world[:2]); got != "" {
		t.Fatalf("expected nothing for a partial rune, got %q", got)
	}
	if got := s.decode(world[2:]); got != "世" {
		t.Fatalf("expected completed rune, got %q", got)
	}
}

func TestAppendFragmentDropsRepeatedNewline(t *testing.T) {
	cases := []struct {
		start string
		frag  string
		want  string
	}{
		{start: "a\n", frag: "\n", want: "a\n"},
		{start: "a", frag: "\n", want: "a\n"},
		{start: "a\n", frag: "\n\n", want: "a\n\n\n"},
		{start: "", frag: "\n", want: "\n"},
		{start: "a", frag: "", want: "a"},
	}
	for _, tc := range cases {
		var b strings.Builder
		b.WriteString(tc.start)
		appendFragment(&b, tc.frag)
		if b.String() != tc.want {
			t.Fatalf("appendFragment(%q, %q) = %q, want %q", tc.start, tc.frag, b.String(), tc.want)
		}
	}
}

func TestThrottleDeliversFinalValue(t *testing.T) {
	var mu sync.Mutex
	var got []string
	th := newThrottle(20*time.Millisecond, func(v string) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	for _, v := range []string{"a", "ab", "abc"} {
		th.update(v)
	}
	th.finish("abcd")
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 || got[len(got)-1] != "abcd" {
		t.Fatalf("expected final value last, got %v", got)
	}
	if len(got) > 2 {
		t.Fatalf("expected at most one tick plus the final value, got %v", got)
	}
}

func TestThrottleCoalescesBurst(t *testing.T) {
	calls := make(chan string, 8)
	th := newThrottle(30*time.Millisecond, func(v string) { calls <- v })
	th.update("x")
	th.update("xy")
	th.update("xyz")

	select {
	case v := <-calls:
		if v != "xyz" {
			t.Fatalf("expected trailing value, got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("throttle never fired")
	}
	select {
	case v := <-calls:
		t.Fatalf("unexpected extra delivery %q", v)
	case <-time.After(60 * time.Millisecond):
	}
}
