package cache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestTTLMapSetIfAbsentRespectsFreshness(t *testing.T) {
	m := NewTTLMap[string, struct{}]()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !m.SetIfAbsent("sig", struct{}{}, now, time.Minute) {
		t.Fatal("expected first insert to succeed")
	}
	if m.SetIfAbsent("sig", struct{}{}, now.Add(30*time.Second), time.Minute) {
		t.Fatal("expected duplicate within ttl to be rejected")
	}
	if !m.SetIfAbsent("sig", struct{}{}, now.Add(2*time.Minute), time.Minute) {
		t.Fatal("expected insert after expiry to succeed")
	}
}

func TestTTLMapPrune(t *testing.T) {
	m := NewTTLMap[string, int]()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetWithTTL("a", 1, now, time.Second)
	m.SetWithTTL("b", 2, now, time.Hour)
	m.SetWithTTL("c", 3, now, 0)
	if removed := m.Prune(now.Add(time.Minute)); removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries left, got %d", m.Len())
	}
	if v, ok := m.GetFresh("c", now.Add(24*time.Hour)); !ok || v != 3 {
		t.Fatalf("expected non-expiring entry, got %v %v", v, ok)
	}
}

func TestJSONRoundTripAndMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "user.json")
	var out map[string]string
	if err := LoadJSON(path, &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := SaveJSON(path, map[string]string{"nickname": "ada"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := LoadJSON(path, &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out["nickname"] != "ada" {
		t.Fatalf("unexpected payload: %v", out)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}
