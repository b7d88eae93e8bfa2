package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ResistanceIsUseless/ProxyScout/internal/harvest"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "proxies.json"), filepath.Join(dir, "sources.json"))
}

// TestPoolRoundTrip verifies serialize/deserialize reconstructs the pool
// field by field under the identity key
func TestPoolRoundTrip(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().Truncate(time.Second)
	records := []*proxy.Record{
		{
			Kind: proxy.TypeHTTP, Host: "203.0.113.7", Port: 8080,
			Anonymity: proxy.AnonymityElite, LatencyMs: 120,
			State: proxy.StateAlive, SuccessCount: 9, AttemptCount: 10,
			FirstSeen: now, LastChecked: now,
			Metadata: &proxy.Metadata{Country: "NL", ASN: "AS1103"},
		},
		{
			Kind: proxy.TypeSOCKS5, Host: "198.51.100.4", Port: 1080,
			Credentials: &proxy.Credentials{Username: "alice", Password: "pw"},
			Anonymity:   proxy.AnonymityUnknown, State: proxy.StateDead,
			ConsecutiveFailures: 3, AttemptCount: 3,
			CooldownUntil: now.Add(5 * time.Minute),
			FirstSeen:     now,
		},
	}

	if err := s.SavePool(records); err != nil {
		t.Fatalf("SavePool() unexpected error: %v", err)
	}

	loaded, err := s.LoadPool()
	if err != nil {
		t.Fatalf("LoadPool() unexpected error: %v", err)
	}
	if len(loaded) != len(records) {
		t.Fatalf("loaded %d records, want %d", len(loaded), len(records))
	}

	byKey := make(map[proxy.Key]*proxy.Record)
	for _, record := range loaded {
		byKey[record.Key()] = record
	}
	for _, want := range records {
		got, exists := byKey[want.Key()]
		if !exists {
			t.Fatalf("record %s missing after round trip", want.URL())
		}
		if got.State != want.State || got.Anonymity != want.Anonymity ||
			got.LatencyMs != want.LatencyMs ||
			got.SuccessCount != want.SuccessCount ||
			got.AttemptCount != want.AttemptCount ||
			got.ConsecutiveFailures != want.ConsecutiveFailures {
			t.Errorf("round trip changed %s: got %+v, want %+v", want.URL(), got, want)
		}
		if !got.FirstSeen.Equal(want.FirstSeen) {
			t.Errorf("first_seen changed: %v -> %v", want.FirstSeen, got.FirstSeen)
		}
		if want.Metadata != nil && (got.Metadata == nil || got.Metadata.ASN != want.Metadata.ASN) {
			t.Errorf("metadata lost for %s", want.URL())
		}
	}
}

// TestLoadMissingPool verifies a missing file is an empty pool
func TestLoadMissingPool(t *testing.T) {
	s := newTestStore(t)
	records, err := s.LoadPool()
	if err != nil {
		t.Fatalf("LoadPool() on missing file: %v", err)
	}
	if records != nil {
		t.Errorf("expected nil records, got %d", len(records))
	}
}

// TestLoadCorruptPool verifies malformed JSON surfaces a store error
func TestLoadCorruptPool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxies.json")
	if err := os.WriteFile(path, []byte("{corrupt"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(path, filepath.Join(dir, "sources.json"))
	if _, err := s.LoadPool(); err == nil {
		t.Fatal("LoadPool() should fail on corrupt JSON")
	}
}

// TestSourcesRoundTrip verifies the sources document
func TestSourcesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sources := []*harvest.Source{
		{URL: "https://example.com/proxies.txt", Reliability: 0.8, LastStatus: 200},
		{URL: "https://example.org/list", ExtractionPattern: `(\d+\.\d+\.\d+\.\d+:\d+)`},
	}

	if err := s.SaveSources(sources); err != nil {
		t.Fatalf("SaveSources() unexpected error: %v", err)
	}
	loaded, err := s.LoadSources()
	if err != nil {
		t.Fatalf("LoadSources() unexpected error: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d sources, want 2", len(loaded))
	}
	if loaded[0].URL != sources[0].URL || loaded[0].Reliability != 0.8 {
		t.Errorf("first source = %+v", loaded[0])
	}
	if loaded[1].ExtractionPattern != sources[1].ExtractionPattern {
		t.Errorf("extraction pattern lost: %+v", loaded[1])
	}
}

// TestAutosaverFinalSave verifies Stop flushes a last snapshot
func TestAutosaverFinalSave(t *testing.T) {
	s := newTestStore(t)
	records := []*proxy.Record{{Kind: proxy.TypeHTTP, Host: "203.0.113.7", Port: 8080, State: proxy.StateAlive}}

	autosaver, err := NewAutosaver(s, nil, time.Hour, func() []*proxy.Record {
		return records
	})
	if err != nil {
		t.Fatalf("NewAutosaver() unexpected error: %v", err)
	}
	autosaver.Start()
	autosaver.Stop()

	loaded, err := s.LoadPool()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Errorf("final save wrote %d records, want 1", len(loaded))
	}
}

// TestAtomicWrite verifies a save replaces the previous document fully
func TestAtomicWrite(t *testing.T) {
	s := newTestStore(t)

	first := []*proxy.Record{{Kind: proxy.TypeHTTP, Host: "203.0.113.7", Port: 8080, State: proxy.StateAlive}}
	second := []*proxy.Record{{Kind: proxy.TypeHTTP, Host: "198.51.100.4", Port: 3128, State: proxy.StateUntested}}

	if err := s.SavePool(first); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePool(second); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadPool()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Host != "198.51.100.4" {
		t.Errorf("second save did not fully replace the first: %+v", loaded)
	}

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Dir(s.proxiesPath))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if entry.Name() != "proxies.json" && entry.Name() != "sources.json" {
			t.Errorf("stray file after save: %s", entry.Name())
		}
	}
}
