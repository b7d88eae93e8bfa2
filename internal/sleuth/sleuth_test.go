package sleuth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ResistanceIsUseless/ProxyScout/internal/requestor"
)

func newSleuthWith(t *testing.T, endpoints ...endpoint) *Sleuth {
	t.Helper()
	s := New(requestor.New(requestor.Config{Timeout: 5 * time.Second}), 5*time.Second)
	s.endpoints = endpoints
	return s
}

// TestLookup verifies the ip-api schema path end to end
func TestLookup(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, `{
			"status": "success",
			"country": "Netherlands",
			"regionName": "North Holland",
			"city": "Amsterdam",
			"lat": 52.37,
			"lon": 4.89,
			"as": "AS1103 SURF B.V.",
			"org": "SURF"
		}`)
	}))
	defer server.Close()

	s := newSleuthWith(t, endpoint{
		name:   "ip-api",
		url:    func(ip string) string { return server.URL + "/" + ip },
		parser: parseIPAPI,
	})

	metadata, err := s.Lookup(context.Background(), "198.51.100.4")
	if err != nil {
		t.Fatalf("Lookup() unexpected error: %v", err)
	}
	if metadata.Country != "Netherlands" || metadata.City != "Amsterdam" {
		t.Errorf("location = %s/%s", metadata.Country, metadata.City)
	}
	if metadata.ASN != "AS1103" {
		t.Errorf("asn = %s, want AS1103", metadata.ASN)
	}
	if metadata.Organization != "SURF" {
		t.Errorf("organization = %s", metadata.Organization)
	}

	// Second lookup of the same IP must hit the cache
	if _, err := s.Lookup(context.Background(), "198.51.100.4"); err != nil {
		t.Fatal(err)
	}
	if requests.Load() != 1 {
		t.Errorf("endpoint hit %d times, want 1 (cache)", requests.Load())
	}
	if s.CacheSize() != 1 {
		t.Errorf("cache size = %d, want 1", s.CacheSize())
	}
}

// TestLookupPartialResult verifies a missing city does not invalidate an ASN
func TestLookupPartialResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "success", "as": "AS64500 Example"}`)
	}))
	defer server.Close()

	s := newSleuthWith(t, endpoint{
		name:   "ip-api",
		url:    func(ip string) string { return server.URL + "/" + ip },
		parser: parseIPAPI,
	})

	metadata, err := s.Lookup(context.Background(), "198.51.100.4")
	if err != nil {
		t.Fatalf("Lookup() unexpected error: %v", err)
	}
	if metadata.ASN != "AS64500" {
		t.Errorf("asn = %s, want AS64500", metadata.ASN)
	}
	if metadata.City != "" {
		t.Errorf("city = %s, want empty", metadata.City)
	}
}

// TestLookupFallsBack verifies the second endpoint is consulted when the
// first fails
func TestLookupFallsBack(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer broken.Close()
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": true, "country": "Germany", "connection": {"asn": 3320, "org": "DTAG"}}`)
	}))
	defer working.Close()

	s := newSleuthWith(t,
		endpoint{
			name:   "ip-api",
			url:    func(ip string) string { return broken.URL + "/" + ip },
			parser: parseIPAPI,
		},
		endpoint{
			name:   "ipwhois",
			url:    func(ip string) string { return working.URL + "/" + ip },
			parser: parseIPWhois,
		},
	)

	metadata, err := s.Lookup(context.Background(), "198.51.100.4")
	if err != nil {
		t.Fatalf("Lookup() unexpected error: %v", err)
	}
	if metadata.Country != "Germany" || metadata.ASN != "AS3320" {
		t.Errorf("metadata = %+v", metadata)
	}
}

// TestLookupRejectsNonIP verifies the IP-literal boundary
func TestLookupRejectsNonIP(t *testing.T) {
	s := newSleuthWith(t)
	if _, err := s.Lookup(context.Background(), "proxy.example.com"); err == nil {
		t.Fatal("Lookup() should reject a DNS name")
	}
}

// TestParseIPWhoisFailure verifies failed and malformed ipwho.is
// payloads are rejected
func TestParseIPWhoisFailure(t *testing.T) {
	if _, err := parseIPWhois([]byte(`{"success": false}`)); err == nil {
		t.Fatal("failed lookups must error")
	}
	if _, err := parseIPWhois([]byte(`not json`)); err == nil {
		t.Fatal("malformed payloads must error")
	}
}

func TestParseIPAPIFailure(t *testing.T) {
	if _, err := parseIPAPI([]byte(`{"status": "fail", "message": "private range"}`)); err == nil {
		t.Fatal("failed lookups must error")
	}
}
