package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
	"github.com/ResistanceIsUseless/ProxyScout/internal/judge"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
)

// stubProber scripts probe outcomes for tests
type stubProber struct {
	mutex   sync.Mutex
	calls   int
	delay   time.Duration
	outcome func(call int, record *proxy.Record) (*judge.Result, error)

	active    atomic.Int64
	maxActive atomic.Int64
}

func (s *stubProber) Probe(ctx context.Context, record *proxy.Record) (*judge.Result, error) {
	current := s.active.Add(1)
	for {
		max := s.maxActive.Load()
		if current <= max || s.maxActive.CompareAndSwap(max, current) {
			break
		}
	}
	defer s.active.Add(-1)

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}

	s.mutex.Lock()
	s.calls++
	call := s.calls
	s.mutex.Unlock()

	if s.outcome != nil {
		return s.outcome(call, record)
	}
	return &judge.Result{Anonymity: proxy.AnonymityElite, LatencyMs: 42}, nil
}

func (s *stubProber) callCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.calls
}

// stubEnricher returns fixed metadata
type stubEnricher struct {
	calls atomic.Int64
	err   error
}

func (s *stubEnricher) Lookup(ctx context.Context, ip string) (*proxy.Metadata, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &proxy.Metadata{Country: "NL", ASN: "AS1234", Organization: "Test Org"}, nil
}

func testConfig() Config {
	config := DefaultConfig()
	config.RetryInitialDelay = time.Millisecond
	return config
}

func transportErr() error {
	return errors.NewTransportError(errors.ErrorConnectTimeout, "connect timed out", "", nil)
}

func mustIngest(t *testing.T, m *Manager, raw string) proxy.Key {
	t.Helper()
	key, inserted, err := m.IngestURL(raw)
	if err != nil {
		t.Fatalf("IngestURL(%q): %v", raw, err)
	}
	if !inserted {
		t.Fatalf("IngestURL(%q): expected insertion", raw)
	}
	return key
}

// TestIngestIdempotent verifies double ingest yields identical pool
// contents and does not perturb measurements
func TestIngestIdempotent(t *testing.T) {
	m := New(testConfig(), &stubProber{}, &stubEnricher{}, nil, nil, nil)

	key := mustIngest(t, m, "http://203.0.113.7:8080")
	if err := m.Check(key); err != nil {
		t.Fatal(err)
	}
	m.Wait()

	before, _ := m.Get(key)
	if before.AttemptCount != 1 || before.SuccessCount != 1 {
		t.Fatalf("unexpected counters after check: %+v", before)
	}

	if _, inserted, _ := m.IngestURL("http://203.0.113.7:8080"); inserted {
		t.Error("re-ingest should merge, not insert")
	}
	after, _ := m.Get(key)
	if after.AttemptCount != before.AttemptCount ||
		after.SuccessCount != before.SuccessCount ||
		after.State != before.State ||
		after.LatencyMs != before.LatencyMs {
		t.Errorf("re-ingest perturbed measurements: before %+v, after %+v", before, after)
	}

	if m.Stats().Total != 1 {
		t.Errorf("pool holds %d records, want 1", m.Stats().Total)
	}
}

// TestValidationSuccess covers the success path: anonymity, latency,
// counters and the alive transition
func TestValidationSuccess(t *testing.T) {
	m := New(testConfig(), &stubProber{}, &stubEnricher{}, nil, nil, nil)
	key := mustIngest(t, m, "socks5://198.51.100.4:1080")

	if err := m.Check(key); err != nil {
		t.Fatal(err)
	}
	m.Wait()

	record, _ := m.Get(key)
	if record.State != proxy.StateAlive {
		t.Errorf("state = %s, want %s", record.State, proxy.StateAlive)
	}
	if record.Anonymity != proxy.AnonymityElite {
		t.Errorf("anonymity = %s, want %s", record.Anonymity, proxy.AnonymityElite)
	}
	if record.LatencyMs != 42 {
		t.Errorf("latency = %d, want 42", record.LatencyMs)
	}
	if record.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0", record.ConsecutiveFailures)
	}
	if record.LastChecked.IsZero() {
		t.Error("last_checked not advanced")
	}
}

// TestHighLatencyIsFailing verifies the latency ceiling
func TestHighLatencyIsFailing(t *testing.T) {
	config := testConfig()
	config.MaxLatency = 10 * time.Millisecond
	prober := &stubProber{outcome: func(int, *proxy.Record) (*judge.Result, error) {
		return &judge.Result{Anonymity: proxy.AnonymityElite, LatencyMs: 5000}, nil
	}}
	m := New(config, prober, &stubEnricher{}, nil, nil, nil)
	key := mustIngest(t, m, "http://203.0.113.7:8080")

	m.Check(key)
	m.Wait()

	record, _ := m.Get(key)
	if record.State != proxy.StateFailing {
		t.Errorf("state = %s, want %s for over-latency proxy", record.State, proxy.StateFailing)
	}
	if record.SuccessCount != 1 {
		t.Errorf("success still counts: got %d, want 1", record.SuccessCount)
	}
}

// TestDeadAfterRepeatedFailure walks scenario S4: three consecutive
// transport failures kill a fresh record and start its cooldown, and
// CheckAll skips it afterwards.
func TestDeadAfterRepeatedFailure(t *testing.T) {
	config := testConfig()
	config.RequestRetries = 1
	prober := &stubProber{outcome: func(int, *proxy.Record) (*judge.Result, error) {
		return nil, transportErr()
	}}
	m := New(config, prober, &stubEnricher{}, nil, nil, nil)
	key := mustIngest(t, m, "http://203.0.113.7:8080")

	wantStates := []proxy.State{proxy.StateFailing, proxy.StateFailing, proxy.StateDead}
	for i, want := range wantStates {
		if err := m.Check(key); err != nil {
			t.Fatal(err)
		}
		m.Wait()
		record, _ := m.Get(key)
		if record.State != want {
			t.Fatalf("after failure %d: state = %s, want %s", i+1, record.State, want)
		}
		if record.ConsecutiveFailures != i+1 {
			t.Fatalf("after failure %d: consecutive = %d", i+1, record.ConsecutiveFailures)
		}
	}

	record, _ := m.Get(key)
	if !record.CooldownUntil.After(record.LastChecked) {
		t.Error("dead record must have cooldown_until after last_checked")
	}
	remaining := time.Until(record.CooldownUntil)
	if remaining < 290*time.Second || remaining > 300*time.Second {
		t.Errorf("cooldown = %v, want about 300s", remaining)
	}

	// Dead and cooling: a sweep must not touch it
	before := prober.callCount()
	if scheduled := m.CheckAll(context.Background()); scheduled != 0 {
		t.Errorf("CheckAll scheduled %d records, want 0", scheduled)
	}
	if prober.callCount() != before {
		t.Error("CheckAll probed a dead record in cooldown")
	}
}

// TestRetryAbsorbsTransient walks scenario S6: two timeouts then a
// success count as one successful attempt.
func TestRetryAbsorbsTransient(t *testing.T) {
	config := testConfig()
	config.RequestRetries = 3
	prober := &stubProber{outcome: func(call int, _ *proxy.Record) (*judge.Result, error) {
		if call <= 2 {
			return nil, transportErr()
		}
		return &judge.Result{Anonymity: proxy.AnonymityAnonymous, LatencyMs: 100}, nil
	}}
	m := New(config, prober, &stubEnricher{}, nil, nil, nil)
	key := mustIngest(t, m, "http://203.0.113.7:8080")

	m.Check(key)
	m.Wait()

	record, _ := m.Get(key)
	if record.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", record.AttemptCount)
	}
	if record.SuccessCount != 1 {
		t.Errorf("success_count = %d, want 1", record.SuccessCount)
	}
	if record.ConsecutiveFailures != 0 {
		t.Errorf("consecutive_failures = %d, want 0", record.ConsecutiveFailures)
	}
	if prober.callCount() != 3 {
		t.Errorf("probe called %d times, want 3", prober.callCount())
	}
}

// TestProtocolFailureNotRetried verifies non-transport failures are
// accounted immediately
func TestProtocolFailureNotRetried(t *testing.T) {
	config := testConfig()
	config.RequestRetries = 3
	prober := &stubProber{outcome: func(int, *proxy.Record) (*judge.Result, error) {
		return nil, errors.NewProtocolError(errors.ErrorJudgeBadResponse, "judge said no", "", nil)
	}}
	m := New(config, prober, &stubEnricher{}, nil, nil, nil)
	key := mustIngest(t, m, "http://203.0.113.7:8080")

	m.Check(key)
	m.Wait()

	if prober.callCount() != 1 {
		t.Errorf("probe called %d times, want 1 (no retry)", prober.callCount())
	}
	record, _ := m.Get(key)
	if record.ConsecutiveFailures != 1 {
		t.Errorf("consecutive_failures = %d, want 1", record.ConsecutiveFailures)
	}
}

// TestConcurrencyBound walks scenario S5: with a cap of 5 and slow
// probes, no more than 5 probes are ever in flight.
func TestConcurrencyBound(t *testing.T) {
	config := testConfig()
	config.ParallelValidations = 5
	prober := &stubProber{delay: 100 * time.Millisecond}
	m := New(config, prober, &stubEnricher{}, nil, nil, nil)

	for i := 0; i < 100; i++ {
		mustIngest(t, m, fmt.Sprintf("http://10.0.%d.%d:8080", i/250, i%250+1))
	}

	start := time.Now()
	scheduled := m.CheckAll(context.Background())
	elapsed := time.Since(start)

	if scheduled != 100 {
		t.Errorf("scheduled %d, want 100", scheduled)
	}
	if max := prober.maxActive.Load(); max > 5 {
		t.Errorf("observed %d concurrent probes, cap is 5", max)
	}
	if elapsed < 1900*time.Millisecond {
		t.Errorf("wall time %v too short for 100 probes at 100ms through 5 permits", elapsed)
	}
	if m.ActiveProbes() != 0 {
		t.Errorf("active probes = %d after completion, want 0", m.ActiveProbes())
	}
}

// TestOverlappingChecksCoalesce verifies per-record serialization: a
// second Check on an in-flight key dispatches no extra attempt
func TestOverlappingChecksCoalesce(t *testing.T) {
	prober := &stubProber{delay: 100 * time.Millisecond}
	m := New(testConfig(), prober, &stubEnricher{}, nil, nil, nil)
	key := mustIngest(t, m, "http://203.0.113.7:8080")

	m.Check(key)
	time.Sleep(10 * time.Millisecond)
	m.Check(key)
	m.Wait()

	record, _ := m.Get(key)
	if record.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1 (overlap must coalesce)", record.AttemptCount)
	}
}

// TestCountersMonotone verifies invariant 5 across mixed outcomes
func TestCountersMonotone(t *testing.T) {
	prober := &stubProber{outcome: func(call int, _ *proxy.Record) (*judge.Result, error) {
		if call%2 == 0 {
			return nil, transportErr()
		}
		return &judge.Result{Anonymity: proxy.AnonymityElite, LatencyMs: 10}, nil
	}}
	config := testConfig()
	config.RequestRetries = 1
	m := New(config, prober, &stubEnricher{}, nil, nil, nil)
	key := mustIngest(t, m, "http://203.0.113.7:8080")

	lastAttempts, lastSuccesses := 0, 0
	for i := 0; i < 6; i++ {
		m.Check(key)
		m.Wait()
		record, _ := m.Get(key)
		if record.SuccessCount > record.AttemptCount {
			t.Fatalf("success_count %d exceeds attempt_count %d", record.SuccessCount, record.AttemptCount)
		}
		if record.AttemptCount < lastAttempts || record.SuccessCount < lastSuccesses {
			t.Fatal("counters went backwards")
		}
		lastAttempts, lastSuccesses = record.AttemptCount, record.SuccessCount
	}
}

// TestCheckAllIncludesStaleAlive verifies records older than MaxProxyAge
// are revalidated even when previously alive
func TestCheckAllIncludesStaleAlive(t *testing.T) {
	m := New(testConfig(), &stubProber{}, &stubEnricher{}, nil, nil, nil)
	key := mustIngest(t, m, "http://203.0.113.7:8080")
	m.Check(key)
	m.Wait()

	if record, _ := m.Get(key); record.State != proxy.StateAlive {
		t.Fatalf("setup: record not alive: %s", record.State)
	}
	// Age the alive record past MaxProxyAge
	m.mutex.Lock()
	m.records[key].LastChecked = time.Now().Add(-2 * m.config.MaxProxyAge)
	m.mutex.Unlock()
	if scheduled := m.CheckAll(context.Background()); scheduled != 1 {
		t.Errorf("CheckAll scheduled %d, want 1 (alive records revalidate)", scheduled)
	}
}

// TestEnrich verifies on-demand metadata enrichment
func TestEnrich(t *testing.T) {
	enricher := &stubEnricher{}
	m := New(testConfig(), &stubProber{}, enricher, nil, nil, nil)
	key := mustIngest(t, m, "http://203.0.113.7:8080")

	if err := m.Enrich(key); err != nil {
		t.Fatal(err)
	}
	m.Wait()

	record, _ := m.Get(key)
	if record.Metadata == nil {
		t.Fatal("metadata not applied")
	}
	if record.Metadata.Country != "NL" || record.Metadata.ASN != "AS1234" {
		t.Errorf("metadata = %+v", record.Metadata)
	}
	if enricher.calls.Load() != 1 {
		t.Errorf("enricher called %d times, want 1", enricher.calls.Load())
	}
}

// TestEnrichAlive verifies the pooled sweep only touches alive records
// that lack metadata
func TestEnrichAlive(t *testing.T) {
	enricher := &stubEnricher{}
	prober := &stubProber{outcome: func(_ int, record *proxy.Record) (*judge.Result, error) {
		if record.Host == "203.0.113.9" {
			return nil, errors.NewProtocolError(errors.ErrorJudgeBadResponse, "no", "", nil)
		}
		return &judge.Result{Anonymity: proxy.AnonymityElite, LatencyMs: 10}, nil
	}}
	m := New(testConfig(), prober, enricher, nil, nil, nil)
	mustIngest(t, m, "http://203.0.113.8:8080")
	mustIngest(t, m, "http://203.0.113.9:8080")
	m.CheckAll(context.Background())

	if scheduled := m.EnrichAlive(); scheduled != 1 {
		t.Errorf("scheduled %d enrichments, want 1", scheduled)
	}
	m.Wait()
	if enricher.calls.Load() != 1 {
		t.Errorf("enricher called %d times, want 1", enricher.calls.Load())
	}

	// Enriched records are not re-enriched
	if scheduled := m.EnrichAlive(); scheduled != 0 {
		t.Errorf("second sweep scheduled %d, want 0", scheduled)
	}
}

// TestEnrichmentNotAutomatic verifies validation never triggers enrichment
func TestEnrichmentNotAutomatic(t *testing.T) {
	enricher := &stubEnricher{}
	m := New(testConfig(), &stubProber{}, enricher, nil, nil, nil)
	key := mustIngest(t, m, "http://203.0.113.7:8080")

	m.Check(key)
	m.Wait()

	if enricher.calls.Load() != 0 {
		t.Errorf("validation triggered %d enrichments, want 0", enricher.calls.Load())
	}
}

// TestPanicIsolation verifies a crashing probe does not poison the pool
func TestPanicIsolation(t *testing.T) {
	prober := &stubProber{outcome: func(call int, _ *proxy.Record) (*judge.Result, error) {
		if call == 1 {
			panic("probe exploded")
		}
		return &judge.Result{Anonymity: proxy.AnonymityElite, LatencyMs: 10}, nil
	}}
	m := New(testConfig(), prober, &stubEnricher{}, nil, nil, nil)
	first := mustIngest(t, m, "http://203.0.113.7:8080")
	second := mustIngest(t, m, "http://203.0.113.8:8080")

	m.Check(first)
	m.Wait()
	m.Check(second)
	m.Wait()

	record, _ := m.Get(second)
	if record.State != proxy.StateAlive {
		t.Errorf("pool poisoned: second record state = %s", record.State)
	}
}

// TestStatsAndEligible covers snapshots, rotation eligibility and purge
func TestStatsAndEligible(t *testing.T) {
	prober := &stubProber{outcome: func(_ int, record *proxy.Record) (*judge.Result, error) {
		if record.Host == "203.0.113.9" {
			return nil, transportErr()
		}
		return &judge.Result{Anonymity: proxy.AnonymityElite, LatencyMs: 20}, nil
	}}
	config := testConfig()
	config.RequestRetries = 1
	config.MaxConsecutiveFailures = 1
	m := New(config, prober, &stubEnricher{}, nil, nil, nil)

	good := mustIngest(t, m, "http://203.0.113.8:8080")
	bad := mustIngest(t, m, "socks5://203.0.113.9:1080")
	m.CheckAll(context.Background())

	stats := m.Stats()
	if stats.Total != 2 || stats.Alive != 1 || stats.Dead != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ByKind["http"] != 1 || stats.ByKind["socks5"] != 1 {
		t.Errorf("by_kind = %+v", stats.ByKind)
	}

	eligible := m.Eligible()
	if len(eligible) != 1 || eligible[0].Key() != good {
		t.Errorf("eligible = %v", eligible)
	}

	if m.PurgeDead(0) != 1 {
		t.Error("purge should remove the dead record")
	}
	if _, exists := m.Get(bad); exists {
		t.Error("dead record still present after purge")
	}
	if m.Stats().Total != 1 {
		t.Errorf("pool size = %d after purge, want 1", m.Stats().Total)
	}
}

// TestUpdatePolicy verifies reloaded policy steers later probes while
// the concurrency cap stays fixed
func TestUpdatePolicy(t *testing.T) {
	config := testConfig()
	config.ParallelValidations = 4
	m := New(config, &stubProber{}, &stubEnricher{}, nil, nil, nil)
	key := mustIngest(t, m, "http://203.0.113.7:8080")

	m.Check(key)
	m.Wait()
	if record, _ := m.Get(key); record.State != proxy.StateAlive {
		t.Fatalf("setup: state = %s", record.State)
	}

	// Tighten the latency ceiling below the stub's 42ms
	next := testConfig()
	next.MaxLatency = 10 * time.Millisecond
	next.ParallelValidations = 99
	m.UpdatePolicy(next)

	m.Check(key)
	m.Wait()
	record, _ := m.Get(key)
	if record.State != proxy.StateFailing {
		t.Errorf("state = %s, want %s under the tightened ceiling", record.State, proxy.StateFailing)
	}
	if m.policy().ParallelValidations != 4 {
		t.Errorf("parallel validations = %d, want the construction-time 4", m.policy().ParallelValidations)
	}
}

// TestRemove verifies explicit removal
func TestRemove(t *testing.T) {
	m := New(testConfig(), &stubProber{}, &stubEnricher{}, nil, nil, nil)
	key := mustIngest(t, m, "http://203.0.113.7:8080")

	if !m.Remove(key) {
		t.Error("Remove returned false for existing key")
	}
	if m.Remove(key) {
		t.Error("Remove returned true for missing key")
	}
	if m.Stats().Total != 0 {
		t.Error("pool not empty after removal")
	}
}

// TestCancelAll verifies cancellation aborts promptly and keeps partial
// results
func TestCancelAll(t *testing.T) {
	prober := &stubProber{delay: time.Second}
	config := testConfig()
	config.ParallelValidations = 2
	m := New(config, prober, &stubEnricher{}, nil, nil, nil)

	for i := 1; i <= 10; i++ {
		mustIngest(t, m, fmt.Sprintf("http://10.0.0.%d:8080", i))
	}
	for _, record := range m.Snapshot() {
		m.Check(record.Key())
	}

	time.Sleep(50 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		m.CancelAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("CancelAll did not return promptly")
	}
}
