package manager

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
	"github.com/ResistanceIsUseless/ProxyScout/internal/judge"
	"github.com/ResistanceIsUseless/ProxyScout/internal/logging"
	"github.com/ResistanceIsUseless/ProxyScout/internal/metrics"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
)

// Prober scores a proxy against a judge endpoint
type Prober interface {
	Probe(ctx context.Context, record *proxy.Record) (*judge.Result, error)
}

// Enricher resolves ownership metadata for an IP
type Enricher interface {
	Lookup(ctx context.Context, ip string) (*proxy.Metadata, error)
}

// UpdateHandler is called with a copy of a record after each mutation
type UpdateHandler func(record *proxy.Record)

// Config represents pool and scheduling policy
type Config struct {
	MaxLatency             time.Duration
	MaxConsecutiveFailures int
	MinSuccessRate         float64
	FailureCooldown        time.Duration
	MaxProxyAge            time.Duration
	ParallelValidations    int
	RequestRetries         int
	RetryInitialDelay      time.Duration
}

// DefaultConfig returns the documented policy defaults
func DefaultConfig() Config {
	return Config{
		MaxLatency:             5 * time.Second,
		MaxConsecutiveFailures: 3,
		MinSuccessRate:         0.7,
		FailureCooldown:        300 * time.Second,
		MaxProxyAge:            86400 * time.Second,
		ParallelValidations:    10,
		RequestRetries:         3,
		RetryInitialDelay:      1 * time.Second,
	}
}

// Stats is a consistent snapshot of pool composition. Records currently
// being probed are reported under Validating.
type Stats struct {
	Total      int            `json:"total"`
	Untested   int            `json:"untested"`
	Validating int            `json:"validating"`
	Alive      int            `json:"alive"`
	Failing    int            `json:"failing"`
	Dead       int            `json:"dead"`
	ByKind     map[string]int `json:"by_kind"`
	ByCountry  map[string]int `json:"by_country"`
}

// Manager owns all proxy records, schedules validation and enrichment
// under a bounded concurrency cap, and enforces lifecycle policy.
// Records are mutated only here, under the internal lock; callers always
// receive copies.
type Manager struct {
	config  Config
	prober  Prober
	sleuth  Enricher
	logger  *logging.Logger
	metrics *metrics.Collector

	onUpdate UpdateHandler

	mutex    sync.Mutex
	records  map[proxy.Key]*proxy.Record
	inflight map[proxy.Key]bool

	semaphore    chan struct{}
	activeProbes atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager. prober and enricher may not be nil; collector
// and onUpdate may be.
func New(config Config, prober Prober, enricher Enricher, logger *logging.Logger, collector *metrics.Collector, onUpdate UpdateHandler) *Manager {
	if config.ParallelValidations <= 0 {
		config.ParallelValidations = DefaultConfig().ParallelValidations
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = DefaultConfig().MaxConsecutiveFailures
	}
	if config.FailureCooldown <= 0 {
		config.FailureCooldown = DefaultConfig().FailureCooldown
	}
	if config.MaxProxyAge <= 0 {
		config.MaxProxyAge = DefaultConfig().MaxProxyAge
	}
	if config.RetryInitialDelay <= 0 {
		config.RetryInitialDelay = DefaultConfig().RetryInitialDelay
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:    config,
		prober:    prober,
		sleuth:    enricher,
		logger:    logger,
		metrics:   collector,
		onUpdate:  onUpdate,
		records:   make(map[proxy.Key]*proxy.Record),
		inflight:  make(map[proxy.Key]bool),
		semaphore: make(chan struct{}, config.ParallelValidations),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Ingest adds a fingerprint to the pool. Idempotent: an existing key is
// merged without overwriting measurements; a new key is inserted in
// state Untested. Returns true when the record was newly inserted.
func (m *Manager) Ingest(record *proxy.Record) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := record.Key()
	if existing, exists := m.records[key]; exists {
		// Merge: identity and measurements stay; only fill blanks
		if existing.Metadata == nil && record.Metadata != nil {
			meta := *record.Metadata
			existing.Metadata = &meta
		}
		return false
	}

	clone := record.Clone()
	if clone.State == "" {
		clone.State = proxy.StateUntested
	}
	if clone.Anonymity == "" {
		clone.Anonymity = proxy.AnonymityUnknown
	}
	if clone.FirstSeen.IsZero() {
		clone.FirstSeen = time.Now()
	}
	m.records[key] = clone
	if m.metrics != nil {
		m.metrics.SetPoolSize(len(m.records))
	}
	return true
}

// IngestURL parses a proxy URL and ingests the resulting fingerprint
func (m *Manager) IngestURL(raw string) (proxy.Key, bool, error) {
	record, err := proxy.Parse(raw)
	if err != nil {
		return proxy.Key{}, false, err
	}
	return record.Key(), m.Ingest(record), nil
}

// Get returns a copy of the record for key
func (m *Manager) Get(key proxy.Key) (*proxy.Record, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, exists := m.records[key]
	if !exists {
		return nil, false
	}
	return record.Clone(), true
}

// Remove deletes a record from the pool
func (m *Manager) Remove(key proxy.Key) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.records[key]; !exists {
		return false
	}
	delete(m.records, key)
	if m.metrics != nil {
		m.metrics.SetPoolSize(len(m.records))
	}
	return true
}

// PurgeDead removes dead records whose last check is older than maxAge
func (m *Manager) PurgeDead(maxAge time.Duration) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	purged := 0
	for key, record := range m.records {
		if record.State == proxy.StateDead && now.Sub(record.LastChecked) > maxAge {
			delete(m.records, key)
			purged++
		}
	}
	if purged > 0 && m.metrics != nil {
		m.metrics.SetPoolSize(len(m.records))
	}
	return purged
}

// Stats returns a snapshot of pool composition
func (m *Manager) Stats() Stats {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stats := Stats{
		ByKind:    make(map[string]int),
		ByCountry: make(map[string]int),
	}
	for _, record := range m.records {
		stats.Total++
		switch record.State {
		case proxy.StateUntested:
			stats.Untested++
		case proxy.StateValidating:
			stats.Validating++
		case proxy.StateAlive:
			stats.Alive++
		case proxy.StateFailing:
			stats.Failing++
		case proxy.StateDead:
			stats.Dead++
		}
		stats.ByKind[string(record.Kind)]++
		if record.Metadata != nil && record.Metadata.Country != "" {
			stats.ByCountry[record.Metadata.Country]++
		}
	}
	return stats
}

// Snapshot returns copies of every record, ordered by URL for stable output
func (m *Manager) Snapshot() []*proxy.Record {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	records := make([]*proxy.Record, 0, len(m.records))
	for _, record := range m.records {
		records = append(records, record.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].URL() < records[j].URL()
	})
	return records
}

// Eligible returns records fit for external consumption: alive, above
// the success-rate floor, out of cooldown, and not older than
// MaxProxyAge.
func (m *Manager) Eligible() []*proxy.Record {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	var eligible []*proxy.Record
	for _, record := range m.records {
		if record.Eligible(now, m.config.MinSuccessRate) && !record.Stale(now, m.config.MaxProxyAge) {
			eligible = append(eligible, record.Clone())
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].LatencyMs < eligible[j].LatencyMs
	})
	return eligible
}

// UpdatePolicy applies new lifecycle policy to subsequent scheduling
// decisions. The concurrency cap is sized at construction and stays;
// everything else (latency ceiling, failure thresholds, cooldown, age,
// retries) takes effect on the next probe.
func (m *Manager) UpdatePolicy(config Config) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	parallel := m.config.ParallelValidations
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = m.config.MaxConsecutiveFailures
	}
	if config.FailureCooldown <= 0 {
		config.FailureCooldown = m.config.FailureCooldown
	}
	if config.MaxProxyAge <= 0 {
		config.MaxProxyAge = m.config.MaxProxyAge
	}
	if config.RetryInitialDelay <= 0 {
		config.RetryInitialDelay = m.config.RetryInitialDelay
	}
	m.config = config
	m.config.ParallelValidations = parallel
}

// policy returns a consistent copy of the current policy for use
// outside the lock
func (m *Manager) policy() Config {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.config
}

// ActiveProbes reports how many probes currently hold a semaphore permit
func (m *Manager) ActiveProbes() int64 {
	return m.activeProbes.Load()
}

// Wait blocks until every scheduled task has completed
func (m *Manager) Wait() {
	m.wg.Wait()
}

// CancelAll aborts all spawned tasks at their next suspension point
// without draining. Partial results already applied are retained.
func (m *Manager) CancelAll() {
	m.cancel()
	m.wg.Wait()
}

// resolveHost returns the record's host as an IP literal, resolving DNS
// names through the default resolver.
func resolveHost(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return "", errors.NewAddressError(errors.ErrorAddressInvalid,
			"could not resolve host to an IP", host)
	}
	return addrs[0], nil
}
