package harvest

import (
	"context"
	"regexp"
	"time"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
	"github.com/ResistanceIsUseless/ProxyScout/internal/logging"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
	"github.com/ResistanceIsUseless/ProxyScout/internal/requestor"
)

// DefaultExtractionPattern matches bare host:port candidates in any
// text or HTML payload. Sources may override it with their own pattern;
// the first capture group (if any) is used, otherwise the whole match.
const DefaultExtractionPattern = `(?:[a-z0-9][a-z0-9.-]*|\d{1,3}(?:\.\d{1,3}){3}|\[[0-9a-fA-F:]+\]):\d{1,5}`

// Source is a harvestable candidate list
type Source struct {
	URL               string    `json:"url"`
	UserAgent         string    `json:"user_agent,omitempty"`
	ExtractionPattern string    `json:"extraction_pattern,omitempty"`
	LastStatus        int       `json:"last_status,omitempty"`
	LastFetched       time.Time `json:"last_fetched,omitempty"`
	Reliability       float64   `json:"reliability"`
}

// Harvester fetches sources and extracts candidate fingerprints.
// Fetches to source hosts are spaced by the configured delay; the
// per-source reliability is an exponentially weighted success average.
type Harvester struct {
	requestor *requestor.Requestor
	logger    *logging.Logger
	timeout   time.Duration
	delay     time.Duration
}

// New creates a Harvester
func New(req *requestor.Requestor, logger *logging.Logger, timeout, delay time.Duration) *Harvester {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &Harvester{
		requestor: req,
		logger:    logger,
		timeout:   timeout,
		delay:     delay,
	}
}

// Fetch retrieves one source and extracts deduplicated candidate
// records. The source's status and reliability are updated in place.
func (h *Harvester) Fetch(ctx context.Context, source *Source) ([]*proxy.Record, error) {
	pattern := source.ExtractionPattern
	if pattern == "" {
		pattern = DefaultExtractionPattern
	}
	matcher, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.NewParseError(errors.ErrorExtractionPatternInvalid,
			"extraction pattern does not compile", pattern, err)
	}

	client, err := h.requestor.Build(nil, h.timeout)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp, err := h.requestor.Get(fetchCtx, client, source.URL, source.UserAgent, nil)
	source.LastFetched = time.Now()
	if err != nil {
		source.LastStatus = 0
		h.recordOutcome(source, false)
		return nil, err
	}

	source.LastStatus = resp.Status
	if resp.Status < 200 || resp.Status > 299 {
		h.recordOutcome(source, false)
		return nil, errors.NewProtocolError(errors.ErrorBadStatus,
			"source returned non-2xx status", source.URL, nil).
			WithDetail("status", resp.Status)
	}

	records := h.extract(matcher, resp.Body)
	h.recordOutcome(source, len(records) > 0)
	return records, nil
}

// HarvestAll fetches every source in order, spacing requests by the
// configured delay, and hands each candidate to ingest. Malformed
// candidates are rejected at the boundary and skipped.
func (h *Harvester) HarvestAll(ctx context.Context, sources []*Source, ingest func(*proxy.Record) bool) (int, error) {
	total := 0
	for i, source := range sources {
		if i > 0 && h.delay > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(h.delay):
			}
		}

		records, err := h.Fetch(ctx, source)
		h.logger.HarvestComplete(source.URL, len(records), err)
		if err != nil {
			continue
		}

		for _, record := range records {
			if ingest(record) {
				total++
			}
		}
	}
	return total, nil
}

// extract applies the pattern and parses each unique match as a proxy
// fingerprint. Matches that fail the URL grammar are dropped.
func (h *Harvester) extract(matcher *regexp.Regexp, body []byte) []*proxy.Record {
	var records []*proxy.Record
	seen := make(map[proxy.Key]bool)

	for _, match := range matcher.FindAllSubmatch(body, -1) {
		candidate := string(match[0])
		if len(match) > 1 && len(match[1]) > 0 {
			candidate = string(match[1])
		}

		record, err := proxy.Parse(candidate)
		if err != nil {
			continue
		}

		key := record.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		records = append(records, record)
	}

	return records
}

// recordOutcome folds a fetch outcome into the reliability EWMA
func (h *Harvester) recordOutcome(source *Source, success bool) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if source.Reliability == 0 {
		source.Reliability = outcome
		return
	}
	const alpha = 0.3
	source.Reliability = alpha*outcome + (1-alpha)*source.Reliability
}
