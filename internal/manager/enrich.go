package manager

import (
	"context"
	"fmt"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
	"github.com/ResistanceIsUseless/ProxyScout/internal/worker"
)

// Enrich schedules a metadata lookup for the record's host. The lookup
// is gated by the same semaphore as validations. Returns promptly after
// dispatch; use Wait to join.
func (m *Manager) Enrich(key proxy.Key) error {
	m.mutex.Lock()
	_, exists := m.records[key]
	m.mutex.Unlock()
	if !exists {
		return errors.NewParseError(errors.ErrorProxyURLInvalid,
			"no such proxy in pool", key.String(), nil)
	}

	m.wg.Add(1)
	go m.runEnrichment(key)
	return nil
}

// EnrichAlive feeds every alive record lacking metadata through a
// worker pool and waits for completion. Returns the number scheduled.
func (m *Manager) EnrichAlive() int {
	m.mutex.Lock()
	limit := m.config.ParallelValidations
	var keys []proxy.Key
	for key, record := range m.records {
		if record.State == proxy.StateAlive && record.Metadata == nil {
			keys = append(keys, key)
		}
	}
	m.mutex.Unlock()

	pool := worker.NewPool(m.ctx, limit,
		func(ctx context.Context, key proxy.Key) error {
			m.wg.Add(1)
			m.runEnrichment(key)
			return nil
		},
		func(recovered any) {
			m.logger.Error("Enrichment worker crashed", "error", fmt.Sprintf("%v", recovered))
		})
	for _, key := range keys {
		if !pool.Submit(key) {
			break
		}
	}
	pool.Close()
	return len(keys)
}

func (m *Manager) runEnrichment(key proxy.Key) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Enrichment task crashed",
				"proxy", key.String(),
				"error", fmt.Sprintf("%v", r))
			if m.metrics != nil {
				m.metrics.RecordError("panic")
			}
		}
	}()

	select {
	case <-m.ctx.Done():
		return
	case m.semaphore <- struct{}{}:
	}
	defer func() { <-m.semaphore }()

	ip, err := resolveHost(m.ctx, key.Host)
	if err != nil {
		m.logger.Warn("Enrichment skipped", "proxy", key.String(), "error", err)
		return
	}

	metadata, err := m.sleuth.Lookup(m.ctx, ip)
	if err != nil {
		m.logger.Warn("Enrichment failed", "proxy", key.String(), "error", err)
		if m.metrics != nil {
			m.metrics.RecordEnrichment(false)
		}
		return
	}

	m.mutex.Lock()
	record, exists := m.records[key]
	if !exists {
		m.mutex.Unlock()
		return
	}
	record.Metadata = metadata
	clone := record.Clone()
	m.mutex.Unlock()

	m.logger.EnrichmentComplete(clone.Redacted(), metadata.Country, metadata.ASN)
	if m.metrics != nil {
		m.metrics.RecordEnrichment(true)
	}
	m.emitUpdate(clone)
}
