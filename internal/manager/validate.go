package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
	"github.com/ResistanceIsUseless/ProxyScout/internal/judge"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
	"github.com/ResistanceIsUseless/ProxyScout/internal/worker"
)

// Check schedules a single validation for key. It returns promptly after
// dispatch; use Wait to join. Scheduling is refused when the key is
// unknown, already being probed, or still in cooldown.
func (m *Manager) Check(key proxy.Key) error {
	m.mutex.Lock()
	record, exists := m.records[key]
	if !exists {
		m.mutex.Unlock()
		return errors.NewParseError(errors.ErrorProxyURLInvalid,
			"no such proxy in pool", key.String(), nil)
	}
	if m.inflight[key] {
		m.mutex.Unlock()
		return nil
	}
	if record.InCooldown(time.Now()) {
		m.mutex.Unlock()
		return nil
	}
	m.inflight[key] = true
	m.mutex.Unlock()

	m.wg.Add(1)
	go m.runValidation(key)
	return nil
}

// CheckAll schedules validation for every record whose cooldown has
// elapsed and whose state admits re-checking, then waits for all of them
// to complete. Alive records older than MaxProxyAge are included even
// though previously validated.
func (m *Manager) CheckAll(ctx context.Context) int {
	m.mutex.Lock()
	now := time.Now()
	limit := m.config.ParallelValidations
	var keys []proxy.Key
	for key, record := range m.records {
		if m.inflight[key] {
			continue
		}
		if record.InCooldown(now) {
			continue
		}
		switch record.State {
		case proxy.StateUntested, proxy.StateAlive, proxy.StateFailing:
			keys = append(keys, key)
			m.inflight[key] = true
		}
	}
	m.mutex.Unlock()

	if m.metrics != nil {
		m.metrics.SetQueueSize(len(keys))
	}
	m.logger.ValidationStart(len(keys), limit)

	errs := worker.BoundedBatch(ctx, keys, limit,
		func(ctx context.Context, key proxy.Key) error {
			m.wg.Add(1)
			m.runValidationCtx(ctx, key)
			return nil
		})
	// Keys the batch never dispatched (cancelled scope) keep no claim
	for i, err := range errs {
		if err != nil {
			m.clearInflight(keys[i])
		}
	}

	stats := m.Stats()
	m.logger.ValidationComplete(len(keys), stats.Alive)
	if m.metrics != nil {
		m.metrics.SetQueueSize(0)
	}
	return len(keys)
}

// runValidation executes one scheduled validation under the manager's
// own lifetime context.
func (m *Manager) runValidation(key proxy.Key) {
	m.runValidationCtx(m.ctx, key)
}

// runValidationCtx acquires a semaphore permit, probes, and applies the
// outcome. A panic inside the task is isolated and accounted as a
// system failure rather than poisoning the pool.
func (m *Manager) runValidationCtx(ctx context.Context, key proxy.Key) {
	defer m.wg.Done()
	defer m.clearInflight(key)
	defer func() {
		if r := recover(); r != nil {
			err := errors.NewSystemError(errors.ErrorUnexpectedPanic,
				fmt.Sprintf("validation task panicked: %v", r), nil)
			m.logger.Error("Validation task crashed", "proxy", key.String(), "error", err)
			if m.metrics != nil {
				m.metrics.RecordError("panic")
			}
		}
	}()

	select {
	case <-ctx.Done():
		return
	case <-m.ctx.Done():
		return
	case m.semaphore <- struct{}{}:
	}
	m.activeProbes.Add(1)
	if m.metrics != nil {
		m.metrics.SetActiveProbes(int(m.activeProbes.Load()))
	}
	defer func() {
		m.activeProbes.Add(-1)
		if m.metrics != nil {
			m.metrics.SetActiveProbes(int(m.activeProbes.Load()))
		}
		<-m.semaphore
	}()

	record, ok := m.beginAttempt(key)
	if !ok {
		return
	}

	policy := m.policy()
	start := time.Now()
	result, err := m.probeWithRetry(ctx, policy, record)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil || m.ctx.Err() != nil {
			// Cancelled mid-probe: retain prior accounting, do not
			// charge the proxy with a failure it never had
			m.applyCancelled(key)
			return
		}
		m.applyFailure(key, err)
		if m.metrics != nil {
			m.metrics.RecordValidation(string(record.Kind), false, elapsed)
			m.metrics.RecordError(errors.GetErrorCategory(err))
		}
		return
	}

	m.applySuccess(key, result)
	if m.metrics != nil {
		m.metrics.RecordValidation(string(record.Kind), true, elapsed)
		m.metrics.RecordAnonymity(string(result.Anonymity))
		m.metrics.ObserveLatency(time.Duration(result.LatencyMs) * time.Millisecond)
	}
}

// probeWithRetry retries the probe on transport errors only, with
// doubling delays. RequestRetries is the total number of attempts (at
// least one), so 3 means the first try plus two retries. Protocol and
// parse failures surface immediately.
func (m *Manager) probeWithRetry(ctx context.Context, policy Config, record *proxy.Record) (*judge.Result, error) {
	maxAttempts := policy.RequestRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	delay := policy.RetryInitialDelay
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.NewSystemError(errors.ErrorSystemShutdown,
					"validation cancelled", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		result, err := m.prober.Probe(ctx, record)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// beginAttempt transitions the record to Validating and increments the
// attempt counter. Returns a working copy for the probe.
func (m *Manager) beginAttempt(key proxy.Key) (*proxy.Record, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, exists := m.records[key]
	if !exists {
		return nil, false
	}
	record.State = proxy.StateValidating
	record.AttemptCount++
	return record.Clone(), true
}

// applySuccess applies a successful probe outcome
func (m *Manager) applySuccess(key proxy.Key, result *judge.Result) {
	m.mutex.Lock()
	record, exists := m.records[key]
	if !exists {
		m.mutex.Unlock()
		return
	}

	record.Anonymity = result.Anonymity
	record.LatencyMs = result.LatencyMs
	record.SuccessCount++
	record.ConsecutiveFailures = 0
	record.LastChecked = time.Now()
	if m.config.MaxLatency > 0 && time.Duration(result.LatencyMs)*time.Millisecond > m.config.MaxLatency {
		record.State = proxy.StateFailing
	} else {
		record.State = proxy.StateAlive
	}

	clone := record.Clone()
	m.mutex.Unlock()

	m.logger.ValidationSuccess(clone.Redacted(), string(clone.Anonymity), clone.LatencyMs)
	m.emitUpdate(clone)
}

// applyFailure applies a failed probe outcome and the dead/cooldown policy
func (m *Manager) applyFailure(key proxy.Key, cause error) {
	m.mutex.Lock()
	record, exists := m.records[key]
	if !exists {
		m.mutex.Unlock()
		return
	}

	now := time.Now()
	record.ConsecutiveFailures++
	record.LastChecked = now

	var died bool
	if record.ConsecutiveFailures >= m.config.MaxConsecutiveFailures {
		record.CooldownUntil = now.Add(m.config.FailureCooldown)
		if record.SuccessRate() < m.config.MinSuccessRate {
			record.State = proxy.StateDead
			died = true
		} else {
			// Historically good proxy on a bad streak: cool off, keep alive-able
			record.State = proxy.StateFailing
		}
	} else {
		record.State = proxy.StateFailing
	}

	clone := record.Clone()
	m.mutex.Unlock()

	m.logger.ValidationFailure(clone.Redacted(), clone.ConsecutiveFailures, cause)
	if died {
		m.logger.ProxyDead(clone.Redacted(), m.config.FailureCooldown.Seconds())
	}
	m.emitUpdate(clone)
}

// applyCancelled rolls a Validating record back to a state implied by
// its history after a cancelled probe.
func (m *Manager) applyCancelled(key proxy.Key) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, exists := m.records[key]
	if !exists || record.State != proxy.StateValidating {
		return
	}
	switch {
	case record.ConsecutiveFailures > 0:
		record.State = proxy.StateFailing
	case record.SuccessCount > 0:
		record.State = proxy.StateAlive
	default:
		record.State = proxy.StateUntested
	}
}

func (m *Manager) clearInflight(key proxy.Key) {
	m.mutex.Lock()
	delete(m.inflight, key)
	m.mutex.Unlock()
}

func (m *Manager) emitUpdate(record *proxy.Record) {
	if m.onUpdate != nil {
		m.onUpdate(record)
	}
}
