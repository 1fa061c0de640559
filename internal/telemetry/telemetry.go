// Package telemetry collects in-process sync counters. Nothing ever leaves
// the device; the numbers feed the diagnostics screen and tests.
package telemetry

import "sync/atomic"

// Metrics accumulates engine activity since process start.
type Metrics struct {
	cycles           atomic.Int64
	pushSucceeded    atomic.Int64
	pushFailed       atomic.Int64
	pushRejected     atomic.Int64
	pullApplied      atomic.Int64
	conflictsFlagged atomic.Int64
	countersMerged   atomic.Int64
	lastCycleMillis  atomic.Int64
}

// New creates an empty Metrics.
func New() *Metrics {
	return &Metrics{}
}

// CycleFinished records one completed sync cycle and its duration.
func (m *Metrics) CycleFinished(durationMillis int64) {
	m.cycles.Add(1)
	m.lastCycleMillis.Store(durationMillis)
}

// PushSucceeded records a confirmed push.
func (m *Metrics) PushSucceeded() { m.pushSucceeded.Add(1) }

// PushFailed records a transient push failure.
func (m *Metrics) PushFailed() { m.pushFailed.Add(1) }

// PushRejected records a permanent push rejection.
func (m *Metrics) PushRejected() { m.pushRejected.Add(1) }

// PullApplied records reconciled remote changes.
func (m *Metrics) PullApplied(n int64) { m.pullApplied.Add(n) }

// ConflictFlagged records a divergence moved to the conflict state.
func (m *Metrics) ConflictFlagged() { m.conflictsFlagged.Add(1) }

// CountersMerged records a numeric counter merge that avoided a conflict.
func (m *Metrics) CountersMerged() { m.countersMerged.Add(1) }

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() map[string]int64 {
	if m == nil {
		return nil
	}
	return map[string]int64{
		"cycles":            m.cycles.Load(),
		"push_succeeded":    m.pushSucceeded.Load(),
		"push_failed":       m.pushFailed.Load(),
		"push_rejected":     m.pushRejected.Load(),
		"pull_applied":      m.pullApplied.Load(),
		"conflicts_flagged": m.conflictsFlagged.Load(),
		"counters_merged":   m.countersMerged.Load(),
		"last_cycle_ms":     m.lastCycleMillis.Load(),
	}
}
