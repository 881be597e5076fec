// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the prometheus-backed recorders of the ptlrpcd
// services. recorders are created only once InitRegistry() was called,
// otherwise constructors return nil and every recorder method on a nil
// receiver is a no-op, so the services pay nothing when metrics are off.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ptlrpcd"

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry creates the process registry. subsequent calls return the
// same registry.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(prometheus.NewGoCollector())
	}
	return registry
}

func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

func IsEnabled() bool {
	return GetRegistry() != nil
}

// Timer wheel: ---------------------------------------------------------------

type TimerMetrics struct {
	armed     prometheus.Counter
	fired     prometheus.Counter
	cancelled prometheus.Counter
	pending   prometheus.Gauge
}

func NewTimerMetrics() *TimerMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &TimerMetrics{
		armed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timer", Name: "armed_total",
			Help: "Timers added to the timer wheel.",
		}),
		fired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timer", Name: "fired_total",
			Help: "Timers expired by the timer wheel.",
		}),
		cancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timer", Name: "cancelled_total",
			Help: "Pending timers removed before expiry.",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "timer", Name: "pending",
			Help: "Timers currently linked into the timer wheel.",
		}),
	}
}

func (m *TimerMetrics) Armed() {
	if m == nil {
		return
	}
	m.armed.Inc()
	m.pending.Inc()
}

func (m *TimerMetrics) Fired() {
	if m == nil {
		return
	}
	m.fired.Inc()
	m.pending.Dec()
}

func (m *TimerMetrics) Cancelled() {
	if m == nil {
		return
	}
	m.cancelled.Inc()
	m.pending.Dec()
}

// Workitem scheduler: --------------------------------------------------------

type SchedulerMetrics struct {
	runs     *prometheus.CounterVec
	requeued prometheus.Counter
}

func NewSchedulerMetrics() *SchedulerMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &SchedulerMetrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workitem", Name: "runs_total",
			Help: "Workitem actions executed, by run-queue.",
		}, []string{"queue"}),
		requeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workitem", Name: "requeued_total",
			Help: "Workitems dequeued while still running and put back.",
		}),
	}
}

func (m *SchedulerMetrics) Ran(queue string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(queue).Inc()
}

func (m *SchedulerMetrics) Requeued() {
	if m == nil {
		return
	}
	m.requeued.Inc()
}

// Imports: -------------------------------------------------------------------

type ImportMetrics struct {
	transitions *prometheus.CounterVec
	replayed    *prometheus.CounterVec
	resent      *prometheus.CounterVec
	evictions   *prometheus.CounterVec
}

func NewImportMetrics() *ImportMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &ImportMetrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "import", Name: "state_transitions_total",
			Help: "Import state transitions, by import and new state.",
		}, []string{"import", "state"}),
		replayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "import", Name: "replayed_total",
			Help: "Requests replayed during recovery.",
		}, []string{"import"}),
		resent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "import", Name: "resent_total",
			Help: "In-flight requests resent after reconnection.",
		}, []string{"import"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "import", Name: "evictions_total",
			Help: "Times an import was evicted by its target.",
		}, []string{"import"}),
	}
}

func (m *ImportMetrics) Transition(imp, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(imp, state).Inc()
}

func (m *ImportMetrics) Replayed(imp string) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(imp).Inc()
}

func (m *ImportMetrics) Resent(imp string) {
	if m == nil {
		return
	}
	m.resent.WithLabelValues(imp).Inc()
}

func (m *ImportMetrics) Evicted(imp string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(imp).Inc()
}

// LNet: ----------------------------------------------------------------------

type LNetMetrics struct {
	activeMDs prometheus.Gauge
	zombies   prometheus.Counter
	events    *prometheus.CounterVec
}

func NewLNetMetrics() *LNetMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &LNetMetrics{
		activeMDs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "lnet", Name: "active_mds",
			Help: "Memory descriptors on the active list.",
		}),
		zombies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lnet", Name: "deferred_unlinks_total",
			Help: "Unlinks deferred because the MD was still referenced.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lnet", Name: "events_total",
			Help: "Events posted to event queues, by type.",
		}, []string{"type"}),
	}
}

func (m *LNetMetrics) MDLinked() {
	if m == nil {
		return
	}
	m.activeMDs.Inc()
}

func (m *LNetMetrics) MDFreed() {
	if m == nil {
		return
	}
	m.activeMDs.Dec()
}

func (m *LNetMetrics) UnlinkDeferred() {
	if m == nil {
		return
	}
	m.zombies.Inc()
}

func (m *LNetMetrics) Event(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}
